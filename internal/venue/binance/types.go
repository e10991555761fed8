package binance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/pkg/quant"
	gbinance "github.com/adshao/go-binance/v2"
)

func sideType(s domain.Side) gbinance.SideType {
	if s == domain.SideSell {
		return gbinance.SideTypeSell
	}
	return gbinance.SideTypeBuy
}

func fromSideType(s gbinance.SideType) domain.Side {
	if s == gbinance.SideTypeSell {
		return domain.SideSell
	}
	return domain.SideBuy
}

// orderFields is the common shape of CreateOrderResponse and Order.
type orderFields struct {
	ID        int64
	ClientOID string
	Symbol    string
	Side      gbinance.SideType
	Type      gbinance.OrderType
	Price     string
	Size      string
	Filled    string
	Status    gbinance.OrderStatusType
	Time      int64
	Updated   int64
}

func toOrder(f orderFields, productID string) (*domain.Order, error) {
	price, err := quant.ParseDecimal(f.Price)
	if err != nil {
		return nil, err
	}
	size, err := quant.ParseDecimal(f.Size)
	if err != nil {
		return nil, err
	}
	filled, err := quant.ParseDecimal(f.Filled)
	if err != nil {
		return nil, err
	}

	o := &domain.Order{
		ID:         fmt.Sprintf("%d", f.ID),
		ClientOID:  f.ClientOID,
		ProductID:  productID,
		Side:       fromSideType(f.Side),
		Type:       domain.OrderTypeLimit,
		Price:      price,
		Size:       size,
		FilledSize: filled,
		PostOnly:   f.Type == gbinance.OrderTypeLimitMaker,
		Status:     domain.StatusOpen,
	}
	if f.Type == gbinance.OrderTypeMarket {
		o.Type = domain.OrderTypeMarket
	}
	if f.Time > 0 {
		o.CreatedAt = time.UnixMilli(f.Time).UTC()
	}

	doneAt := o.CreatedAt
	if f.Updated > 0 {
		doneAt = time.UnixMilli(f.Updated).UTC()
	}
	if reason := doneReason(f.Status); reason != "" {
		o.Finish(reason, doneAt)
	}
	return o, nil
}

// doneReason maps terminal statuses to the shared done reasons. Open
// statuses map to "".
func doneReason(s gbinance.OrderStatusType) string {
	switch s {
	case gbinance.OrderStatusTypeFilled:
		return domain.DoneReasonFilled
	case gbinance.OrderStatusTypeCanceled, gbinance.OrderStatusTypeExpired:
		return domain.DoneReasonCanceled
	case gbinance.OrderStatusTypeRejected:
		return domain.DoneReasonRejected
	}
	return ""
}

// combinedMessage wraps every frame on a /stream?streams= connection.
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Error  *combinedError  `json:"error,omitempty"`
}

type combinedError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}
