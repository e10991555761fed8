// Command pricetest fetches public quotes and recent trades from every live
// binding without credentials or streaming.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/GarethWright/magic8bot/internal/adapter"
	"github.com/GarethWright/magic8bot/internal/app"
	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/GarethWright/magic8bot/internal/executor"
	"github.com/GarethWright/magic8bot/internal/infra"
)

var targets = []infra.ExchangeConfig{
	{Name: "coinbase", Products: []string{"BTC-USD"}},
	{Name: "binance", Products: []string{"BTC-USDT"}},
}

func main() {
	fmt.Println("=== magic8bot public price check ===")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := false
	for _, ec := range targets {
		if err := check(ctx, ec); err != nil {
			fmt.Printf("❌ %s: %v\n\n", ec.Name, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
	fmt.Println("✅ All quotes fetched")
}

func check(ctx context.Context, ec infra.ExchangeConfig) error {
	binding, _, err := app.NewBinding(app.ModeLive, ec, nil)
	if err != nil {
		return err
	}
	a := adapter.New(binding, adapter.Config{Policy: executor.Policy{MaxAttempts: 3}}, adapter.WithoutFeeds())
	defer a.Close()

	product := ec.Products[0]
	q, err := a.GetQuote(ctx, domain.QuoteOpts{ProductID: product})
	if err != nil {
		return err
	}
	trades, err := a.GetTrades(ctx, domain.TradesOpts{ProductID: product})
	if err != nil {
		return err
	}

	info := a.Info()
	fmt.Printf("📊 %s %s\n", info.Name, product)
	fmt.Printf("   bid/ask:  %s / %s (spread %s)\n", q.Bid, q.Ask, q.Ask.Sub(q.Bid))
	fmt.Printf("   trades:   %d (%s scan, cursor %s)\n", len(trades), info.HistoryScan, info.Cursor)
	if len(trades) > 0 {
		t := trades[0]
		fmt.Printf("   first:    #%d %s %s @ %s (cursor %d)\n", t.ID, t.Side, t.Size, t.Price, a.GetCursor(t))
	}
	fmt.Printf("   fees:     maker %s%% taker %s%%\n", info.MakerFee, info.TakerFee)
	fmt.Println()
	return nil
}
