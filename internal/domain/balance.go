package domain

import "github.com/shopspring/decimal"

// Balance is the free/held position for one product's asset and currency.
// Never cached; always fetched fresh.
type Balance struct {
	Asset        decimal.Decimal `json:"asset"`
	Currency     decimal.Decimal `json:"currency"`
	AssetHold    decimal.Decimal `json:"asset_hold"`
	CurrencyHold decimal.Decimal `json:"currency_hold"`
}

// Account is one vendor wallet line.
type Account struct {
	Currency string
	Balance  decimal.Decimal // total, including Hold
	Hold     decimal.Decimal
}

// BalanceFrom folds vendor accounts into a Balance for the asset/currency pair.
func BalanceFrom(accounts []Account, asset, currency string) Balance {
	b := Balance{
		Asset:        decimal.Zero,
		Currency:     decimal.Zero,
		AssetHold:    decimal.Zero,
		CurrencyHold: decimal.Zero,
	}
	for _, a := range accounts {
		switch a.Currency {
		case asset:
			b.Asset = a.Balance
			b.AssetHold = a.Hold
		case currency:
			b.Currency = a.Balance
			b.CurrencyHold = a.Hold
		}
	}
	return b
}

// Product is a tradable pair.
type Product struct {
	ID        string          `json:"id"`
	Asset     string          `json:"asset"`
	Currency  string          `json:"currency"`
	MinSize   decimal.Decimal `json:"min_size"`
	Increment decimal.Decimal `json:"increment"`
	Label     string          `json:"label"`
}
