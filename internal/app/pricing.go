package app

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/transfa/rental-service/internal/config"
)

// PriceQuote is what a user is charged for a service, fixed before the provider is called.
type PriceQuote struct {
	Amount   int64           // minor units of Currency
	Currency string          // home currency
	MaxCost  decimal.Decimal // most the provider may charge in USD, zero for no cap
}

// Pricer quotes services from a catalog of home-currency prices and converts provider
// costs back into home minor units.
type Pricer struct {
	currency     string
	defaultPrice int64
	catalog      map[string]int64
	usdRate      decimal.Decimal // home major units per USD
	margin       decimal.Decimal // percent
}

// NewPricer builds a Pricer from configuration.
func NewPricer(cfg config.Config) (*Pricer, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(cfg.USDExchangeRate))
	if err != nil || !rate.IsPositive() {
		return nil, fmt.Errorf("invalid usd exchange rate %q", cfg.USDExchangeRate)
	}
	margin, err := decimal.NewFromString(strings.TrimSpace(cfg.PriceMarginPercent))
	if err != nil || margin.IsNegative() {
		return nil, fmt.Errorf("invalid price margin %q", cfg.PriceMarginPercent)
	}
	if cfg.DefaultServicePriceMinor <= 0 {
		return nil, fmt.Errorf("default service price must be positive")
	}
	catalog := make(map[string]int64, len(cfg.ServicePrices))
	for code, price := range cfg.ServicePrices {
		catalog[strings.ToLower(code)] = price
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.HomeCurrency))
	if currency == "" {
		currency = "NGN"
	}
	return &Pricer{
		currency:     currency,
		defaultPrice: cfg.DefaultServicePriceMinor,
		catalog:      catalog,
		usdRate:      rate,
		margin:       margin,
	}, nil
}

// Currency returns the home currency.
func (p *Pricer) Currency() string {
	return p.currency
}

// Quote returns the price of service. The provider cost cap is the quote converted back
// to USD with the margin removed, so a reservation never costs more than it earns.
func (p *Pricer) Quote(service string) PriceQuote {
	amount, ok := p.catalog[strings.ToLower(strings.TrimSpace(service))]
	if !ok {
		amount = p.defaultPrice
	}
	divisor := decimal.NewFromInt(100).Add(p.margin)
	maxCost := decimal.NewFromInt(amount).
		Div(decimal.NewFromInt(100)). // minor -> major units
		Div(p.usdRate).
		Mul(decimal.NewFromInt(100)).
		Div(divisor).
		Truncate(2)
	return PriceQuote{Amount: amount, Currency: p.currency, MaxCost: maxCost}
}

// HomeCost converts a USD provider cost into home minor units, margin included.
func (p *Pricer) HomeCost(usd decimal.Decimal) int64 {
	factor := decimal.NewFromInt(100).Add(p.margin).Div(decimal.NewFromInt(100))
	return usd.Mul(p.usdRate).Mul(factor).Shift(2).Ceil().IntPart()
}
