package risk

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// PriceSource supplies reference prices for notional calculation when a
// trade carries no limit price.
type PriceSource interface {
	LastPrice(instrument string) (decimal.Decimal, bool)
}

// StaticPrices is a mutex-guarded in-memory price table. Production wiring
// would feed it from market data; tests and the paper venue set prices
// directly.
type StaticPrices struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func NewStaticPrices() *StaticPrices {
	return &StaticPrices{prices: make(map[string]decimal.Decimal)}
}

// Set updates the reference price for an instrument.
func (s *StaticPrices) Set(instrument string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[strings.ToUpper(instrument)] = price
	s.mu.Unlock()
}

func (s *StaticPrices) LastPrice(instrument string) (decimal.Decimal, bool) {
	s.mu.RLock()
	p, ok := s.prices[strings.ToUpper(instrument)]
	s.mu.RUnlock()
	return p, ok
}

// QuoteAsset derives the settlement asset from an instrument symbol such
// as "BTC-USD". Unknown formats fall back to the whole symbol.
func QuoteAsset(instrument string) string {
	if i := strings.LastIndex(instrument, "-"); i >= 0 && i < len(instrument)-1 {
		return strings.ToUpper(instrument[i+1:])
	}
	return strings.ToUpper(instrument)
}

// BaseAsset derives the traded asset from an instrument symbol such as
// "BTC-USD".
func BaseAsset(instrument string) string {
	if i := strings.Index(instrument, "-"); i > 0 {
		return strings.ToUpper(instrument[:i])
	}
	return strings.ToUpper(instrument)
}
