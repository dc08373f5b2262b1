package execution

import (
	"CopyGuard/internal/intent"
	"CopyGuard/internal/money"
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SimulatedConfig parameterizes dry-run fills.
type SimulatedConfig struct {
	// DefaultPrice is the fill price for markets without an entry in Prices.
	DefaultPrice decimal.Decimal
	// Prices overrides the fill price per "market/outcome" or per "market".
	Prices map[string]decimal.Decimal
	// MaxOrderAmount is the liquidity ceiling per order; zero means unlimited.
	MaxOrderAmount decimal.Decimal
	// Now stamps fills. Nil stamps with the intent's creation time, which keeps
	// results a pure function of the input.
	Now func() time.Time
}

// Simulated fills every valid order at a configured price. No I/O.
type Simulated struct {
	cfg SimulatedConfig
}

func NewSimulated(cfg SimulatedConfig) (*Simulated, error) {
	if !cfg.DefaultPrice.IsPositive() {
		return nil, fmt.Errorf("simulated default price must be positive, got %s", cfg.DefaultPrice)
	}
	for key, p := range cfg.Prices {
		if !p.IsPositive() {
			return nil, fmt.Errorf("simulated price for %s must be positive, got %s", key, p)
		}
	}
	if cfg.MaxOrderAmount.IsNegative() {
		return nil, fmt.Errorf("simulated max order amount must not be negative")
	}
	return &Simulated{cfg: cfg}, nil
}

func (s *Simulated) Mode() Mode { return ModeSimulated }
func (s *Simulated) sealed()    {}

// PriceFor returns the configured fill price for a market/outcome.
func (s *Simulated) PriceFor(marketID, outcome string) decimal.Decimal {
	if p, ok := s.cfg.Prices[marketID+"/"+outcome]; ok {
		return p
	}
	if p, ok := s.cfg.Prices[marketID]; ok {
		return p
	}
	return s.cfg.DefaultPrice
}

func (s *Simulated) Execute(_ context.Context, in intent.TradeIntent, order Order) Result {
	execID := ClientOrderID(in.ID())
	ts := in.CreatedAt()
	if s.cfg.Now != nil {
		ts = s.cfg.Now()
	}

	if err := validateOrder(in, order); err != nil {
		return failure(in, ModeSimulated, execID, KindInvalidOrder, err.Error(), ts)
	}

	price := s.PriceFor(in.MarketID(), in.Outcome())

	var amount, qty decimal.Decimal
	switch in.Side() {
	case intent.SideBuy:
		amount = order.Amount
		q, err := money.QuantityFor(amount, price)
		if err != nil || !q.IsPositive() {
			return failure(in, ModeSimulated, execID, KindInvalidOrder, "order too small to fill", ts)
		}
		qty = q
	case intent.SideSell:
		qty = order.Quantity
		amount = money.Notional(qty, price)
		if !amount.IsPositive() {
			return failure(in, ModeSimulated, execID, KindInvalidOrder, "order too small to fill", ts)
		}
	}

	if s.cfg.MaxOrderAmount.IsPositive() && amount.GreaterThan(s.cfg.MaxOrderAmount) {
		return failure(in, ModeSimulated, execID, KindInsufficientLiquidity,
			fmt.Sprintf("notional %s exceeds simulated depth %s", amount, s.cfg.MaxOrderAmount), ts)
	}

	res, err := NewResult(Fill{
		ExecutionID: execID,
		IntentID:    in.ID(),
		MarketID:    in.MarketID(),
		Outcome:     in.Outcome(),
		Side:        in.Side(),
		Price:       price,
		Amount:      amount,
		Quantity:    qty,
		Timestamp:   ts,
		Mode:        ModeSimulated,
	})
	if err != nil {
		return failure(in, ModeSimulated, execID, KindInvalidOrder, err.Error(), ts)
	}
	return res
}
