package intent

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record is the wire and audit form of a TradeIntent.
type Record struct {
	ID        string            `json:"intent_id"`
	TraderID  string            `json:"trader_id"`
	MarketID  string            `json:"market_id"`
	Outcome   string            `json:"outcome"`
	Side      string            `json:"side"`
	Amount    *decimal.Decimal  `json:"amount,omitempty"`
	Fraction  *decimal.Decimal  `json:"fraction,omitempty"`
	CreatedAt *time.Time        `json:"created_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Record returns the serializable form of t.
func (t TradeIntent) Record() Record {
	r := Record{
		ID:       t.id,
		TraderID: t.traderID,
		MarketID: t.marketID,
		Outcome:  t.outcome,
		Side:     t.side.String(),
		Metadata: t.Metadata(),
	}
	v := t.size.value
	switch t.size.kind {
	case SizeAmount:
		r.Amount = &v
	case SizeFraction:
		r.Fraction = &v
	}
	if !t.createdAt.IsZero() {
		ts := t.createdAt.UTC()
		r.CreatedAt = &ts
	}
	return r
}

// FromRecord validates a decoded record through New.
func FromRecord(r Record) (TradeIntent, error) {
	side, err := ParseSide(r.Side)
	if err != nil {
		return TradeIntent{}, err
	}
	var createdAt time.Time
	if r.CreatedAt != nil {
		createdAt = *r.CreatedAt
	}
	return New(Params{
		ID:        r.ID,
		TraderID:  r.TraderID,
		MarketID:  r.MarketID,
		Outcome:   r.Outcome,
		Side:      side,
		Amount:    r.Amount,
		Fraction:  r.Fraction,
		CreatedAt: createdAt,
		Metadata:  r.Metadata,
	})
}
