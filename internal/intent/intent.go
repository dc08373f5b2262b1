package intent

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidIntent is returned by New for any intent that violates the schema.
var ErrInvalidIntent = errors.New("invalid trade intent")

// Side of a proposed trade
type Side int32

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide accepts "buy" or "sell", case-insensitive.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return SideUnknown, fmt.Errorf("%w: unknown side %q", ErrInvalidIntent, s)
	}
}

// SizeKind discriminates the two sizing modes
type SizeKind int32

const (
	SizeAmount   SizeKind = iota + 1 // absolute currency amount
	SizeFraction                     // fraction of capital (buys) or of held quantity (sells)
)

func (k SizeKind) String() string {
	switch k {
	case SizeAmount:
		return "amount"
	case SizeFraction:
		return "fraction"
	default:
		return "unknown"
	}
}

// Size is the single sizing field of an intent.
type Size struct {
	kind  SizeKind
	value decimal.Decimal
}

func (s Size) Kind() SizeKind         { return s.kind }
func (s Size) Value() decimal.Decimal { return s.value }
func (s Size) IsAmount() bool         { return s.kind == SizeAmount }

func (s Size) String() string {
	return s.kind.String() + "=" + s.value.String()
}

// Params are the raw inputs to New. Exactly one of Amount or Fraction must be set.
type Params struct {
	ID        string
	TraderID  string
	MarketID  string
	Outcome   string
	Side      Side
	Amount    *decimal.Decimal
	Fraction  *decimal.Decimal
	CreatedAt time.Time
	Metadata  map[string]string
}

// TradeIntent is a proposed trade awaiting approval. The zero value is not valid;
// build one with New.
type TradeIntent struct {
	id        string
	traderID  string
	marketID  string
	outcome   string
	side      Side
	size      Size
	createdAt time.Time
	metadata  map[string]string
}

// New validates p and returns an immutable intent.
// A zero CreatedAt is allowed: the firewall treats it as stale.
func New(p Params) (TradeIntent, error) {
	if strings.TrimSpace(p.ID) == "" {
		return TradeIntent{}, fmt.Errorf("%w: missing intent id", ErrInvalidIntent)
	}
	if strings.TrimSpace(p.TraderID) == "" {
		return TradeIntent{}, fmt.Errorf("%w: intent %s: missing trader id", ErrInvalidIntent, p.ID)
	}
	if strings.TrimSpace(p.MarketID) == "" {
		return TradeIntent{}, fmt.Errorf("%w: intent %s: missing market id", ErrInvalidIntent, p.ID)
	}
	if strings.TrimSpace(p.Outcome) == "" {
		return TradeIntent{}, fmt.Errorf("%w: intent %s: missing outcome", ErrInvalidIntent, p.ID)
	}
	if p.Side != SideBuy && p.Side != SideSell {
		return TradeIntent{}, fmt.Errorf("%w: intent %s: unknown side %d", ErrInvalidIntent, p.ID, p.Side)
	}

	var size Size
	switch {
	case p.Amount != nil && p.Fraction != nil:
		return TradeIntent{}, fmt.Errorf("%w: intent %s: both amount and fraction set", ErrInvalidIntent, p.ID)
	case p.Amount != nil:
		if !p.Amount.IsPositive() {
			return TradeIntent{}, fmt.Errorf("%w: intent %s: amount must be positive, got %s", ErrInvalidIntent, p.ID, p.Amount)
		}
		size = Size{kind: SizeAmount, value: *p.Amount}
	case p.Fraction != nil:
		if !p.Fraction.IsPositive() || p.Fraction.GreaterThan(decimal.NewFromInt(1)) {
			return TradeIntent{}, fmt.Errorf("%w: intent %s: fraction must be in (0, 1], got %s", ErrInvalidIntent, p.ID, p.Fraction)
		}
		size = Size{kind: SizeFraction, value: *p.Fraction}
	default:
		return TradeIntent{}, fmt.Errorf("%w: intent %s: no sizing field set", ErrInvalidIntent, p.ID)
	}

	var md map[string]string
	if len(p.Metadata) > 0 {
		md = maps.Clone(p.Metadata)
	}

	return TradeIntent{
		id:        p.ID,
		traderID:  p.TraderID,
		marketID:  p.MarketID,
		outcome:   p.Outcome,
		side:      p.Side,
		size:      size,
		createdAt: p.CreatedAt,
		metadata:  md,
	}, nil
}

func (t TradeIntent) ID() string           { return t.id }
func (t TradeIntent) TraderID() string     { return t.traderID }
func (t TradeIntent) MarketID() string     { return t.marketID }
func (t TradeIntent) Outcome() string      { return t.outcome }
func (t TradeIntent) Side() Side           { return t.side }
func (t TradeIntent) Size() Size           { return t.size }
func (t TradeIntent) CreatedAt() time.Time { return t.createdAt }

// HasTimestamp reports whether the intent carries a creation time.
func (t TradeIntent) HasTimestamp() bool { return !t.createdAt.IsZero() }

// Metadata returns a copy; callers cannot mutate the intent through it.
func (t TradeIntent) Metadata() map[string]string {
	if t.metadata == nil {
		return nil
	}
	return maps.Clone(t.metadata)
}

// Valid reports whether t was built by New.
func (t TradeIntent) Valid() bool { return t.id != "" }

func (t TradeIntent) String() string {
	return fmt.Sprintf("intent[%s trader=%s market=%s/%s %s %s]",
		t.id, t.traderID, t.marketID, t.outcome, t.side, t.size)
}

func (s Side) MarshalText() ([]byte, error) {
	if s != SideBuy && s != SideSell {
		return nil, fmt.Errorf("%w: unknown side %d", ErrInvalidIntent, s)
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
