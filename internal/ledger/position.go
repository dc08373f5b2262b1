package ledger

import (
	"CopyGuard/internal/money"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// positionNamespace derives position ids from the execution that opened them.
var positionNamespace = uuid.MustParse("9b0d3f6e-71a2-5c48-8e3b-c4f2a17d6e05")

// Position is the system's own record of shares held in one market outcome.
type Position struct {
	ID          string
	MarketID    string
	Outcome     string
	Quantity    decimal.Decimal // shares still held
	EntryPrice  decimal.Decimal // quantity-weighted average
	CostBasis   decimal.Decimal // currency paid for the shares still held
	RealizedPnL decimal.Decimal // cumulative over partial and full closes
	OpenedAt    time.Time
	UpdatedAt   time.Time
	ClosePrice  decimal.NullDecimal
	ClosedAt    time.Time
}

// IsOpen returns true while any quantity is held
func (p Position) IsOpen() bool {
	return p.ClosedAt.IsZero()
}

func (p Position) String() string {
	state := "open"
	if !p.IsOpen() {
		state = "closed"
	}
	return fmt.Sprintf("%s %s/%s %s@%s (%s)", p.ID, p.MarketID, p.Outcome, p.Quantity, p.EntryPrice, state)
}

// UpdateKind describes what RecordExecution did.
type UpdateKind int32

const (
	UpdateOpened UpdateKind = iota
	UpdateIncreased
	UpdateReduced
	UpdateClosed
	// UpdateFailed stores a failed result without touching positions.
	UpdateFailed
	// UpdateUnmatchedSell stores a sell that found no open position.
	UpdateUnmatchedSell
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateOpened:
		return "opened"
	case UpdateIncreased:
		return "increased"
	case UpdateReduced:
		return "reduced"
	case UpdateClosed:
		return "closed"
	case UpdateFailed:
		return "failed"
	case UpdateUnmatchedSell:
		return "unmatched-sell"
	default:
		return "unknown"
	}
}

// ParseUpdateKind is the inverse of String.
func ParseUpdateKind(s string) (UpdateKind, error) {
	for k := UpdateOpened; k <= UpdateUnmatchedSell; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown update kind %q", s)
}

// Update is the ledger's answer to one RecordExecution call.
type Update struct {
	Kind        UpdateKind
	ExecutionID string
	// Position is the state after the update; nil for failed and unmatched results.
	Position    *Position
	RealizedPnL decimal.Decimal
	// Replayed is set when the execution id was already recorded and nothing changed.
	Replayed bool
}

// PnL is a position's realized and marked-to-market profit.
type PnL struct {
	Realized   decimal.Decimal
	Unrealized decimal.Decimal
}

// Total returns Realized + Unrealized
func (p PnL) Total() decimal.Decimal {
	return p.Realized.Add(p.Unrealized)
}

// ComputePnL marks p at price. Closed positions carry no unrealized PnL.
// Unrealized PnL is always computed, never stored.
func ComputePnL(p Position, price decimal.Decimal) PnL {
	out := PnL{Realized: p.RealizedPnL, Unrealized: money.Zero}
	if p.IsOpen() && p.Quantity.IsPositive() {
		out.Unrealized = money.ComputeUnrealizedPnL(price, p.EntryPrice, p.Quantity)
	}
	return out
}

func positionID(openingExecutionID string) string {
	return uuid.NewSHA1(positionNamespace, []byte(openingExecutionID)).String()
}
