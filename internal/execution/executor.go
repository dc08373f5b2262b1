package execution

import (
	"CopyGuard/internal/intent"
	"CopyGuard/internal/money"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// orderNamespace derives client order ids; changing it changes every id.
var orderNamespace = uuid.MustParse("4f1c8a2e-3b7d-5e90-a6c1-2d8f0b9e7a54")

// ClientOrderID is the deterministic order id sent to the venue for an intent.
// Both executors use it, so a retried submission of the same intent is
// recognizable downstream.
func ClientOrderID(intentID string) string {
	return uuid.NewSHA1(orderNamespace, []byte(intentID)).String()
}

// Order is the sized instruction passed to an executor.
// Buys carry Amount (approved currency notional); sells carry Quantity
// (shares, computed from the ledger's own tracked position).
type Order struct {
	Amount   decimal.Decimal
	Quantity decimal.Decimal
}

func (o Order) String() string {
	if o.Quantity.IsPositive() {
		return "qty=" + o.Quantity.String()
	}
	return "amount=" + o.Amount.String()
}

// Executor places orders. The set of implementations is closed: Simulated and Live.
type Executor interface {
	// Execute never returns an error: every outcome, including transport
	// failures, is a Result with a classified error kind.
	Execute(ctx context.Context, in intent.TradeIntent, order Order) Result
	Mode() Mode

	sealed()
}

// Options configure the executor chosen by New.
type Options struct {
	Simulated SimulatedConfig
	Live      LiveConfig
}

// New selects the executor once, at startup. Constructing a Live executor
// performs no I/O and reads no credentials; that happens on first Execute.
func New(mode Mode, opts Options) (Executor, error) {
	switch mode {
	case ModeSimulated:
		sim, err := NewSimulated(opts.Simulated)
		if err != nil {
			return nil, err
		}
		return sim, nil
	case ModeLive:
		live, err := NewLive(opts.Live)
		if err != nil {
			return nil, err
		}
		return live, nil
	default:
		return nil, fmt.Errorf("unknown execution mode %d", mode)
	}
}

// validateOrder is shared by both executors so invalid orders are classified
// identically and never reach a venue.
func validateOrder(in intent.TradeIntent, order Order) error {
	if !in.Valid() {
		return fmt.Errorf("intent was not constructed")
	}
	switch in.Side() {
	case intent.SideBuy:
		if !order.Amount.IsPositive() {
			return fmt.Errorf("buy amount must be positive, got %s", order.Amount)
		}
		if !money.ClampAmount(order.Amount).Equal(order.Amount) {
			return fmt.Errorf("buy amount %s has sub-cent precision", order.Amount)
		}
	case intent.SideSell:
		if !order.Quantity.IsPositive() {
			return fmt.Errorf("sell quantity must be positive, got %s", order.Quantity)
		}
	default:
		return fmt.Errorf("unknown side")
	}
	return nil
}

// failure builds a failed result for a constructed intent. The identity fields
// come from the intent, so construction cannot fail.
func failure(in intent.TradeIntent, mode Mode, execID string, kind ErrorKind, msg string, ts time.Time) Result {
	return Result{
		executionID: execID,
		intentID:    in.ID(),
		marketID:    in.MarketID(),
		outcome:     in.Outcome(),
		side:        in.Side(),
		kind:        kind,
		message:     msg,
		timestamp:   ts,
		mode:        mode,
	}
}
