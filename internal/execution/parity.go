package execution

import (
	"CopyGuard/internal/intent"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tolerance bounds the only differences allowed between simulated and live results.
type Tolerance struct {
	RelPrice  decimal.Decimal // max |sim-live| / sim
	AbsPrice  decimal.Decimal // max |sim-live| in currency
	Timestamp time.Duration   // max |sim-live| between fill times
}

// DefaultTolerance allows 10% and $0.05 on price and one minute on timestamps.
func DefaultTolerance() Tolerance {
	return Tolerance{
		RelPrice:  decimal.RequireFromString("0.10"),
		AbsPrice:  decimal.RequireFromString("0.05"),
		Timestamp: time.Minute,
	}
}

// Divergence is one field on which the two results disagree beyond tolerance.
type Divergence struct {
	Field     string
	Simulated string
	Live      string
}

func (d Divergence) String() string {
	return fmt.Sprintf("%s: simulated=%s live=%s", d.Field, d.Simulated, d.Live)
}

// ParityError lists every divergence found by CheckParity.
type ParityError struct {
	Divergences []Divergence
}

func (e *ParityError) Error() string {
	parts := make([]string, len(e.Divergences))
	for i, d := range e.Divergences {
		parts[i] = d.String()
	}
	return "parity violated: " + strings.Join(parts, "; ")
}

// CheckParity compares a simulated and a live result for the same intent and
// sized order. Success and error kind must match exactly; the sized side of
// the trade (amount for buys, quantity for sells) must match exactly; price
// and timestamp may differ within tol.
func CheckParity(sim, live Result, tol Tolerance) error {
	var divs []Divergence
	add := func(field string, s, l any) {
		divs = append(divs, Divergence{Field: field, Simulated: fmt.Sprint(s), Live: fmt.Sprint(l)})
	}

	if sim.IntentID() != live.IntentID() {
		add("intent_id", sim.IntentID(), live.IntentID())
	}
	if sim.Side() != live.Side() {
		add("side", sim.Side(), live.Side())
	}
	if sim.Success() != live.Success() {
		add("success", sim.Success(), live.Success())
	}
	if sim.ErrorKind() != live.ErrorKind() {
		add("error_kind", sim.ErrorKind(), live.ErrorKind())
	}

	if sim.Success() && live.Success() {
		switch sim.Side() {
		case intent.SideBuy:
			if !sim.Amount().Equal(live.Amount()) {
				add("amount", sim.Amount(), live.Amount())
			}
		case intent.SideSell:
			if !sim.Quantity().Equal(live.Quantity()) {
				add("quantity", sim.Quantity(), live.Quantity())
			}
		}

		diff := sim.Price().Sub(live.Price()).Abs()
		if diff.GreaterThan(tol.AbsPrice) {
			add("price(abs)", sim.Price(), live.Price())
		}
		if sim.Price().IsPositive() && diff.Div(sim.Price()).GreaterThan(tol.RelPrice) {
			add("price(rel)", sim.Price(), live.Price())
		}
	}

	if !sim.Timestamp().IsZero() && !live.Timestamp().IsZero() {
		delta := sim.Timestamp().Sub(live.Timestamp())
		if delta < 0 {
			delta = -delta
		}
		if delta > tol.Timestamp {
			add("timestamp", sim.Timestamp().Format(time.RFC3339Nano), live.Timestamp().Format(time.RFC3339Nano))
		}
	}

	if len(divs) > 0 {
		return &ParityError{Divergences: divs}
	}
	return nil
}
