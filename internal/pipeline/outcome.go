package pipeline

import (
	"CopyGuard/internal/event"
	"CopyGuard/internal/execution"
	"CopyGuard/internal/firewall"
	"CopyGuard/internal/intent"
	"CopyGuard/internal/ledger"
	"CopyGuard/internal/risk"
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition means the pipeline tried to skip or repeat a stage.
var ErrIllegalTransition = errors.New("illegal stage transition")

// Outcome is the causal chain of one intent through the pipeline.
type Outcome struct {
	Intent intent.TradeIntent
	Source string
	Stage  Stage
	Trail  []Stage

	Firewall *firewall.Result
	Decision *risk.Decision
	Order    *execution.Order
	Result   *execution.Result
	Update   *ledger.Update

	// Err is set when infrastructure stopped the intent short of a terminal stage.
	Err error

	ReceivedAt time.Time
	FinishedAt time.Time
}

func newOutcome(in intent.TradeIntent, source string, at time.Time) *Outcome {
	return &Outcome{
		Intent:     in,
		Source:     source,
		Stage:      StageReceived,
		Trail:      []Stage{StageReceived},
		ReceivedAt: at,
	}
}

func (o *Outcome) advance(next Stage) error {
	if !o.Stage.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s for intent %s", ErrIllegalTransition, o.Stage, next, o.Intent.ID())
	}
	o.Stage = next
	o.Trail = append(o.Trail, next)
	return nil
}

// Envelope renders the outcome for notification and audit.
func (o *Outcome) Envelope() *event.Envelope {
	env := &event.Envelope{
		Stage:      o.Stage.String(),
		Trail:      make([]string, len(o.Trail)),
		Source:     o.Source,
		Intent:     o.Intent.Record(),
		Result:     o.Result,
		ReceivedAt: o.ReceivedAt,
		FinishedAt: o.FinishedAt,
	}
	for i, s := range o.Trail {
		env.Trail[i] = s.String()
	}
	if o.Firewall != nil {
		env.Firewall = &event.FirewallVerdict{Accepted: o.Firewall.Accepted, Detail: o.Firewall.Detail}
		if !o.Firewall.Accepted {
			env.Firewall.Reason = o.Firewall.Reason.String()
		}
	}
	if d := o.Decision; d != nil {
		env.Risk = &event.RiskVerdict{Approved: d.Approved, Size: d.Size, Detail: d.Detail, LatchKill: d.LatchKill}
		if !d.Approved {
			env.Risk.Reason = d.Reason.String()
		}
	}
	if o.Order != nil {
		env.Order = &event.OrderSpec{Amount: o.Order.Amount, Quantity: o.Order.Quantity}
		if o.Result != nil {
			env.Order.Mode = o.Result.Mode().String()
		}
	}
	if u := o.Update; u != nil {
		env.Ledger = &event.LedgerChange{Kind: u.Kind.String(), RealizedPnL: u.RealizedPnL, Replayed: u.Replayed}
		if u.Position != nil {
			env.Ledger.PositionID = u.Position.ID
		}
	}
	if o.Err != nil {
		env.Error = o.Err.Error()
	}
	return env
}

type sourceKey struct{}

// WithSource labels intents processed under ctx with their ingestion transport.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFrom returns the label set by WithSource, or "direct".
func SourceFrom(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok && s != "" {
		return s
	}
	return "direct"
}
