package notify

import (
	"CopyGuard/internal/event"
	"CopyGuard/internal/observability"
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Notifier delivers terminal outcomes to whoever watches the copy account.
type Notifier interface {
	Notify(ctx context.Context, env *event.Envelope) error
}

// LogNotifier writes every outcome as one structured log line.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, env *event.Envelope) error {
	ev := n.logger.Info()
	if env.Stage != "NOTIFIED" {
		ev = n.logger.Warn()
	}
	ev = ev.Str("intent_id", env.IntentID()).
		Str("trader_id", env.Intent.TraderID).
		Str("market_id", env.Intent.MarketID).
		Str("outcome", env.Intent.Outcome).
		Str("side", env.Intent.Side).
		Str("stage", env.Stage)

	if f := env.Firewall; f != nil && !f.Accepted {
		ev = ev.Str("reason", f.Reason).Str("detail", f.Detail)
	}
	if r := env.Risk; r != nil && !r.Approved {
		ev = ev.Str("reason", r.Reason).Str("detail", r.Detail)
	}
	if res := env.Result; res != nil {
		ev = ev.Str("execution_id", res.ExecutionID())
		if res.Success() {
			ev = ev.Str("fill_price", res.Price().String()).Str("quantity", res.Quantity().String())
		} else {
			ev = ev.Str("error_kind", res.ErrorKind().String())
		}
	}
	if l := env.Ledger; l != nil {
		ev = ev.Str("ledger", l.Kind).Str("realized_pnl", l.RealizedPnL.String())
	}
	ev.Msg("copy outcome")
	return nil
}

// Named labels a notifier for the notify error metric.
type Named struct {
	Name     string
	Notifier Notifier
}

// Multi fans an outcome out to several notifiers. Every notifier is tried; the
// returned error joins the failures.
type Multi struct {
	targets []Named
	metrics *observability.Metrics
}

func NewMulti(metrics *observability.Metrics, targets ...Named) *Multi {
	return &Multi{targets: targets, metrics: metrics}
}

func (m *Multi) Notify(ctx context.Context, env *event.Envelope) error {
	var errs []error
	for _, t := range m.targets {
		if err := t.Notifier.Notify(ctx, env); err != nil {
			if m.metrics != nil {
				m.metrics.NotifyErrors.WithLabelValues(t.Name).Inc()
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
