package pipeline

import (
	"CopyGuard/internal/event"
	"CopyGuard/internal/execution"
	"CopyGuard/internal/firewall"
	"CopyGuard/internal/intent"
	"CopyGuard/internal/ledger"
	"CopyGuard/internal/money"
	"CopyGuard/internal/observability"
	"CopyGuard/internal/risk"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notifier receives every terminal outcome.
type Notifier interface {
	Notify(ctx context.Context, env *event.Envelope) error
}

// AuditSink stores every outcome in the tamper-evident trail.
type AuditSink interface {
	Append(ctx context.Context, intentID, stage string, payload []byte) error
}

// Config holds the pipeline's own settings.
type Config struct {
	Limits risk.Limits
	// LockStripes is the number of per-market lock stripes. Default 64.
	LockStripes int
	// AuditTimeout bounds how long a terminal outcome waits for audit queue space.
	AuditTimeout time.Duration
}

// Deps are the components the pipeline composes. Notifier and Audit are optional.
type Deps struct {
	Firewall *firewall.Firewall
	Ledger   *ledger.Ledger
	Executor execution.Executor
	Notifier Notifier
	Audit    AuditSink
	Logger   zerolog.Logger
	Metrics  *observability.Metrics
	Now      func() time.Time
}

// Pipeline runs each intent through firewall, kernel, executor, ledger and notifier.
type Pipeline struct {
	cfg      Config
	firewall *firewall.Firewall
	ledger   *ledger.Ledger
	executor execution.Executor
	notifier Notifier
	audit    AuditSink
	logger   zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	locks *marketLocks

	// admitMu guards reserved and makes firewall plus kernel admission atomic
	// across markets.
	admitMu  sync.Mutex
	reserved int
}

func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Firewall == nil || deps.Ledger == nil || deps.Executor == nil {
		return nil, fmt.Errorf("pipeline requires a firewall, a ledger and an executor")
	}
	if problems := cfg.Limits.Problems(); len(problems) > 0 {
		return nil, fmt.Errorf("pipeline risk limits: %s", strings.Join(problems, "; "))
	}
	if !deps.Ledger.StartingCapital().IsPositive() {
		return nil, fmt.Errorf("pipeline starting capital %s is not positive", deps.Ledger.StartingCapital())
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = 5 * time.Second
	}
	return &Pipeline{
		cfg:      cfg,
		firewall: deps.Firewall,
		ledger:   deps.Ledger,
		executor: deps.Executor,
		notifier: deps.Notifier,
		audit:    deps.Audit,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		now:      deps.Now,
		locks:    newMarketLocks(cfg.LockStripes),
	}, nil
}

// Mode reports which executor the pipeline was built with.
func (p *Pipeline) Mode() execution.Mode { return p.executor.Mode() }

// Process takes one intent to a terminal stage. Rejections are outcomes, not
// errors; the error is non-nil only when the store or audit plumbing failed, in
// which case the outcome shows how far the intent got.
func (p *Pipeline) Process(ctx context.Context, in intent.TradeIntent) (Outcome, error) {
	out := newOutcome(in, SourceFrom(ctx), p.now())
	if p.metrics != nil {
		p.metrics.IntentsReceived.WithLabelValues(out.Source).Inc()
	}

	out.Err = p.run(ctx, out)
	out.FinishedAt = p.now()
	p.finish(ctx, out)
	return *out, out.Err
}

func (p *Pipeline) run(ctx context.Context, o *Outcome) error {
	unlock := p.locks.lock(o.Intent.MarketID())
	defer unlock()

	reserved, err := p.admit(ctx, o)
	if reserved {
		defer p.release()
	}
	if err != nil || o.Stage.IsTerminal() {
		return err
	}
	return p.execute(ctx, o)
}

// admit runs the firewall and the kernel under the admission lock. It reports
// whether an in-flight buy reservation was taken.
func (p *Pipeline) admit(ctx context.Context, o *Outcome) (bool, error) {
	p.admitMu.Lock()
	defer p.admitMu.Unlock()
	in := o.Intent

	open, err := p.ledger.OpenPositionCount(ctx)
	if err != nil {
		return false, p.infra("open-positions", err)
	}

	fw, err := p.firewall.Validate(ctx, in, open+p.reserved)
	if err != nil {
		return false, p.infra("seen-set", err)
	}
	o.Firewall = &fw
	if !fw.Accepted {
		if p.metrics != nil {
			p.metrics.FirewallRejected.WithLabelValues(fw.Reason.String()).Inc()
		}
		return false, o.advance(StageRejectedByFirewall)
	}
	if err := o.advance(StageValidated); err != nil {
		return false, err
	}

	state, err := p.ledger.AccountState(ctx, p.now())
	if err != nil {
		return false, p.infra("account-state", err)
	}
	state.OpenPositions += p.reserved

	var (
		dec   risk.Decision
		order execution.Order
	)
	switch in.Side() {
	case intent.SideBuy:
		dec = risk.Evaluate(p.cfg.Limits, state, proposedSize(in, state))
		order.Amount = dec.Size
	case intent.SideSell:
		dec = risk.EvaluateExit(p.cfg.Limits, state)
		if dec.Approved {
			qty, err := p.ledger.SellQuantity(ctx, in.MarketID(), in.Outcome(), in.Size())
			switch {
			case errors.Is(err, ledger.ErrNoPosition):
				// Zero quantity: the executor fails it as invalid-order and the ledger records that.
				p.logger.Warn().Str("intent_id", in.ID()).Err(err).Msg("sell without a tracked position")
			case err != nil:
				return false, p.infra("sell-quantity", err)
			}
			order.Quantity = qty
		}
	}
	o.Decision = &dec

	if dec.LatchKill {
		if err := p.ledger.SetKillSwitch(ctx, risk.KillCauseHardKill, dec.Detail); err != nil {
			return false, p.infra("kill-switch", err)
		}
	}

	if !dec.Approved {
		if p.metrics != nil {
			p.metrics.RiskRejected.WithLabelValues(dec.Reason.String()).Inc()
		}
		return false, o.advance(StageRejectedByRisk)
	}
	if err := o.advance(StageRiskApproved); err != nil {
		return false, err
	}
	o.Order = &order

	if in.Side() != intent.SideBuy {
		return false, nil
	}
	if _, err := p.ledger.Position(ctx, in.MarketID(), in.Outcome()); !errors.Is(err, ledger.ErrNoPosition) {
		if err != nil {
			return false, p.infra("position", err)
		}
		// Adds to an existing position; the open count will not change.
		return false, nil
	}
	p.reserved++
	if p.metrics != nil {
		p.metrics.InFlightReserved.Set(float64(p.reserved))
	}
	return true, nil
}

func (p *Pipeline) release() {
	p.admitMu.Lock()
	p.reserved--
	n := p.reserved
	p.admitMu.Unlock()
	if p.metrics != nil {
		p.metrics.InFlightReserved.Set(float64(n))
	}
}

// execute issues the order and records the result. Once the attempt row is
// written the intent is never abandoned: caller cancellation is ignored from
// there on and the executor's own timeout bounds the call.
func (p *Pipeline) execute(ctx context.Context, o *Outcome) error {
	in := o.Intent
	mode := p.executor.Mode()

	if _, err := p.ledger.BeginAttempt(ctx, in, *o.Order, mode); err != nil {
		return p.infra("begin-attempt", err)
	}
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	res := p.executor.Execute(ctx, in, *o.Order)
	if p.metrics != nil {
		p.metrics.ExecutionDuration.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
		kind := res.ErrorKind().String()
		if kind == "" {
			kind = "none"
		}
		p.metrics.ExecutionResults.WithLabelValues(mode.String(), kind).Inc()
	}
	o.Result = &res
	if res.Unconfirmed() {
		// The venue may hold the order: record nothing and leave the attempt pending.
		return p.infra("unconfirmed-fill", fmt.Errorf("execution %s: %s", res.ExecutionID(), res.Message()))
	}

	next := StageExecuted
	if !res.Success() {
		next = StageExecutionFailed
	}
	if err := o.advance(next); err != nil {
		return err
	}

	upd, err := p.ledger.RecordExecution(ctx, in, res)
	if err != nil {
		// The attempt row stays pending for reconcile.
		return p.infra("record", err)
	}
	o.Update = &upd

	if !res.Success() {
		return nil
	}
	return o.advance(StageRecorded)
}

// finish emits the outcome: notification for terminal stages, then audit and
// the terminal log line.
func (p *Pipeline) finish(ctx context.Context, o *Outcome) {
	if o.Err == nil && o.Stage == StageRecorded {
		if err := o.advance(StageNotified); err != nil {
			o.Err = err
		}
	}
	env := o.Envelope()

	if o.Stage.IsTerminal() && p.notifier != nil {
		if err := p.notifier.Notify(ctx, env); err != nil {
			env.NotifyError = err.Error()
			p.logger.Warn().Err(err).Str("intent_id", o.Intent.ID()).Msg("notification failed")
		}
	}

	if p.audit != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.AuditTimeout)
		payload, err := env.Marshal()
		if err == nil {
			err = p.audit.Append(actx, o.Intent.ID(), env.Stage, payload)
		}
		cancel()
		if err != nil {
			p.logger.Error().Err(err).Str("intent_id", o.Intent.ID()).Msg("audit append failed")
			p.countInfra("audit")
		}
	}

	p.logOutcome(o)
	if p.metrics != nil {
		p.metrics.IntentsTerminal.WithLabelValues(o.Stage.String()).Inc()
		p.metrics.PipelineDuration.Observe(o.FinishedAt.Sub(o.ReceivedAt).Seconds())
	}
}

func (p *Pipeline) logOutcome(o *Outcome) {
	ev := p.logger.Info()
	switch {
	case o.Err != nil:
		ev = p.logger.Error().Err(o.Err)
	case o.Stage != StageNotified:
		ev = p.logger.Warn()
	}

	trail := make([]string, len(o.Trail))
	for i, s := range o.Trail {
		trail[i] = s.String()
	}
	ev = ev.Str("intent_id", o.Intent.ID()).
		Str("trader_id", o.Intent.TraderID()).
		Str("market_id", o.Intent.MarketID()).
		Str("side", o.Intent.Side().String()).
		Str("size", o.Intent.Size().String()).
		Str("source", o.Source).
		Str("stage", o.Stage.String()).
		Strs("trail", trail)

	if o.Firewall != nil && !o.Firewall.Accepted {
		ev = ev.Str("firewall_reason", o.Firewall.Reason.String()).Str("firewall_detail", o.Firewall.Detail)
	}
	if d := o.Decision; d != nil {
		if d.Approved {
			ev = ev.Str("approved_size", d.Size.String())
		} else {
			ev = ev.Str("risk_reason", d.Reason.String()).Str("risk_detail", d.Detail)
		}
	}
	if r := o.Result; r != nil {
		ev = ev.Str("execution_id", r.ExecutionID()).Bool("success", r.Success())
		if !r.Success() {
			ev = ev.Str("error_kind", r.ErrorKind().String()).Str("error_message", r.Message())
		}
	}
	if u := o.Update; u != nil {
		ev = ev.Str("ledger_update", u.Kind.String()).Str("realized_pnl", u.RealizedPnL.String())
	}
	ev.Dur("elapsed", o.FinishedAt.Sub(o.ReceivedAt)).Msg("intent finished")
}

func (p *Pipeline) infra(step string, err error) error {
	p.countInfra(step)
	return fmt.Errorf("%s: %w", step, err)
}

func (p *Pipeline) countInfra(step string) {
	if p.metrics != nil {
		p.metrics.InfraFailures.WithLabelValues(step).Inc()
	}
}

// proposedSize is the amount for amount-sized buys, and the fraction of
// current capital for fraction-sized buys.
func proposedSize(in intent.TradeIntent, state risk.AccountState) decimal.Decimal {
	size := in.Size()
	if size.IsAmount() {
		return size.Value()
	}
	return money.ClampAmount(state.CurrentCapital.Mul(size.Value()))
}
