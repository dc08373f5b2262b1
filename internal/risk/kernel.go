// Package risk is the pure guardrail kernel. Nothing here reads a clock,
// touches I/O, or keeps state between calls.
package risk

import (
	"CopyGuard/internal/money"
	"fmt"

	"github.com/shopspring/decimal"
)

// Reason is the closed set of risk rejection reasons.
type Reason int32

const (
	ReasonNone Reason = iota
	ReasonManualKillActive
	ReasonDailyStopBreached
	ReasonHardKillBreached
	ReasonPerTradeCapExceeded
	ReasonPositionLimitReached
	ReasonAnomalousSingleTradeLoss
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonManualKillActive:
		return "manual-kill-active"
	case ReasonDailyStopBreached:
		return "daily-stop-breached"
	case ReasonHardKillBreached:
		return "hard-kill-breached"
	case ReasonPerTradeCapExceeded:
		return "per-trade-cap-exceeded"
	case ReasonPositionLimitReached:
		return "position-limit-reached"
	case ReasonAnomalousSingleTradeLoss:
		return "anomalous-single-trade-loss"
	default:
		return "unknown"
	}
}

// KillCause records who engaged the kill switch.
type KillCause int32

const (
	KillCauseNone KillCause = iota
	KillCauseManual
	KillCauseHardKill
)

func (c KillCause) String() string {
	switch c {
	case KillCauseManual:
		return "manual"
	case KillCauseHardKill:
		return "hard-kill"
	default:
		return "none"
	}
}

// ParseKillCause is the inverse of KillCause.String.
func ParseKillCause(s string) (KillCause, error) {
	switch s {
	case "manual":
		return KillCauseManual, nil
	case "hard-kill":
		return KillCauseHardKill, nil
	case "none", "":
		return KillCauseNone, nil
	default:
		return KillCauseNone, fmt.Errorf("unknown kill cause %q", s)
	}
}

// KillSwitch is the persisted latch passed into the kernel.
type KillSwitch struct {
	Active bool
	Cause  KillCause
}

// Limits are the kernel thresholds. Percentages are fractions of starting capital:
// DailyStopPct -0.05 means -5%.
type Limits struct {
	DailyStopPct   decimal.Decimal // negative
	HardKillPct    decimal.Decimal // negative, at or below DailyStopPct
	PerTradeCapPct decimal.Decimal // positive
	MaxPositions   int
}

// Problems lists every reason l cannot be used.
func (l Limits) Problems() []string {
	var out []string
	if !l.DailyStopPct.IsNegative() {
		out = append(out, "daily_stop_pct must be negative")
	}
	if !l.HardKillPct.IsNegative() {
		out = append(out, "hard_kill_pct must be negative")
	} else if l.HardKillPct.GreaterThan(l.DailyStopPct) {
		out = append(out, "hard_kill_pct must be at or below daily_stop_pct")
	}
	if !l.PerTradeCapPct.IsPositive() {
		out = append(out, "per_trade_cap_pct must be positive")
	}
	if l.MaxPositions <= 0 {
		out = append(out, "max_positions must be positive")
	}
	return out
}

// AccountState is the snapshot the kernel evaluates against. The kernel never mutates it.
type AccountState struct {
	StartingCapital decimal.Decimal
	CurrentCapital  decimal.Decimal
	DailyRealized   decimal.Decimal
	TotalRealized   decimal.Decimal
	OpenPositions   int
	KillSwitch      KillSwitch
}

// Decision is Approved(size) or Rejected(reason).
type Decision struct {
	Approved bool
	Size     decimal.Decimal
	Reason   Reason
	Detail   string
	// LatchKill asks the caller to persist a hard-kill latch.
	LatchKill bool
}

func approve(size decimal.Decimal) Decision {
	return Decision{Approved: true, Size: size}
}

func reject(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func (d Decision) String() string {
	if d.Approved {
		return "approved(" + d.Size.StringFixed(money.CurrencyPlaces) + ")"
	}
	return "rejected(" + d.Reason.String() + ")"
}

// Evaluate applies the guardrails in fixed priority order; the first match wins.
func Evaluate(l Limits, s AccountState, size decimal.Decimal) Decision {
	if d, stop := latched(s); stop {
		return d
	}
	if d, stop := unusable(l, s); stop {
		return d
	}

	dailyPct, _ := money.Ratio(s.DailyRealized, s.StartingCapital)
	totalPct, _ := money.Ratio(s.TotalRealized, s.StartingCapital)
	// The latch follows the crossing itself, even when the daily stop is the reported reason.
	hardKill := totalPct.LessThanOrEqual(l.HardKillPct)

	if dailyPct.LessThanOrEqual(l.DailyStopPct) {
		d := reject(ReasonDailyStopBreached, "daily pnl %s <= %s", pct(dailyPct), pct(l.DailyStopPct))
		d.LatchKill = hardKill
		return d
	}

	if hardKill {
		d := reject(ReasonHardKillBreached, "total pnl %s <= %s", pct(totalPct), pct(l.HardKillPct))
		d.LatchKill = true
		return d
	}

	sized := money.ClampAmount(size)
	if !s.CurrentCapital.IsPositive() {
		return reject(ReasonPerTradeCapExceeded, "current capital %s is not positive", s.CurrentCapital)
	}
	if !sized.IsPositive() {
		return reject(ReasonPerTradeCapExceeded, "size %s rounds to zero", size)
	}
	tradePct, _ := money.Ratio(sized, s.CurrentCapital)
	if tradePct.GreaterThan(l.PerTradeCapPct) {
		return reject(ReasonPerTradeCapExceeded, "size %s is %s of capital, cap %s", sized, pct(tradePct), pct(l.PerTradeCapPct))
	}

	if s.OpenPositions >= l.MaxPositions {
		return reject(ReasonPositionLimitReached, "%d open positions, limit %d", s.OpenPositions, l.MaxPositions)
	}

	// Worst case: the whole stake is lost today.
	worstPct, _ := money.Ratio(s.DailyRealized.Sub(sized), s.StartingCapital)
	if worstPct.LessThan(l.DailyStopPct) {
		return reject(ReasonAnomalousSingleTradeLoss, "total loss of %s would put daily pnl at %s", sized, pct(worstPct))
	}

	return approve(sized)
}

// EvaluateExit gates sells. Closing exposure is exempt from the daily stop, the
// per-trade cap and the position limit, but not from the kill switch or the
// hard kill: a crossing found here latches exactly as in Evaluate.
func EvaluateExit(l Limits, s AccountState) Decision {
	if d, stop := latched(s); stop {
		return d
	}
	if d, stop := unusable(l, s); stop {
		return d
	}

	totalPct, _ := money.Ratio(s.TotalRealized, s.StartingCapital)
	if totalPct.LessThanOrEqual(l.HardKillPct) {
		d := reject(ReasonHardKillBreached, "total pnl %s <= %s", pct(totalPct), pct(l.HardKillPct))
		d.LatchKill = true
		return d
	}
	return Decision{Approved: true}
}

func latched(s AccountState) (Decision, bool) {
	if !s.KillSwitch.Active {
		return Decision{}, false
	}
	if s.KillSwitch.Cause == KillCauseHardKill {
		return reject(ReasonHardKillBreached, "hard-kill latch engaged"), true
	}
	return reject(ReasonManualKillActive, "kill switch engaged"), true
}

// unusable rejects when no percentage can be computed. The reason set has no
// configuration entry, so the fault is reported against the first percentage
// guardrail; pipeline.New refuses such limits before any intent arrives.
func unusable(l Limits, s AccountState) (Decision, bool) {
	if problems := l.Problems(); len(problems) > 0 {
		return reject(ReasonDailyStopBreached, "limits unusable: %v", problems), true
	}
	if !s.StartingCapital.IsPositive() {
		return reject(ReasonDailyStopBreached, "starting capital %s is not positive", s.StartingCapital), true
	}
	return Decision{}, false
}

func pct(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}
