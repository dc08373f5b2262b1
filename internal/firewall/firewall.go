package firewall

import (
	"CopyGuard/internal/intent"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrSeenUnavailable means the durable seen set could not be consulted. The
// intent gets no result: it was neither marked seen nor rejected.
var ErrSeenUnavailable = errors.New("seen set unavailable")

// Reason is the closed set of firewall rejection reasons.
type Reason int32

const (
	ReasonNone Reason = iota
	ReasonStale
	ReasonNotAllowlistedTrader
	ReasonNotAllowlistedMarket
	ReasonOversized
	ReasonDuplicateID
	ReasonMissingConfig
	ReasonPositionLimit
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonStale:
		return "stale"
	case ReasonNotAllowlistedTrader:
		return "not-allowlisted-trader"
	case ReasonNotAllowlistedMarket:
		return "not-allowlisted-market"
	case ReasonOversized:
		return "oversized"
	case ReasonDuplicateID:
		return "duplicate-id"
	case ReasonMissingConfig:
		return "missing-config"
	case ReasonPositionLimit:
		return "position-limit-reached"
	default:
		return "unknown"
	}
}

// Config is the firewall's policy. Every field is required; a zero value for
// any numeric limit makes the firewall reject all intents as missing-config.
type Config struct {
	TraderAllowlist []string
	// MarketAllowlist is consulted unless AllowAnyMarket is set. An empty list
	// without AllowAnyMarket rejects every market.
	MarketAllowlist []string
	AllowAnyMarket  bool
	MaxAge          time.Duration
	MaxAmount       decimal.Decimal // ceiling for amount-sized intents
	MaxFraction     decimal.Decimal // ceiling for fraction-sized intents, in (0, 1]
	MaxPositions    int
}

// Problems lists every reason cfg cannot be used. Empty allowlists are not
// problems: they are valid fail-closed policies.
func (c Config) Problems() []string {
	var out []string
	if c.MaxAge <= 0 {
		out = append(out, "max_age must be positive")
	}
	if !c.MaxAmount.IsPositive() {
		out = append(out, "max_amount must be positive")
	}
	if !c.MaxFraction.IsPositive() || c.MaxFraction.GreaterThan(decimal.NewFromInt(1)) {
		out = append(out, "max_fraction must be in (0, 1]")
	}
	if c.MaxPositions <= 0 {
		out = append(out, "max_positions must be positive")
	}
	if c.AllowAnyMarket && len(c.MarketAllowlist) > 0 {
		out = append(out, "allow_any_market and market_allowlist are mutually exclusive")
	}
	return out
}

// Result is the outcome of firewall processing. Exactly one is produced per intent.
type Result struct {
	Intent   intent.TradeIntent
	Accepted bool
	Reason   Reason
	Detail   string
}

func accepted(in intent.TradeIntent) Result {
	return Result{Intent: in, Accepted: true, Reason: ReasonNone}
}

func rejected(in intent.TradeIntent, reason Reason, detail string) Result {
	return Result{Intent: in, Reason: reason, Detail: detail}
}

// Firewall is the admission gate in front of the risk kernel.
type Firewall struct {
	cfg       Config
	traders   map[string]struct{}
	markets   map[string]struct{}
	configErr string
	seen      *SeenSet
	now       func() time.Time
	logger    zerolog.Logger
}

// New builds a firewall. A nil seen set gets a memory-only one; a nil clock uses time.Now.
// Configuration problems do not fail construction: they make every Validate fail closed.
func New(cfg Config, seen *SeenSet, logger zerolog.Logger, now func() time.Time) *Firewall {
	if seen == nil {
		seen = NewSeenSet(0, nil, nil)
	}
	if now == nil {
		now = time.Now
	}
	return &Firewall{
		cfg:       cfg,
		traders:   toSet(cfg.TraderAllowlist),
		markets:   toSet(cfg.MarketAllowlist),
		configErr: strings.Join(cfg.Problems(), "; "),
		seen:      seen,
		now:       now,
		logger:    logger,
	}
}

// Validate runs every check against in and returns the first failing reason.
// The id is marked seen before any check runs, so any later intent with the same
// id is rejected as a duplicate whatever this one's result. An error wrapping
// ErrSeenUnavailable means no verdict could be reached.
func (f *Firewall) Validate(ctx context.Context, in intent.TradeIntent, openPositions int) (Result, error) {
	now := f.now()
	res, err := f.evaluate(ctx, in, openPositions, now)
	if err != nil {
		f.logger.Error().Err(err).Str("intent_id", in.ID()).Msg("firewall could not check intent id")
		return Result{Intent: in}, err
	}
	f.log(res)
	return res, nil
}

func (f *Firewall) evaluate(ctx context.Context, in intent.TradeIntent, openPositions int, now time.Time) (Result, error) {
	var (
		duplicate bool
		seenErr   error
	)
	if in.Valid() {
		duplicate, seenErr = f.seen.CheckAndMark(ctx, in.ID(), now)
	}

	// A zero intent has no trader, so it never gets past here.
	if _, ok := f.traders[in.TraderID()]; !ok {
		if len(f.traders) == 0 {
			return rejected(in, ReasonNotAllowlistedTrader, "trader allowlist is empty"), nil
		}
		return rejected(in, ReasonNotAllowlistedTrader, "trader "+in.TraderID()+" not allowlisted"), nil
	}

	if f.configErr != "" {
		return rejected(in, ReasonMissingConfig, f.configErr), nil
	}

	if seenErr != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrSeenUnavailable, seenErr)
	}
	if duplicate {
		return rejected(in, ReasonDuplicateID, "intent id already seen"), nil
	}

	if !in.HasTimestamp() {
		return rejected(in, ReasonStale, "intent has no timestamp"), nil
	}
	if age := now.Sub(in.CreatedAt()); age > f.cfg.MaxAge {
		return rejected(in, ReasonStale, fmt.Sprintf("age %s exceeds %s", age.Round(time.Millisecond), f.cfg.MaxAge)), nil
	}

	if !f.cfg.AllowAnyMarket {
		if _, ok := f.markets[in.MarketID()]; !ok {
			return rejected(in, ReasonNotAllowlistedMarket, "market "+in.MarketID()+" not allowlisted"), nil
		}
	}

	size := in.Size()
	ceiling := f.cfg.MaxFraction
	if size.IsAmount() {
		ceiling = f.cfg.MaxAmount
	}
	if size.Value().GreaterThan(ceiling) {
		return rejected(in, ReasonOversized, fmt.Sprintf("%s exceeds ceiling %s", size, ceiling)), nil
	}

	// Sells reduce exposure and are never blocked by the position limit.
	if in.Side() == intent.SideBuy && openPositions >= f.cfg.MaxPositions {
		return rejected(in, ReasonPositionLimit, fmt.Sprintf("%d open positions, limit %d", openPositions, f.cfg.MaxPositions)), nil
	}

	return accepted(in), nil
}

func (f *Firewall) log(res Result) {
	ev := f.logger.Info()
	if !res.Accepted {
		ev = f.logger.Warn()
	}
	ev.Str("intent_id", res.Intent.ID()).
		Str("trader_id", res.Intent.TraderID()).
		Str("market_id", res.Intent.MarketID()).
		Bool("accepted", res.Accepted).
		Str("reason", res.Reason.String()).
		Str("detail", res.Detail).
		Msg("firewall result")
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			set[it] = struct{}{}
		}
	}
	return set
}
