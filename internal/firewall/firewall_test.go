package firewall_test

import (
	"CopyGuard/internal/firewall"
	"CopyGuard/internal/intent"
	"CopyGuard/internal/storage"
	"CopyGuard/internal/testutil"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return now }

func baseConfig() firewall.Config {
	return firewall.Config{
		TraderAllowlist: []string{"trader-a"},
		MarketAllowlist: []string{"market-x"},
		MaxAge:          5 * time.Minute,
		MaxAmount:       decimal.NewFromInt(100),
		MaxFraction:     decimal.RequireFromString("0.5"),
		MaxPositions:    3,
	}
}

type intentOpt func(*intent.Params)

func newIntent(t *testing.T, id string, opts ...intentOpt) intent.TradeIntent {
	t.Helper()
	amt := decimal.NewFromInt(25)
	p := intent.Params{
		ID:        id,
		TraderID:  "trader-a",
		MarketID:  "market-x",
		Outcome:   "YES",
		Side:      intent.SideBuy,
		Amount:    &amt,
		CreatedAt: now.Add(-10 * time.Second),
	}
	for _, o := range opts {
		o(&p)
	}
	in, err := intent.New(p)
	require.NoError(t, err)
	return in
}

func check(t *testing.T, fw *firewall.Firewall, in intent.TradeIntent, open int) firewall.Result {
	t.Helper()
	res, err := fw.Validate(context.Background(), in, open)
	require.NoError(t, err)
	return res
}

func newFirewall(cfg firewall.Config) *firewall.Firewall {
	return firewall.New(cfg, nil, zerolog.Nop(), fixedClock)
}

func TestValidate_AcceptsHealthyIntent(t *testing.T) {
	fw := newFirewall(baseConfig())
	res := check(t, fw, newIntent(t, "i-1"), 0)
	assert.True(t, res.Accepted)
	assert.Equal(t, firewall.ReasonNone, res.Reason)
}

func TestValidate_FailClosedOnEmptyTraderAllowlist(t *testing.T) {
	variants := map[string]func(*firewall.Config){
		"healthy config":    func(*firewall.Config) {},
		"missing max age":   func(c *firewall.Config) { c.MaxAge = 0 },
		"everything zeroed": func(c *firewall.Config) { *c = firewall.Config{} },
		"any market":        func(c *firewall.Config) { c.MarketAllowlist = nil; c.AllowAnyMarket = true },
	}
	intents := map[string][]intentOpt{
		"fresh buy":    nil,
		"stale":        {func(p *intent.Params) { p.CreatedAt = time.Time{} }},
		"sell":         {func(p *intent.Params) { p.Side = intent.SideSell }},
		"oversized":    {func(p *intent.Params) { a := decimal.NewFromInt(1e6); p.Amount = &a }},
		"other market": {func(p *intent.Params) { p.MarketID = "market-z" }},
	}

	for cname, mutate := range variants {
		for iname, opts := range intents {
			t.Run(cname+"/"+iname, func(t *testing.T) {
				cfg := baseConfig()
				mutate(&cfg)
				cfg.TraderAllowlist = nil
				fw := newFirewall(cfg)

				in := newIntent(t, "dup", opts...)
				for i := 0; i < 2; i++ {
					res := check(t, fw, in, 10)
					assert.False(t, res.Accepted)
					assert.Equal(t, firewall.ReasonNotAllowlistedTrader, res.Reason)
				}
			})
		}
	}
}

func TestValidate_DuplicateID(t *testing.T) {
	fw := newFirewall(baseConfig())
	first := check(t, fw, newIntent(t, "i-1"), 0)
	require.True(t, first.Accepted)

	second := check(t, fw, newIntent(t, "i-1"), 0)
	assert.False(t, second.Accepted)
	assert.Equal(t, firewall.ReasonDuplicateID, second.Reason)
}

func TestValidate_RejectedIntentIsStillMarkedSeen(t *testing.T) {
	fw := newFirewall(baseConfig())
	stale := newIntent(t, "i-1", func(p *intent.Params) { p.CreatedAt = now.Add(-time.Hour) })
	assert.Equal(t, firewall.ReasonStale, check(t, fw, stale, 0).Reason)

	fresh := newIntent(t, "i-1")
	assert.Equal(t, firewall.ReasonDuplicateID, check(t, fw, fresh, 0).Reason)
}

func TestValidate_Reasons(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(*firewall.Config)
		opts   []intentOpt
		open   int
		reason firewall.Reason
	}{
		{
			name:   "unknown trader",
			opts:   []intentOpt{func(p *intent.Params) { p.TraderID = "trader-z" }},
			reason: firewall.ReasonNotAllowlistedTrader,
		},
		{
			name:   "zero max age is missing config",
			cfg:    func(c *firewall.Config) { c.MaxAge = 0 },
			reason: firewall.ReasonMissingConfig,
		},
		{
			name:   "zero max positions is missing config",
			cfg:    func(c *firewall.Config) { c.MaxPositions = 0 },
			reason: firewall.ReasonMissingConfig,
		},
		{
			name:   "fraction ceiling above one is missing config",
			cfg:    func(c *firewall.Config) { c.MaxFraction = decimal.NewFromInt(2) },
			reason: firewall.ReasonMissingConfig,
		},
		{
			name:   "ambiguous market config is missing config",
			cfg:    func(c *firewall.Config) { c.AllowAnyMarket = true },
			reason: firewall.ReasonMissingConfig,
		},
		{
			name:   "no timestamp",
			opts:   []intentOpt{func(p *intent.Params) { p.CreatedAt = time.Time{} }},
			reason: firewall.ReasonStale,
		},
		{
			name:   "too old",
			opts:   []intentOpt{func(p *intent.Params) { p.CreatedAt = now.Add(-6 * time.Minute) }},
			reason: firewall.ReasonStale,
		},
		{
			name:   "market not on list",
			opts:   []intentOpt{func(p *intent.Params) { p.MarketID = "market-z" }},
			reason: firewall.ReasonNotAllowlistedMarket,
		},
		{
			name:   "configured but empty market list",
			cfg:    func(c *firewall.Config) { c.MarketAllowlist = []string{} },
			reason: firewall.ReasonNotAllowlistedMarket,
		},
		{
			name: "amount over ceiling",
			opts: []intentOpt{func(p *intent.Params) {
				a := decimal.RequireFromString("100.01")
				p.Amount = &a
			}},
			reason: firewall.ReasonOversized,
		},
		{
			name: "fraction over ceiling",
			opts: []intentOpt{func(p *intent.Params) {
				f := decimal.RequireFromString("0.6")
				p.Amount = nil
				p.Fraction = &f
			}},
			reason: firewall.ReasonOversized,
		},
		{
			name:   "buy at position limit",
			open:   3,
			reason: firewall.ReasonPositionLimit,
		},
		{
			name: "stale wins over oversized",
			opts: []intentOpt{func(p *intent.Params) {
				a := decimal.NewFromInt(1000)
				p.Amount = &a
				p.CreatedAt = time.Time{}
			}},
			reason: firewall.ReasonStale,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			fw := newFirewall(cfg)
			res := check(t, fw, newIntent(t, fmt.Sprintf("i-%d", i), tt.opts...), tt.open)
			assert.False(t, res.Accepted)
			assert.Equal(t, tt.reason, res.Reason, res.Detail)
		})
	}
}

func TestValidate_AllowAnyMarket(t *testing.T) {
	cfg := baseConfig()
	cfg.MarketAllowlist = nil
	cfg.AllowAnyMarket = true
	fw := newFirewall(cfg)

	res := check(t, fw, newIntent(t, "i-1", func(p *intent.Params) { p.MarketID = "anything" }), 0)
	assert.True(t, res.Accepted)
}

func TestValidate_SellIgnoresPositionLimit(t *testing.T) {
	fw := newFirewall(baseConfig())
	sell := newIntent(t, "i-1", func(p *intent.Params) { p.Side = intent.SideSell })
	res := check(t, fw, sell, 99)
	assert.True(t, res.Accepted)
}

type fakeDurable struct {
	mu   sync.Mutex
	ids  map[string]bool
	fail error
}

func (f *fakeDurable) MarkSeen(_ context.Context, id string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return false, f.fail
	}
	if f.ids[id] {
		return false, nil
	}
	f.ids[id] = true
	return true, nil
}

func TestValidate_DurableTierSurvivesRestart(t *testing.T) {
	store := &fakeDurable{ids: map[string]bool{}}

	fw1 := firewall.New(baseConfig(), firewall.NewSeenSet(16, store, nil), zerolog.Nop(), fixedClock)
	require.True(t, check(t, fw1, newIntent(t, "i-1"), 0).Accepted)

	// fresh process: empty LRU, same store
	fw2 := firewall.New(baseConfig(), firewall.NewSeenSet(16, store, nil), zerolog.Nop(), fixedClock)
	res := check(t, fw2, newIntent(t, "i-1"), 0)
	assert.Equal(t, firewall.ReasonDuplicateID, res.Reason)
}

func TestValidate_DurableErrorReachesNoVerdict(t *testing.T) {
	store := &fakeDurable{ids: map[string]bool{}, fail: errors.New("disk full")}
	seen := firewall.NewSeenSet(16, store, nil)
	fw := firewall.New(baseConfig(), seen, zerolog.Nop(), fixedClock)

	res, err := fw.Validate(context.Background(), newIntent(t, "i-1"), 0)
	require.ErrorIs(t, err, firewall.ErrSeenUnavailable)
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, res.Accepted)
	assert.Equal(t, firewall.ReasonNone, res.Reason, "an outage is not a duplicate")

	// Nothing was claimed, so the same id is admitted once the store recovers.
	store.fail = nil
	assert.True(t, check(t, fw, newIntent(t, "i-1"), 0).Accepted)
}

func TestValidate_DurableErrorStillRejectsUnknownTrader(t *testing.T) {
	store := &fakeDurable{ids: map[string]bool{}, fail: errors.New("disk full")}
	fw := firewall.New(baseConfig(), firewall.NewSeenSet(16, store, nil), zerolog.Nop(), fixedClock)

	res := check(t, fw, newIntent(t, "i-1", func(p *intent.Params) { p.TraderID = "stranger" }), 0)
	assert.Equal(t, firewall.ReasonNotAllowlistedTrader, res.Reason)
}

func TestValidate_ConcurrentSameIDAdmitsOnce(t *testing.T) {
	fw := newFirewall(baseConfig())
	in := newIntent(t, "race")

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := fw.Validate(context.Background(), in, 0); err == nil && res.Accepted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
}

func TestSeenSet_EvictsOldest(t *testing.T) {
	s := firewall.NewSeenSet(2, nil, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		dup, err := s.CheckAndMark(ctx, id, now)
		require.NoError(t, err)
		require.False(t, dup)
	}
	assert.Equal(t, 2, s.Len())

	// "a" was evicted and there is no durable tier behind it
	dup, _ := s.CheckAndMark(ctx, "a", now)
	assert.False(t, dup)
	dup, _ = s.CheckAndMark(ctx, "c", now)
	assert.True(t, dup)
}

type recentIDs []string

func (r recentIDs) RecentIDs(_ context.Context, limit int) ([]string, error) {
	if len(r) > limit {
		return r[:limit], nil
	}
	return r, nil
}

func TestSeenSet_Warm(t *testing.T) {
	s := firewall.NewSeenSet(2, nil, nil)
	n, err := s.Warm(context.Background(), recentIDs{"newest", "middle", "oldest"})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "bounded by capacity")
	assert.Equal(t, 2, s.Len())

	dup, err := s.CheckAndMark(context.Background(), "newest", now)
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = s.CheckAndMark(context.Background(), "oldest", now)
	require.NoError(t, err)
	assert.False(t, dup, "outside the warmed window")
}

func TestSeenSet_WarmFromStore(t *testing.T) {
	db := testutil.SetupSQLite(t)
	store := storage.NewSeenStore(db)
	for i, id := range []string{"a", "b"} {
		_, err := store.MarkSeen(context.Background(), id, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	// no durable tier: only the warmed LRU can recognize the ids
	s := firewall.NewSeenSet(16, nil, nil)
	_, err := s.Warm(context.Background(), store)
	require.NoError(t, err)
	fw := firewall.New(baseConfig(), s, zerolog.Nop(), fixedClock)
	assert.Equal(t, firewall.ReasonDuplicateID, check(t, fw, newIntent(t, "a"), 0).Reason)
}
