package pipeline_test

import (
	"CopyGuard/internal/event"
	"CopyGuard/internal/execution"
	"CopyGuard/internal/firewall"
	"CopyGuard/internal/intent"
	"CopyGuard/internal/ledger"
	"CopyGuard/internal/pipeline"
	"CopyGuard/internal/risk"
	"CopyGuard/internal/storage"
	"CopyGuard/internal/testutil"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingNotifier struct {
	mu   sync.Mutex
	envs []*event.Envelope
}

func (n *recordingNotifier) Notify(_ context.Context, env *event.Envelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.envs = append(n.envs, env)
	return nil
}

func (n *recordingNotifier) stages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.envs))
	for i, e := range n.envs {
		out[i] = e.Stage
	}
	return out
}

type recordingAudit struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (a *recordingAudit) Append(_ context.Context, intentID, stage string, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.entries == nil {
		a.entries = make(map[string][]byte)
	}
	a.entries[intentID] = payload
	return nil
}

type harness struct {
	db       *storage.DB
	ledger   *ledger.Ledger
	pipeline *pipeline.Pipeline
	notifier *recordingNotifier
	audit    *recordingAudit
}

type harnessConfig struct {
	firewall firewall.Config
	sim      execution.SimulatedConfig
	executor execution.Executor
	durable  firewall.DurableSeen
}

type option func(*harnessConfig)

func withMarkets(markets ...string) option {
	return func(c *harnessConfig) { c.firewall.MarketAllowlist = markets }
}

func withDepth(max string) option {
	return func(c *harnessConfig) { c.sim.MaxOrderAmount = d(max) }
}

func withExecutor(ex execution.Executor) option {
	return func(c *harnessConfig) { c.executor = ex }
}

func withDurableSeen(ds firewall.DurableSeen) option {
	return func(c *harnessConfig) { c.durable = ds }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	db := testutil.SetupSQLite(t)
	clock := func() time.Time { return now }

	cfg := harnessConfig{
		firewall: firewall.Config{
			TraderAllowlist: []string{"trader-a"},
			MarketAllowlist: []string{"market-x"},
			MaxAge:          5 * time.Minute,
			MaxAmount:       d("100"),
			MaxFraction:     d("1"),
			MaxPositions:    3,
		},
		sim:     execution.SimulatedConfig{DefaultPrice: d("0.5")},
		durable: storage.NewSeenStore(db),
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.executor == nil {
		sim, err := execution.NewSimulated(cfg.sim)
		require.NoError(t, err)
		cfg.executor = sim
	}

	seen := firewall.NewSeenSet(100, cfg.durable, nil)
	fw := firewall.New(cfg.firewall, seen, zerolog.Nop(), clock)
	l := ledger.New(db, ledger.Options{StartingCapital: d("1000"), Now: clock, Logger: zerolog.Nop()})

	h := &harness{db: db, ledger: l, notifier: &recordingNotifier{}, audit: &recordingAudit{}}
	var err error
	h.pipeline, err = pipeline.New(pipeline.Config{
		Limits: risk.Limits{
			DailyStopPct:   d("-0.05"),
			HardKillPct:    d("-0.20"),
			PerTradeCapPct: d("0.03"),
			MaxPositions:   3,
		},
	}, pipeline.Deps{
		Firewall: fw,
		Ledger:   l,
		Executor: cfg.executor,
		Notifier: h.notifier,
		Audit:    h.audit,
		Logger:   zerolog.Nop(),
		Now:      clock,
	})
	require.NoError(t, err)
	return h
}

func buy(t *testing.T, id, market, amount string) intent.TradeIntent {
	t.Helper()
	a := d(amount)
	in, err := intent.New(intent.Params{
		ID: id, TraderID: "trader-a", MarketID: market, Outcome: "YES",
		Side: intent.SideBuy, Amount: &a, CreatedAt: now.Add(-10 * time.Second),
	})
	require.NoError(t, err)
	return in
}

func sell(t *testing.T, id, market, fraction string) intent.TradeIntent {
	t.Helper()
	f := d(fraction)
	in, err := intent.New(intent.Params{
		ID: id, TraderID: "trader-a", MarketID: market, Outcome: "YES",
		Side: intent.SideSell, Fraction: &f, CreatedAt: now.Add(-10 * time.Second),
	})
	require.NoError(t, err)
	return in
}

// realize seeds the ledger with a round trip that realizes pnl at the given time.
func (h *harness) realize(t *testing.T, id string, pnl string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	b := buy(t, id+"-b", "seed-market", "100")
	s := sell(t, id+"-s", "seed-market", "1")

	qty := d("1000")
	exit := d("0.5").Add(d(pnl).Div(qty))
	for _, step := range []struct {
		in    intent.TradeIntent
		price decimal.Decimal
	}{{b, d("0.5")}, {s, exit}} {
		res, err := execution.NewResult(execution.Fill{
			ExecutionID: "seed-" + step.in.ID(), IntentID: step.in.ID(),
			MarketID: step.in.MarketID(), Outcome: step.in.Outcome(), Side: step.in.Side(),
			Price: step.price, Amount: step.price.Mul(qty), Quantity: qty, Timestamp: at,
		})
		require.NoError(t, err)
		_, err = h.ledger.RecordExecution(ctx, step.in, res)
		require.NoError(t, err)
	}
}

func trail(o pipeline.Outcome) []string {
	out := make([]string, len(o.Trail))
	for i, s := range o.Trail {
		out[i] = s.String()
	}
	return out
}

func TestScenario_HealthyTwentyFiveDollarBuy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.pipeline.Process(ctx, buy(t, "i-1", "market-x", "25"))
	require.NoError(t, err)

	assert.Equal(t, pipeline.StageNotified, out.Stage)
	assert.Equal(t, []string{"RECEIVED", "VALIDATED", "RISK_APPROVED", "EXECUTED", "RECORDED", "NOTIFIED"}, trail(out))
	require.NotNil(t, out.Decision)
	assert.True(t, out.Decision.Size.Equal(d("25")))
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.Success())
	assert.True(t, out.Result.Price().Equal(d("0.5")))

	open, err := h.ledger.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].CostBasis.Equal(d("25")))
	assert.True(t, open[0].Quantity.Equal(d("50")))

	assert.Equal(t, []string{"NOTIFIED"}, h.notifier.stages())
	assert.Equal(t, "copy.outcomes.notified", h.notifier.envs[0].Subject())

	var env event.Envelope
	require.NoError(t, json.Unmarshal(h.audit.entries["i-1"], &env))
	assert.Equal(t, "i-1", env.IntentID())
	assert.Equal(t, "opened", env.Ledger.Kind)
	assert.Equal(t, "simulated", env.Order.Mode)

	pending, err := h.ledger.PendingAttempts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestScenario_DailyStopBlocksExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.realize(t, "loss", "-55", now.Add(-time.Hour))

	before, err := h.ledger.Executions(ctx, 100)
	require.NoError(t, err)

	out, err := h.pipeline.Process(ctx, buy(t, "i-1", "market-x", "25"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageRejectedByRisk, out.Stage)
	assert.Equal(t, risk.ReasonDailyStopBreached, out.Decision.Reason)
	assert.Nil(t, out.Result, "no execution attempted")

	after, err := h.ledger.Executions(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
	open, err := h.ledger.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, []string{"REJECTED_BY_RISK"}, h.notifier.stages())
}

func TestScenario_DuplicateIDRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.pipeline.Process(ctx, buy(t, "i-1", "market-x", "25"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageNotified, first.Stage)

	again, err := h.pipeline.Process(ctx, buy(t, "i-1", "market-x", "25"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageRejectedByFirewall, again.Stage)
	assert.Equal(t, firewall.ReasonDuplicateID, again.Firewall.Reason)

	open, err := h.ledger.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1, "the duplicate never reached the executor")
}

func TestHardKillLatchSurvivesRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.realize(t, "crash", "-210", now.Add(-24*time.Hour))

	out, err := h.pipeline.Process(ctx, buy(t, "i-1", "market-x", "25"))
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonHardKillBreached, out.Decision.Reason)
	assert.True(t, out.Decision.LatchKill)

	ks, err := h.ledger.KillSwitch(ctx)
	require.NoError(t, err)
	assert.Equal(t, risk.KillSwitch{Active: true, Cause: risk.KillCauseHardKill}, ks)

	// PnL recovers well above the threshold; the latch holds.
	h.realize(t, "rebound", "300", now.Add(-time.Hour))
	out, err = h.pipeline.Process(ctx, buy(t, "i-2", "market-x", "25"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageRejectedByRisk, out.Stage)
	assert.Equal(t, risk.ReasonHardKillBreached, out.Decision.Reason)

	require.NoError(t, h.ledger.ClearKillSwitch(ctx, "reviewed"))
	out, err = h.pipeline.Process(ctx, buy(t, "i-3", "market-x", "25"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageNotified, out.Stage)
}

func TestHardKillLatchedBySell(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.pipeline.Process(ctx, buy(t, "i-1", "market-x", "25"))
	require.NoError(t, err)
	require.Equal(t, pipeline.StageNotified, out.Stage)

	// Losses realized elsewhere cross the hard kill with no latch set yet.
	h.realize(t, "crash", "-250", now.Add(-48*time.Hour))

	out, err = h.pipeline.Process(ctx, sell(t, "i-2", "market-x", "1"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageRejectedByRisk, out.Stage)
	assert.Equal(t, risk.ReasonHardKillBreached, out.Decision.Reason)
	assert.True(t, out.Decision.LatchKill)

	ks, err := h.ledger.KillSwitch(ctx)
	require.NoError(t, err)
	assert.Equal(t, risk.KillSwitch{Active: true, Cause: risk.KillCauseHardKill}, ks)

	// Recovery above the threshold does not release it for sells or buys.
	h.realize(t, "rebound", "100", now.Add(-24*time.Hour))
	out, err = h.pipeline.Process(ctx, sell(t, "i-3", "market-x", "1"))
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonHardKillBreached, out.Decision.Reason)

	out, err = h.pipeline.Process(ctx, buy(t, "i-4", "market-x", "25"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageRejectedByRisk, out.Stage)
	assert.Equal(t, risk.ReasonHardKillBreached, out.Decision.Reason)

	p, err := h.ledger.Position(ctx, "market-x", "YES")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(d("50")), "no sell went through")
}

func TestLatchWriteFailureIsInfraError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.realize(t, "crash", "-210", now.Add(-24*time.Hour))

	for _, ddl := range []string{
		`CREATE TRIGGER refuse_flag_insert BEFORE INSERT ON account_flags BEGIN SELECT RAISE(ABORT, 'flags read-only'); END`,
		`CREATE TRIGGER refuse_flag_update BEFORE UPDATE ON account_flags BEGIN SELECT RAISE(ABORT, 'flags read-only'); END`,
	} {
		_, err := h.db.ExecContext(ctx, ddl)
		require.NoError(t, err)
	}

	out, err := h.pipeline.Process(ctx, buy(t, "i-1", "market-x", "25"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kill-switch")
	assert.Equal(t, pipeline.StageValidated, out.Stage, "no terminal stage without the latch")
	require.NotNil(t, out.Decision)
	assert.True(t, out.Decision.LatchKill)
	assert.Empty(t, h.notifier.stages())
	assert.Contains(t, string(h.audit.entries["i-1"]), "kill-switch")
}

type outageSeen struct {
	mu   sync.Mutex
	down bool
	ids  map[string]bool
}

func (s *outageSeen) MarkSeen(_ context.Context, id string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return false, errors.New("connection refused")
	}
	if s.ids[id] {
		return false, nil
	}
	s.ids[id] = true
	return true, nil
}

func TestSeenStoreOutageIsInfraError(t *testing.T) {
	store := &outageSeen{down: true, ids: map[string]bool{}}
	h := newHarness(t, withDurableSeen(store))
	ctx := context.Background()

	out, err := h.pipeline.Process(ctx, buy(t, "i-1", "market-x", "25"))
	require.ErrorIs(t, err, firewall.ErrSeenUnavailable)
	assert.Equal(t, pipeline.StageReceived, out.Stage)
	assert.Nil(t, out.Firewall, "no firewall verdict was reached")
	assert.Empty(t, h.notifier.stages())
	assert.Contains(t, string(h.audit.entries["i-1"]), "seen-set")

	// A redelivery after recovery is processed, not treated as a duplicate.
	store.mu.Lock()
	store.down = false
	store.mu.Unlock()
	out, err = h.pipeline.Process(ctx, buy(t, "i-1", "market-x", "25"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageNotified, out.Stage)
}

type garbledBroker struct{}

func (garbledBroker) PlaceOrder(_ context.Context, o execution.BrokerOrder) (execution.BrokerFill, error) {
	return execution.BrokerFill{OrderID: "venue-" + o.ClientOrderID, Amount: o.Amount}, nil
}

func TestUnconfirmedFillLeavesAttemptPending(t *testing.T) {
	live, err := execution.NewLive(execution.LiveConfig{
		Dial: func(context.Context) (execution.Broker, error) { return garbledBroker{}, nil },
		Now:  func() time.Time { return now },
	})
	require.NoError(t, err)
	h := newHarness(t, withExecutor(live))
	ctx := context.Background()

	out, err := h.pipeline.Process(ctx, buy(t, "i-1", "market-x", "25"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unconfirmed-fill")
	assert.Equal(t, pipeline.StageRiskApproved, out.Stage)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.Unconfirmed())
	assert.Nil(t, out.Update)
	assert.Empty(t, h.notifier.stages())

	pending, err := h.ledger.PendingAttempts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "i-1", pending[0].Intent.ID())

	execs, err := h.ledger.Executions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestNewRefusesUnusableLimits(t *testing.T) {
	db := testutil.SetupSQLite(t)
	sim, err := execution.NewSimulated(execution.SimulatedConfig{DefaultPrice: d("0.5")})
	require.NoError(t, err)
	fw := firewall.New(firewall.Config{}, nil, zerolog.Nop(), nil)
	l := ledger.New(db, ledger.Options{StartingCapital: d("1000"), Logger: zerolog.Nop()})

	_, err = pipeline.New(pipeline.Config{Limits: risk.Limits{
		DailyStopPct: d("-0.05"), HardKillPct: d("-0.01"), PerTradeCapPct: d("0.03"), MaxPositions: 3,
	}}, pipeline.Deps{Firewall: fw, Ledger: l, Executor: sim, Logger: zerolog.Nop()})
	assert.ErrorContains(t, err, "hard_kill_pct")

	broke := ledger.New(db, ledger.Options{StartingCapital: decimal.Zero, Logger: zerolog.Nop()})
	_, err = pipeline.New(pipeline.Config{Limits: risk.Limits{
		DailyStopPct: d("-0.05"), HardKillPct: d("-0.20"), PerTradeCapPct: d("0.03"), MaxPositions: 3,
	}}, pipeline.Deps{Firewall: fw, Ledger: broke, Executor: sim, Logger: zerolog.Nop()})
	assert.ErrorContains(t, err, "starting capital")
}

func TestManualKillSwitchRejectsBuysAndSells(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ledger.SetKillSwitch(ctx, risk.KillCauseManual, "pause"))

	out, err := h.pipeline.Process(ctx, buy(t, "i-1", "market-x", "25"))
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonManualKillActive, out.Decision.Reason)

	out, err = h.pipeline.Process(ctx, sell(t, "i-2", "market-x", "1"))
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonManualKillActive, out.Decision.Reason)
}

func TestExecutionFailureIsRecorded(t *testing.T) {
	h := newHarness(t, withDepth("10"))
	ctx := context.Background()

	out, err := h.pipeline.Process(ctx, buy(t, "i-1", "market-x", "25"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageExecutionFailed, out.Stage)
	assert.Equal(t, []string{"RECEIVED", "VALIDATED", "RISK_APPROVED", "EXECUTION_FAILED"}, trail(out))
	assert.Equal(t, execution.KindInsufficientLiquidity, out.Result.ErrorKind())
	require.NotNil(t, out.Update)
	assert.Equal(t, ledger.UpdateFailed, out.Update.Kind)

	execs, err := h.ledger.Executions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.False(t, execs[0].Success)

	pending, err := h.ledger.PendingAttempts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, []string{"EXECUTION_FAILED"}, h.notifier.stages())
}

func TestSellClosesFromTrackedQuantity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.pipeline.Process(ctx, buy(t, "i-1", "market-x", "25"))
	require.NoError(t, err)

	out, err := h.pipeline.Process(ctx, sell(t, "i-2", "market-x", "1"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageNotified, out.Stage)
	assert.True(t, out.Order.Quantity.Equal(d("50")))
	assert.Equal(t, ledger.UpdateClosed, out.Update.Kind)

	// Nothing left to sell: the executor refuses the zero-quantity order.
	out, err = h.pipeline.Process(ctx, sell(t, "i-3", "market-x", "1"))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageExecutionFailed, out.Stage)
	assert.Equal(t, execution.KindInvalidOrder, out.Result.ErrorKind())
}

func TestConcurrentBuysNeverExceedPositionLimit(t *testing.T) {
	markets := make([]string, 10)
	for i := range markets {
		markets[i] = fmt.Sprintf("market-%d", i)
	}
	h := newHarness(t, withMarkets(markets...))
	ctx := context.Background()

	intents := make([]intent.TradeIntent, len(markets))
	for i, m := range markets {
		intents[i] = buy(t, "c-"+m, m, "25")
	}

	var wg sync.WaitGroup
	outcomes := make([]pipeline.Outcome, len(intents))
	for i, in := range intents {
		wg.Add(1)
		go func(i int, in intent.TradeIntent) {
			defer wg.Done()
			out, err := h.pipeline.Process(ctx, in)
			assert.NoError(t, err)
			outcomes[i] = out
		}(i, in)
	}
	wg.Wait()

	filled := 0
	for _, o := range outcomes {
		switch o.Stage {
		case pipeline.StageNotified:
			filled++
		case pipeline.StageRejectedByFirewall:
			assert.Equal(t, firewall.ReasonPositionLimit, o.Firewall.Reason)
		case pipeline.StageRejectedByRisk:
			assert.Equal(t, risk.ReasonPositionLimitReached, o.Decision.Reason)
		default:
			t.Errorf("unexpected stage %s", o.Stage)
		}
	}
	assert.Equal(t, 3, filled)

	n, err := h.ledger.OpenPositionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestConcurrentSameIDAdmittedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in := buy(t, "same", "market-x", "25")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.pipeline.Process(ctx, in)
			assert.NoError(t, err)
			if out.Stage != pipeline.StageRejectedByFirewall {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}

func TestStoreFailureStopsBeforeExecution(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.db.Close())

	out, err := h.pipeline.Process(context.Background(), buy(t, "i-1", "market-x", "25"))
	require.Error(t, err)
	assert.Equal(t, pipeline.StageReceived, out.Stage)
	assert.Nil(t, out.Result)
	assert.Empty(t, h.notifier.stages(), "non-terminal outcomes are not notified")
	assert.Contains(t, string(h.audit.entries["i-1"]), "open-positions")
}

func TestAuditWorkerReceivesEveryOutcome(t *testing.T) {
	db := testutil.SetupSQLite(t)
	clock := func() time.Time { return now }
	worker := storage.NewAuditWorker(db, 16, 4, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- worker.Run(ctx) }()

	fw := firewall.New(firewall.Config{
		TraderAllowlist: []string{"trader-a"},
		AllowAnyMarket:  true,
		MaxAge:          time.Minute,
		MaxAmount:       d("100"),
		MaxFraction:     d("0.1"),
		MaxPositions:    3,
	}, nil, zerolog.Nop(), clock)
	l := ledger.New(db, ledger.Options{StartingCapital: d("1000"), Now: clock, Logger: zerolog.Nop()})
	sim, err := execution.NewSimulated(execution.SimulatedConfig{DefaultPrice: d("0.5")})
	require.NoError(t, err)
	p, err := pipeline.New(pipeline.Config{Limits: risk.Limits{
		DailyStopPct: d("-0.05"), HardKillPct: d("-0.2"), PerTradeCapPct: d("0.03"), MaxPositions: 3,
	}}, pipeline.Deps{Firewall: fw, Ledger: l, Executor: sim, Audit: worker, Logger: zerolog.Nop(), Now: clock})
	require.NoError(t, err)

	_, err = p.Process(ctx, buy(t, "a-1", "any-market", "25"))
	require.NoError(t, err)
	_, err = p.Process(ctx, buy(t, "a-2", "any-market", "500"))
	require.NoError(t, err)

	cancel()
	<-worker.Done()
	<-errCh

	auditLog := storage.NewAuditLog(db)
	n, err := auditLog.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	recs, err := auditLog.ForIntent(context.Background(), "a-2")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "REJECTED_BY_FIREWALL", recs[0].Stage)
}

func TestStageTransitions(t *testing.T) {
	assert.True(t, pipeline.StageReceived.CanTransitionTo(pipeline.StageValidated))
	assert.True(t, pipeline.StageRiskApproved.CanTransitionTo(pipeline.StageExecutionFailed))
	assert.False(t, pipeline.StageReceived.CanTransitionTo(pipeline.StageRiskApproved), "no skipping")
	assert.False(t, pipeline.StageValidated.CanTransitionTo(pipeline.StageValidated), "no repeats")
	assert.False(t, pipeline.StageExecutionFailed.CanTransitionTo(pipeline.StageRecorded))

	for _, s := range []pipeline.Stage{
		pipeline.StageRejectedByFirewall, pipeline.StageRejectedByRisk,
		pipeline.StageExecutionFailed, pipeline.StageNotified,
	} {
		assert.True(t, s.IsTerminal(), s.String())
		assert.False(t, s.CanTransitionTo(pipeline.StageReceived))
	}
}

func TestWithSource(t *testing.T) {
	assert.Equal(t, "direct", pipeline.SourceFrom(context.Background()))
	assert.Equal(t, "nats", pipeline.SourceFrom(pipeline.WithSource(context.Background(), "nats")))
}
