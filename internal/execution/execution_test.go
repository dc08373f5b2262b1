package execution_test

import (
	"CopyGuard/internal/execution"
	"CopyGuard/internal/intent"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var created = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func buyIntent(t *testing.T, id, amount string) intent.TradeIntent {
	t.Helper()
	a := d(amount)
	in, err := intent.New(intent.Params{
		ID: id, TraderID: "trader-a", MarketID: "market-x", Outcome: "YES",
		Side: intent.SideBuy, Amount: &a, CreatedAt: created,
	})
	require.NoError(t, err)
	return in
}

func sellIntent(t *testing.T, id string) intent.TradeIntent {
	t.Helper()
	f := d("1")
	in, err := intent.New(intent.Params{
		ID: id, TraderID: "trader-a", MarketID: "market-x", Outcome: "YES",
		Side: intent.SideSell, Fraction: &f, CreatedAt: created,
	})
	require.NoError(t, err)
	return in
}

func newSim(t *testing.T) *execution.Simulated {
	t.Helper()
	sim, err := execution.NewSimulated(execution.SimulatedConfig{
		DefaultPrice:   d("0.5"),
		Prices:         map[string]decimal.Decimal{"market-y/NO": d("0.2")},
		MaxOrderAmount: d("500"),
	})
	require.NoError(t, err)
	return sim
}

func TestSimulated_FillsAtFixedPrice(t *testing.T) {
	sim := newSim(t)
	res := sim.Execute(context.Background(), buyIntent(t, "i-1", "25"), execution.Order{Amount: d("25")})

	require.True(t, res.Success(), res.Message())
	assert.True(t, res.Price().Equal(d("0.5")))
	assert.True(t, res.Amount().Equal(d("25")))
	assert.True(t, res.Quantity().Equal(d("50")))
	assert.Equal(t, execution.ClientOrderID("i-1"), res.ExecutionID())
	assert.True(t, res.Timestamp().Equal(created))
	assert.Equal(t, execution.ModeSimulated, res.Mode())
}

func TestSimulated_Deterministic(t *testing.T) {
	sim := newSim(t)
	in := buyIntent(t, "i-1", "25")
	a := sim.Execute(context.Background(), in, execution.Order{Amount: d("25")})
	b := sim.Execute(context.Background(), in, execution.Order{Amount: d("25")})

	ja, err := json.Marshal(a)
	require.NoError(t, err)
	jb, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, string(ja), string(jb))
}

func TestSimulated_Failures(t *testing.T) {
	sim := newSim(t)
	ctx := context.Background()

	res := sim.Execute(ctx, buyIntent(t, "i-1", "25"), execution.Order{})
	assert.Equal(t, execution.KindInvalidOrder, res.ErrorKind())

	res = sim.Execute(ctx, buyIntent(t, "i-2", "25"), execution.Order{Amount: d("25.001")})
	assert.Equal(t, execution.KindInvalidOrder, res.ErrorKind())

	res = sim.Execute(ctx, buyIntent(t, "i-3", "600"), execution.Order{Amount: d("600")})
	assert.False(t, res.Success())
	assert.Equal(t, execution.KindInsufficientLiquidity, res.ErrorKind())

	res = sim.Execute(ctx, sellIntent(t, "i-4"), execution.Order{})
	assert.Equal(t, execution.KindInvalidOrder, res.ErrorKind())
	assert.True(t, res.Valid(), "failures still carry an execution id")
}

func TestSimulated_SellUsesQuantity(t *testing.T) {
	sim := newSim(t)
	res := sim.Execute(context.Background(), sellIntent(t, "i-1"), execution.Order{Quantity: d("40")})
	require.True(t, res.Success())
	assert.True(t, res.Quantity().Equal(d("40")))
	assert.True(t, res.Amount().Equal(d("20")))
}

func TestSimulated_PriceOverrides(t *testing.T) {
	sim := newSim(t)
	assert.True(t, sim.PriceFor("market-y", "NO").Equal(d("0.2")))
	assert.True(t, sim.PriceFor("market-y", "YES").Equal(d("0.5")))
}

func TestNewSimulated_RejectsBadConfig(t *testing.T) {
	_, err := execution.NewSimulated(execution.SimulatedConfig{})
	assert.Error(t, err)
}

func TestNew_SelectsImplementation(t *testing.T) {
	ex, err := execution.New(execution.ModeSimulated, execution.Options{
		Simulated: execution.SimulatedConfig{DefaultPrice: d("0.5")},
	})
	require.NoError(t, err)
	assert.Equal(t, execution.ModeSimulated, ex.Mode())

	_, err = execution.New(execution.ModeLive, execution.Options{})
	assert.Error(t, err, "live without a broker factory")
}

func TestLive_DialsLazilyOnce(t *testing.T) {
	var dials atomic.Int32
	broker := fakeBroker{price: d("0.5")}
	live, err := execution.NewLive(execution.LiveConfig{
		Dial: func(context.Context) (execution.Broker, error) {
			dials.Add(1)
			return broker, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), dials.Load(), "construction must not dial")
	assert.False(t, live.Dialed())

	for _, id := range []string{"i-1", "i-2"} {
		res := live.Execute(context.Background(), buyIntent(t, id, "10"), execution.Order{Amount: d("10")})
		require.True(t, res.Success(), res.Message())
	}
	assert.Equal(t, int32(1), dials.Load())
}

func TestLive_InvalidOrderNeverDials(t *testing.T) {
	var dials atomic.Int32
	live, err := execution.NewLive(execution.LiveConfig{
		Dial: func(context.Context) (execution.Broker, error) {
			dials.Add(1)
			return fakeBroker{price: d("0.5")}, nil
		},
	})
	require.NoError(t, err)

	res := live.Execute(context.Background(), buyIntent(t, "i-1", "10"), execution.Order{})
	assert.Equal(t, execution.KindInvalidOrder, res.ErrorKind())
	assert.Equal(t, int32(0), dials.Load())
}

func TestLive_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want execution.ErrorKind
	}{
		{"broker rejection", &execution.BrokerError{Kind: execution.KindRejected}, execution.KindRejected},
		{"deadline", context.DeadlineExceeded, execution.KindTimeout},
		{"wrapped deadline", errors.Join(errors.New("post"), context.DeadlineExceeded), execution.KindTimeout},
		{"anything else", errors.New("connection reset"), execution.KindUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live, err := execution.NewLive(execution.LiveConfig{
				Dial: func(context.Context) (execution.Broker, error) { return fakeBroker{err: tt.err}, nil },
			})
			require.NoError(t, err)
			res := live.Execute(context.Background(), buyIntent(t, "i-1", "10"), execution.Order{Amount: d("10")})
			assert.False(t, res.Success())
			assert.Equal(t, tt.want, res.ErrorKind())
		})
	}
}

func TestLive_MalformedFillIsUnconfirmed(t *testing.T) {
	live, err := execution.NewLive(execution.LiveConfig{
		Dial: func(context.Context) (execution.Broker, error) { return fakeBroker{price: decimal.Zero}, nil },
	})
	require.NoError(t, err)

	res := live.Execute(context.Background(), buyIntent(t, "i-1", "10"), execution.Order{Amount: d("10")})
	assert.False(t, res.Success())
	assert.Equal(t, execution.KindUnavailable, res.ErrorKind())
	assert.True(t, res.Unconfirmed())

	data, err := json.Marshal(res)
	require.NoError(t, err)
	var back execution.Result
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Unconfirmed())

	refused := live.Execute(context.Background(), buyIntent(t, "i-2", "10"), execution.Order{})
	assert.False(t, refused.Unconfirmed(), "nothing reached the venue")
}

func TestLive_MissingCredentialsIsUnauthorized(t *testing.T) {
	t.Setenv("COPYGUARD_TEST_BROKER_KEY", "")
	live, err := execution.NewLive(execution.LiveConfig{
		Dial: execution.NewRESTBrokerFactory(execution.RESTBrokerConfig{
			BaseURL:   "http://127.0.0.1:1",
			APIKeyEnv: "COPYGUARD_TEST_BROKER_KEY",
		}),
	})
	require.NoError(t, err)

	res := live.Execute(context.Background(), buyIntent(t, "i-1", "10"), execution.Order{Amount: d("10")})
	assert.Equal(t, execution.KindUnauthorized, res.ErrorKind())
	assert.False(t, live.Dialed())
}

func TestRESTBroker_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		code   string
		want   execution.ErrorKind
	}{
		{http.StatusUnauthorized, "", execution.KindUnauthorized},
		{http.StatusForbidden, "", execution.KindUnauthorized},
		{http.StatusUnprocessableEntity, "", execution.KindInvalidOrder},
		{http.StatusConflict, "", execution.KindRejected},
		{http.StatusConflict, "insufficient_liquidity", execution.KindInsufficientLiquidity},
		{http.StatusServiceUnavailable, "", execution.KindUnavailable},
		{http.StatusGatewayTimeout, "", execution.KindTimeout},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status)+"/"+tt.code, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]string{"code": tt.code, "message": "nope"})
			}))
			defer srv.Close()

			live := newLiveREST(t, srv.URL, time.Second)
			res := live.Execute(context.Background(), buyIntent(t, "i-1", "10"), execution.Order{Amount: d("10")})
			assert.False(t, res.Success())
			assert.Equal(t, tt.want, res.ErrorKind())
		})
	}
}

func TestRESTBroker_TimeoutIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	live := newLiveREST(t, srv.URL, 50*time.Millisecond)
	res := live.Execute(context.Background(), buyIntent(t, "i-1", "10"), execution.Order{Amount: d("10")})
	assert.False(t, res.Success())
	assert.Equal(t, execution.KindTimeout, res.ErrorKind())
}

func TestRESTBroker_SendsOrderAndIdempotencyKey(t *testing.T) {
	var got execution.BrokerOrder
	var key, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"order_id": "venue-1", "price": "0.5", "amount": got.Amount, "filled_at": created,
		})
	}))
	defer srv.Close()

	live := newLiveREST(t, srv.URL, time.Second)
	res := live.Execute(context.Background(), buyIntent(t, "i-1", "10"), execution.Order{Amount: d("10")})
	require.True(t, res.Success(), res.Message())

	assert.Equal(t, execution.ClientOrderID("i-1"), key)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, intent.SideBuy, got.Side)
	assert.True(t, got.Amount.Equal(d("10")))
	assert.Equal(t, "venue-1", res.ExecutionID())
	assert.True(t, res.Quantity().Equal(d("20")), "quantity derived from price: %s", res.Quantity())
}

func TestResult_ConstructionRejectsMissingFields(t *testing.T) {
	_, err := execution.NewResult(execution.Fill{IntentID: "i", MarketID: "m", Outcome: "o", Side: intent.SideBuy,
		Price: d("1"), Amount: d("1"), Quantity: d("1")})
	assert.ErrorIs(t, err, execution.ErrInvalidResult)

	_, err = execution.FailedResult(execution.Failure{ExecutionID: "e", IntentID: "i", MarketID: "m", Outcome: "o", Side: intent.SideBuy})
	assert.ErrorIs(t, err, execution.ErrInvalidResult, "failure needs a kind")

	var r execution.Result
	err = json.Unmarshal([]byte(`{"success":true,"execution_id":"e","intent_id":"i","market_id":"m","outcome":"o","side":"buy"}`), &r)
	assert.ErrorIs(t, err, execution.ErrInvalidResult)
}

func TestResult_JSONIsVerbatim(t *testing.T) {
	sim := newSim(t)
	res := sim.Execute(context.Background(), buyIntent(t, "i-1", "25"), execution.Order{Amount: d("25")})

	data, err := json.Marshal(res)
	require.NoError(t, err)
	var back execution.Result
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, res.String(), back.String())
	assert.True(t, res.Timestamp().Equal(back.Timestamp()))
}

func newLiveREST(t *testing.T, url string, timeout time.Duration) *execution.Live {
	t.Helper()
	t.Setenv("COPYGUARD_TEST_BROKER_KEY", "secret")
	live, err := execution.NewLive(execution.LiveConfig{
		Dial: execution.NewRESTBrokerFactory(execution.RESTBrokerConfig{
			BaseURL:   url,
			APIKeyEnv: "COPYGUARD_TEST_BROKER_KEY",
			Timeout:   5 * time.Second,
		}),
		Timeout: timeout,
		Now:     func() time.Time { return created },
	})
	require.NoError(t, err)
	return live
}

type fakeBroker struct {
	price decimal.Decimal
	err   error
}

func (f fakeBroker) PlaceOrder(_ context.Context, o execution.BrokerOrder) (execution.BrokerFill, error) {
	if f.err != nil {
		return execution.BrokerFill{}, f.err
	}
	return execution.BrokerFill{OrderID: "fake-" + o.ClientOrderID, Price: f.price, Amount: o.Amount, Quantity: o.Quantity}, nil
}
