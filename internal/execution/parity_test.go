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

// venue is an httptest broker that fills at a fixed price and rejects orders
// above its depth, mirroring the simulated executor's rules.
type venue struct {
	price    decimal.Decimal
	depth    decimal.Decimal
	requests atomic.Int32
}

func (v *venue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v.requests.Add(1)
	var order execution.BrokerOrder
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	notional := order.Amount
	if order.Side == intent.SideSell {
		notional = order.Quantity.Mul(v.price)
	}
	if notional.GreaterThan(v.depth) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"code": "insufficient_liquidity", "message": "book too thin"})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"order_id":  "venue-" + order.ClientOrderID,
		"price":     v.price,
		"amount":    order.Amount,
		"quantity":  order.Quantity,
		"filled_at": created.Add(2 * time.Second),
	})
}

type parityCase struct {
	name  string
	in    intent.TradeIntent
	order execution.Order
}

func parityCases(t *testing.T) []parityCase {
	return []parityCase{
		{"small buy", buyIntent(t, "p-1", "25"), execution.Order{Amount: d("25")}},
		{"cent buy", buyIntent(t, "p-2", "0.37"), execution.Order{Amount: d("0.37")}},
		{"large buy", buyIntent(t, "p-3", "499.99"), execution.Order{Amount: d("499.99")}},
		{"over depth", buyIntent(t, "p-4", "750"), execution.Order{Amount: d("750")}},
		{"sell", sellIntent(t, "p-5"), execution.Order{Quantity: d("40")}},
		{"zero buy", buyIntent(t, "p-6", "25"), execution.Order{}},
		{"sub-cent buy", buyIntent(t, "p-7", "25"), execution.Order{Amount: d("10.005")}},
		{"zero sell", sellIntent(t, "p-8"), execution.Order{}},
	}
}

func TestParity_SimulatedMatchesLive(t *testing.T) {
	v := &venue{price: d("0.52"), depth: d("500")}
	srv := httptest.NewServer(v)
	defer srv.Close()

	sim := newSim(t)
	live := newLiveREST(t, srv.URL, time.Second)

	for _, tc := range parityCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			before := v.requests.Load()
			s := sim.Execute(context.Background(), tc.in, tc.order)
			l := live.Execute(context.Background(), tc.in, tc.order)

			require.NoError(t, execution.CheckParity(s, l, execution.DefaultTolerance()))
			assert.Equal(t, execution.ModeSimulated, s.Mode())
			assert.Equal(t, execution.ModeLive, l.Mode())
			if s.ErrorKind() == execution.KindInvalidOrder {
				assert.Equal(t, before, v.requests.Load(), "invalid orders must not reach the venue")
			}
		})
	}
}

func TestParity_DetectsPriceDivergence(t *testing.T) {
	srv := httptest.NewServer(&venue{price: d("0.60"), depth: d("500")})
	defer srv.Close()

	sim := newSim(t)
	live := newLiveREST(t, srv.URL, time.Second)
	in := buyIntent(t, "p-1", "25")

	err := execution.CheckParity(
		sim.Execute(context.Background(), in, execution.Order{Amount: d("25")}),
		live.Execute(context.Background(), in, execution.Order{Amount: d("25")}),
		execution.DefaultTolerance(),
	)
	var perr *execution.ParityError
	require.True(t, errors.As(err, &perr), "expected parity error, got %v", err)

	fields := make([]string, 0, len(perr.Divergences))
	for _, dv := range perr.Divergences {
		fields = append(fields, dv.Field)
	}
	assert.Contains(t, fields, "price(abs)")
	assert.Contains(t, fields, "price(rel)")
}

func TestParity_DetectsOutcomeDivergence(t *testing.T) {
	srv := httptest.NewServer(&venue{price: d("0.5"), depth: d("10")})
	defer srv.Close()

	sim := newSim(t)
	live := newLiveREST(t, srv.URL, time.Second)
	in := buyIntent(t, "p-1", "25")

	err := execution.CheckParity(
		sim.Execute(context.Background(), in, execution.Order{Amount: d("25")}),
		live.Execute(context.Background(), in, execution.Order{Amount: d("25")}),
		execution.DefaultTolerance(),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "success")
	assert.Contains(t, err.Error(), "error_kind")
}
