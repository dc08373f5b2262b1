package execution

import (
	"CopyGuard/internal/intent"
	"CopyGuard/internal/money"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMissingCredentials is returned by a BrokerFactory when credentials are absent.
var ErrMissingCredentials = errors.New("broker credentials missing")

// BrokerOrder is what the live executor sends to the execution collaborator.
type BrokerOrder struct {
	ClientOrderID string          `json:"client_order_id"`
	MarketID      string          `json:"market_id"`
	Outcome       string          `json:"outcome"`
	Side          intent.Side     `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
	Quantity      decimal.Decimal `json:"quantity"`
}

// BrokerFill is the collaborator's report of a completed order.
type BrokerFill struct {
	OrderID  string          `json:"order_id"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	Quantity decimal.Decimal `json:"quantity"`
	FilledAt time.Time       `json:"filled_at"`
}

// BrokerError is a classified rejection from the collaborator.
type BrokerError struct {
	Kind    ErrorKind
	Status  int
	Message string
}

func (e *BrokerError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("broker %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("broker %s: %s", e.Kind, e.Message)
}

// Broker is the execution collaborator.
type Broker interface {
	PlaceOrder(ctx context.Context, order BrokerOrder) (BrokerFill, error)
}

// BrokerFactory dials a broker. It is the only place credentials are read.
type BrokerFactory func(ctx context.Context) (Broker, error)

// LiveConfig configures the live executor.
type LiveConfig struct {
	Dial    BrokerFactory
	Timeout time.Duration
	Now     func() time.Time
}

// Live places real orders through a Broker dialed on first use.
type Live struct {
	cfg LiveConfig

	mu     sync.Mutex
	broker Broker
}

// NewLive performs no I/O.
func NewLive(cfg LiveConfig) (*Live, error) {
	if cfg.Dial == nil {
		return nil, fmt.Errorf("live executor requires a broker factory")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Live{cfg: cfg}, nil
}

func (l *Live) Mode() Mode { return ModeLive }
func (l *Live) sealed()    {}

// Dialed reports whether the broker has been dialed.
func (l *Live) Dialed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broker != nil
}

// connect dials once; a failed dial is retried on the next Execute.
func (l *Live) connect(ctx context.Context) (Broker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.broker != nil {
		return l.broker, nil
	}
	b, err := l.cfg.Dial(ctx)
	if err != nil {
		return nil, err
	}
	l.broker = b
	return b, nil
}

func (l *Live) Execute(ctx context.Context, in intent.TradeIntent, order Order) Result {
	execID := ClientOrderID(in.ID())

	if err := validateOrder(in, order); err != nil {
		return failure(in, ModeLive, execID, KindInvalidOrder, err.Error(), l.cfg.Now())
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	broker, err := l.connect(ctx)
	if err != nil {
		return failure(in, ModeLive, execID, classify(err), "dial broker: "+err.Error(), l.cfg.Now())
	}

	req := BrokerOrder{
		ClientOrderID: execID,
		MarketID:      in.MarketID(),
		Outcome:       in.Outcome(),
		Side:          in.Side(),
		Amount:        order.Amount,
		Quantity:      order.Quantity,
	}
	fill, err := broker.PlaceOrder(ctx, req)
	if err != nil {
		return failure(in, ModeLive, execID, classify(err), err.Error(), l.cfg.Now())
	}

	if fill.OrderID != "" {
		execID = fill.OrderID
	}
	ts := fill.FilledAt
	if ts.IsZero() {
		ts = l.cfg.Now()
	}

	amount, qty := fill.Amount, fill.Quantity
	// Venues report one side of the trade; derive the other from the fill price.
	if !amount.IsPositive() && fill.Price.IsPositive() {
		amount = money.Notional(qty, fill.Price)
	}
	if !qty.IsPositive() && fill.Price.IsPositive() {
		qty, _ = money.QuantityFor(amount, fill.Price)
	}

	res, err := NewResult(Fill{
		ExecutionID: execID,
		IntentID:    in.ID(),
		MarketID:    in.MarketID(),
		Outcome:     in.Outcome(),
		Side:        in.Side(),
		Price:       fill.Price,
		Amount:      amount,
		Quantity:    qty,
		Timestamp:   ts,
		Mode:        ModeLive,
	})
	if err != nil {
		// The broker answered, so an order may exist at the venue.
		res = failure(in, ModeLive, execID, KindUnavailable, "malformed broker fill: "+err.Error(), ts)
		res.unconfirmed = true
	}
	return res
}

// classify maps collaborator errors onto the closed kind set.
func classify(err error) ErrorKind {
	var be *BrokerError
	if errors.As(err, &be) && be.Kind != KindNone {
		return be.Kind
	}
	if errors.Is(err, ErrMissingCredentials) {
		return KindUnauthorized
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindUnavailable
}
