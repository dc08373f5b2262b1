package execution

import (
	"CopyGuard/internal/intent"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidResult is returned when a result is missing a required field.
var ErrInvalidResult = errors.New("invalid execution result")

// ErrorKind is the closed set of execution failure kinds.
type ErrorKind int32

const (
	KindNone ErrorKind = iota
	KindRejected
	KindInsufficientLiquidity
	KindInvalidOrder
	KindTimeout
	KindUnavailable
	KindUnauthorized
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return ""
	case KindRejected:
		return "rejected"
	case KindInsufficientLiquidity:
		return "insufficient-liquidity"
	case KindInvalidOrder:
		return "invalid-order"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// ParseErrorKind accepts the String form, plus underscores for broker payloads.
func ParseErrorKind(s string) (ErrorKind, error) {
	switch strings.ReplaceAll(strings.ToLower(s), "_", "-") {
	case "":
		return KindNone, nil
	case "rejected":
		return KindRejected, nil
	case "insufficient-liquidity":
		return KindInsufficientLiquidity, nil
	case "invalid-order":
		return KindInvalidOrder, nil
	case "timeout":
		return KindTimeout, nil
	case "unavailable":
		return KindUnavailable, nil
	case "unauthorized":
		return KindUnauthorized, nil
	default:
		return KindNone, fmt.Errorf("unknown execution error kind %q", s)
	}
}

func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ErrorKind) UnmarshalText(b []byte) error {
	v, err := ParseErrorKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Mode selects the executor implementation.
type Mode int32

const (
	ModeSimulated Mode = iota
	ModeLive
)

func (m Mode) String() string {
	switch m {
	case ModeSimulated:
		return "simulated"
	case ModeLive:
		return "live"
	default:
		return "unknown"
	}
}

// ParseMode defaults to simulated for an empty string.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "simulated", "sim", "dry-run", "":
		return ModeSimulated, nil
	case "live":
		return ModeLive, nil
	default:
		return ModeSimulated, fmt.Errorf("unknown execution mode %q", s)
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Result is the outcome of one execution attempt. Values are immutable;
// build them with NewResult or FailedResult.
type Result struct {
	success     bool
	executionID string
	intentID    string
	marketID    string
	outcome     string
	side        intent.Side
	price       decimal.Decimal
	amount      decimal.Decimal
	quantity    decimal.Decimal
	kind        ErrorKind
	message     string
	timestamp   time.Time
	mode        Mode
	unconfirmed bool
}

// Fill describes a successful execution.
type Fill struct {
	ExecutionID string
	IntentID    string
	MarketID    string
	Outcome     string
	Side        intent.Side
	Price       decimal.Decimal // per share
	Amount      decimal.Decimal // currency notional
	Quantity    decimal.Decimal // shares
	Timestamp   time.Time
	Mode        Mode
}

// NewResult builds a successful result. Every field except Timestamp is required.
func NewResult(f Fill) (Result, error) {
	if err := requireIdentity(f.ExecutionID, f.IntentID, f.MarketID, f.Outcome, f.Side); err != nil {
		return Result{}, err
	}
	if !f.Price.IsPositive() {
		return Result{}, fmt.Errorf("%w: price must be positive, got %s", ErrInvalidResult, f.Price)
	}
	if !f.Amount.IsPositive() {
		return Result{}, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidResult, f.Amount)
	}
	if !f.Quantity.IsPositive() {
		return Result{}, fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidResult, f.Quantity)
	}
	return Result{
		success:     true,
		executionID: f.ExecutionID,
		intentID:    f.IntentID,
		marketID:    f.MarketID,
		outcome:     f.Outcome,
		side:        f.Side,
		price:       f.Price,
		amount:      f.Amount,
		quantity:    f.Quantity,
		timestamp:   f.Timestamp,
		mode:        f.Mode,
	}, nil
}

// Failure describes a failed execution.
type Failure struct {
	ExecutionID string
	IntentID    string
	MarketID    string
	Outcome     string
	Side        intent.Side
	Kind        ErrorKind
	Message     string
	Timestamp   time.Time
	Mode        Mode
	// Unconfirmed marks a failure where the venue may still have filled the
	// order, so the attempt must stay open for reconciliation.
	Unconfirmed bool
}

// FailedResult builds a failed result. Kind must be set.
func FailedResult(f Failure) (Result, error) {
	if err := requireIdentity(f.ExecutionID, f.IntentID, f.MarketID, f.Outcome, f.Side); err != nil {
		return Result{}, err
	}
	if f.Kind == KindNone || f.Kind > KindUnauthorized {
		return Result{}, fmt.Errorf("%w: failure without a known error kind", ErrInvalidResult)
	}
	return Result{
		executionID: f.ExecutionID,
		intentID:    f.IntentID,
		marketID:    f.MarketID,
		outcome:     f.Outcome,
		side:        f.Side,
		kind:        f.Kind,
		message:     f.Message,
		timestamp:   f.Timestamp,
		mode:        f.Mode,
		unconfirmed: f.Unconfirmed,
	}, nil
}

func requireIdentity(execID, intentID, marketID, outcome string, side intent.Side) error {
	switch {
	case execID == "":
		return fmt.Errorf("%w: missing execution id", ErrInvalidResult)
	case intentID == "":
		return fmt.Errorf("%w: missing intent id", ErrInvalidResult)
	case marketID == "" || outcome == "":
		return fmt.Errorf("%w: missing market or outcome", ErrInvalidResult)
	case side != intent.SideBuy && side != intent.SideSell:
		return fmt.Errorf("%w: unknown side", ErrInvalidResult)
	}
	return nil
}

func (r Result) Success() bool             { return r.success }
func (r Result) ExecutionID() string       { return r.executionID }
func (r Result) IntentID() string          { return r.intentID }
func (r Result) MarketID() string          { return r.marketID }
func (r Result) Outcome() string           { return r.outcome }
func (r Result) Side() intent.Side         { return r.side }
func (r Result) Price() decimal.Decimal    { return r.price }
func (r Result) Amount() decimal.Decimal   { return r.amount }
func (r Result) Quantity() decimal.Decimal { return r.quantity }
func (r Result) ErrorKind() ErrorKind      { return r.kind }
func (r Result) Message() string           { return r.message }
func (r Result) Timestamp() time.Time      { return r.timestamp }
func (r Result) Mode() Mode                { return r.mode }
func (r Result) Valid() bool               { return r.executionID != "" }

// Unconfirmed reports a failure the venue may not agree with. The ledger
// refuses to record it; the attempt is settled by reconcile.
func (r Result) Unconfirmed() bool { return r.unconfirmed }

func (r Result) String() string {
	if r.success {
		return fmt.Sprintf("filled[%s %s %s@%s]", r.executionID, r.side, r.quantity, r.price)
	}
	return fmt.Sprintf("failed[%s %s]", r.executionID, r.kind)
}

type resultJSON struct {
	Success     bool             `json:"success"`
	ExecutionID string           `json:"execution_id"`
	IntentID    string           `json:"intent_id"`
	MarketID    string           `json:"market_id"`
	Outcome     string           `json:"outcome"`
	Side        intent.Side      `json:"side"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	ErrorKind   ErrorKind        `json:"error_kind,omitempty"`
	Message     string           `json:"message,omitempty"`
	Timestamp   *time.Time       `json:"timestamp,omitempty"`
	Mode        Mode             `json:"mode"`
	Unconfirmed bool             `json:"unconfirmed,omitempty"`
}

// MarshalJSON stores the result verbatim for the audit trail.
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Success:     r.success,
		ExecutionID: r.executionID,
		IntentID:    r.intentID,
		MarketID:    r.marketID,
		Outcome:     r.outcome,
		Side:        r.side,
		ErrorKind:   r.kind,
		Message:     r.message,
		Mode:        r.mode,
		Unconfirmed: r.unconfirmed,
	}
	if r.success {
		out.Price, out.Amount, out.Quantity = &r.price, &r.amount, &r.quantity
	}
	if !r.timestamp.IsZero() {
		ts := r.timestamp.UTC()
		out.Timestamp = &ts
	}
	return json.Marshal(out)
}

// UnmarshalJSON re-validates through the constructors.
func (r *Result) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	var ts time.Time
	if in.Timestamp != nil {
		ts = *in.Timestamp
	}

	var (
		res Result
		err error
	)
	if in.Success {
		var price, amount, qty decimal.Decimal
		if in.Price != nil {
			price = *in.Price
		}
		if in.Amount != nil {
			amount = *in.Amount
		}
		if in.Quantity != nil {
			qty = *in.Quantity
		}
		res, err = NewResult(Fill{
			ExecutionID: in.ExecutionID, IntentID: in.IntentID,
			MarketID: in.MarketID, Outcome: in.Outcome, Side: in.Side,
			Price: price, Amount: amount, Quantity: qty,
			Timestamp: ts, Mode: in.Mode,
		})
	} else {
		res, err = FailedResult(Failure{
			ExecutionID: in.ExecutionID, IntentID: in.IntentID,
			MarketID: in.MarketID, Outcome: in.Outcome, Side: in.Side,
			Kind: in.ErrorKind, Message: in.Message,
			Timestamp: ts, Mode: in.Mode, Unconfirmed: in.Unconfirmed,
		})
	}
	if err != nil {
		return err
	}
	*r = res
	return nil
}
