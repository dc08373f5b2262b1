package ledger

import (
	"CopyGuard/internal/execution"
	"CopyGuard/internal/intent"
	"CopyGuard/internal/storage"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrUnknownAttempt is returned when reconciling an intent with no pending attempt.
var ErrUnknownAttempt = errors.New("no pending execution attempt")

// ErrAttemptSettled means a different execution already closed the intent's attempt.
var ErrAttemptSettled = errors.New("execution attempt already settled")

// Attempt is a pending row written before an executor is called. A row still
// unresolved after a restart means the venue may hold an order the ledger has
// not seen.
type Attempt struct {
	ID        string
	Intent    intent.TradeIntent
	Order     execution.Order
	Mode      execution.Mode
	StartedAt time.Time
}

// BeginAttempt records that an execution is about to be issued for in.
// Calling it twice for one intent keeps the first row.
func (l *Ledger) BeginAttempt(ctx context.Context, in intent.TradeIntent, order execution.Order, mode execution.Mode) (Attempt, error) {
	intentJSON, err := json.Marshal(in.Record())
	if err != nil {
		return Attempt{}, fmt.Errorf("encode intent %s: %w", in.ID(), err)
	}

	a := Attempt{ID: uuid.NewString(), Intent: in, Order: order, Mode: mode, StartedAt: l.now().UTC()}
	_, err = l.db.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO execution_attempts (attempt_id, intent_id, market_id, outcome, side,
			amount, quantity, mode, intent_json, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (intent_id) DO NOTHING`),
		a.ID, in.ID(), in.MarketID(), in.Outcome(), in.Side().String(),
		order.Amount.String(), order.Quantity.String(), mode.String(), string(intentJSON), storage.Micros(a.StartedAt),
	)
	if err != nil {
		return Attempt{}, fmt.Errorf("begin attempt for intent %s: %w", in.ID(), err)
	}
	return a, nil
}

// resolveAttempt closes the intent's attempt. An attempt already closed by a
// different execution fails the transaction, so one intent never moves
// positions twice.
func (l *Ledger) resolveAttempt(ctx context.Context, tx *sql.Tx, intentID, execID string) error {
	r, err := tx.ExecContext(ctx, l.db.Rebind(`
		UPDATE execution_attempts SET execution_id = ?, resolved_at = ?
		WHERE intent_id = ? AND resolved_at IS NULL`),
		execID, storage.Micros(l.now()), intentID,
	)
	if err != nil {
		return fmt.Errorf("resolve attempt for intent %s: %w", intentID, err)
	}
	if n, err := r.RowsAffected(); err != nil {
		return fmt.Errorf("resolve attempt for intent %s: %w", intentID, err)
	} else if n > 0 {
		return nil
	}

	var prior sql.NullString
	err = tx.QueryRowContext(ctx, l.db.Rebind(`
		SELECT execution_id FROM execution_attempts WHERE intent_id = ?`), intentID,
	).Scan(&prior)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("load attempt for intent %s: %w", intentID, err)
	case prior.Valid && prior.String != execID:
		return fmt.Errorf("%w: intent %s settled by %s", ErrAttemptSettled, intentID, prior.String)
	}
	return nil
}

// PendingAttempts lists attempts with no recorded result, oldest first.
func (l *Ledger) PendingAttempts(ctx context.Context) ([]Attempt, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT attempt_id, amount, quantity, mode, intent_json, started_at
		FROM execution_attempts WHERE resolved_at IS NULL ORDER BY started_at, attempt_id`)
	if err != nil {
		return nil, fmt.Errorf("query pending attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a          Attempt
			amount     decimal.Decimal
			qty        decimal.Decimal
			mode       string
			intentJSON string
			startedAt  int64
		)
		if err := rows.Scan(&a.ID, &amount, &qty, &mode, &intentJSON, &startedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if a.Intent, err = decodeIntent(intentJSON); err != nil {
			return nil, fmt.Errorf("attempt %s: %w", a.ID, err)
		}
		if a.Mode, err = execution.ParseMode(mode); err != nil {
			return nil, fmt.Errorf("attempt %s: %w", a.ID, err)
		}
		a.Order = execution.Order{Amount: amount, Quantity: qty}
		a.StartedAt = storage.FromMicros(startedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Reconcile records a result recovered out of band (typically from the venue)
// for a pending attempt.
func (l *Ledger) Reconcile(ctx context.Context, res execution.Result) (Update, error) {
	in, err := l.pendingIntent(ctx, res.IntentID())
	if err != nil {
		return Update{}, err
	}
	return l.RecordExecution(ctx, in, res)
}

// AbandonAttempt closes a pending attempt the operator has confirmed never
// reached the venue, storing a failed result of kind unavailable.
func (l *Ledger) AbandonAttempt(ctx context.Context, intentID, note string) (Update, error) {
	in, err := l.pendingIntent(ctx, intentID)
	if err != nil {
		return Update{}, err
	}
	res, err := execution.FailedResult(execution.Failure{
		ExecutionID: execution.ClientOrderID(in.ID()),
		IntentID:    in.ID(),
		MarketID:    in.MarketID(),
		Outcome:     in.Outcome(),
		Side:        in.Side(),
		Kind:        execution.KindUnavailable,
		Message:     "abandoned: " + note,
		Timestamp:   l.now().UTC(),
	})
	if err != nil {
		return Update{}, err
	}
	return l.RecordExecution(ctx, in, res)
}

func (l *Ledger) pendingIntent(ctx context.Context, intentID string) (intent.TradeIntent, error) {
	var intentJSON string
	err := l.db.QueryRowContext(ctx, l.db.Rebind(`
		SELECT intent_json FROM execution_attempts WHERE intent_id = ? AND resolved_at IS NULL`), intentID,
	).Scan(&intentJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return intent.TradeIntent{}, fmt.Errorf("%w for intent %s", ErrUnknownAttempt, intentID)
	}
	if err != nil {
		return intent.TradeIntent{}, fmt.Errorf("load attempt for intent %s: %w", intentID, err)
	}
	return decodeIntent(intentJSON)
}

func decodeIntent(raw string) (intent.TradeIntent, error) {
	var rec intent.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return intent.TradeIntent{}, fmt.Errorf("decode stored intent: %w", err)
	}
	return intent.FromRecord(rec)
}
