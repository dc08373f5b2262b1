package ledger

import (
	"CopyGuard/internal/execution"
	"CopyGuard/internal/intent"
	"CopyGuard/internal/money"
	"CopyGuard/internal/observability"
	"CopyGuard/internal/storage"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoPosition is returned when a sell is sized against a market with nothing held.
	ErrNoPosition = errors.New("no open position")
	// ErrMismatchedResult is returned when a result does not belong to the intent passed with it.
	ErrMismatchedResult = errors.New("execution result does not match intent")
	// ErrUnconfirmedResult is returned for results the venue may disagree with.
	ErrUnconfirmedResult = errors.New("execution result is unconfirmed")
)

// Options configure a Ledger.
type Options struct {
	StartingCapital decimal.Decimal
	Now             func() time.Time
	Logger          zerolog.Logger
	Metrics         *observability.Metrics
}

// Ledger is the durable record of positions and executions.
// Every write runs in a single transaction.
type Ledger struct {
	db       *storage.DB
	starting decimal.Decimal
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func New(db *storage.DB, opts Options) *Ledger {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{
		db:       db,
		starting: opts.StartingCapital,
		now:      opts.Now,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// StartingCapital returns the configured capital base for percentage limits.
func (l *Ledger) StartingCapital() decimal.Decimal { return l.starting }

// RecordExecution applies res to the positions of in's market and stores it.
// Replaying a known execution id changes nothing and returns the stored update
// with Replayed set.
func (l *Ledger) RecordExecution(ctx context.Context, in intent.TradeIntent, res execution.Result) (Update, error) {
	if !res.Valid() {
		return Update{}, fmt.Errorf("record execution: %w", execution.ErrInvalidResult)
	}
	if res.Unconfirmed() {
		return Update{}, fmt.Errorf("%w: %s for intent %s", ErrUnconfirmedResult, res.ExecutionID(), in.ID())
	}
	if res.IntentID() != in.ID() || res.MarketID() != in.MarketID() || res.Outcome() != in.Outcome() || res.Side() != in.Side() {
		return Update{}, fmt.Errorf("%w: result %s for intent %s", ErrMismatchedResult, res.ExecutionID(), in.ID())
	}

	var upd Update
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		// The executions row is claimed before positions are touched. A concurrent
		// writer of the same id blocks on the primary key and then sees a replay.
		claimed, err := l.claimExecution(ctx, tx, in, res)
		if err != nil {
			return err
		}
		if !claimed {
			prior, found, err := l.storedUpdate(ctx, tx, res.ExecutionID())
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("execution %s conflicts but is not visible", res.ExecutionID())
			}
			upd = prior
			return nil
		}

		upd, err = l.apply(ctx, tx, res)
		if err != nil {
			return err
		}
		if err := l.settleExecution(ctx, tx, res.ExecutionID(), upd); err != nil {
			return err
		}
		return l.resolveAttempt(ctx, tx, in.ID(), res.ExecutionID())
	})
	if err != nil {
		return Update{}, err
	}

	if upd.Replayed {
		l.logger.Info().
			Str("execution_id", res.ExecutionID()).
			Str("intent_id", in.ID()).
			Msg("execution already recorded")
		return upd, nil
	}

	l.countWrite(upd.Kind)
	ev := l.logger.Info()
	if upd.Kind == UpdateUnmatchedSell {
		ev = l.logger.Warn()
	}
	ev.Str("execution_id", res.ExecutionID()).
		Str("intent_id", in.ID()).
		Str("market_id", in.MarketID()).
		Str("update", upd.Kind.String()).
		Str("realized_pnl", upd.RealizedPnL.String()).
		Msg("execution recorded")
	return upd, nil
}

// apply mutates positions for a successful result. Failed results are stored
// without touching positions.
func (l *Ledger) apply(ctx context.Context, tx *sql.Tx, res execution.Result) (Update, error) {
	upd := Update{ExecutionID: res.ExecutionID(), RealizedPnL: money.Zero}
	if !res.Success() {
		upd.Kind = UpdateFailed
		return upd, nil
	}

	ts := l.stamp(res)
	pos, err := l.openPosition(ctx, tx, res.MarketID(), res.Outcome())
	if err != nil && !errors.Is(err, ErrNoPosition) {
		return Update{}, err
	}

	switch res.Side() {
	case intent.SideBuy:
		if pos == nil {
			p := Position{
				ID:          positionID(res.ExecutionID()),
				MarketID:    res.MarketID(),
				Outcome:     res.Outcome(),
				Quantity:    res.Quantity(),
				EntryPrice:  res.Price(),
				CostBasis:   res.Amount(),
				RealizedPnL: money.Zero,
				OpenedAt:    ts,
				UpdatedAt:   ts,
			}
			if err := l.insertPosition(ctx, tx, p, res.ExecutionID()); err != nil {
				return Update{}, err
			}
			upd.Kind, upd.Position = UpdateOpened, &p
			return upd, nil
		}

		pos.EntryPrice = money.ComputeAvgEntryPrice(pos.Quantity, pos.EntryPrice, res.Quantity(), res.Price())
		pos.Quantity = pos.Quantity.Add(res.Quantity())
		pos.CostBasis = pos.CostBasis.Add(res.Amount())
		pos.UpdatedAt = ts
		if err := l.updatePosition(ctx, tx, *pos); err != nil {
			return Update{}, err
		}
		upd.Kind, upd.Position = UpdateIncreased, pos
		return upd, nil

	case intent.SideSell:
		if pos == nil {
			upd.Kind = UpdateUnmatchedSell
			return upd, nil
		}

		closeQty := decimal.Min(res.Quantity(), pos.Quantity)
		if res.Quantity().GreaterThan(pos.Quantity) {
			l.logger.Warn().
				Str("execution_id", res.ExecutionID()).
				Str("position_id", pos.ID).
				Str("sold", res.Quantity().String()).
				Str("held", pos.Quantity.String()).
				Msg("sell exceeds tracked quantity; closing what is held")
		}

		realized := money.ComputeRealizedPnL(res.Price(), pos.EntryPrice, closeQty)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		pos.Quantity = pos.Quantity.Sub(closeQty)
		pos.UpdatedAt = ts
		upd.RealizedPnL = realized

		if pos.Quantity.IsZero() {
			pos.CostBasis = money.Zero
			pos.ClosePrice = decimal.NewNullDecimal(res.Price())
			pos.ClosedAt = ts
			upd.Kind = UpdateClosed
		} else {
			pos.CostBasis = decimal.Max(money.Zero, pos.CostBasis.Sub(money.ClampAmount(pos.EntryPrice.Mul(closeQty))))
			upd.Kind = UpdateReduced
		}
		if err := l.updatePosition(ctx, tx, *pos); err != nil {
			return Update{}, err
		}
		upd.Position = pos
		return upd, nil
	}

	return Update{}, fmt.Errorf("record execution %s: unknown side", res.ExecutionID())
}

func (l *Ledger) stamp(res execution.Result) time.Time {
	if ts := res.Timestamp(); !ts.IsZero() {
		return ts.UTC()
	}
	return l.now().UTC()
}

func (l *Ledger) storedUpdate(ctx context.Context, q storage.Queryer, execID string) (Update, bool, error) {
	var (
		kind       string
		positionID sql.NullString
		realized   decimal.Decimal
	)
	err := q.QueryRowContext(ctx,
		l.db.Rebind(`SELECT update_kind, position_id, realized_pnl FROM executions WHERE execution_id = ?`), execID,
	).Scan(&kind, &positionID, &realized)
	if errors.Is(err, sql.ErrNoRows) {
		return Update{}, false, nil
	}
	if err != nil {
		return Update{}, false, fmt.Errorf("look up execution %s: %w", execID, err)
	}

	k, err := ParseUpdateKind(kind)
	if err != nil {
		return Update{}, false, err
	}
	upd := Update{Kind: k, ExecutionID: execID, RealizedPnL: realized, Replayed: true}
	if positionID.Valid {
		p, err := l.positionByID(ctx, q, positionID.String)
		if err != nil {
			return Update{}, false, err
		}
		upd.Position = &p
	}
	return upd, true, nil
}

// claimExecution inserts the executions row with placeholder ledger columns and
// reports whether this call owns the execution id.
func (l *Ledger) claimExecution(ctx context.Context, tx *sql.Tx, in intent.TradeIntent, res execution.Result) (bool, error) {
	resultJSON, err := json.Marshal(res)
	if err != nil {
		return false, fmt.Errorf("encode result %s: %w", res.ExecutionID(), err)
	}
	intentJSON, err := json.Marshal(in.Record())
	if err != nil {
		return false, fmt.Errorf("encode intent %s: %w", in.ID(), err)
	}

	success := 0
	if res.Success() {
		success = 1
	}

	r, err := tx.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO executions (
			execution_id, intent_id, market_id, outcome, side, success, error_kind,
			price, amount, quantity, realized_pnl, position_id, update_kind,
			executed_at, recorded_at, result_json, intent_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '0', NULL, '', ?, ?, ?, ?)
		ON CONFLICT (execution_id) DO NOTHING`),
		res.ExecutionID(), in.ID(), res.MarketID(), res.Outcome(), res.Side().String(),
		success, res.ErrorKind().String(),
		res.Price().String(), res.Amount().String(), res.Quantity().String(),
		storage.Micros(l.stamp(res)), storage.Micros(l.now()), string(resultJSON), string(intentJSON),
	)
	if err != nil {
		return false, fmt.Errorf("claim execution %s: %w", res.ExecutionID(), err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim execution %s: %w", res.ExecutionID(), err)
	}
	return n == 1, nil
}

// settleExecution fills in what apply did to the claimed row.
func (l *Ledger) settleExecution(ctx context.Context, tx *sql.Tx, execID string, upd Update) error {
	var positionID sql.NullString
	if upd.Position != nil {
		positionID = sql.NullString{String: upd.Position.ID, Valid: true}
	}
	_, err := tx.ExecContext(ctx, l.db.Rebind(`
		UPDATE executions SET realized_pnl = ?, position_id = ?, update_kind = ?
		WHERE execution_id = ?`),
		upd.RealizedPnL.String(), positionID, upd.Kind.String(), execID,
	)
	if err != nil {
		return fmt.Errorf("settle execution %s: %w", execID, err)
	}
	return nil
}

func (l *Ledger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

func (l *Ledger) countWrite(kind UpdateKind) {
	if l.metrics == nil {
		return
	}
	l.metrics.LedgerWrites.WithLabelValues(kind.String()).Inc()
	switch kind {
	case UpdateOpened:
		l.metrics.OpenPositions.Inc()
	case UpdateClosed:
		l.metrics.OpenPositions.Dec()
	}
}
