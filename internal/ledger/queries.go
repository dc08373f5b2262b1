package ledger

import (
	"CopyGuard/internal/intent"
	"CopyGuard/internal/money"
	"CopyGuard/internal/storage"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const positionColumns = `position_id, market_id, outcome, quantity, entry_price, cost_basis,
	realized_pnl, opened_at, updated_at, close_price, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(r rowScanner) (Position, error) {
	var (
		p                 Position
		openedAt, updated int64
		closedAt          sql.NullInt64
	)
	if err := r.Scan(&p.ID, &p.MarketID, &p.Outcome, &p.Quantity, &p.EntryPrice, &p.CostBasis,
		&p.RealizedPnL, &openedAt, &updated, &p.ClosePrice, &closedAt); err != nil {
		return Position{}, err
	}
	p.OpenedAt = storage.FromMicros(openedAt)
	p.UpdatedAt = storage.FromMicros(updated)
	if closedAt.Valid {
		p.ClosedAt = storage.FromMicros(closedAt.Int64)
	}
	return p, nil
}

func (l *Ledger) openPosition(ctx context.Context, q storage.Queryer, marketID, outcome string) (*Position, error) {
	row := q.QueryRowContext(ctx, l.db.Rebind(`SELECT `+positionColumns+`
		FROM positions WHERE market_id = ? AND outcome = ? AND closed_at IS NULL`), marketID, outcome)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w in %s/%s", ErrNoPosition, marketID, outcome)
	}
	if err != nil {
		return nil, fmt.Errorf("load position %s/%s: %w", marketID, outcome, err)
	}
	return &p, nil
}

func (l *Ledger) positionByID(ctx context.Context, q storage.Queryer, id string) (Position, error) {
	row := q.QueryRowContext(ctx, l.db.Rebind(`SELECT `+positionColumns+` FROM positions WHERE position_id = ?`), id)
	p, err := scanPosition(row)
	if err != nil {
		return Position{}, fmt.Errorf("load position %s: %w", id, err)
	}
	return p, nil
}

func (l *Ledger) insertPosition(ctx context.Context, tx *sql.Tx, p Position, openingExecID string) error {
	_, err := tx.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO positions (position_id, market_id, outcome, quantity, entry_price, cost_basis,
			realized_pnl, open_execution_id, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.MarketID, p.Outcome, p.Quantity.String(), p.EntryPrice.String(), p.CostBasis.String(),
		p.RealizedPnL.String(), openingExecID, storage.Micros(p.OpenedAt), storage.Micros(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

func (l *Ledger) updatePosition(ctx context.Context, tx *sql.Tx, p Position) error {
	var closePrice sql.NullString
	if p.ClosePrice.Valid {
		closePrice = sql.NullString{String: p.ClosePrice.Decimal.String(), Valid: true}
	}
	var closedAt sql.NullInt64
	if !p.ClosedAt.IsZero() {
		closedAt = sql.NullInt64{Int64: storage.Micros(p.ClosedAt), Valid: true}
	}

	_, err := tx.ExecContext(ctx, l.db.Rebind(`
		UPDATE positions SET quantity = ?, entry_price = ?, cost_basis = ?, realized_pnl = ?,
			updated_at = ?, close_price = ?, closed_at = ?
		WHERE position_id = ?`),
		p.Quantity.String(), p.EntryPrice.String(), p.CostBasis.String(), p.RealizedPnL.String(),
		storage.Micros(p.UpdatedAt), closePrice, closedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	return nil
}

// OpenPositions returns every open position, oldest first.
func (l *Ledger) OpenPositions(ctx context.Context) ([]Position, error) {
	return l.positions(ctx, `SELECT `+positionColumns+`
		FROM positions WHERE closed_at IS NULL ORDER BY opened_at, position_id`)
}

// ClosedPositions returns up to limit closed positions, most recently closed first.
func (l *Ledger) ClosedPositions(ctx context.Context, limit int) ([]Position, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.positions(ctx, `SELECT `+positionColumns+`
		FROM positions WHERE closed_at IS NOT NULL ORDER BY closed_at DESC, position_id LIMIT ?`, limit)
}

// Position returns the open position for a market outcome, or ErrNoPosition.
func (l *Ledger) Position(ctx context.Context, marketID, outcome string) (Position, error) {
	p, err := l.openPosition(ctx, l.db, marketID, outcome)
	if err != nil {
		return Position{}, err
	}
	return *p, nil
}

// OpenPositionCount is the count the firewall and kernel check against.
func (l *Ledger) OpenPositionCount(ctx context.Context) (int, error) {
	return l.openCount(ctx, l.db)
}

func (l *Ledger) openCount(ctx context.Context, q storage.Queryer) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions WHERE closed_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open positions: %w", err)
	}
	return n, nil
}

func (l *Ledger) positions(ctx context.Context, query string, args ...any) ([]Position, error) {
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SellQuantity sizes a sell from the ledger's own tracked quantity, never from
// the source trader's. A fraction sells that share of the holding; an amount
// sells the same share of the cost basis, capped at the full holding.
func (l *Ledger) SellQuantity(ctx context.Context, marketID, outcome string, size intent.Size) (decimal.Decimal, error) {
	p, err := l.Position(ctx, marketID, outcome)
	if err != nil {
		return money.Zero, err
	}

	share := decimal.NewFromInt(1)
	switch size.Kind() {
	case intent.SizeFraction:
		share = size.Value()
	case intent.SizeAmount:
		if r, ok := money.Ratio(size.Value(), p.CostBasis); ok && r.LessThan(share) {
			share = r
		}
	default:
		return money.Zero, fmt.Errorf("sell %s/%s: unsized intent", marketID, outcome)
	}

	qty := money.ClampQuantity(p.Quantity.Mul(share))
	if !qty.IsPositive() {
		return money.Zero, fmt.Errorf("%w: %s/%s rounds to zero shares", ErrNoPosition, marketID, outcome)
	}
	return qty, nil
}

// ExecutionRecord is one stored row of the executions table.
type ExecutionRecord struct {
	ExecutionID string
	IntentID    string
	MarketID    string
	Outcome     string
	Side        intent.Side
	Success     bool
	ErrorKind   string
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Quantity    decimal.Decimal
	RealizedPnL decimal.Decimal
	PositionID  string
	Kind        UpdateKind
	ExecutedAt  time.Time
}

// Executions returns up to limit stored executions, newest first.
func (l *Ledger) Executions(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(`
		SELECT execution_id, intent_id, market_id, outcome, side, success, error_kind,
			price, amount, quantity, realized_pnl, position_id, update_kind, executed_at
		FROM executions ORDER BY executed_at DESC, execution_id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var (
			r          ExecutionRecord
			side, kind string
			success    int
			positionID sql.NullString
			executedAt int64
		)
		if err := rows.Scan(&r.ExecutionID, &r.IntentID, &r.MarketID, &r.Outcome, &side, &success, &r.ErrorKind,
			&r.Price, &r.Amount, &r.Quantity, &r.RealizedPnL, &positionID, &kind, &executedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if r.Side, err = intent.ParseSide(side); err != nil {
			return nil, err
		}
		if r.Kind, err = ParseUpdateKind(kind); err != nil {
			return nil, err
		}
		r.Success = success == 1
		r.PositionID = positionID.String
		r.ExecutedAt = storage.FromMicros(executedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
