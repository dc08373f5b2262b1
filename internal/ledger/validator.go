package ledger

import (
	"CopyGuard/internal/money"
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// InvariantValidator checks the stored ledger against its own rules.
type InvariantValidator struct {
	ledger *Ledger
}

func NewInvariantValidator(l *Ledger) *InvariantValidator {
	return &InvariantValidator{
		ledger: l,
	}
}

// ValidateOpenPositions verifies every open position holds shares at a positive price.
func (v *InvariantValidator) ValidateOpenPositions(ctx context.Context) error {
	open, err := v.ledger.OpenPositions(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range open {
		if !p.Quantity.IsPositive() {
			errs = append(errs, fmt.Errorf("open position %s has non-positive quantity %s", p.ID, p.Quantity))
		}
		if !p.EntryPrice.IsPositive() {
			errs = append(errs, fmt.Errorf("open position %s has non-positive entry price %s", p.ID, p.EntryPrice))
		}
		if p.CostBasis.IsNegative() {
			errs = append(errs, fmt.Errorf("open position %s has negative cost basis %s", p.ID, p.CostBasis))
		}
	}
	return errors.Join(errs...)
}

// ValidateClosedPositions verifies closed positions are flat and carry a close price.
func (v *InvariantValidator) ValidateClosedPositions(ctx context.Context, limit int) error {
	closed, err := v.ledger.ClosedPositions(ctx, limit)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range closed {
		if !p.Quantity.IsZero() {
			errs = append(errs, fmt.Errorf("closed position %s still holds %s", p.ID, p.Quantity))
		}
		if !p.ClosePrice.Valid {
			errs = append(errs, fmt.Errorf("closed position %s has no close price", p.ID))
		}
	}
	return errors.Join(errs...)
}

// ValidateRealizedPnL verifies each position's realized PnL equals the sum
// recorded on its executions.
func (v *InvariantValidator) ValidateRealizedPnL(ctx context.Context) error {
	l := v.ledger
	rows, err := l.db.QueryContext(ctx, `
		SELECT p.position_id, p.realized_pnl, e.realized_pnl
		FROM positions p LEFT JOIN executions e ON e.position_id = p.position_id`)
	if err != nil {
		return fmt.Errorf("query realized pnl: %w", err)
	}
	defer rows.Close()

	stored := make(map[string]decimal.Decimal)
	summed := make(map[string]decimal.Decimal)
	for rows.Next() {
		var (
			id       string
			position decimal.Decimal
			exec     decimal.NullDecimal
		)
		if err := rows.Scan(&id, &position, &exec); err != nil {
			return fmt.Errorf("scan realized pnl: %w", err)
		}
		stored[id] = position
		if _, ok := summed[id]; !ok {
			summed[id] = money.Zero
		}
		if exec.Valid {
			summed[id] = summed[id].Add(exec.Decimal)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var errs []error
	for id, want := range stored {
		if got := summed[id]; !got.Equal(want) {
			errs = append(errs, fmt.Errorf("position %s realized pnl %s, executions sum to %s", id, want, got))
		}
	}
	return errors.Join(errs...)
}

// ValidateAll runs every check and joins the failures.
func (v *InvariantValidator) ValidateAll(ctx context.Context) error {
	return errors.Join(
		v.ValidateOpenPositions(ctx),
		v.ValidateClosedPositions(ctx, 1000),
		v.ValidateRealizedPnL(ctx),
	)
}
