package ledger

import (
	"CopyGuard/internal/money"
	"CopyGuard/internal/risk"
	"CopyGuard/internal/storage"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const killSwitchFlag = "kill_switch"

// AccountState derives the kernel's snapshot as of asOf. Today is the UTC
// calendar day containing asOf.
func (l *Ledger) AccountState(ctx context.Context, asOf time.Time) (risk.AccountState, error) {
	return l.accountState(ctx, l.db, asOf)
}

func (l *Ledger) accountState(ctx context.Context, q storage.Queryer, asOf time.Time) (risk.AccountState, error) {
	day := asOf.UTC().Truncate(24 * time.Hour)

	daily, err := l.sumRealized(ctx, q,
		`SELECT realized_pnl FROM executions WHERE success = 1 AND executed_at >= ? AND executed_at < ?`,
		storage.Micros(day), storage.Micros(day.Add(24*time.Hour)))
	if err != nil {
		return risk.AccountState{}, fmt.Errorf("daily realized pnl: %w", err)
	}
	total, err := l.sumRealized(ctx, q, `SELECT realized_pnl FROM executions WHERE success = 1`)
	if err != nil {
		return risk.AccountState{}, fmt.Errorf("total realized pnl: %w", err)
	}
	open, err := l.openCount(ctx, q)
	if err != nil {
		return risk.AccountState{}, err
	}
	ks, err := l.killSwitch(ctx, q)
	if err != nil {
		return risk.AccountState{}, err
	}

	return risk.AccountState{
		StartingCapital: l.starting,
		CurrentCapital:  l.starting.Add(total),
		DailyRealized:   daily,
		TotalRealized:   total,
		OpenPositions:   open,
		KillSwitch:      ks,
	}, nil
}

// sumRealized adds in Go: the column is TEXT so both dialects keep exact decimals.
func (l *Ledger) sumRealized(ctx context.Context, q storage.Queryer, query string, args ...any) (decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx, l.db.Rebind(query), args...)
	if err != nil {
		return money.Zero, err
	}
	defer rows.Close()

	sum := money.Zero
	for rows.Next() {
		var v decimal.Decimal
		if err := rows.Scan(&v); err != nil {
			return money.Zero, err
		}
		sum = sum.Add(v)
	}
	return sum, rows.Err()
}

// KillSwitch returns the persisted latch. A missing row is inactive.
func (l *Ledger) KillSwitch(ctx context.Context) (risk.KillSwitch, error) {
	return l.killSwitch(ctx, l.db)
}

func (l *Ledger) killSwitch(ctx context.Context, q storage.Queryer) (risk.KillSwitch, error) {
	var (
		active int
		cause  string
	)
	err := q.QueryRowContext(ctx,
		l.db.Rebind(`SELECT active, cause FROM account_flags WHERE flag = ?`), killSwitchFlag,
	).Scan(&active, &cause)
	if errors.Is(err, sql.ErrNoRows) {
		return risk.KillSwitch{}, nil
	}
	if err != nil {
		return risk.KillSwitch{}, fmt.Errorf("load kill switch: %w", err)
	}
	if active == 0 {
		return risk.KillSwitch{}, nil
	}

	c, err := risk.ParseKillCause(cause)
	if err != nil {
		return risk.KillSwitch{}, err
	}
	if c == risk.KillCauseNone {
		// An active row without a cause is treated as a manual halt.
		c = risk.KillCauseManual
	}
	return risk.KillSwitch{Active: true, Cause: c}, nil
}

// SetKillSwitch latches the kill switch. A manual set never downgrades an
// active hard-kill latch.
func (l *Ledger) SetKillSwitch(ctx context.Context, cause risk.KillCause, note string) error {
	if cause == risk.KillCauseNone {
		return fmt.Errorf("set kill switch: cause required")
	}
	hardKill := risk.KillCauseHardKill.String()
	_, err := l.db.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO account_flags (flag, active, cause, note, updated_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT (flag) DO UPDATE SET
			active = 1,
			cause = CASE
				WHEN account_flags.active = 1 AND account_flags.cause = ? THEN account_flags.cause
				ELSE excluded.cause
			END,
			note = excluded.note,
			updated_at = excluded.updated_at`),
		killSwitchFlag, cause.String(), note, storage.Micros(l.now()), hardKill,
	)
	if err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}

	l.logger.Warn().
		Str("cause", cause.String()).
		Str("note", note).
		Msg("kill switch latched")
	if l.metrics != nil && cause == risk.KillCauseHardKill {
		l.metrics.KillSwitchLatched.Inc()
	}
	return nil
}

// ClearKillSwitch releases the latch whatever its cause. Only an operator calls this.
func (l *Ledger) ClearKillSwitch(ctx context.Context, note string) error {
	_, err := l.db.ExecContext(ctx, l.db.Rebind(`
		UPDATE account_flags SET active = 0, cause = ?, note = ?, updated_at = ?
		WHERE flag = ?`),
		risk.KillCauseNone.String(), note, storage.Micros(l.now()), killSwitchFlag,
	)
	if err != nil {
		return fmt.Errorf("clear kill switch: %w", err)
	}
	l.logger.Warn().Str("note", note).Msg("kill switch cleared")
	return nil
}
