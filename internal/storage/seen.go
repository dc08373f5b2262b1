package storage

import (
	"context"
	"fmt"
	"time"
)

// SeenStore is the durable tier of the firewall's seen-id set.
type SeenStore struct {
	db *DB
}

func NewSeenStore(db *DB) *SeenStore {
	return &SeenStore{db: db}
}

// MarkSeen inserts id and reports whether the row is new. The primary key makes
// the check-and-insert a single atomic statement.
func (s *SeenStore) MarkSeen(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO intents_seen (intent_id, seen_at) VALUES (?, ?) ON CONFLICT (intent_id) DO NOTHING`),
		id, Micros(at),
	)
	if err != nil {
		return false, fmt.Errorf("mark intent %s seen: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark intent %s seen: %w", id, err)
	}
	return n == 1, nil
}

// RecentIDs returns up to limit most recently seen ids, newest first.
// Used to warm the in-memory tier after a restart.
func (s *SeenStore) RecentIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		s.db.Rebind(`SELECT intent_id FROM intents_seen ORDER BY seen_at DESC LIMIT ?`), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load recent intent ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
