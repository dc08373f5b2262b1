package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

const GenesisHashSeed = "CopyGuard:audit:genesis:v1"

// AuditRecord is one row of the audit trail.
type AuditRecord struct {
	Seq       int64
	RecordID  ulid.ULID
	IntentID  string
	Stage     string
	Payload   []byte
	PrevHash  [32]byte
	Hash      [32]byte
	CreatedAt time.Time
}

// ChainHasher links audit records: hash[N] = SHA-256(prev_hash || seq || payload).
type ChainHasher struct {
	seq      int64
	prevHash [32]byte
}

// NewChainHasher starts a chain at the genesis hash.
func NewChainHasher() *ChainHasher {
	return &ChainHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ResumeChainHasher continues a chain from a persisted tip.
func ResumeChainHasher(seq int64, tip [32]byte) *ChainHasher {
	return &ChainHasher{seq: seq, prevHash: tip}
}

// Next assigns the next sequence number and hash to rec.
func (h *ChainHasher) Next(rec *AuditRecord) {
	h.seq++
	rec.Seq = h.seq
	rec.PrevHash = h.prevHash
	rec.Hash = chainHash(h.prevHash, h.seq, rec.Payload)
	h.prevHash = rec.Hash
}

// Tip returns the last assigned sequence and hash.
func (h *ChainHasher) Tip() (int64, [32]byte) {
	return h.seq, h.prevHash
}

func chainHash(prev [32]byte, seq int64, payload []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(seq))
	hasher.Write(seqBuf[:])

	hasher.Write(payload)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// ErrChainBroken is returned by VerifyChain when a stored hash does not recompute.
var ErrChainBroken = errors.New("audit chain broken")

// AuditLog reads and writes the audit_log table.
type AuditLog struct {
	db *DB
}

func NewAuditLog(db *DB) *AuditLog {
	return &AuditLog{db: db}
}

// WriteBatch inserts records inside tx. Rows already present (same seq) are skipped,
// so a retried batch is harmless.
func (a *AuditLog) WriteBatch(ctx context.Context, tx *sql.Tx, records []AuditRecord) error {
	stmt, err := tx.PrepareContext(ctx, a.db.Rebind(`
		INSERT INTO audit_log (seq, record_id, intent_id, stage, payload, prev_hash, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (seq) DO NOTHING`))
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.Seq, r.RecordID.String(), r.IntentID, r.Stage, string(r.Payload),
			hex.EncodeToString(r.PrevHash[:]), hex.EncodeToString(r.Hash[:]), Micros(r.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert audit seq %d: %w", r.Seq, err)
		}
	}
	return nil
}

// Tip returns the last persisted sequence and hash, or a genesis hasher state if empty.
func (a *AuditLog) Tip(ctx context.Context) (*ChainHasher, error) {
	var (
		seq     int64
		hashHex string
	)
	err := a.db.QueryRowContext(ctx, `SELECT seq, hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&seq, &hashHex)
	if errors.Is(err, sql.ErrNoRows) {
		return NewChainHasher(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load audit tip: %w", err)
	}
	tip, err := decodeHash(hashHex)
	if err != nil {
		return nil, fmt.Errorf("audit seq %d: %w", seq, err)
	}
	return ResumeChainHasher(seq, tip), nil
}

// ForIntent returns the audit records for one intent in sequence order.
func (a *AuditLog) ForIntent(ctx context.Context, intentID string) ([]AuditRecord, error) {
	return a.query(ctx, a.db.Rebind(`
		SELECT seq, record_id, intent_id, stage, payload, prev_hash, hash, created_at
		FROM audit_log WHERE intent_id = ? ORDER BY seq`), intentID)
}

// VerifyChain recomputes every hash from genesis. It returns the number of
// records checked and ErrChainBroken at the first mismatch.
func (a *AuditLog) VerifyChain(ctx context.Context) (int64, error) {
	records, err := a.query(ctx, `
		SELECT seq, record_id, intent_id, stage, payload, prev_hash, hash, created_at
		FROM audit_log ORDER BY seq`)
	if err != nil {
		return 0, err
	}

	h := NewChainHasher()
	for _, r := range records {
		expected := AuditRecord{Payload: r.Payload}
		h.Next(&expected)
		if expected.Seq != r.Seq {
			return r.Seq - 1, fmt.Errorf("%w: gap before seq %d", ErrChainBroken, r.Seq)
		}
		if expected.PrevHash != r.PrevHash || expected.Hash != r.Hash {
			return r.Seq - 1, fmt.Errorf("%w: hash mismatch at seq %d", ErrChainBroken, r.Seq)
		}
	}
	return int64(len(records)), nil
}

func (a *AuditLog) query(ctx context.Context, q string, args ...any) ([]AuditRecord, error) {
	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			r                 AuditRecord
			recordID, payload string
			prevHex, hashHex  string
			createdAt         int64
		)
		if err := rows.Scan(&r.Seq, &recordID, &r.IntentID, &r.Stage, &payload, &prevHex, &hashHex, &createdAt); err != nil {
			return nil, err
		}
		if r.RecordID, err = ulid.Parse(recordID); err != nil {
			return nil, fmt.Errorf("audit seq %d: %w", r.Seq, err)
		}
		if r.PrevHash, err = decodeHash(prevHex); err != nil {
			return nil, fmt.Errorf("audit seq %d: %w", r.Seq, err)
		}
		if r.Hash, err = decodeHash(hashHex); err != nil {
			return nil, fmt.Errorf("audit seq %d: %w", r.Seq, err)
		}
		r.Payload = []byte(payload)
		r.CreatedAt = FromMicros(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func decodeHash(s string) ([32]byte, error) {
	var h [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("decode hash: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}
