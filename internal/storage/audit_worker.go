package storage

import (
	"CopyGuard/internal/observability"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// ErrAuditClosed is returned by Append after Close.
var ErrAuditClosed = errors.New("audit worker closed")

type auditEntry struct {
	intentID string
	stage    string
	payload  []byte
	at       time.Time
}

// AuditWorker drains appended entries and batch-writes them to audit_log.
// Sequence numbers and hashes are assigned in the worker goroutine, so the
// chain order is the order entries leave the channel. Append blocks when the
// channel is full: entries are never dropped.
type AuditWorker struct {
	log          *AuditLog
	db           *DB
	input        chan auditEntry
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
	now          func() time.Time

	mu     sync.Mutex
	hasher *ChainHasher
	done   chan struct{}

	// closeMu orders Append against Close; closed is guarded by it.
	closeMu sync.RWMutex
	closed  bool
}

func NewAuditWorker(db *DB, capacity, batchSize int, flushTimeout time.Duration, metrics *observability.Metrics) *AuditWorker {
	if capacity <= 0 {
		capacity = 1024
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	if flushTimeout <= 0 {
		flushTimeout = 200 * time.Millisecond
	}
	return &AuditWorker{
		log:          NewAuditLog(db),
		db:           db,
		input:        make(chan auditEntry, capacity),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       observability.NewLogger("audit"),
		now:          time.Now,
		done:         make(chan struct{}),
	}
}

// Append queues one terminal outcome. It blocks until there is room or ctx ends.
func (w *AuditWorker) Append(ctx context.Context, intentID, stage string, payload []byte) error {
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.closed {
		return fmt.Errorf("append audit for %s: %w", intentID, ErrAuditClosed)
	}

	e := auditEntry{intentID: intentID, stage: stage, payload: payload, at: w.now()}
	select {
	case w.input <- e:
		w.metrics.SetChannelMetrics("audit", len(w.input), cap(w.input))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("append audit for %s: %w", intentID, ctx.Err())
	}
}

// SetLogger replaces the default component logger. Call before Run.
func (w *AuditWorker) SetLogger(l zerolog.Logger) {
	w.logger = l
}

// Close stops accepting entries; Run flushes what is queued and returns.
func (w *AuditWorker) Close() {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.input)
	}
}

// Done is closed when Run returns.
func (w *AuditWorker) Done() <-chan struct{} {
	return w.done
}

// Run loads the chain tip, then batches incoming entries and flushes either
// when the batch is full or the flush timeout expires. Blocks until Close
// is called or ctx is cancelled.
func (w *AuditWorker) Run(ctx context.Context) error {
	defer close(w.done)

	hasher, err := w.log.Tip(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.hasher = hasher
	w.mu.Unlock()

	batch := make([]AuditRecord, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// drain whatever is already queued, then flush once
			for {
				select {
				case e, ok := <-w.input:
					if !ok {
						return w.finalFlush(batch)
					}
					batch = append(batch, w.seal(e))
					continue
				default:
				}
				break
			}
			if err := w.finalFlush(batch); err != nil {
				return err
			}
			return ctx.Err()

		case e, ok := <-w.input:
			if !ok {
				return w.finalFlush(batch)
			}

			batch = append(batch, w.seal(e))

			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Int("records", len(batch)).Msg("audit batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Int("records", len(batch)).Msg("audit timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// Tip returns the last sequence and hash assigned by the worker.
func (w *AuditWorker) Tip() (int64, [32]byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hasher == nil {
		return 0, [32]byte{}
	}
	return w.hasher.Tip()
}

func (w *AuditWorker) seal(e auditEntry) AuditRecord {
	rec := AuditRecord{
		RecordID:  ulid.MustNew(ulid.Timestamp(e.at), ulid.DefaultEntropy()),
		IntentID:  e.intentID,
		Stage:     e.stage,
		Payload:   e.payload,
		CreatedAt: e.at,
	}
	w.mu.Lock()
	w.hasher.Next(&rec)
	w.mu.Unlock()
	return rec
}

func (w *AuditWorker) finalFlush(batch []AuditRecord) error {
	if len(batch) == 0 {
		return nil
	}
	if err := w.flush(context.Background(), batch); err != nil {
		w.logger.Error().Err(err).Int("records", len(batch)).Msg("final audit flush failed")
		return fmt.Errorf("final audit flush: %w", err)
	}
	return nil
}

// flushWithRetry retries with exponential backoff until the write succeeds or
// ctx is cancelled, in which case one last attempt runs on a background context.
func (w *AuditWorker) flushWithRetry(ctx context.Context, batch []AuditRecord) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("records", len(batch)).Msg("audit retry")
			if w.metrics != nil {
				w.metrics.AuditRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return w.finalFlush(batch)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("audit flush succeeded")
			}
			return nil
		}
		w.logger.Warn().Err(err).Msg("audit flush failed")
	}
}

func (w *AuditWorker) flush(ctx context.Context, batch []AuditRecord) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.log.WriteBatch(ctx, tx, batch); err != nil {
		w.countError("write_records")
		return err
	}

	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.AuditBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.AuditBatchSize.Observe(float64(len(batch)))
		w.metrics.AuditRecordsWritten.Add(float64(len(batch)))
		w.metrics.AuditLastSequence.Set(float64(batch[len(batch)-1].Seq))
	}
	return nil
}

func (w *AuditWorker) countError(kind string) {
	if w.metrics != nil {
		w.metrics.AuditErrors.WithLabelValues(kind).Inc()
	}
}
