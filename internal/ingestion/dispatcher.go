package ingestion

import (
	"CopyGuard/internal/intent"
	"CopyGuard/internal/observability"
	"CopyGuard/internal/pipeline"
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Processor takes one intent to a terminal stage. *pipeline.Pipeline satisfies it.
type Processor interface {
	Process(ctx context.Context, in intent.TradeIntent) (pipeline.Outcome, error)
}

// Dispatcher drains a RawMessage channel with a fixed worker pool.
type Dispatcher struct {
	proc    Processor
	source  string
	workers int
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewDispatcher(proc Processor, source string, workers int, logger zerolog.Logger, metrics *observability.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	return &Dispatcher{proc: proc, source: source, workers: workers, logger: logger, metrics: metrics}
}

// Run blocks until in is closed or ctx is done, then waits for in-flight
// messages to finish.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawMessage) error {
	ctx = pipeline.WithSource(ctx, d.source)

	var wg sync.WaitGroup
	for range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-in:
					if !ok {
						return
					}
					d.metrics.SetChannelMetrics(d.source, len(in), cap(in))
					d.handle(ctx, msg)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) handle(ctx context.Context, msg RawMessage) {
	in, err := ParseIntent(msg.Data)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed intent")
		if d.metrics != nil {
			d.metrics.IngestErrors.WithLabelValues(d.source).Inc()
		}
		call(msg.Term)
		return
	}

	out, err := d.proc.Process(ctx, in)
	if err != nil {
		// Stopped short of a terminal stage; a redelivery is rejected as a
		// duplicate if the firewall had already marked the id.
		d.logger.Error().Err(err).Str("intent_id", in.ID()).Str("stage", out.Stage.String()).Msg("intent not finished")
		call(msg.Nak)
		return
	}
	call(msg.Ack)
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
