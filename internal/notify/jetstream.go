package notify

import (
	"CopyGuard/internal/event"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutcomeStream is the JetStream stream holding copy.outcomes.> messages.
const OutcomeStream = "COPY_OUTCOMES"

// JetStreamNotifier publishes outcomes to copy.outcomes.<stage>. Each message
// carries a Nats-Msg-Id of intent id plus stage, so a redelivered outcome is
// dropped by the stream's duplicate window.
type JetStreamNotifier struct {
	js      jetstream.JetStream
	timeout time.Duration
	logger  zerolog.Logger
}

func NewJetStreamNotifier(js jetstream.JetStream, timeout time.Duration, logger zerolog.Logger) *JetStreamNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &JetStreamNotifier{js: js, timeout: timeout, logger: logger}
}

func (n *JetStreamNotifier) Notify(ctx context.Context, env *event.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	ack, err := n.js.Publish(ctx, env.Subject(), data, jetstream.WithMsgID(env.IntentID()+"."+env.Stage))
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.Subject(), err)
	}
	n.logger.Debug().
		Str("intent_id", env.IntentID()).
		Str("subject", env.Subject()).
		Uint64("stream_seq", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("outcome published")
	return nil
}

// EnsureOutcomeStream creates the outbound outcomes stream.
func EnsureOutcomeStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutcomeStream,
		Subjects:   []string{event.SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outcome stream: %w", err)
	}
	return nil
}
