package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// IntentStream holds every copy.intents.> message.
const IntentStream = "COPY_INTENTS"

// RawMessage is one undecoded intent from NATS, waiting for a dispatcher worker.
type RawMessage struct {
	Subject  string
	Data     []byte
	Received time.Time
	Ack      func() // processed, do not redeliver
	Nak      func() // infrastructure failure, redeliver later
	Term     func() // malformed, never redeliver
}

// SubjectConfig maps a subject filter to a durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubject is the intent feed: copy.intents.<trader_id>.
func DefaultSubject() SubjectConfig {
	return SubjectConfig{
		Subject:      "copy.intents.>",
		ConsumerName: "copyguard-intents",
		StreamName:   IntentStream,
	}
}

// NATSSubscriber feeds JetStream intent messages into out.
type NATSSubscriber struct {
	js        jetstream.JetStream
	out       chan<- RawMessage
	logger    zerolog.Logger
	consumers []jetstream.ConsumeContext
}

func NewNATSSubscriber(js jetstream.JetStream, out chan<- RawMessage, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, out: out, logger: logger}
}

// Subscribe creates a durable consumer per config.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects ...SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawMessage{
				Subject:  msg.Subject(),
				Data:     msg.Data(),
				Received: time.Now(),
				Ack:      func() { msg.Ack() },
				Nak:      func() { msg.NakWithDelay(5 * time.Second) },
				Term:     func() { msg.Term() },
			}
			select {
			case ns.out <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// EnsureIntentStream creates the intent stream if it does not exist.
func EnsureIntentStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      IntentStream,
		Subjects:  []string{"copy.intents.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", IntentStream, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("copyguard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
