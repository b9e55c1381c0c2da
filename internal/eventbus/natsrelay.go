package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	streamName            = "SUBDAG"
	streamSubjectPrefix   = "SUBDAG"
	streamCreateTimeout   = 10 * time.Second
	streamDuplicateWindow = 20 * time.Minute
)

// NATSRelay republishes bus events onto NATS JetStream for external
// fan-out. It is optional: a deployment with no external consumers need
// not construct one, and the Bus works identically without it.
type NATSRelay struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	logger zerolog.Logger
}

// NewNATSRelay connects to natsURL and ensures the relay stream exists.
func NewNATSRelay(natsURL string, logger zerolog.Logger) (*NATSRelay, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("subdag-observatory"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("eventbus: create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamCreateTimeout)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{streamSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Duplicates: streamDuplicateWindow,
		Retention:  jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("eventbus: create stream: %w", err)
	}

	return &NATSRelay{js: js, nc: nc, logger: logger.With().Str("component", "nats_relay").Logger()}, nil
}

// Close disconnects from NATS.
func (r *NATSRelay) Close() { r.nc.Close() }

// Attach registers the relay as a listener for every event name passed,
// republishing each to subject "SUBDAG.<event>".
func (r *NATSRelay) Attach(bus *Bus, events ...string) {
	for _, event := range events {
		event := event
		bus.On(event, func(payload any) {
			r.publish(event, payload)
		})
	}
}

func (r *NATSRelay) publish(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("failed to marshal event payload")
		return
	}
	subject := fmt.Sprintf("%s.%s", streamSubjectPrefix, event)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.js.Publish(ctx, subject, data); err != nil {
		r.logger.Error().Err(err).Str("subject", subject).Msg("failed to publish event to nats")
	}
}
