// Package publish is the subscriber fan-out: named events addressed by
// match/session/market id, delivered over NATS JetStream. The core only
// publishes; subscriber membership is managed downstream.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// StreamName holds all core notifications.
const StreamName = "RACE_EVENTS"

// Notification is the envelope published to subscribers.
type Notification struct {
	Scope     string      `json:"scope"` // "match", "session", "market", "chain"
	ID        string      `json:"id"`
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Broadcaster publishes notifications to race.events.{scope}.{id}.
type Broadcaster struct {
	js  jetstream.JetStream
	log zerolog.Logger
}

func NewBroadcaster(js jetstream.JetStream, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{js: js, log: log}
}

// Publish sends one named event. Errors are returned so callers can log
// them, but publication is advisory: consumers can always re-read the
// persisted rows.
func (b *Broadcaster) Publish(ctx context.Context, scope, id, event string, payload any) error {
	data, err := json.Marshal(Notification{
		Scope:     scope,
		ID:        id,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	subject := fmt.Sprintf("race.events.%s.%s", scope, sanitizeToken(id))
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// sanitizeToken keeps ids usable as NATS subject tokens.
func sanitizeToken(id string) string {
	out := []byte(id)
	for i, c := range out {
		switch c {
		case '.', ' ', '*', '>':
			out[i] = '_'
		}
	}
	return string(out)
}

// EnsureStream creates the notification stream if missing.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"race.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// Connect establishes a NATS connection with unbounded reconnects and
// returns a JetStream context.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
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
