// Package nats propagates emits across server instances so a
// subscriber connected to process B observes an emit produced on
// process A. internal/fanout.Engine only knows about subscribers on
// its own process; Bus is what makes that knowledge fleet-wide,
// mirroring the way the teacher's pkg/nats wraps a *nats.Conn with
// connection-event logging, metrics, and a subject-to-handler map.
package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/kestrel-rt/syncore/internal/logging"
)

// Config configures the NATS connection and subject naming.
type Config struct {
	URL             string
	SubjectPrefix   string
	InstanceID      string // disambiguates this process's own publishes from a remote one
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

// DefaultConfig mirrors the teacher's connection-resilience defaults.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix:   "syncore.emit",
		MaxReconnects:   -1, // retry forever, same as the teacher's unattended-reconnect posture
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
	}
}

// emitMessage is the wire shape published to NATS for one emit.
type emitMessage struct {
	InstanceID string         `json:"instanceId"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Version    int64          `json:"version"`
	Data       map[string]any `json:"data"`
}

// RemoteEmitHandler is invoked for every emit message received from
// another instance (never for this instance's own publishes). It is
// expected to feed the message into the local fanout.Engine the same
// way a local Store.SetOnEmit hook does.
type RemoteEmitHandler func(entityType, entityID string, version int64, data map[string]any)

// Bus is the cross-instance fan-out transport: Publish sends a local
// emit outward, and a background subscription feeds remote emits to
// the handler registered at construction.
type Bus struct {
	cfg    Config
	conn   *nats.Conn
	sub    *nats.Subscription
	logger zerolog.Logger
}

// Connect dials NATS and subscribes to the wildcard subject for this
// bus's prefix, dispatching every non-self message to onRemoteEmit.
func Connect(cfg Config, onRemoteEmit RemoteEmitHandler, logger zerolog.Logger) (*Bus, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats: url is required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "syncore.emit"
	}

	b := &Bus{cfg: cfg, logger: logger}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.ConnectHandler(func(c *nats.Conn) {
			b.logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to nats")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn().Err(err).Msg("disconnected from nats")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to nats")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.logger.Error().Err(err).Msg("nats error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats: connecting: %w", err)
	}
	b.conn = conn

	wildcard := cfg.SubjectPrefix + ".>"
	sub, err := conn.Subscribe(wildcard, func(msg *nats.Msg) {
		defer logging.RecoverPanic(b.logger, "fanoutbus/nats.handler", map[string]any{"subject": msg.Subject})

		var m emitMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			b.logger.Error().Err(err).Str("subject", msg.Subject).Msg("failed to decode nats emit message")
			return
		}
		if m.InstanceID == cfg.InstanceID {
			// Our own publish looped back; the local fanout.Engine
			// already saw this emit via Store.SetOnEmit.
			return
		}
		if onRemoteEmit != nil {
			onRemoteEmit(m.EntityType, m.EntityID, m.Version, m.Data)
		}
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats: subscribing to %s: %w", wildcard, err)
	}
	b.sub = sub

	return b, nil
}

// subject returns the per-entity subject an emit is published on,
// e.g. "syncore.emit.document.doc-42". Subscribing to the wildcard
// "syncore.emit.>" still receives every entity's messages; per-entity
// subjects exist so an operator can narrow a subscription to one
// entity type with "syncore.emit.document.>" if they ever need to.
func (b *Bus) subject(entityType, entityID string) string {
	return b.cfg.SubjectPrefix + "." + entityType + "." + entityID
}

// Publish sends a local emit to every other instance in the fleet.
// NATS delivers core (non-JetStream) messages in publish order per
// subject to each subscriber, which is what preserves this bus's
// per-entity ordering guarantee across processes the same way the
// striped mutex preserves it within one process.
func (b *Bus) Publish(entityType, entityID string, version int64, data map[string]any) error {
	m := emitMessage{
		InstanceID: b.cfg.InstanceID,
		EntityType: entityType,
		EntityID:   entityID,
		Version:    version,
		Data:       data,
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("nats: marshaling emit message: %w", err)
	}
	if err := b.conn.Publish(b.subject(entityType, entityID), payload); err != nil {
		return fmt.Errorf("nats: publishing to %s: %w", b.subject(entityType, entityID), err)
	}
	return nil
}

// IsConnected reports whether the underlying connection is currently
// up, surfaced on the /healthz endpoint alongside the Kafka adapter's
// status.
func (b *Bus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close unsubscribes and closes the underlying connection.
func (b *Bus) Close() error {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Msg("error unsubscribing from nats")
		}
	}
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}
