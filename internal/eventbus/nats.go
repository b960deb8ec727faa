/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus forwards in-process playout and schedule events to
// external brokers. Forwarding is best effort: playout never blocks on a
// broker, and a broker outage drops events rather than audio.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/muninn_playout/internal/events"
)

// subjectPrefix roots every forwarded subject, e.g. muninn.events.segue_started.
const subjectPrefix = "muninn.events"

// envelope is the wire form of a forwarded event.
type envelope struct {
	Event     string         `json:"event"`
	Payload   events.Payload `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	NodeID    string         `json:"node_id"`
	MessageID string         `json:"message_id"`
}

func marshalEnvelope(event string, payload events.Payload, nodeID string) ([]byte, error) {
	// The catch-all subscription tags the payload with its event name;
	// strip it so the envelope stays the single source of that field.
	body := make(events.Payload, len(payload))
	for k, v := range payload {
		if k == "event" {
			continue
		}
		body[k] = v
	}
	return json.Marshal(envelope{
		Event:     event,
		Payload:   body,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	})
}

func nodeID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "muninn"
	}
	return host + "-" + uuid.NewString()[:8]
}

// NATSForwarder relays bus events onto NATS subjects.
type NATSForwarder struct {
	conn   *nats.Conn
	bus    *events.Bus
	sub    events.Subscriber
	logger zerolog.Logger
	nodeID string
}

// NewNATSForwarder connects to NATS and subscribes to the full event
// stream. Reconnection is left to the client with unlimited retries.
func NewNATSForwarder(url string, bus *events.Bus, logger zerolog.Logger) (*NATSForwarder, error) {
	log := logger.With().Str("component", "eventbus").Str("broker", "nats").Logger()

	conn, err := nats.Connect(url,
		nats.Name("muninn-playout"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	log.Info().Str("url", url).Msg("nats forwarder connected")
	return &NATSForwarder{
		conn:   conn,
		bus:    bus,
		sub:    bus.SubscribeAll(),
		logger: log,
		nodeID: nodeID(),
	}, nil
}

// Run drains the bus until the context is cancelled. Marshal and publish
// failures are logged and skipped; the forwarder never stops on them.
func (f *NATSForwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-f.sub:
			if !ok {
				return
			}
			event, _ := payload["event"].(string)
			data, err := marshalEnvelope(event, payload, f.nodeID)
			if err != nil {
				f.logger.Error().Err(err).Str("event", event).Msg("marshal event")
				continue
			}
			subject := subjectPrefix + "." + event
			if err := f.conn.Publish(subject, data); err != nil {
				f.logger.Warn().Err(err).Str("subject", subject).Msg("publish dropped")
			}
		}
	}
}

// Close unsubscribes from the bus and drains the NATS connection.
func (f *NATSForwarder) Close() error {
	f.bus.UnsubscribeAll(f.sub)
	if err := f.conn.Drain(); err != nil {
		f.conn.Close()
		return err
	}
	return nil
}
