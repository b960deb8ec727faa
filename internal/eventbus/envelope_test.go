/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"encoding/json"
	"testing"

	"github.com/friendsincode/muninn_playout/internal/events"
)

func TestMarshalEnvelopeStripsEventTag(t *testing.T) {
	payload := events.Payload{
		"event":   "segue_started",
		"item_id": "abc",
	}

	data, err := marshalEnvelope("segue_started", payload, "node-1")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Event != "segue_started" {
		t.Fatalf("event = %q", env.Event)
	}
	if env.NodeID != "node-1" {
		t.Fatalf("node = %q", env.NodeID)
	}
	if _, dup := env.Payload["event"]; dup {
		t.Fatal("event tag must not repeat inside the payload")
	}
	if env.Payload["item_id"] != "abc" {
		t.Fatalf("payload = %v", env.Payload)
	}
	if env.MessageID == "" || env.Timestamp.IsZero() {
		t.Fatal("message id and timestamp must be stamped")
	}
}

func TestRedisCircuitBreakerHalfOpens(t *testing.T) {
	f := &RedisForwarder{maxFails: 3, retryWait: 0}

	for i := 0; i < 3; i++ {
		if !f.healthy() {
			t.Fatalf("circuit opened early at failure %d", i)
		}
		f.recordFailure()
	}
	// retryWait elapsed (zero), so the next check half-opens for a probe.
	if !f.healthy() {
		t.Fatal("circuit must half-open after the retry interval")
	}
	f.recordSuccess()
	if !f.healthy() {
		t.Fatal("success must close the circuit")
	}
}
