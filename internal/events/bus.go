/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventSegueStarted     EventType = "segue_started"
	EventSegueCompleted   EventType = "segue_completed"
	EventPlayoutFailover  EventType = "playout_failover"
	EventPlayoutRecovered EventType = "playout_recovered"
	EventOverrideEngaged  EventType = "manual_override_engaged"
	EventOverrideReleased EventType = "manual_override_released"
	EventOverrideConflict EventType = "manual_override_conflict"
	EventItemStarted      EventType = "item_started"
	EventItemEnded        EventType = "item_ended"
	EventScheduleQueued   EventType = "schedule_queued"
	EventScheduleReady    EventType = "schedule_ready"
	EventScheduleFailed   EventType = "schedule_failed"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
	all  []Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// SubscribeAll registers a subscriber that receives every event. The event
// type is injected into the payload under "event".
func (b *Bus) SubscribeAll() Subscriber {
	ch := make(Subscriber, 16)
	b.mu.Lock()
	b.all = append(b.all, ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Slow subscribers drop events rather
// than block playout.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	all := append([]Subscriber(nil), b.all...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}

	if len(all) == 0 {
		return
	}
	tagged := make(Payload, len(payload)+1)
	for k, v := range payload {
		tagged[k] = v
	}
	tagged["event"] = string(eventType)
	for _, sub := range all {
		select {
		case sub <- tagged:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}

// UnsubscribeAll removes a catch-all subscriber.
func (b *Bus) UnsubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, candidate := range b.all {
		if candidate == sub {
			b.all = append(b.all[:i], b.all[i+1:]...)
			break
		}
	}
	close(sub)
}
