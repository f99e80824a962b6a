/*
Package events provides the in-memory broker for the operational event stream.

Every noteworthy thing the control plane does (opening an incident,
engaging safe mode, blocking a user, triggering a rollback, sending an
alert) is published here. Subscribers consume the stream without
coupling to the engine that produced the event, and the broker retains a
bounded history for the control surface.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │              Event Broker                  │           │
	│  │  - In-memory message bus                   │           │
	│  │  - Topic-agnostic (all events broadcast)   │           │
	│  │  - Non-blocking publish                    │           │
	│  │  - Bounded recent-history ring (100)       │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          Event Distribution                │           │
	│  │                                            │           │
	│  │  Publisher → Event Channel (buffer: 100)   │           │
	│  │       ↓                                    │           │
	│  │  Broadcast Loop                            │           │
	│  │       ↓                                    │           │
	│  │  Subscriber Channels (buffer: 50 each)     │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Event Types

Incident events:
  - incident.created, incident.escalated, incident.resolved

Safe-mode events:
  - safemode.engaged, safemode.disabled

Security events:
  - security.blocked

Deployment events:
  - rollback.triggered

Alert events:
  - alert.sent (the broker doubles as an alert notifier, so every
    dispatched alert lands on the stream)

# Usage

Creating and starting the broker:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Subscribing:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
		}
	}()

Publishing:

	broker.Publish(&events.Event{
		Type:    events.EventSafeModeEngaged,
		Message: "Safe mode engaged after F-grade health score",
		Metadata: map[string]string{
			"score": "35",
		},
	})

Feeding alerts onto the stream:

	dispatcher := alert.NewDispatcher(webhook, broker)

# Delivery Semantics

Publish is non-blocking: events go through a buffered channel and a
subscriber whose buffer is full skips the event. The stream is a
monitoring surface, not a transactional log; anything that must not be
lost is persisted by the engine that produced it before it is published
here.

The recent-history ring serves GET /events/recent so operators see what
the control plane has been doing without tailing logs.

# Integration Points

This package integrates with:

  - pkg/alert: the broker is a Notifier, mirroring every alert
  - pkg/api: serves the retained history on the control surface
*/
package events
