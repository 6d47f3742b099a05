// Package testkit provides testing utilities for event and finding validation
// plus stub providers and agents used across the engine's test suites.
package testkit

import (
	"testing"
	"time"

	"conductor/pkg/bus"
	"conductor/pkg/guardian"
)

// AssertEventTopic verifies the event's topic.
func AssertEventTopic(t *testing.T, event bus.Event, expectedTopic string) {
	t.Helper()
	if event.Topic != expectedTopic {
		t.Errorf("Expected event topic %s, got %s", expectedTopic, event.Topic)
	}
}

// AssertEventKind verifies the payload kind.
func AssertEventKind(t *testing.T, event bus.Event, expectedKind string) {
	t.Helper()
	if event.Payload == nil {
		t.Errorf("Expected payload kind %s, got nil payload", expectedKind)
		return
	}
	if kind := event.Payload.Kind(); kind != expectedKind {
		t.Errorf("Expected payload kind %s, got %s", expectedKind, kind)
	}
}

// AssertEventOrigin verifies the publishing component.
func AssertEventOrigin(t *testing.T, event bus.Event, expectedOrigin string) {
	t.Helper()
	if event.Origin != expectedOrigin {
		t.Errorf("Expected event origin %s, got %s", expectedOrigin, event.Origin)
	}
}

// AssertSeqAscending verifies events carry strictly increasing sequence numbers.
func AssertSeqAscending(t *testing.T, events []bus.Event) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Errorf("Expected ascending seq, got %d after %d at index %d",
				events[i].Seq, events[i-1].Seq, i)
		}
	}
}

// AssertFindingSeverity verifies a finding's severity.
func AssertFindingSeverity(t *testing.T, finding guardian.Finding, expected guardian.Severity) {
	t.Helper()
	if finding.Severity != expected {
		t.Errorf("Expected finding severity %s, got %s (%s: %s)",
			expected, finding.Severity, finding.Subject, finding.Description)
	}
}

// AssertFindingSubject verifies a finding's subject.
func AssertFindingSubject(t *testing.T, finding guardian.Finding, expectedSubject string) {
	t.Helper()
	if finding.Subject != expectedSubject {
		t.Errorf("Expected finding subject %s, got %s", expectedSubject, finding.Subject)
	}
}

// CollectEvents drains events from a subscription's handler into a slice via
// the returned handler and channel. Call Wait to receive up to n events or
// fail the test on timeout.
type EventCollector struct {
	ch chan bus.Event
}

// NewEventCollector creates a collector with room for capacity events.
func NewEventCollector(capacity int) *EventCollector {
	return &EventCollector{ch: make(chan bus.Event, capacity)}
}

// Handler returns the bus handler feeding this collector.
func (c *EventCollector) Handler() bus.Handler {
	return func(event bus.Event) {
		select {
		case c.ch <- event:
		default:
		}
	}
}

// Wait receives up to n events, failing the test if the timeout elapses first.
func (c *EventCollector) Wait(t *testing.T, n int, timeout time.Duration) []bus.Event {
	t.Helper()
	deadline := time.After(timeout)
	events := make([]bus.Event, 0, n)
	for len(events) < n {
		select {
		case event := <-c.ch:
			events = append(events, event)
		case <-deadline:
			t.Fatalf("Expected %d events within %s, got %d", n, timeout, len(events))
			return events
		}
	}
	return events
}
