// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures written events and can fail a configurable
// number of times first.
type recordingSink struct {
	mu        sync.Mutex
	events    []*Event
	failFirst int
}

func (s *recordingSink) Write(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFirst > 0 {
		s.failFirst--
		return errors.New("sink unavailable")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) recorded() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Event(nil), s.events...)
}

func TestAsyncPublisherDelivers(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p := NewAsyncPublisher(sink)

	p.Publish(NewEvent(EventTypeTicketRedeemed, OutcomeSuccess, "grant",
		map[string]string{SubjectKeyClientID: "c1"},
	).WithTarget(map[string]string{TargetKeyTicketID: "t1"}))
	p.Publish(NewEvent(EventTypeRedemptionDenied, OutcomeDenied, "grant", nil))

	// Close flushes the queue before returning.
	require.NoError(t, p.Close())

	events := sink.recorded()
	require.Len(t, events, 2)
	assert.Equal(t, EventTypeTicketRedeemed, events[0].Type)
	assert.Equal(t, "t1", events[0].Target[TargetKeyTicketID])
	assert.Equal(t, EventTypeRedemptionDenied, events[1].Type)
}

func TestAsyncPublisherRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{failFirst: 2}
	p := NewAsyncPublisher(sink)

	p.Publish(NewEvent(EventTypePermissionRequested, OutcomeSuccess, "grant", nil))
	require.NoError(t, p.Close())

	events := sink.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, EventTypePermissionRequested, events[0].Type)
}

func TestAsyncPublisherDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	// A blocked sink keeps the queue from draining.
	release := make(chan struct{})
	blocked := sinkFunc(func(context.Context, *Event) error {
		<-release
		return nil
	})

	p := NewAsyncPublisher(blocked, WithQueueSize(1))
	for range 10 {
		p.Publish(NewEvent(EventTypeTicketRedeemed, OutcomeSuccess, "grant", nil))
	}

	// The publisher never blocked above; unblock the sink and drain.
	close(release)
	require.NoError(t, p.Close())
}

func TestAsyncPublisherCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	p := NewAsyncPublisher(&recordingSink{})
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestAsyncPublisherIgnoresNilEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	p := NewAsyncPublisher(sink)
	p.Publish(nil)
	require.NoError(t, p.Close())
	assert.Empty(t, sink.recorded())
}

// sinkFunc adapts a function to the Sink interface.
type sinkFunc func(ctx context.Context, event *Event) error

func (f sinkFunc) Write(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

func TestLoggerSink(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := NewLoggerSink(NewAuditLogger(&buf))

	event := NewEvent(EventTypeTicketRedeemed, OutcomeSuccess, "grant",
		map[string]string{SubjectKeyClientID: "c1", SubjectKeyResourceOwner: "alice"},
	).WithTarget(map[string]string{TargetKeyTicketID: "t1", TargetKeyTokenID: "tok1"})
	require.NoError(t, sink.Write(context.Background(), event))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "audit_event", record["msg"])
	assert.Equal(t, EventTypeTicketRedeemed, record["type"])
	assert.Equal(t, OutcomeSuccess, record["outcome"])
	assert.Equal(t, "grant", record["component"])

	subjects, ok := record["subjects"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "c1", subjects[SubjectKeyClientID])
}

func TestEventWithData(t *testing.T) {
	t.Parallel()

	event := NewEvent(EventTypeClientAuthFailed, OutcomeError, "grant", nil).
		WithData(map[string]string{"error": "the client secret is not correct"})
	require.NotNil(t, event.Data)

	var data map[string]string
	require.NoError(t, json.Unmarshal(*event.Data, &data))
	assert.Equal(t, "the client secret is not correct", data["error"])

	// Unmarshalable data is ignored and the event stays usable.
	broken := NewEvent(EventTypeClientAuthFailed, OutcomeError, "grant", nil).
		WithData(func() {})
	assert.Nil(t, broken.Data)
}
