// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultQueueSize is the publisher's default event buffer capacity.
const DefaultQueueSize = 256

// Publisher delivers audit events to a sink. Publish must never block
// the caller and a failing sink must never fail the audited operation.
type Publisher interface {
	// Publish enqueues an event for delivery. Fire and forget.
	Publish(event *Event)

	// Close flushes queued events and stops the publisher.
	Close() error
}

// Sink receives audit events. Implementations may fail transiently; the
// publisher retries with backoff before dropping an event.
type Sink interface {
	Write(ctx context.Context, event *Event) error
}

// LoggerSink writes events to a slog logger.
type LoggerSink struct {
	logger *slog.Logger
}

// NewLoggerSink creates a sink over the given logger.
func NewLoggerSink(logger *slog.Logger) *LoggerSink {
	return &LoggerSink{logger: logger}
}

// Write implements Sink. Logging cannot fail, so the error is always nil.
func (s *LoggerSink) Write(ctx context.Context, event *Event) error {
	event.LogTo(ctx, s.logger)
	return nil
}

// AsyncPublisher delivers events on a background goroutine through a
// bounded queue. When the queue is full the event is dropped with a
// warning rather than blocking the request path.
type AsyncPublisher struct {
	sink  Sink
	queue chan *Event

	closeOnce sync.Once
	done      chan struct{}
}

// AsyncPublisherOption configures an AsyncPublisher.
type AsyncPublisherOption func(*AsyncPublisher)

// WithQueueSize sets a custom queue capacity.
func WithQueueSize(size int) AsyncPublisherOption {
	return func(p *AsyncPublisher) {
		p.queue = make(chan *Event, size)
	}
}

// NewAsyncPublisher creates a publisher delivering to sink and starts
// its delivery goroutine.
func NewAsyncPublisher(sink Sink, opts ...AsyncPublisherOption) *AsyncPublisher {
	if sink == nil {
		panic("audit: sink is required")
	}
	p := &AsyncPublisher{
		sink:  sink,
		queue: make(chan *Event, DefaultQueueSize),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.deliverLoop()
	return p
}

// Publish implements Publisher.
func (p *AsyncPublisher) Publish(event *Event) {
	if event == nil {
		return
	}
	select {
	case p.queue <- event:
	default:
		slog.Warn("audit queue full, dropping event", "type", event.Type)
	}
}

// Close implements Publisher. Queued events are flushed before return.
func (p *AsyncPublisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.queue)
		<-p.done
	})
	return nil
}

func (p *AsyncPublisher) deliverLoop() {
	defer close(p.done)

	for event := range p.queue {
		p.deliver(event)
	}
}

// deliver writes one event, retrying transient sink failures with
// exponential backoff. After the retry budget the event is dropped with
// a warning; audit delivery must never wedge the queue.
func (p *AsyncPublisher) deliver(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	operation := func() (struct{}, error) {
		return struct{}{}, p.sink.Write(ctx, event)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		slog.Warn("failed to deliver audit event", "type", event.Type, "error", err)
	}
}

// NopPublisher discards all events. Useful in tests and when auditing
// is disabled.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(*Event) {}

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

// Compile-time interface checks.
var (
	_ Publisher = (*AsyncPublisher)(nil)
	_ Publisher = NopPublisher{}
	_ Sink      = (*LoggerSink)(nil)
)
