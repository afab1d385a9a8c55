// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// # Sink

// Sink is the append-only destination for drained events.
type Sink interface {

	/*
		Append persists a batch of events in sequence order.

		Parameters:
		  - context: context.Context
		  - events: []Event

		Returns:
		  - error: Persistence failures (the batch is retried once, then dropped
		    with a logged count)
	*/
	Append(context context.Context, events []Event) error
}

// # Emitter

const (
	// criticalSendTimeout bounds how long a critical emission may block the
	// request path when the buffer is full.
	criticalSendTimeout = 2 * time.Second

	// drainBatchSize is the maximum number of events written per sink call.
	drainBatchSize = 64

	// drainInterval flushes a partial batch at least this often.
	drainInterval = time.Second
)

// Emitter sequences and buffers events, draining them to the sink on a
// background goroutine.
type Emitter struct {
	sink   Sink
	clock  clockwork.Clock
	logger *slog.Logger

	queue    chan Event
	sequence atomic.Uint64
	dropped  atomic.Uint64

	done chan struct{}
	once sync.Once
}

// NewEmitter creates an [Emitter] with the given buffer capacity. Run must be
// started before events flow to the sink.
func NewEmitter(sink Sink, capacity int, clock clockwork.Clock, logger *slog.Logger) *Emitter {
	return &Emitter{
		sink:   sink,
		clock:  clock,
		logger: logger.With(slog.String("component", "audit_emitter")),
		queue:  make(chan Event, capacity),
		done:   make(chan struct{}),
	}
}

/*
Emit sequences and enqueues one event.

Description: Non-critical events never block the request path: when the
buffer is full they are shed and the drop counter advances. Critical events
block up to a short timeout before giving up, so backpressure sheds routine
traffic first.

Parameters:
  - ctx: context.Context
  - event: Event (Sequence and OccurredAt are assigned here)
*/
func (emitter *Emitter) Emit(ctx context.Context, event Event) {
	event.Sequence = emitter.sequence.Add(1)
	if event.OccurredAt.IsZero() {
		event.OccurredAt = emitter.clock.Now()
	}

	select {
	case emitter.queue <- event:
		return
	default:
	}

	if !event.Kind.Critical() {
		emitter.recordDrop(ctx, event.Kind)
		return
	}

	timer := emitter.clock.NewTimer(criticalSendTimeout)
	defer timer.Stop()

	select {
	case emitter.queue <- event:
	case <-timer.Chan():
		emitter.recordDrop(ctx, event.Kind)
	case <-ctx.Done():
		emitter.recordDrop(ctx, event.Kind)
	}
}

// Dropped returns the number of events shed since start.
func (emitter *Emitter) Dropped() uint64 {
	return emitter.dropped.Load()
}

func (emitter *Emitter) recordDrop(ctx context.Context, kind Kind) {
	total := emitter.dropped.Add(1)
	emitter.logger.WarnContext(ctx, "audit event dropped",
		slog.String("kind", string(kind)),
		slog.Uint64("dropped_total", total))
}

/*
Run drains the buffer until the context is cancelled, then flushes whatever
remains in the queue.

Parameters:
  - ctx: context.Context
*/
func (emitter *Emitter) Run(ctx context.Context) {
	defer emitter.once.Do(func() { close(emitter.done) })

	ticker := emitter.clock.NewTicker(drainInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, drainBatchSize)
	for {
		select {
		case event := <-emitter.queue:
			batch = append(batch, event)
			if len(batch) >= drainBatchSize {
				batch = emitter.flush(batch)
			}
		case <-ticker.Chan():
			batch = emitter.flush(batch)
		case <-ctx.Done():
			batch = emitter.flush(batch)
			emitter.flushRemaining(batch)
			return
		}
	}
}

// Done is closed once Run has flushed and returned.
func (emitter *Emitter) Done() <-chan struct{} {
	return emitter.done
}

// flush writes one batch, retrying once before giving it up.
func (emitter *Emitter) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}

	// The drain context is independent of any request.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := emitter.sink.Append(ctx, batch)
	if err != nil {
		err = emitter.sink.Append(ctx, batch)
	}
	if err != nil {
		emitter.dropped.Add(uint64(len(batch)))
		emitter.logger.ErrorContext(ctx, "audit batch lost",
			slog.Int("events", len(batch)),
			slog.String("error", err.Error()))
	}

	return batch[:0]
}

// flushRemaining empties whatever is still queued at shutdown.
func (emitter *Emitter) flushRemaining(batch []Event) {
	for {
		select {
		case event := <-emitter.queue:
			batch = append(batch, event)
			if len(batch) >= drainBatchSize {
				batch = emitter.flush(batch)
			}
		default:
			emitter.flush(batch)
			return
		}
	}
}
