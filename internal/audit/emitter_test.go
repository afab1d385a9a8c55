// Copyright (c) 2026 Torii. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package audit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/torii/internal/audit"
)

// memorySink collects appended events and can fail a configured number of
// Append calls first.
type memorySink struct {
	mu       sync.Mutex
	events   []audit.Event
	failures int
}

func (sink *memorySink) Append(_ context.Context, batch []audit.Event) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()

	if sink.failures > 0 {
		sink.failures--
		return errors.New("sink unavailable")
	}
	sink.events = append(sink.events, batch...)
	return nil
}

func (sink *memorySink) collected() []audit.Event {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return append([]audit.Event(nil), sink.events...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

/*
TestEmitter_DeliversInSequence verifies buffered events reach the sink in
emission order with a strictly increasing sequence, including the shutdown
flush.
*/
func TestEmitter_DeliversInSequence(t *testing.T) {
	sink := &memorySink{}
	emitter := audit.NewEmitter(sink, 16, clockwork.NewRealClock(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go emitter.Run(ctx)

	for i := 0; i < 5; i++ {
		emitter.Emit(context.Background(), audit.Event{
			Kind:    audit.KindLoginSucceeded,
			ActorID: "user-1",
		})
	}

	cancel()
	select {
	case <-emitter.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("emitter did not drain")
	}

	collected := sink.collected()
	require.Len(t, collected, 5)
	for i, event := range collected {
		require.Equal(t, uint64(i+1), event.Sequence)
		require.False(t, event.OccurredAt.IsZero())
	}
	require.Zero(t, emitter.Dropped())
}

/*
TestEmitter_ShedsNonCriticalWhenFull verifies a full buffer drops routine
events without blocking and counts every drop.
*/
func TestEmitter_ShedsNonCriticalWhenFull(t *testing.T) {
	sink := &memorySink{}
	// No drain goroutine: the buffer stays full once filled.
	emitter := audit.NewEmitter(sink, 2, clockwork.NewRealClock(), testLogger())

	for i := 0; i < 4; i++ {
		emitter.Emit(context.Background(), audit.Event{Kind: audit.KindLoginFailed})
	}

	require.Equal(t, uint64(2), emitter.Dropped())
}

/*
TestEmitter_CriticalWaitsForRoom verifies a critical event blocks briefly on
a full buffer instead of being shed, and gets through once the drain catches
up.
*/
func TestEmitter_CriticalWaitsForRoom(t *testing.T) {
	sink := &memorySink{}
	emitter := audit.NewEmitter(sink, 1, clockwork.NewRealClock(), testLogger())

	// Fill the buffer before the drain starts.
	emitter.Emit(context.Background(), audit.Event{Kind: audit.KindLoginSucceeded})

	done := make(chan struct{})
	go func() {
		defer close(done)
		emitter.Emit(context.Background(), audit.Event{Kind: audit.KindRefreshReused})
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go emitter.Run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("critical emit never completed")
	}

	cancel()
	<-emitter.Done()

	kinds := make([]audit.Kind, 0, 2)
	for _, event := range sink.collected() {
		kinds = append(kinds, event.Kind)
	}
	require.Contains(t, kinds, audit.KindRefreshReused)
	require.Zero(t, emitter.Dropped())
}

/*
TestEmitter_RetriesFailedBatchOnce verifies one sink hiccup is absorbed and
two consecutive failures lose the batch with an accurate drop count.
*/
func TestEmitter_RetriesFailedBatchOnce(t *testing.T) {
	recovered := &memorySink{failures: 1}
	emitter := audit.NewEmitter(recovered, 16, clockwork.NewRealClock(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go emitter.Run(ctx)
	emitter.Emit(context.Background(), audit.Event{Kind: audit.KindTokenMinted})
	cancel()
	<-emitter.Done()

	require.Len(t, recovered.collected(), 1)
	require.Zero(t, emitter.Dropped())

	broken := &memorySink{failures: 2}
	emitter = audit.NewEmitter(broken, 16, clockwork.NewRealClock(), testLogger())

	ctx, cancel = context.WithCancel(context.Background())
	go emitter.Run(ctx)
	emitter.Emit(context.Background(), audit.Event{Kind: audit.KindTokenMinted})
	cancel()
	<-emitter.Done()

	require.Empty(t, broken.collected())
	require.Equal(t, uint64(1), emitter.Dropped())
}

/*
TestKind_Critical verifies the criticality classification for theft evidence
versus routine traffic.
*/
func TestKind_Critical(t *testing.T) {
	require.True(t, audit.KindRefreshReused.Critical())
	require.True(t, audit.KindAccountLocked.Critical())
	require.True(t, audit.KindRiskDenied.Critical())
	require.False(t, audit.KindLoginSucceeded.Critical())
	require.False(t, audit.KindLoginFailed.Critical())
}
