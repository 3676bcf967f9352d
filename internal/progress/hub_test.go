package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdimg-client/internal/convert"
)

func newTestHub(t *testing.T, cfg Config, sinks ...Sink) *Hub {
	t.Helper()
	hub := NewHub(cfg, sinks...)
	t.Cleanup(func() {
		require.NoError(t, hub.Close(context.Background()))
	})
	return hub
}

func TestHubFlushesFullBatch(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := newTestHub(t, Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)

	hub.Emit(sampleEvent(StageJobProgress))
	hub.Emit(sampleEvent(StageItemResult))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubFlushesAfterMaxWait(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := newTestHub(t, Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)

	hub.Emit(sampleEvent(StageChannelState))
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)

	hub.Emit(sampleEvent(StageJobProgress))
	require.Eventually(t, func() bool { return len(sink.Batches()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(2), hub.Stats().Flushes)
}

// Terminal events must reach sinks without waiting for the batch timer.
func TestHubFlushesTerminalEventImmediately(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := newTestHub(t, Config{BufferSize: 8, MaxBatchEvents: 100, MaxBatchWait: time.Hour}, sink)

	hub.Emit(sampleEvent(StageJobSubmitted))
	hub.Emit(sampleEvent(StageJobProgress))
	hub.Emit(sampleEvent(StageJobDone))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 3 && b[0][2].Stage == StageJobDone
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitDoesNotBlockForProgress(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{TerminalWait: time.Hour},
		events: make(chan Event),
		stopCh: make(chan struct{}),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageJobProgress))
	hub.Emit(sampleEvent(StageChannelState))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(2), hub.Stats().Dropped)
}

func TestHubTerminalEventWaitsForRoom(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{TerminalWait: time.Second},
		events: make(chan Event),
		stopCh: make(chan struct{}),
		logger: zap.NewNop(),
	}
	got := make(chan Event, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		got <- <-hub.events
	}()
	hub.Emit(sampleEvent(StageJobError))
	require.Equal(t, StageJobError, (<-got).Stage)
	stats := hub.Stats()
	require.Equal(t, int64(1), stats.Accepted)
	require.Zero(t, stats.Dropped)
}

func TestHubCloseDrainsQueue(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	hub.Emit(sampleEvent(StageJobSubmitted))
	hub.Emit(sampleEvent(StageJobProgress))

	require.NoError(t, hub.Close(context.Background()))
	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	require.True(t, sink.closed)

	hub.Emit(sampleEvent(StageJobDone))
	require.Equal(t, int64(2), hub.Stats().Accepted)
	require.NoError(t, hub.Close(context.Background()))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		RunID: UUIDToBytes(uuid.New()),
		TS:    time.Now(),
		Stage: stage,
	}
	switch stage {
	case StageJobSubmitted:
		evt.Kind = convert.KindFileUpload
	case StageItemResult:
		evt.ItemStatus = convert.ItemSuccess
	case StageChannelState:
		evt.State = "open"
	}
	return evt
}

// TestHubDiscardsInvalidEvents keeps malformed events away from sinks.
func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Minute}, sink)

	hub.Emit(Event{Stage: StageJobDone, TS: time.Now()})
	bad := sampleEvent(StageJobProgress)
	bad.Current, bad.Total = 5, 3
	hub.Emit(bad)
	hub.Emit(sampleEvent(StageJobDone))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Equal(t, StageJobDone, sink.Batches()[0][0].Stage)
	require.Equal(t, int64(1), hub.Stats().Accepted)
}

func TestHubCountsDrops(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event, 1),
		stopCh: make(chan struct{}),
		logger: zap.NewNop(),
	}
	for i := 0; i < 3; i++ {
		hub.Emit(sampleEvent(StageJobProgress))
	}
	stats := hub.Stats()
	require.Equal(t, int64(1), stats.Accepted)
	require.Equal(t, int64(2), stats.Dropped)
}

// TestEventValidate covers the per-stage payload requirements.
func TestEventValidate(t *testing.T) {
	t.Parallel()

	base := sampleEvent(StageJobDone)
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing run", func(e *Event) { e.RunID = [16]byte{} }},
		{"missing ts", func(e *Event) { e.TS = time.Time{} }},
		{"unknown stage", func(e *Event) { e.Stage = "NOPE" }},
		{"submitted without kind", func(e *Event) { e.Stage = StageJobSubmitted }},
		{"negative progress", func(e *Event) { e.Stage = StageJobProgress; e.Current = -1 }},
		{"bad item status", func(e *Event) { e.Stage = StageItemResult; e.ItemStatus = "maybe" }},
		{"state without name", func(e *Event) { e.Stage = StageChannelState }},
		{"negative duration", func(e *Event) { e.Dur = -time.Second }},
	}
	for _, tt := range tests {
		evt := base
		tt.mutate(&evt)
		require.Error(t, evt.Validate(), tt.name)
	}
}
