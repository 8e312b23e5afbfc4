package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHubFlushesBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatch: 2, MaxWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(KindTaskStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubFlushesByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatch: 10, MaxWait: 25 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(KindPage))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatch: 100, MaxWait: time.Minute}, sink)

	hub.Emit(sampleEvent(KindTaskStart))
	require.NoError(t, hub.Close(context.Background()))

	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxWait: 10 * time.Millisecond}, sink)

	hub.Emit(Event{Kind: KindTaskStart}) // missing task id
	hub.Emit(Event{TaskID: "t", TS: time.Now().UTC()})
	hub.Emit(sampleEvent(KindTaskDone))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.Equal(t, KindTaskDone, sink.Batches()[0][0].Kind)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.Error(t, Event{TaskID: "t", TS: time.Now(), Kind: KindPage}.Validate())
	require.Error(t, Event{TaskID: "t", TS: time.Now(), Kind: "BOGUS"}.Validate())
	require.NoError(t, Event{TaskID: "t", TS: time.Now(), Kind: KindPage, Stage: "qa"}.Validate())
}

func sampleEvent(kind Kind) Event {
	evt := Event{
		TaskID: "task-1",
		TS:     time.Now().UTC(),
		Kind:   kind,
	}
	switch kind {
	case KindStageStart, KindStageDone, KindPage, KindSoftBlock:
		evt.Stage = "qa"
	}
	return evt
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
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
