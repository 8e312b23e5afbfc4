package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harvestlab/qacrawl/internal/crawl"
	"github.com/harvestlab/qacrawl/internal/storage/memory"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("task-%d", g.n), nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []any
}

func (p *capturingPublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, payload)
	return "msg-1", nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *memory.Store, *capturingPublisher) {
	t.Helper()
	store := memory.New()
	pub := &capturingPublisher{}
	o := New(store, &seqIDs{}, fixedClock{}, pub, nil, Config{MaxTargetRetries: 2})
	return o, store, pub
}

func TestSubmit(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t)
	task, err := o.Submit(context.Background(), crawl.TaskSpec{Keywords: []string{"rice"}})
	require.NoError(t, err)
	require.Equal(t, "task-1", task.ID)
	require.Equal(t, crawl.TaskStatusPending, task.Status)
	require.Equal(t, crawl.StagePending, task.SearchStatus)
	require.Equal(t, crawl.StagePending, task.QAStatus)

	_, err = o.Submit(context.Background(), crawl.TaskSpec{})
	require.Error(t, err)
}

func TestStageLifecycle_CompletesAndPublishes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	o, _, pub := newTestOrchestrator(t)
	task, err := o.Submit(ctx, crawl.TaskSpec{Keywords: []string{"rice"}})
	require.NoError(t, err)

	task, err = o.BeginStage(ctx, task.ID, crawl.StageSearch)
	require.NoError(t, err)
	require.Equal(t, crawl.TaskStatusRunning, task.Status)

	task, err = o.CompleteStage(ctx, task.ID, crawl.StageSearch)
	require.NoError(t, err)
	require.Equal(t, crawl.StageCompleted, task.SearchStatus)
	require.NotEqual(t, crawl.TaskStatusCompleted, task.Status)
	require.Empty(t, pub.events)

	task, err = o.BeginStage(ctx, task.ID, crawl.StageQA)
	require.NoError(t, err)
	task, err = o.CompleteStage(ctx, task.ID, crawl.StageQA)
	require.NoError(t, err)
	require.Equal(t, crawl.TaskStatusCompleted, task.Status)

	require.Len(t, pub.events, 1)
	ev, ok := pub.events[0].(completionEvent)
	require.True(t, ok)
	require.Equal(t, task.ID, ev.TaskID)
	require.Equal(t, []string{"rice"}, ev.Keywords)
}

func TestCompleteStage_RejectsIllegalTransition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)
	task, err := o.Submit(ctx, crawl.TaskSpec{Keywords: []string{"rice"}})
	require.NoError(t, err)

	// pending -> completed skips running
	_, err = o.CompleteStage(ctx, task.ID, crawl.StageSearch)
	require.ErrorIs(t, err, crawl.ErrInvalidTransition)
}

func TestResume_AfterInterrupt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)
	task, err := o.Submit(ctx, crawl.TaskSpec{Keywords: []string{"rice"}})
	require.NoError(t, err)
	_, err = o.BeginStage(ctx, task.ID, crawl.StageSearch)
	require.NoError(t, err)

	task, err = o.Interrupt(ctx, task.ID, "shutting down")
	require.NoError(t, err)
	require.Equal(t, crawl.TaskStatusPaused, task.Status)
	require.Equal(t, crawl.StagePaused, task.SearchStatus)
	require.Equal(t, "shutting down", task.ErrorText)

	task, err = o.Resume(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.TaskStatusRunning, task.Status)
	require.Empty(t, task.ErrorText)

	// paused stage re-enters running
	task, err = o.BeginStage(ctx, task.ID, crawl.StageSearch)
	require.NoError(t, err)
	require.Equal(t, crawl.StageRunning, task.SearchStatus)
}

func TestResume_RejectsRunningAndCompleted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)
	task, err := o.Submit(ctx, crawl.TaskSpec{Keywords: []string{"rice"}})
	require.NoError(t, err)
	_, err = o.BeginStage(ctx, task.ID, crawl.StageSearch)
	require.NoError(t, err)

	_, err = o.Resume(ctx, task.ID)
	require.ErrorIs(t, err, crawl.ErrInvalidTransition)
}

func TestFailStage_RecordsCause(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)
	task, err := o.Submit(ctx, crawl.TaskSpec{Keywords: []string{"rice"}})
	require.NoError(t, err)
	_, err = o.BeginStage(ctx, task.ID, crawl.StageSearch)
	require.NoError(t, err)

	task, err = o.FailStage(ctx, task.ID, crawl.StageSearch, errors.New("pool exhausted"))
	require.NoError(t, err)
	require.Equal(t, crawl.TaskStatusFailed, task.Status)
	require.Equal(t, "pool exhausted", task.ErrorText)

	// failed tasks stay resumable
	task, err = o.Resume(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.TaskStatusRunning, task.Status)
}

func TestRecordTargetFailure_ExhaustsBudget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)
	task, err := o.Submit(ctx, crawl.TaskSpec{Keywords: []string{"rice"}})
	require.NoError(t, err)
	target := crawl.Target{ID: "q1", TaskID: task.ID}
	require.NoError(t, store.UpsertTarget(ctx, target))

	target, failed, err := o.RecordTargetFailure(ctx, target, errors.New("status 500"))
	require.NoError(t, err)
	require.False(t, failed)
	require.Equal(t, 1, target.Retries)

	target, failed, err = o.RecordTargetFailure(ctx, target, errors.New("status 500"))
	require.NoError(t, err)
	require.True(t, failed)
	require.True(t, target.Failed)

	progress, err := store.TaskProgress(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 1, progress.TargetsFailed)

	// failed targets drop out of scheduling
	remaining, err := store.UnprocessedTargets(ctx, task.ID)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestSoftBlockAccounting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)
	task, err := o.Submit(ctx, crawl.TaskSpec{Keywords: []string{"rice"}})
	require.NoError(t, err)
	target := crawl.Target{ID: "q1", TaskID: task.ID}
	require.NoError(t, store.UpsertTarget(ctx, target))

	target, err = o.RecordSoftBlock(ctx, target)
	require.NoError(t, err)
	target, err = o.RecordSoftBlock(ctx, target)
	require.NoError(t, err)
	require.Equal(t, 2, target.SoftBlocks)

	stored, err := store.GetTarget(ctx, task.ID, "q1")
	require.NoError(t, err)
	require.Equal(t, 2, stored.SoftBlocks)

	target, err = o.ResetAfterEscalation(ctx, target)
	require.NoError(t, err)
	require.Zero(t, target.SoftBlocks)
	require.True(t, target.Escalated)
}

func TestClearSoftBlocks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)
	task, err := o.Submit(ctx, crawl.TaskSpec{Keywords: []string{"rice"}})
	require.NoError(t, err)
	target := crawl.Target{ID: "q1", TaskID: task.ID}
	require.NoError(t, store.UpsertTarget(ctx, target))

	// clearing a zero counter is a no-op, no store write needed
	target, err = o.ClearSoftBlocks(ctx, target)
	require.NoError(t, err)
	require.Zero(t, target.SoftBlocks)

	target, err = o.RecordSoftBlock(ctx, target)
	require.NoError(t, err)
	target, err = o.ClearSoftBlocks(ctx, target)
	require.NoError(t, err)
	require.Zero(t, target.SoftBlocks)

	stored, err := store.GetTarget(ctx, task.ID, "q1")
	require.NoError(t, err)
	require.Zero(t, stored.SoftBlocks)
}

func TestProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	o, store, _ := newTestOrchestrator(t)
	task, err := o.Submit(ctx, crawl.TaskSpec{Keywords: []string{"rice"}})
	require.NoError(t, err)
	require.NoError(t, store.UpsertTarget(ctx, crawl.Target{ID: "q1", TaskID: task.ID}))
	require.NoError(t, store.MarkTargetProcessed(ctx, task.ID, "q1"))

	got, progress, err := o.Progress(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, task.ID, got.ID)
	require.Equal(t, 1, progress.TargetsProcessed)

	_, _, err = o.Progress(ctx, "missing")
	require.ErrorIs(t, err, crawl.ErrNotFound)
}
