// Package orchestrator owns task lifecycle state.
//
// All task and stage transitions funnel through here so the persisted state
// machine stays consistent no matter which worker or API handler asks for a
// change.
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/harvestlab/qacrawl/internal/crawl"
	"github.com/harvestlab/qacrawl/internal/metrics"
)

// Config controls orchestrator policy.
type Config struct {
	// MaxTargetRetries bounds hard-error retries per target before the
	// target is marked failed and skipped.
	MaxTargetRetries int
	// CompletionTopic receives task completion events when a publisher is
	// configured.
	CompletionTopic string
}

// Orchestrator coordinates task state transitions.
type Orchestrator struct {
	store     crawl.Store
	ids       crawl.IDGenerator
	clock     crawl.Clock
	publisher crawl.Publisher
	logger    *zap.Logger
	cfg       Config
}

// New builds an Orchestrator. publisher may be nil.
func New(store crawl.Store, ids crawl.IDGenerator, clock crawl.Clock, publisher crawl.Publisher, logger *zap.Logger, cfg Config) *Orchestrator {
	if cfg.MaxTargetRetries <= 0 {
		cfg.MaxTargetRetries = 3
	}
	if cfg.CompletionTopic == "" {
		cfg.CompletionTopic = "qacrawl-task-events"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Orchestrator{
		store:     store,
		ids:       ids,
		clock:     clock,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
	}
}

// Submit registers a new pending task.
func (o *Orchestrator) Submit(ctx context.Context, spec crawl.TaskSpec) (crawl.Task, error) {
	if len(spec.Keywords) == 0 {
		return crawl.Task{}, fmt.Errorf("task keywords must not be empty")
	}
	id, err := o.ids.NewID()
	if err != nil {
		return crawl.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	now := o.clock.Now()
	task := crawl.Task{
		ID:           id,
		Spec:         spec,
		Status:       crawl.TaskStatusPending,
		SearchStatus: crawl.StagePending,
		QAStatus:     crawl.StagePending,
		Submitted:    now,
		Updated:      now,
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		return crawl.Task{}, fmt.Errorf("create task: %w", err)
	}
	metrics.ObserveTask(string(crawl.TaskStatusPending))
	o.logger.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.Strings("keywords", spec.Keywords),
	)
	return task, nil
}

// Resume transitions a pending, paused, or failed task back to running.
// Already persisted cursors and processed flags make the restart cheap.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) (crawl.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return crawl.Task{}, fmt.Errorf("load task: %w", err)
	}
	status, err := crawl.TransitionTask(task.Status, crawl.TaskStatusRunning)
	if err != nil {
		return crawl.Task{}, fmt.Errorf("resume task %s: %w", taskID, err)
	}
	task.Status = status
	task.ErrorText = ""
	if err := o.store.UpdateTaskStatus(ctx, taskID, task.SearchStatus, task.QAStatus, task.Status, ""); err != nil {
		return crawl.Task{}, fmt.Errorf("persist resume: %w", err)
	}
	metrics.ObserveTask(string(crawl.TaskStatusRunning))
	o.logger.Info("task resumed", zap.String("task_id", taskID))
	return task, nil
}

// Cancel pauses a task on operator request. A canceled task keeps its
// progress and can be resumed later.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) (crawl.Task, error) {
	return o.pause(ctx, taskID, "canceled by operator")
}

// Interrupt pauses a task because the process is shutting down or the
// controller hit sustained backpressure.
func (o *Orchestrator) Interrupt(ctx context.Context, taskID, reason string) (crawl.Task, error) {
	return o.pause(ctx, taskID, reason)
}

func (o *Orchestrator) pause(ctx context.Context, taskID, reason string) (crawl.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return crawl.Task{}, fmt.Errorf("load task: %w", err)
	}
	status, err := crawl.TransitionTask(task.Status, crawl.TaskStatusPaused)
	if err != nil {
		return crawl.Task{}, fmt.Errorf("pause task %s: %w", taskID, err)
	}
	task.Status = status
	if task.SearchStatus == crawl.StageRunning {
		task.SearchStatus = crawl.StagePaused
	}
	if task.QAStatus == crawl.StageRunning {
		task.QAStatus = crawl.StagePaused
	}
	task.ErrorText = reason
	if err := o.store.UpdateTaskStatus(ctx, taskID, task.SearchStatus, task.QAStatus, task.Status, reason); err != nil {
		return crawl.Task{}, fmt.Errorf("persist pause: %w", err)
	}
	metrics.ObserveTask(string(crawl.TaskStatusPaused))
	o.logger.Info("task paused", zap.String("task_id", taskID), zap.String("reason", reason))
	return task, nil
}

// BeginStage marks one stage running and lifts the overall status with it.
func (o *Orchestrator) BeginStage(ctx context.Context, taskID string, stage crawl.Stage) (crawl.Task, error) {
	return o.setStage(ctx, taskID, stage, crawl.StageRunning, "")
}

// CompleteStage marks one stage completed. When both stages are done the
// task completes and a completion event is published.
func (o *Orchestrator) CompleteStage(ctx context.Context, taskID string, stage crawl.Stage) (crawl.Task, error) {
	task, err := o.setStage(ctx, taskID, stage, crawl.StageCompleted, "")
	if err != nil {
		return crawl.Task{}, err
	}
	if task.Status == crawl.TaskStatusCompleted {
		o.publishCompletion(ctx, task)
	}
	return task, nil
}

// FailStage marks one stage failed and records the cause on the task.
func (o *Orchestrator) FailStage(ctx context.Context, taskID string, stage crawl.Stage, cause error) (crawl.Task, error) {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	return o.setStage(ctx, taskID, stage, crawl.StageFailed, errText)
}

func (o *Orchestrator) setStage(ctx context.Context, taskID string, stage crawl.Stage, to crawl.StageStatus, errText string) (crawl.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return crawl.Task{}, fmt.Errorf("load task: %w", err)
	}

	var current crawl.StageStatus
	switch stage {
	case crawl.StageSearch:
		current = task.SearchStatus
	case crawl.StageQA:
		current = task.QAStatus
	default:
		return crawl.Task{}, fmt.Errorf("unknown stage %q", stage)
	}
	next, err := crawl.Transition(current, to)
	if err != nil {
		return crawl.Task{}, fmt.Errorf("stage %s of task %s: %w", stage, taskID, err)
	}
	switch stage {
	case crawl.StageSearch:
		task.SearchStatus = next
	case crawl.StageQA:
		task.QAStatus = next
	}

	task.Status = crawl.OverallStatus(task.SearchStatus, task.QAStatus)
	if errText != "" {
		task.ErrorText = errText
	}
	if err := o.store.UpdateTaskStatus(ctx, taskID, task.SearchStatus, task.QAStatus, task.Status, task.ErrorText); err != nil {
		return crawl.Task{}, fmt.Errorf("persist stage change: %w", err)
	}
	metrics.ObserveTask(string(task.Status))
	o.logger.Info("stage transition",
		zap.String("task_id", taskID),
		zap.String("stage", string(stage)),
		zap.String("stage_status", string(next)),
		zap.String("task_status", string(task.Status)),
	)
	return task, nil
}

// RecordSoftBlock bumps the target's persisted soft-block counter.
func (o *Orchestrator) RecordSoftBlock(ctx context.Context, target crawl.Target) (crawl.Target, error) {
	target.SoftBlocks++
	if err := o.store.UpdateTargetCounters(ctx, target); err != nil {
		return crawl.Target{}, fmt.Errorf("record soft block: %w", err)
	}
	return target, nil
}

// ClearSoftBlocks resets the consecutive soft-block counter after a drain
// made page progress. Escalation only fires on an unbroken run of blocks.
func (o *Orchestrator) ClearSoftBlocks(ctx context.Context, target crawl.Target) (crawl.Target, error) {
	if target.SoftBlocks == 0 {
		return target, nil
	}
	target.SoftBlocks = 0
	if err := o.store.UpdateTargetCounters(ctx, target); err != nil {
		return crawl.Target{}, fmt.Errorf("clear soft blocks: %w", err)
	}
	return target, nil
}

// ResetAfterEscalation clears the soft-block counter once the heavy path
// handled the target, and remembers that it was escalated.
func (o *Orchestrator) ResetAfterEscalation(ctx context.Context, target crawl.Target) (crawl.Target, error) {
	target.SoftBlocks = 0
	target.Escalated = true
	if err := o.store.UpdateTargetCounters(ctx, target); err != nil {
		return crawl.Target{}, fmt.Errorf("reset after escalation: %w", err)
	}
	return target, nil
}

// RecordTargetFailure accounts one hard failure against the target's retry
// budget. Returns the updated target and whether it is now failed for good.
func (o *Orchestrator) RecordTargetFailure(ctx context.Context, target crawl.Target, cause error) (crawl.Target, bool, error) {
	target.Retries++
	if cause != nil {
		target.LastError = cause.Error()
	}
	exhausted := target.Retries >= o.cfg.MaxTargetRetries
	if exhausted {
		target.Failed = true
		o.logger.Warn("target failed permanently",
			zap.String("task_id", target.TaskID),
			zap.String("target_id", target.ID),
			zap.Int("retries", target.Retries),
			zap.String("last_error", target.LastError),
		)
	}
	if err := o.store.UpdateTargetCounters(ctx, target); err != nil {
		return crawl.Target{}, false, fmt.Errorf("record target failure: %w", err)
	}
	return target, exhausted, nil
}

// Progress reports a task together with its target and item counts.
func (o *Orchestrator) Progress(ctx context.Context, taskID string) (crawl.Task, crawl.TaskProgress, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return crawl.Task{}, crawl.TaskProgress{}, fmt.Errorf("load task: %w", err)
	}
	progress, err := o.store.TaskProgress(ctx, taskID)
	if err != nil {
		return crawl.Task{}, crawl.TaskProgress{}, fmt.Errorf("load progress: %w", err)
	}
	return task, progress, nil
}

type completionEvent struct {
	TaskID   string             `json:"task_id"`
	Keywords []string           `json:"keywords"`
	Status   string             `json:"status"`
	Progress crawl.TaskProgress `json:"progress"`
}

func (o *Orchestrator) publishCompletion(ctx context.Context, task crawl.Task) {
	if o.publisher == nil {
		return
	}
	progress, err := o.store.TaskProgress(ctx, task.ID)
	if err != nil {
		o.logger.Warn("load progress for completion event failed", zap.Error(err))
	}
	ev := completionEvent{
		TaskID:   task.ID,
		Keywords: task.Spec.Keywords,
		Status:   string(task.Status),
		Progress: progress,
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.CompletionTopic, ev); err != nil {
		o.logger.Warn("publish completion event failed",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return
	}
	o.logger.Info("task completed", zap.String("task_id", task.ID))
}
