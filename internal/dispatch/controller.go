// Package dispatch runs tasks: it fans targets out across a bounded worker
// pool and reacts to soft blocks, hard errors, and pool exhaustion.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/harvestlab/qacrawl/internal/crawl"
	"github.com/harvestlab/qacrawl/internal/fetch"
	"github.com/harvestlab/qacrawl/internal/metrics"
	"github.com/harvestlab/qacrawl/internal/orchestrator"
	"github.com/harvestlab/qacrawl/internal/progress"
)

// ErrBackpressure signals that the rolling soft-block rate crossed the
// configured limit and the task was paused rather than hammered further.
var ErrBackpressure = errors.New("soft block rate exceeded")

// Config controls dispatch behavior.
type Config struct {
	// Workers bounds concurrent target drains per task.
	Workers int
	// SoftBlockEscalate is the per-target soft-block count that triggers
	// the heavy path.
	SoftBlockEscalate int
	// RateWindow is how many recent page outcomes the block-rate window
	// holds.
	RateWindow int
	// RateLimit is the soft-block fraction above which the task pauses.
	RateLimit float64
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SoftBlockEscalate <= 0 {
		c.SoftBlockEscalate = 3
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 50
	}
	if c.RateLimit <= 0 || c.RateLimit > 1 {
		c.RateLimit = 0.5
	}
}

// Controller drives one task at a time through its stages.
type Controller struct {
	store   crawl.Store
	engine  *fetch.Engine
	orch    *orchestrator.Orchestrator
	heavy   crawl.HeavyFetcher
	policy  *crawl.ExponentialRetryPolicy
	logger  *zap.Logger
	cfg     Config
	blocks  *rateWindow
	emitter progress.Emitter
}

// New builds a Controller. heavy may be nil when no browser is configured.
func New(
	store crawl.Store,
	engine *fetch.Engine,
	orch *orchestrator.Orchestrator,
	heavy crawl.HeavyFetcher,
	policy *crawl.ExponentialRetryPolicy,
	logger *zap.Logger,
	cfg Config,
) *Controller {
	cfg.applyDefaults()
	if policy == nil {
		policy = crawl.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Controller{
		store:  store,
		engine: engine,
		orch:   orch,
		heavy:  heavy,
		policy: policy,
		logger: logger,
		cfg:    cfg,
		blocks: newRateWindow(cfg.RateWindow, cfg.RateLimit),
	}
}

// SetEmitter attaches a progress emitter; pass nil to disable.
func (c *Controller) SetEmitter(e progress.Emitter) {
	c.emitter = e
}

// RunTask executes the task's remaining stages to completion. It is safe to
// call on a freshly submitted task or on one resumed mid-stage; persisted
// cursors decide where work picks up.
func (c *Controller) RunTask(ctx context.Context, taskID string) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	started := time.Now()
	c.emit(progress.Event{TaskID: taskID, Kind: progress.KindTaskStart})

	for {
		stage, ok := crawl.NextStage(task)
		if !ok {
			c.emit(progress.Event{TaskID: taskID, Kind: progress.KindTaskDone, Dur: time.Since(started)})
			return nil
		}
		if task, err = c.orch.BeginStage(ctx, taskID, stage); err != nil {
			return err
		}
		c.emit(progress.Event{TaskID: taskID, Kind: progress.KindStageStart, Stage: string(stage)})

		switch stage {
		case crawl.StageSearch:
			err = c.runSearch(ctx, taskID)
		case crawl.StageQA:
			err = c.runQA(ctx, task)
		}
		if err != nil {
			c.emit(progress.Event{
				TaskID: taskID,
				Kind:   progress.KindTaskError,
				Stage:  string(stage),
				Dur:    time.Since(started),
				Note:   err.Error(),
			})
			return c.closeStage(ctx, taskID, stage, err)
		}
		c.emit(progress.Event{TaskID: taskID, Kind: progress.KindStageDone, Stage: string(stage)})
		if task, err = c.orch.CompleteStage(ctx, taskID, stage); err != nil {
			return err
		}
	}
}

// closeStage records why a stage stopped. Interrupts and backpressure pause
// the task for a later resume; anything else fails the stage.
func (c *Controller) closeStage(ctx context.Context, taskID string, stage crawl.Stage, cause error) error {
	// the run context may already be canceled; state still has to land
	pctx := context.WithoutCancel(ctx)
	switch {
	case errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded):
		if _, err := c.orch.Interrupt(pctx, taskID, "interrupted"); err != nil {
			c.logger.Error("pause on interrupt failed", zap.String("task_id", taskID), zap.Error(err))
		}
	case errors.Is(cause, ErrBackpressure) || errors.Is(cause, crawl.ErrPoolExhausted):
		if _, err := c.orch.Interrupt(pctx, taskID, cause.Error()); err != nil {
			c.logger.Error("pause on backpressure failed", zap.String("task_id", taskID), zap.Error(err))
		}
	default:
		if _, err := c.orch.FailStage(pctx, taskID, stage, cause); err != nil {
			c.logger.Error("fail stage failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return cause
}

// runSearch drains the keyword listing, retrying hard errors and backing
// off through soft blocks. The search cursor persists across attempts.
func (c *Controller) runSearch(ctx context.Context, taskID string) error {
	softBlocks := 0
	for attempt := 0; ; {
		task, err := c.store.GetTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("reload task: %w", err)
		}
		res, err := c.engine.DrainSearch(ctx, task)
		c.observe(res)
		if res.Pages > 0 {
			c.emit(progress.Event{
				TaskID: taskID,
				Kind:   progress.KindPage,
				Stage:  string(crawl.StageSearch),
				Items:  res.Targets,
			})
		}
		if err != nil {
			if errors.Is(err, crawl.ErrPoolExhausted) {
				return err
			}
			if !c.policy.ShouldRetry(err, attempt) {
				return err
			}
			attempt++
			if serr := c.backoff(ctx, attempt); serr != nil {
				return serr
			}
			continue
		}
		if res.SoftBlocked {
			if c.blocks.Exceeded() {
				return ErrBackpressure
			}
			softBlocks++
			if softBlocks > c.policy.MaxAttempts() {
				// sustained blocking is backpressure, same as on the QA path:
				// pause the task instead of failing the stage
				return fmt.Errorf("search soft blocked %d times in a row: %w", softBlocks, ErrBackpressure)
			}
			if serr := c.backoff(ctx, softBlocks); serr != nil {
				return serr
			}
			continue
		}
		return nil
	}
}

// runQA drains every unprocessed target over a bounded worker group.
func (c *Controller) runQA(ctx context.Context, task crawl.Task) error {
	targets, err := c.store.UnprocessedTargets(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	if len(targets) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for _, target := range targets {
		g.Go(func() error {
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			return c.processTarget(gctx, task, target)
		})
	}
	return g.Wait()
}

// processTarget drains one target to completion, escalating to the heavy
// path after repeated soft blocks. A target that exhausts its retry budget
// is marked failed and skipped without failing the stage.
func (c *Controller) processTarget(ctx context.Context, task crawl.Task, target crawl.Target) error {
	if task.Spec.HeavyPath && c.heavy != nil {
		return c.escalate(ctx, task, target)
	}

	attempt := 0
	for {
		res, err := c.engine.DrainTarget(ctx, task, target)
		c.observe(res)
		if res.Pages > 0 {
			c.emit(progress.Event{
				TaskID:   task.ID,
				Kind:     progress.KindPage,
				Stage:    string(crawl.StageQA),
				TargetID: target.ID,
				Items:    res.Items,
			})
		}

		switch {
		case err != nil:
			if errors.Is(err, crawl.ErrPoolExhausted) ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			var failed bool
			target, failed, err = c.orch.RecordTargetFailure(ctx, target, err)
			if err != nil {
				return err
			}
			if failed {
				return nil
			}
			attempt++
			if serr := c.backoff(ctx, attempt); serr != nil {
				return serr
			}

		case res.SoftBlocked:
			c.emit(progress.Event{
				TaskID:   task.ID,
				Kind:     progress.KindSoftBlock,
				Stage:    string(crawl.StageQA),
				TargetID: target.ID,
			})
			if c.blocks.Exceeded() {
				return ErrBackpressure
			}
			if res.Pages > 0 {
				// page progress breaks the consecutive run
				if target, err = c.orch.ClearSoftBlocks(ctx, target); err != nil {
					return err
				}
			}
			target, err = c.orch.RecordSoftBlock(ctx, target)
			if err != nil {
				return err
			}
			if target.SoftBlocks >= c.cfg.SoftBlockEscalate {
				return c.escalate(ctx, task, target)
			}
			if serr := c.backoff(ctx, target.SoftBlocks); serr != nil {
				return serr
			}

		default:
			// Completed, or cut short by cancellation mid-loop
			return nil
		}

		// reload so a cursor advanced before a soft block is not refetched
		var gerr error
		target, gerr = c.store.GetTarget(ctx, task.ID, target.ID)
		if gerr != nil {
			return fmt.Errorf("reload target: %w", gerr)
		}
	}
}

// escalate hands the target to the headless browser path, which snapshots
// all remaining items in one pass.
func (c *Controller) escalate(ctx context.Context, task crawl.Task, target crawl.Target) error {
	if c.heavy == nil {
		_, failed, err := c.orch.RecordTargetFailure(ctx, target,
			fmt.Errorf("soft blocked %d times, heavy path unavailable", target.SoftBlocks))
		if err != nil {
			return err
		}
		if !failed {
			c.logger.Warn("target soft blocked without heavy path, will retry later",
				zap.String("task_id", task.ID),
				zap.String("target_id", target.ID),
			)
		}
		return nil
	}

	c.logger.Info("escalating target to heavy path",
		zap.String("task_id", task.ID),
		zap.String("target_id", target.ID),
		zap.Int("soft_blocks", target.SoftBlocks),
	)
	metrics.ObserveEscalation()
	c.emit(progress.Event{TaskID: task.ID, Kind: progress.KindEscalation, TargetID: target.ID})

	items, coverage, err := c.heavy.FetchAllItems(ctx, target)
	if err != nil {
		if _, _, rerr := c.orch.RecordTargetFailure(ctx, target, err); rerr != nil {
			return rerr
		}
		return nil
	}

	pctx := context.WithoutCancel(ctx)
	if _, err := c.engine.StoreItems(pctx, task.ID, target.ID, items); err != nil {
		return err
	}
	if err := c.store.MarkTargetProcessed(pctx, task.ID, target.ID); err != nil &&
		!errors.Is(err, crawl.ErrAlreadyProcessed) {
		return fmt.Errorf("mark target processed: %w", err)
	}
	if _, err := c.orch.ResetAfterEscalation(pctx, target); err != nil {
		return err
	}
	c.logger.Info("heavy path drained target",
		zap.String("target_id", target.ID),
		zap.Int("items", len(items)),
		zap.Float64("coverage", coverage),
	)
	return nil
}

func (c *Controller) emit(evt progress.Event) {
	if c.emitter == nil {
		return
	}
	evt.TS = time.Now().UTC()
	c.emitter.Emit(evt)
}

func (c *Controller) observe(res fetch.Result) {
	for i := 0; i < res.Pages; i++ {
		c.blocks.Observe(false)
	}
	if res.SoftBlocked {
		c.blocks.Observe(true)
	}
}

func (c *Controller) backoff(ctx context.Context, attempt int) error {
	delay := c.policy.Backoff(attempt - 1)
	metrics.ObserveBackoff(delay)
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff wait: %w", ctx.Err())
	case <-time.After(delay):
		return nil
	}
}
