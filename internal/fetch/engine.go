// Package fetch implements the paginated fetch-and-dedup engine.
//
// One engine call drains a single target (or the search listing) page by
// page: lease a credential, fetch, parse, classify, persist, advance the
// cursor. The cursor only moves after the page's items are stored, so a
// crash between pages never loses or skips data.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harvestlab/qacrawl/internal/crawl"
	"github.com/harvestlab/qacrawl/internal/metrics"
)

// Config controls per-target drain behavior.
type Config struct {
	// MaxPages caps pages drained from one target. Hitting the cap closes
	// the target with a warning rather than failing the task.
	MaxPages int
	// PageTimeout bounds one fetch round trip.
	PageTimeout time.Duration
	// ArchivePrefix is the blob path prefix for raw payloads.
	ArchivePrefix string
}

// Result summarizes one drain call.
type Result struct {
	Pages       int
	Items       int
	Targets     int
	SoftBlocked bool
	Completed   bool
}

// Engine drains paginated listings into the store.
type Engine struct {
	store     crawl.Store
	transport crawl.Transport
	pool      crawl.Pool
	feeds     crawl.PageParser
	search    crawl.PageParser
	detector  Detector
	hasher    crawl.Hasher
	archive   crawl.Archive
	logger    *zap.Logger
	cfg       Config
}

// NewEngine builds an Engine. archive may be nil to skip raw archival.
func NewEngine(
	store crawl.Store,
	transport crawl.Transport,
	pool crawl.Pool,
	hasher crawl.Hasher,
	archive crawl.Archive,
	logger *zap.Logger,
	cfg Config,
) *Engine {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 500
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "pages"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Engine{
		store:     store,
		transport: transport,
		pool:      pool,
		feeds:     FeedParser{},
		search:    SearchParser{},
		hasher:    hasher,
		archive:   archive,
		logger:    logger,
		cfg:       cfg,
	}
}

// DrainTarget pulls the remaining pages of one target starting from its
// saved cursor. Returns with SoftBlocked set (and a nil error) when the
// upstream silently degrades; the caller decides how to react.
func (e *Engine) DrainTarget(ctx context.Context, task crawl.Task, target crawl.Target) (Result, error) {
	var res Result
	cursor := target.Cursor
	log := e.logger.With(
		zap.String("task_id", task.ID),
		zap.String("target_id", target.ID),
	)

	for pageNum := 0; ; pageNum++ {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("drain target: %w", err)
		}
		if pageNum >= e.cfg.MaxPages {
			log.Warn("page cap reached, closing target", zap.Int("pages", pageNum))
			if err := e.markProcessed(ctx, task.ID, target.ID); err != nil {
				return res, err
			}
			res.Completed = true
			return res, nil
		}

		req := crawl.PageRequest{
			Stage:    crawl.StageQA,
			TaskID:   task.ID,
			TargetID: target.ID,
			Cursor:   cursor,
		}
		page, payload, err := e.fetchOne(ctx, req)
		if err != nil {
			metrics.ObservePage(string(crawl.StageQA), "error")
			return res, err
		}
		if e.detector.Classify(page, nil).Kind == crawl.OutcomeSoftBlocked {
			metrics.ObservePage(string(crawl.StageQA), "soft_block")
			metrics.ObserveSoftBlock(string(crawl.StageQA))
			log.Warn("soft block detected", zap.String("cursor", cursor))
			res.SoftBlocked = true
			return res, nil
		}

		// finish persisting the in-flight page even if the run is being
		// interrupted; the next loop iteration observes the cancellation
		pctx := context.WithoutCancel(ctx)

		items, err := e.stampItems(page.Items, task.ID, target.ID)
		if err != nil {
			return res, err
		}
		added, err := e.store.UpsertItems(pctx, items)
		if err != nil {
			return res, fmt.Errorf("store page items: %w", err)
		}
		e.archivePayload(pctx, task.ID, crawl.StageQA, target.ID, pageNum, payload)
		if err := e.store.UpdateTargetCursor(pctx, task.ID, target.ID, page.NextCursor); err != nil {
			return res, fmt.Errorf("advance target cursor: %w", err)
		}
		cursor = page.NextCursor
		res.Pages++
		res.Items += added
		metrics.ObservePage(string(crawl.StageQA), "ok")
		metrics.ObserveItemsStored(added)

		if page.ExpectedTotal > 0 && target.ExpectedItems > 0 &&
			page.ExpectedTotal != target.ExpectedItems {
			log.Debug("expected item count drifted",
				zap.Int("listed", target.ExpectedItems),
				zap.Int("reported", page.ExpectedTotal),
			)
		}

		if page.IsEnd {
			if err := e.markProcessed(pctx, task.ID, target.ID); err != nil {
				return res, err
			}
			res.Completed = true
			log.Info("target drained",
				zap.Int("pages", res.Pages),
				zap.Int("items", res.Items),
			)
			return res, nil
		}
	}
}

// DrainSearch pulls the keyword-search listing from the task's saved search
// cursor, upserting discovered targets.
func (e *Engine) DrainSearch(ctx context.Context, task crawl.Task) (Result, error) {
	var res Result
	cursor := task.SearchCursor
	log := e.logger.With(zap.String("task_id", task.ID))

	for pageNum := 0; ; pageNum++ {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("drain search: %w", err)
		}
		if pageNum >= e.cfg.MaxPages {
			log.Warn("search page cap reached", zap.Int("pages", pageNum))
			res.Completed = true
			return res, nil
		}

		req := crawl.PageRequest{
			Stage:    crawl.StageSearch,
			TaskID:   task.ID,
			Keywords: task.Spec.Keywords,
			Cursor:   cursor,
		}
		page, payload, err := e.fetchSearchPage(ctx, req)
		if err != nil {
			metrics.ObservePage(string(crawl.StageSearch), "error")
			return res, err
		}
		if e.detector.Classify(page, nil).Kind == crawl.OutcomeSoftBlocked {
			metrics.ObservePage(string(crawl.StageSearch), "soft_block")
			metrics.ObserveSoftBlock(string(crawl.StageSearch))
			log.Warn("soft block detected on search", zap.String("cursor", cursor))
			res.SoftBlocked = true
			return res, nil
		}

		pctx := context.WithoutCancel(ctx)

		for _, target := range page.Targets {
			target.TaskID = task.ID
			target.DiscoveredAt = time.Now().UTC()
			if err := e.store.UpsertTarget(pctx, target); err != nil {
				return res, fmt.Errorf("store discovered target: %w", err)
			}
			res.Targets++
		}
		e.archivePayload(pctx, task.ID, crawl.StageSearch, "search", pageNum, payload)
		if err := e.store.UpdateSearchCursor(pctx, task.ID, page.NextCursor); err != nil {
			return res, fmt.Errorf("advance search cursor: %w", err)
		}
		cursor = page.NextCursor
		res.Pages++
		metrics.ObservePage(string(crawl.StageSearch), "ok")

		if page.IsEnd {
			res.Completed = true
			log.Info("search drained",
				zap.Int("pages", res.Pages),
				zap.Int("targets", res.Targets),
			)
			return res, nil
		}
	}
}

// fetchOne leases a credential, performs one feed fetch, and reports the
// outcome back to the pool.
func (e *Engine) fetchOne(ctx context.Context, req crawl.PageRequest) (crawl.Page, []byte, error) {
	return e.fetchWith(ctx, req, e.feeds)
}

func (e *Engine) fetchSearchPage(ctx context.Context, req crawl.PageRequest) (crawl.Page, []byte, error) {
	return e.fetchWith(ctx, req, e.search)
}

func (e *Engine) fetchWith(ctx context.Context, req crawl.PageRequest, parser crawl.PageParser) (crawl.Page, []byte, error) {
	lease, err := e.pool.Lease(ctx)
	if err != nil {
		return crawl.Page{}, nil, fmt.Errorf("lease credential: %w", err)
	}
	req.Credential = lease.Credential()

	fctx, cancel := context.WithTimeout(ctx, e.cfg.PageTimeout)
	payload, err := e.transport.FetchPage(fctx, req)
	cancel()
	if err != nil {
		lease.Report(false, IsCredentialRejected(err))
		return crawl.Page{}, nil, fmt.Errorf("fetch page: %w", err)
	}

	page, err := parser.Parse(payload)
	if err != nil {
		lease.Report(false, false)
		return crawl.Page{}, nil, err
	}

	// a soft block counts against the credential without invalidating it
	soft := e.detector.Classify(page, nil).Kind == crawl.OutcomeSoftBlocked
	lease.Report(!soft, false)
	return page, payload, nil
}

// StoreItems stamps and persists items gathered outside the page loop,
// such as a heavy-path snapshot. Returns how many rows changed.
func (e *Engine) StoreItems(ctx context.Context, taskID, targetID string, items []crawl.Item) (int, error) {
	stamped, err := e.stampItems(items, taskID, targetID)
	if err != nil {
		return 0, err
	}
	added, err := e.store.UpsertItems(ctx, stamped)
	if err != nil {
		return 0, fmt.Errorf("store items: %w", err)
	}
	metrics.ObserveItemsStored(added)
	return added, nil
}

// stampItems fills ownership and dedup fields on parsed items.
func (e *Engine) stampItems(items []crawl.Item, taskID, targetID string) ([]crawl.Item, error) {
	out := make([]crawl.Item, 0, len(items))
	for _, item := range items {
		hash, err := e.hasher.Hash([]byte(item.Author + "\x00" + item.Content))
		if err != nil {
			return nil, fmt.Errorf("hash item: %w", err)
		}
		item.Hash = hash
		item.TaskID = taskID
		item.TargetID = targetID
		if item.ID == "" {
			item.ID = hash
		}
		out = append(out, item)
	}
	return out, nil
}

func (e *Engine) markProcessed(ctx context.Context, taskID, targetID string) error {
	err := e.store.MarkTargetProcessed(ctx, taskID, targetID)
	if err != nil && !errors.Is(err, crawl.ErrAlreadyProcessed) {
		return fmt.Errorf("mark target processed: %w", err)
	}
	return nil
}

func (e *Engine) archivePayload(ctx context.Context, taskID string, stage crawl.Stage, key string, pageNum int, payload []byte) {
	if e.archive == nil {
		return
	}
	path := fmt.Sprintf("%s/%s/%s/%s/%06d.json", e.cfg.ArchivePrefix, taskID, stage, key, pageNum)
	if _, err := e.archive.Put(ctx, path, "application/json", payload); err != nil {
		e.logger.Warn("archive page payload failed", zap.String("path", path), zap.Error(err))
	}
}
