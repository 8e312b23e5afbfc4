package crawl

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors raised across store and pool boundaries.
var (
	// ErrNotFound indicates a task or target is unknown to the store.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyProcessed indicates a processed-flag compare-and-set lost.
	ErrAlreadyProcessed = errors.New("target already processed")
	// ErrPoolExhausted indicates no usable credential exists and
	// replenishment is failing. Treated as global backpressure, not a crash.
	ErrPoolExhausted = errors.New("credential pool exhausted")
	// ErrInvalidTransition indicates a rejected stage state transition.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Store persists tasks, targets, and items. All writes are idempotent and
// safely retryable; progress reads reflect committed state only.
type Store interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, search, qa StageStatus, overall TaskStatus, errText string) error
	UpdateSearchCursor(ctx context.Context, taskID, cursor string) error

	// UpsertTarget is keyed by (task, target); re-discovering a known target
	// refreshes its advisory fields without touching cursor or flags.
	UpsertTarget(ctx context.Context, target Target) error
	GetTarget(ctx context.Context, taskID, targetID string) (Target, error)
	UnprocessedTargets(ctx context.Context, taskID string) ([]Target, error)
	UpdateTargetCursor(ctx context.Context, taskID, targetID, cursor string) error
	// MarkTargetProcessed flips processed from false to true and fails with
	// ErrAlreadyProcessed otherwise, so racing workers cannot double-advance.
	MarkTargetProcessed(ctx context.Context, taskID, targetID string) error
	UpdateTargetCounters(ctx context.Context, target Target) error

	// UpsertItems writes a batch idempotently, keyed by (target, item) and
	// content hash. Returns how many rows were newly written or changed.
	UpsertItems(ctx context.Context, items []Item) (int, error)
	// TaskProgress recomputes counters from committed rows.
	TaskProgress(ctx context.Context, taskID string) (TaskProgress, error)
}

// Transport performs one raw page request against the source.
type Transport interface {
	FetchPage(ctx context.Context, req PageRequest) ([]byte, error)
}

// PageParser interprets one raw page payload. Pluggable per stage.
type PageParser interface {
	Parse(payload []byte) (Page, error)
}

// Lease is an exclusive hold on one credential. Exactly one Report call
// releases it back to the pool with outcome feedback.
type Lease interface {
	Credential() Credential
	// Report releases the lease. invalidated forces immediate retirement
	// regardless of counters (explicit auth rejection from the source).
	Report(success bool, invalidated bool)
}

// Pool leases credentials to workers, one holder per credential at a time.
type Pool interface {
	Lease(ctx context.Context) (Lease, error)
}

// Minter produces a new credential, typically via browser automation. Slow;
// callers must not hold pool locks across a Mint call.
type Minter interface {
	Mint(ctx context.Context) (Credential, error)
}

// HeavyFetcher retrieves a target's items through the browser fallback path.
// One opaque long-running call; returns the fraction of the advisory
// expected count that was actually recovered.
type HeavyFetcher interface {
	FetchAllItems(ctx context.Context, target Target) ([]Item, float64, error)
}

// Archive writes raw page payloads and returns a URI.
type Archive interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes crawl events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests for item dedup.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
