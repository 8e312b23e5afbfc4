// Package crawl defines core types shared across subsystems.
package crawl

import (
	"time"
)

// TaskStatus represents the overall lifecycle state of a crawl task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Stage identifies one of the two sequential phases of a task.
type Stage string

// Stage values. Search discovers targets; QA drains each target's items.
const (
	StageSearch Stage = "search"
	StageQA     Stage = "qa"
)

// StageStatus tracks one stage's progress independently of the other.
type StageStatus string

// Stage status values. A task is completed only when both stages are.
const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StagePaused    StageStatus = "paused"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// TaskSpec captures the user intent behind a task: what to search for and
// over which publication window.
type TaskSpec struct {
	Keywords  []string  `json:"keywords"`
	DateFrom  time.Time `json:"date_from"`
	DateTo    time.Time `json:"date_to"`
	MaxPages  int       `json:"max_pages,omitempty"`
	HeavyPath bool      `json:"heavy_path,omitempty"`
}

// TaskProgress holds the durably committed progress counters for a task.
// Counters reflect persisted state only, never in-flight work.
type TaskProgress struct {
	TargetsTotal     int `json:"targets_total"`
	TargetsProcessed int `json:"targets_processed"`
	TargetsFailed    int `json:"targets_failed"`
	ItemsTotal       int `json:"items_total"`
}

// Task represents the metadata persisted for each submitted crawl request.
type Task struct {
	ID           string       `json:"id"`
	Spec         TaskSpec     `json:"spec"`
	Status       TaskStatus   `json:"status"`
	SearchStatus StageStatus  `json:"search_status"`
	QAStatus     StageStatus  `json:"qa_status"`
	SearchCursor string       `json:"search_cursor,omitempty"`
	Progress     TaskProgress `json:"progress"`
	ErrorText    string       `json:"error_text,omitempty"`
	Submitted    time.Time    `json:"submitted_at"`
	Updated      time.Time    `json:"updated_at"`
}

// Target is one discovered question whose items must be paginated to
// completion. ExpectedItems is the count the source reports; it drifts and is
// advisory only; completion is decided by the pagination end marker.
type Target struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	Title         string    `json:"title,omitempty"`
	ExpectedItems int       `json:"expected_items"`
	Cursor        string    `json:"cursor"`
	Processed     bool      `json:"processed"`
	SoftBlocks    int       `json:"soft_blocks"`
	Retries       int       `json:"retries"`
	Failed        bool      `json:"failed"`
	Escalated     bool      `json:"escalated"`
	LastError     string    `json:"last_error,omitempty"`
	DiscoveredAt  time.Time `json:"discovered_at"`
}

// Item is one retrieved answer within a target. Hash is the content digest
// used for dedup; re-upserting an unchanged item is a no-op.
type Item struct {
	ID           string    `json:"id"`
	TargetID     string    `json:"target_id"`
	TaskID       string    `json:"task_id"`
	Author       string    `json:"author,omitempty"`
	Content      string    `json:"content"`
	VoteCount    int       `json:"vote_count"`
	CommentCount int       `json:"comment_count"`
	CreatedAt    time.Time `json:"created_at"`
	Hash         string    `json:"hash"`
}

// CredentialState is the pool manager's view of a credential's health.
type CredentialState string

// Credential states. Only fresh and active credentials are leased out.
const (
	CredentialFresh    CredentialState = "fresh"
	CredentialActive   CredentialState = "active"
	CredentialDegraded CredentialState = "degraded"
	CredentialRetired  CredentialState = "retired"
)

// Credential is a perishable access token. Owned by the pool manager;
// workers only ever see a leased copy and report outcomes back.
type Credential struct {
	Token       string          `json:"token"`
	State       CredentialState `json:"state"`
	MintedAt    time.Time       `json:"minted_at"`
	LastUsed    time.Time       `json:"last_used"`
	Successes   int             `json:"successes"`
	Failures    int             `json:"failures"`
	Consecutive int             `json:"consecutive_failures"`
}

// Score is the rolling success ratio used for lease selection. An unused
// credential scores 1.0 so fresh mints are tried first.
func (c Credential) Score() float64 {
	total := c.Successes + c.Failures
	if total == 0 {
		return 1.0
	}
	return float64(c.Successes) / float64(total)
}

// Usable reports whether the credential may be leased.
func (c Credential) Usable() bool {
	return c.State == CredentialFresh || c.State == CredentialActive
}

// OutcomeKind tags the result of one fetch call.
type OutcomeKind int

// Fetch outcome kinds. SoftBlocked is a nominally successful response that
// carries no real data; it must never be read as end-of-data.
const (
	OutcomeOK OutcomeKind = iota
	OutcomeSoftBlocked
	OutcomeHardError
)

// String returns the lowercase label for metrics and logs.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeSoftBlocked:
		return "soft_blocked"
	case OutcomeHardError:
		return "hard_error"
	default:
		return "unknown"
	}
}

// FetchOutcome is the contract value passed from the fetch engine to the
// controller and pool manager. It is never persisted.
type FetchOutcome struct {
	Kind       OutcomeKind
	Items      []Item
	NextCursor string
	IsEnd      bool
	Err        error
}

// Page is one parsed page payload as returned by a PageParser. Search pages
// fill Targets, item pages fill Items. CorrelationID is the source's
// per-request session token; its absence on an empty page signals a soft
// block rather than genuine end-of-data.
type Page struct {
	Items         []Item
	Targets       []Target
	NextCursor    string
	IsEnd         bool
	CorrelationID string
	ExpectedTotal int
}

// PageRequest captures everything needed to fetch one page.
type PageRequest struct {
	Stage      Stage
	TaskID     string
	TargetID   string
	Keywords   []string
	Cursor     string
	Credential Credential
}
