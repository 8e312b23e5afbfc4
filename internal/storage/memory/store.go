// Package memory provides an in-memory crawl.Store for tests and dev runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harvestlab/qacrawl/internal/crawl"
)

// Store keeps all crawl state in process memory.
type Store struct {
	mu          sync.Mutex
	tasks       map[string]crawl.Task
	targets     map[string]map[string]crawl.Target
	targetOrder map[string][]string
	items       map[string]map[string]crawl.Item
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tasks:       make(map[string]crawl.Task),
		targets:     make(map[string]map[string]crawl.Target),
		targetOrder: make(map[string][]string),
		items:       make(map[string]map[string]crawl.Item),
	}
}

// CreateTask registers a new task.
func (s *Store) CreateTask(_ context.Context, task crawl.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task
	return nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(_ context.Context, taskID string) (crawl.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return crawl.Task{}, crawl.ErrNotFound
	}
	return task, nil
}

// UpdateTaskStatus sets stage and overall statuses.
func (s *Store) UpdateTaskStatus(_ context.Context, taskID string, search, qa crawl.StageStatus, overall crawl.TaskStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return crawl.ErrNotFound
	}
	task.SearchStatus = search
	task.QAStatus = qa
	task.Status = overall
	task.ErrorText = errText
	task.Updated = time.Now().UTC()
	s.tasks[taskID] = task
	return nil
}

// UpdateSearchCursor advances the search-stage cursor.
func (s *Store) UpdateSearchCursor(_ context.Context, taskID, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return crawl.ErrNotFound
	}
	task.SearchCursor = cursor
	task.Updated = time.Now().UTC()
	s.tasks[taskID] = task
	return nil
}

// UpsertTarget inserts a discovered target. Re-discovery refreshes the
// listing metadata but never resets crawl progress.
func (s *Store) UpsertTarget(_ context.Context, target crawl.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.targets[target.TaskID]
	if !ok {
		byID = make(map[string]crawl.Target)
		s.targets[target.TaskID] = byID
	}
	if existing, ok := byID[target.ID]; ok {
		existing.Title = target.Title
		existing.ExpectedItems = target.ExpectedItems
		byID[target.ID] = existing
		return nil
	}
	byID[target.ID] = target
	s.targetOrder[target.TaskID] = append(s.targetOrder[target.TaskID], target.ID)
	return nil
}

// GetTarget returns one target.
func (s *Store) GetTarget(_ context.Context, taskID, targetID string) (crawl.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[taskID][targetID]
	if !ok {
		return crawl.Target{}, crawl.ErrNotFound
	}
	return target, nil
}

// UnprocessedTargets lists unfinished, unfailed targets in discovery order.
func (s *Store) UnprocessedTargets(_ context.Context, taskID string) ([]crawl.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawl.Target
	for _, id := range s.targetOrder[taskID] {
		target := s.targets[taskID][id]
		if !target.Processed && !target.Failed {
			out = append(out, target)
		}
	}
	return out, nil
}

// UpdateTargetCursor advances one target's cursor.
func (s *Store) UpdateTargetCursor(_ context.Context, taskID, targetID, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[taskID][targetID]
	if !ok {
		return crawl.ErrNotFound
	}
	target.Cursor = cursor
	s.targets[taskID][targetID] = target
	return nil
}

// MarkTargetProcessed flips the processed flag exactly once.
func (s *Store) MarkTargetProcessed(_ context.Context, taskID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[taskID][targetID]
	if !ok {
		return crawl.ErrNotFound
	}
	if target.Processed {
		return crawl.ErrAlreadyProcessed
	}
	target.Processed = true
	s.targets[taskID][targetID] = target
	return nil
}

// UpdateTargetCounters persists retry and block accounting.
func (s *Store) UpdateTargetCounters(_ context.Context, target crawl.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.targets[target.TaskID][target.ID]
	if !ok {
		return crawl.ErrNotFound
	}
	existing.SoftBlocks = target.SoftBlocks
	existing.Retries = target.Retries
	existing.Failed = target.Failed
	existing.Escalated = target.Escalated
	existing.LastError = target.LastError
	s.targets[target.TaskID][target.ID] = existing
	return nil
}

// UpsertItems stores items, deduplicating by id and content hash. Returns
// how many rows were inserted or materially changed.
func (s *Store) UpsertItems(_ context.Context, items []crawl.Item) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, item := range items {
		byID, ok := s.items[item.TaskID]
		if !ok {
			byID = make(map[string]crawl.Item)
			s.items[item.TaskID] = byID
		}
		existing, ok := byID[item.ID]
		if ok && existing.Hash == item.Hash {
			continue
		}
		byID[item.ID] = item
		changed++
	}
	return changed, nil
}

// TaskProgress summarizes targets and items for one task.
func (s *Store) TaskProgress(_ context.Context, taskID string) (crawl.TaskProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return crawl.TaskProgress{}, crawl.ErrNotFound
	}
	var p crawl.TaskProgress
	for _, target := range s.targets[taskID] {
		p.TargetsTotal++
		if target.Processed {
			p.TargetsProcessed++
		}
		if target.Failed {
			p.TargetsFailed++
		}
	}
	p.ItemsTotal = len(s.items[taskID])
	return p, nil
}

// ItemCount reports stored items for one task (test helper).
func (s *Store) ItemCount(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items[taskID])
}
