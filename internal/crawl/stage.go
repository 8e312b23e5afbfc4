package crawl

import "fmt"

// stageTransitions is the finite transition table for one stage track.
// paused and failed stages may re-enter running on resume; completed is
// terminal.
var stageTransitions = map[StageStatus][]StageStatus{
	StagePending:   {StageRunning},
	StageRunning:   {StagePaused, StageCompleted, StageFailed},
	StagePaused:    {StageRunning},
	StageFailed:    {StageRunning},
	StageCompleted: {},
}

// CanTransition reports whether from -> to is a legal stage transition.
func CanTransition(from, to StageStatus) bool {
	for _, next := range stageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and returns the new status, or ErrInvalidTransition.
func Transition(from, to StageStatus) (StageStatus, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}

// taskTransitions is the finite transition table for the overall task
// status. Mirrors the stage table: paused and failed tasks can resume.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:   {TaskStatusRunning},
	TaskStatusRunning:   {TaskStatusPaused, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusPaused:    {TaskStatusRunning},
	TaskStatusFailed:    {TaskStatusRunning},
	TaskStatusCompleted: {},
}

// TransitionTask validates and returns the new overall status, or
// ErrInvalidTransition.
func TransitionTask(from, to TaskStatus) (TaskStatus, error) {
	for _, next := range taskTransitions[from] {
		if next == to {
			return to, nil
		}
	}
	return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// OverallStatus derives the task status from its two stage tracks. The task
// is completed iff both stages are completed.
func OverallStatus(search, qa StageStatus) TaskStatus {
	switch {
	case search == StageCompleted && qa == StageCompleted:
		return TaskStatusCompleted
	case search == StageFailed || qa == StageFailed:
		return TaskStatusFailed
	case search == StageRunning || qa == StageRunning:
		return TaskStatusRunning
	case search == StagePaused || qa == StagePaused:
		return TaskStatusPaused
	default:
		return TaskStatusPending
	}
}

// NextStage returns the stage that should run for the given task, or false
// when both stages are complete.
func NextStage(task Task) (Stage, bool) {
	if task.SearchStatus != StageCompleted {
		return StageSearch, true
	}
	if task.QAStatus != StageCompleted {
		return StageQA, true
	}
	return "", false
}
