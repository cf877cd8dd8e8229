package tasks

import (
	"fmt"
	"time"
)

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusInProgress Status = "in_progress"
	StatusVerifying  Status = "verifying"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
)

var validStatuses = map[Status]bool{
	StatusBacklog:    true,
	StatusInProgress: true,
	StatusVerifying:  true,
	StatusDone:       true,
	StatusBlocked:    true,
}

// ValidStatus returns true if s is a recognized Status.
func ValidStatus(s Status) bool {
	return validStatuses[s]
}

// legalTransitions enumerates the permitted status changes. Done and blocked
// are terminal except for an explicit requeue back to backlog.
var legalTransitions = map[Status][]Status{
	StatusBacklog:    {StatusInProgress},
	StatusInProgress: {StatusVerifying, StatusBlocked, StatusBacklog, StatusInProgress},
	StatusVerifying:  {StatusDone, StatusInProgress, StatusBlocked},
	StatusDone:       {StatusBacklog},
	StatusBlocked:    {StatusBacklog},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Task is a discrete unit of work within a project. The logs index holds its
// per-attempt log entries; they are not embedded here so tasks.json stays
// small and agent-editable.
type Task struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	AcceptanceCriteria []string   `json:"acceptanceCriteria"`
	Priority           int        `json:"priority"`
	Status             Status     `json:"status"`
	Attempts           int        `json:"attempts"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	VerifyingAt        *time.Time `json:"verifyingAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// LogEntry records one agent attempt against a task.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	FilePath  string    `json:"filePath"`
	Summary   string    `json:"summary"`
	Success   bool      `json:"success"`
}

// Start moves a task into in_progress for a new attempt: increments the
// attempt counter, stamps startedAt if unset, and clears the verification
// and completion timestamps.
func (t *Task) Start(now time.Time) error {
	if !CanTransition(t.Status, StatusInProgress) {
		return transitionErr(t, StatusInProgress)
	}
	t.Status = StatusInProgress
	t.Attempts++
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.VerifyingAt = nil
	t.CompletedAt = nil
	t.UpdatedAt = now
	return nil
}

// MarkVerifying moves an in_progress task into verification.
func (t *Task) MarkVerifying(now time.Time) error {
	if !CanTransition(t.Status, StatusVerifying) {
		return transitionErr(t, StatusVerifying)
	}
	t.Status = StatusVerifying
	t.VerifyingAt = &now
	t.UpdatedAt = now
	return nil
}

// MarkDone completes a task after a passed verification.
func (t *Task) MarkDone(now time.Time) error {
	if !CanTransition(t.Status, StatusDone) {
		return transitionErr(t, StatusDone)
	}
	t.Status = StatusDone
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// MarkBlocked terminates a task whose retries are exhausted or whose agent
// reported an irrecoverable blocker. completedAt records when it stalled.
func (t *Task) MarkBlocked(now time.Time) error {
	if !CanTransition(t.Status, StatusBlocked) {
		return transitionErr(t, StatusBlocked)
	}
	t.Status = StatusBlocked
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// Requeue puts a task that failed verification back into in_progress without
// touching startedAt; the next loop iteration retries it.
func (t *Task) Requeue(now time.Time) error {
	if !CanTransition(t.Status, StatusInProgress) {
		return transitionErr(t, StatusInProgress)
	}
	t.Status = StatusInProgress
	t.VerifyingAt = nil
	t.CompletedAt = nil
	t.UpdatedAt = now
	return nil
}

// Reset reverts an interrupted task to backlog with all transition
// timestamps cleared. Used when a stop cancels the running agent.
func (t *Task) Reset(now time.Time) {
	t.Status = StatusBacklog
	t.StartedAt = nil
	t.VerifyingAt = nil
	t.CompletedAt = nil
	t.UpdatedAt = now
}

func transitionErr(t *Task, to Status) error {
	return fmt.Errorf("task %s: illegal transition %s → %s", t.ID, t.Status, to)
}

// Next picks the task the orchestrator should work on: an interrupted
// in_progress task first, then one awaiting re-verification, then the
// lowest-priority backlog task. Ties keep list order. Returns the index into
// ts, or -1 when nothing is runnable.
func Next(ts []Task) int {
	for i := range ts {
		if ts[i].Status == StatusInProgress {
			return i
		}
	}
	for i := range ts {
		if ts[i].Status == StatusVerifying {
			return i
		}
	}
	best := -1
	for i := range ts {
		if ts[i].Status != StatusBacklog {
			continue
		}
		if best < 0 || ts[i].Priority < ts[best].Priority {
			best = i
		}
	}
	return best
}

// CountByStatus tallies tasks per status.
func CountByStatus(ts []Task) map[Status]int {
	counts := make(map[Status]int)
	for _, t := range ts {
		counts[t.Status]++
	}
	return counts
}
