package domain

import (
	"slices"
	"time"
)

// Lane is one state of the closed board workflow.
type Lane string

const (
	LaneBacklog    Lane = "backlog"
	LaneTodo       Lane = "todo"
	LaneInProgress Lane = "in_progress"
	LaneDone       Lane = "done"
	LaneRecovery   Lane = "recovery"
)

// lanes is the stable display order used whenever lanes are flattened.
var lanes = []Lane{LaneBacklog, LaneTodo, LaneInProgress, LaneDone, LaneRecovery}

// Lanes returns every lane in board order.
func Lanes() []Lane { return slices.Clone(lanes) }

func (l Lane) Valid() bool { return slices.Contains(lanes, l) }

// Priority ranks a task.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// Priorities returns every priority from lowest to highest.
func Priorities() []Priority { return slices.Clone(priorities) }

func (p Priority) Valid() bool { return slices.Contains(priorities, p) }

// Rank orders priorities; unknown values rank below low.
func (p Priority) Rank() int { return slices.Index(priorities, p) }

// Task represents one unit of work on the board.
type Task struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Lane           Lane      `json:"lane"`
	Priority       Priority  `json:"priority"`
	EstimatedHours *float64  `json:"estimatedHours"`
	Tags           []string  `json:"tags"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	c := t
	if t.EstimatedHours != nil {
		h := *t.EstimatedHours
		c.EstimatedHours = &h
	}
	c.Tags = slices.Clone(t.Tags)
	if c.Tags == nil {
		c.Tags = []string{}
	}
	return c
}

// Hours returns the estimate, zero when the task is unestimated.
func (t Task) Hours() float64 {
	if t.EstimatedHours == nil {
		return 0
	}
	return *t.EstimatedHours
}

// NewTask builds a task from caller supplied fields. Every field is
// sanitized; omitted optional fields receive their defaults.
func NewTask(id string, f TaskFields, now time.Time) (Task, error) {
	if err := ValidateTaskID(id); err != nil {
		return Task{}, err
	}
	p, err := f.validate()
	if err != nil {
		return Task{}, err
	}
	if p.title == nil {
		return Task{}, newValidationError("title", "is required")
	}
	t := Task{
		ID:        id,
		Title:     *p.title,
		Lane:      LaneBacklog,
		Priority:  PriorityMedium,
		Tags:      []string{},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.applyTo(&t)
	return t, nil
}

// Apply returns a copy of t with the present fields of f revalidated and
// applied. The version is incremented and UpdatedAt refreshed.
func (t Task) Apply(f TaskFields, now time.Time) (Task, error) {
	p, err := f.validate()
	if err != nil {
		return Task{}, err
	}
	if p.empty() {
		return Task{}, &ValidationError{Message: "update contains no fields"}
	}
	if p.expectedVersion != nil && *p.expectedVersion != t.Version {
		return Task{}, &VersionConflictError{TaskID: t.ID, Expected: *p.expectedVersion, Actual: t.Version}
	}
	next := t.Clone()
	p.applyTo(&next)
	next.Version = t.Version + 1
	if !now.After(t.UpdatedAt) {
		now = t.UpdatedAt.Add(time.Nanosecond)
	}
	next.UpdatedAt = now
	return next, nil
}

// TaskMutation transforms the current stored task into its next state.
// Storage adapters run it inside their per-row atomic section and may call
// it more than once when retrying after a concurrency conflict.
type TaskMutation func(current Task) (Task, error)

// TaskChange is the before and after state of one persisted mutation.
type TaskChange struct {
	Before Task
	After  Task
}

// ChangedFields lists the user-visible fields that differ between Before
// and After.
func (c TaskChange) ChangedFields() []string {
	var out []string
	b, a := c.Before, c.After
	if b.Title != a.Title {
		out = append(out, "title")
	}
	if b.Description != a.Description {
		out = append(out, "description")
	}
	if b.Lane != a.Lane {
		out = append(out, "lane")
	}
	if b.Priority != a.Priority {
		out = append(out, "priority")
	}
	if b.Hours() != a.Hours() || (b.EstimatedHours == nil) != (a.EstimatedHours == nil) {
		out = append(out, "estimatedHours")
	}
	if !slices.Equal(b.Tags, a.Tags) {
		out = append(out, "tags")
	}
	return out
}
