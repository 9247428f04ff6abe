package domain

import "time"

// Board mutation event types.
const (
	TaskCreated = "task:created"
	TaskUpdated = "task:updated"
	TaskMoved   = "task:moved"
	TaskDeleted = "task:deleted"

	// AllEvents subscribes to every event type.
	AllEvents = "*"
)

// EventTypes lists the mutation events the board emits.
func EventTypes() []string {
	return []string{TaskCreated, TaskUpdated, TaskMoved, TaskDeleted}
}

// Event is a board mutation emitted after a successful write.
type Event struct {
	Type      string    `json:"type"`
	BoardID   string    `json:"boardId,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskEventData is the payload of task:created and task:updated.
type TaskEventData struct {
	Task    Task     `json:"task"`
	Changes []string `json:"changes,omitempty"`
}

// TaskMovedData is the payload of task:moved.
type TaskMovedData struct {
	Task    Task `json:"task"`
	OldLane Lane `json:"oldLane"`
	NewLane Lane `json:"newLane"`
}

// TaskDeletedData is the payload of task:deleted.
type TaskDeletedData struct {
	TaskID string `json:"taskId"`
}
