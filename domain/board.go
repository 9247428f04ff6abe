package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"
)

// BoardInfo identifies a board record in storage.
type BoardInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Board groups every task by lane. It is a read view rebuilt from storage;
// a task appears in exactly one lane, the one named by its Lane field.
type Board struct {
	Info  BoardInfo
	lanes map[Lane][]Task
}

// NewBoard returns an empty board with every lane present.
func NewBoard(info BoardInfo) *Board {
	b := &Board{Info: info, lanes: make(map[Lane][]Task, len(lanes))}
	for _, l := range lanes {
		b.lanes[l] = []Task{}
	}
	return b
}

// BoardFromTasks places tasks into their lanes. Within a lane tasks are
// ordered by creation time, then by ID. Duplicate IDs keep the first copy.
func BoardFromTasks(info BoardInfo, tasks []Task) *Board {
	b := NewBoard(info)
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if _, dup := seen[t.ID]; dup || !t.Lane.Valid() {
			continue
		}
		seen[t.ID] = struct{}{}
		b.lanes[t.Lane] = append(b.lanes[t.Lane], t.Clone())
	}
	for _, l := range lanes {
		SortTasks(b.lanes[l])
	}
	return b
}

// BoardFromLanes builds a board from a lane grouping as returned by storage.
// Tasks are re-placed by their own Lane field.
func BoardFromLanes(info BoardInfo, grouped map[Lane][]Task) *Board {
	var all []Task
	for _, l := range lanes {
		all = append(all, grouped[l]...)
	}
	return BoardFromTasks(info, all)
}

// SortTasks orders tasks by creation time, then ID.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// AllTasks flattens the board in lane order.
func (b *Board) AllTasks() []Task {
	out := make([]Task, 0, b.Count())
	for _, l := range lanes {
		for _, t := range b.lanes[l] {
			out = append(out, t.Clone())
		}
	}
	return out
}

// TasksInLane returns the tasks in lane l, nil for an unknown lane.
func (b *Board) TasksInLane(l Lane) []Task {
	tasks, ok := b.lanes[l]
	if !ok {
		return nil
	}
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

// Find returns the task with the given ID.
func (b *Board) Find(id string) (Task, bool) {
	for _, l := range lanes {
		for _, t := range b.lanes[l] {
			if t.ID == id {
				return t.Clone(), true
			}
		}
	}
	return Task{}, false
}

// Count returns the number of tasks on the board.
func (b *Board) Count() int {
	n := 0
	for _, tasks := range b.lanes {
		n += len(tasks)
	}
	return n
}

// Clone returns an independent copy of b.
func (b *Board) Clone() *Board {
	return BoardFromLanes(b.Info, b.lanes)
}

// boardJSON is the plain structural form of a board.
type boardJSON struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	CreatedAt time.Time         `json:"createdAt"`
	Lanes     map[string][]Task `json:"lanes"`
}

// MarshalJSON writes every lane, empty ones included.
func (b *Board) MarshalJSON() ([]byte, error) {
	out := boardJSON{ID: b.Info.ID, Name: b.Info.Name, CreatedAt: b.Info.CreatedAt, Lanes: make(map[string][]Task, len(lanes))}
	for _, l := range lanes {
		tasks := b.lanes[l]
		if tasks == nil {
			tasks = []Task{}
		}
		out.Lanes[string(l)] = tasks
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a board written by MarshalJSON. Unknown lanes,
// tasks whose lane field disagrees with their placement and duplicate IDs
// are rejected.
func (b *Board) UnmarshalJSON(data []byte) error {
	var in boardJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	nb := NewBoard(BoardInfo{ID: in.ID, Name: in.Name, CreatedAt: in.CreatedAt})
	seen := map[string]struct{}{}
	for name, tasks := range in.Lanes {
		l := Lane(name)
		if !l.Valid() {
			return &InvalidLaneError{Lane: name, Valid: Lanes()}
		}
		for _, t := range tasks {
			if t.Lane != l {
				return fmt.Errorf("task %s is placed in %s but has lane %s", t.ID, l, t.Lane)
			}
			if _, dup := seen[t.ID]; dup {
				return fmt.Errorf("task %s appears more than once", t.ID)
			}
			seen[t.ID] = struct{}{}
			if t.Tags == nil {
				t.Tags = []string{}
			}
			nb.lanes[l] = append(nb.lanes[l], t)
		}
	}
	*b = *nb
	return nil
}

// ToJSON serializes the board.
func (b *Board) ToJSON() ([]byte, error) { return json.Marshal(b) }

// BoardFromJSON restores a board serialized with ToJSON.
func BoardFromJSON(data []byte) (*Board, error) {
	b := &Board{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Equal reports whether two boards hold the same tasks in the same lanes and
// order.
func (b *Board) Equal(o *Board) bool {
	if b.Info.ID != o.Info.ID || b.Info.Name != o.Info.Name || !b.Info.CreatedAt.Equal(o.Info.CreatedAt) {
		return false
	}
	for _, l := range lanes {
		x, y := b.lanes[l], o.lanes[l]
		if len(x) != len(y) {
			return false
		}
		for i := range x {
			if !tasksEqual(x[i], y[i]) {
				return false
			}
		}
	}
	return true
}

func tasksEqual(a, b Task) bool {
	return a.ID == b.ID && a.Title == b.Title && a.Description == b.Description &&
		a.Lane == b.Lane && a.Priority == b.Priority &&
		(a.EstimatedHours == nil) == (b.EstimatedHours == nil) && a.Hours() == b.Hours() &&
		slices.Equal(a.Tags, b.Tags) && a.Version == b.Version &&
		a.CreatedAt.Equal(b.CreatedAt) && a.UpdatedAt.Equal(b.UpdatedAt)
}
