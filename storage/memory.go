package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"prism-board/domain"
)

// ErrTaskExists is returned when creating a task whose ID is already taken.
var ErrTaskExists = errors.New("task already exists")

// Memory keeps the board in process memory. Every method holds a single
// mutex, which makes UpdateTask and CreateTasks atomic.
type Memory struct {
	mu     sync.Mutex
	name   string
	info   domain.BoardInfo
	tasks  map[string]domain.Task
	closed bool
}

// NewMemory creates an empty in-memory board called name.
func NewMemory(name string) *Memory {
	return &Memory{name: name, tasks: map[string]domain.Task{}}
}

func (m *Memory) Initialize(ctx context.Context) error { return nil }

func (m *Memory) GetOrCreateBoard(ctx context.Context) (domain.BoardInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info.ID == "" {
		m.info = domain.BoardInfo{ID: uuid.NewString(), Name: m.name, CreatedAt: time.Now().UTC()}
	}
	return m.info, nil
}

func (m *Memory) LoadTasks(ctx context.Context) (map[domain.Lane][]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.Lane][]domain.Task, len(domain.Lanes()))
	for _, l := range domain.Lanes() {
		out[l] = []domain.Task{}
	}
	for _, t := range m.tasks {
		out[t.Lane] = append(out[t.Lane], t.Clone())
	}
	for _, tasks := range out {
		domain.SortTasks(tasks)
	}
	return out, nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, &domain.TaskNotFoundError{TaskID: id}
	}
	return t.Clone(), nil
}

func (m *Memory) CreateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return domain.Task{}, fmt.Errorf("create %s: %w", task.ID, ErrTaskExists)
	}
	m.tasks[task.ID] = task.Clone()
	return task.Clone(), nil
}

// CreateTasks stores every task or none of them.
func (m *Memory) CreateTasks(ctx context.Context, tasks []domain.Task) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		_, dup := seen[t.ID]
		if _, ok := m.tasks[t.ID]; ok || dup {
			return nil, fmt.Errorf("create %s: %w", t.ID, ErrTaskExists)
		}
		seen[t.ID] = struct{}{}
	}
	out := make([]domain.Task, len(tasks))
	for i, t := range tasks {
		m.tasks[t.ID] = t.Clone()
		out[i] = t.Clone()
	}
	return out, nil
}

func (m *Memory) UpdateTask(ctx context.Context, id string, mutate domain.TaskMutation) (domain.TaskChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[id]
	if !ok {
		return domain.TaskChange{}, &domain.TaskNotFoundError{TaskID: id}
	}
	next, err := mutate(cur.Clone())
	if err != nil {
		return domain.TaskChange{}, err
	}
	next.ID = id
	m.tasks[id] = next.Clone()
	return domain.TaskChange{Before: cur, After: next}, nil
}

func (m *Memory) DeleteTask(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return false, nil
	}
	delete(m.tasks, id)
	return true, nil
}

func (m *Memory) GetStats(ctx context.Context) (domain.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := domain.NewStats()
	for _, t := range m.tasks {
		s.Add(t)
	}
	return s, nil
}

func (m *Memory) SearchTasks(ctx context.Context, q domain.SearchQuery, lane *domain.Lane) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Task{}
	for _, t := range m.tasks {
		if lane != nil && t.Lane != *lane {
			continue
		}
		if q.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	domain.SortTasks(out)
	return out, nil
}

func (m *Memory) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("memory storage is closed")
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
