package board

import (
	"context"
	"errors"
	"sync"
	"time"

	"prism-board/domain"
)

var errStoreDown = errors.New("store unavailable")

type fakeStore struct {
	mu        sync.Mutex
	tasks     map[string]domain.Task
	info      domain.BoardInfo
	loads     int
	creates   int
	failOn    map[string]error
	failAfter int // CreateTask fails once this many creates succeeded; 0 disables
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:  map[string]domain.Task{},
		info:   domain.BoardInfo{ID: "board-1", Name: "Main", CreatedAt: time.Unix(0, 0).UTC()},
		failOn: map[string]error{},
	}
}

func (f *fakeStore) fail(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failOn[op]
}

func (f *fakeStore) Initialize(ctx context.Context) error { return f.fail("initialize") }

func (f *fakeStore) GetOrCreateBoard(ctx context.Context) (domain.BoardInfo, error) {
	if err := f.fail("board"); err != nil {
		return domain.BoardInfo{}, err
	}
	return f.info, nil
}

func (f *fakeStore) LoadTasks(ctx context.Context) (map[domain.Lane][]domain.Task, error) {
	if err := f.fail("load"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	out := map[domain.Lane][]domain.Task{}
	for _, t := range f.tasks {
		out[t.Lane] = append(out[t.Lane], t.Clone())
	}
	return out, nil
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, &domain.TaskNotFoundError{TaskID: id}
	}
	return t.Clone(), nil
}

func (f *fakeStore) CreateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	if err := f.fail("create"); err != nil {
		return domain.Task{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter > 0 && f.creates >= f.failAfter {
		return domain.Task{}, errStoreDown
	}
	if _, exists := f.tasks[task.ID]; exists {
		return domain.Task{}, errors.New("duplicate id")
	}
	f.creates++
	f.tasks[task.ID] = task.Clone()
	return task.Clone(), nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, id string, mutate domain.TaskMutation) (domain.TaskChange, error) {
	if err := f.fail("update"); err != nil {
		return domain.TaskChange{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.tasks[id]
	if !ok {
		return domain.TaskChange{}, &domain.TaskNotFoundError{TaskID: id}
	}
	next, err := mutate(cur.Clone())
	if err != nil {
		return domain.TaskChange{}, err
	}
	f.tasks[id] = next.Clone()
	return domain.TaskChange{Before: cur, After: next}, nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	if err := f.fail("delete"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return false, nil
	}
	delete(f.tasks, id)
	return true, nil
}

func (f *fakeStore) GetStats(ctx context.Context) (domain.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := domain.NewStats()
	for _, t := range f.tasks {
		s.Add(t)
	}
	return s, nil
}

func (f *fakeStore) SearchTasks(ctx context.Context, q domain.SearchQuery, lane *domain.Lane) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Task
	for _, t := range f.tasks {
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

func (f *fakeStore) HealthCheck(ctx context.Context) error { return f.fail("health") }

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// batchStore persists batches atomically.
type batchStore struct {
	*fakeStore
	batches int
	failAll bool
}

func (b *batchStore) CreateTasks(ctx context.Context, tasks []domain.Task) ([]domain.Task, error) {
	b.batches++
	if b.failAll {
		return nil, errStoreDown
	}
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		created, err := b.fakeStore.CreateTask(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	return out, nil
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Emit(ctx context.Context, ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) last() domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return domain.Event{}
	}
	return r.events[len(r.events)-1]
}
