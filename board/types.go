package board

import (
	"context"

	"prism-board/domain"
)

// Storage abstracts durable persistence for the service. Implementations
// must apply UpdateTask atomically per task and report unknown identifiers
// with *domain.TaskNotFoundError.
type Storage interface {
	Initialize(ctx context.Context) error
	GetOrCreateBoard(ctx context.Context) (domain.BoardInfo, error)
	LoadTasks(ctx context.Context) (map[domain.Lane][]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	CreateTask(ctx context.Context, task domain.Task) (domain.Task, error)
	// UpdateTask runs mutate against the current stored task and persists
	// its result. mutate may be invoked more than once when the adapter
	// retries after a concurrency conflict.
	UpdateTask(ctx context.Context, id string, mutate domain.TaskMutation) (domain.TaskChange, error)
	DeleteTask(ctx context.Context, id string) (bool, error)
	GetStats(ctx context.Context) (domain.Stats, error)
	SearchTasks(ctx context.Context, q domain.SearchQuery, lane *domain.Lane) ([]domain.Task, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// BatchCreator is implemented by storage that can persist several tasks in a
// single transaction.
type BatchCreator interface {
	CreateTasks(ctx context.Context, tasks []domain.Task) ([]domain.Task, error)
}

// Emitter receives every board mutation after it has been persisted.
// Emit must not block on slow consumers.
type Emitter interface {
	Emit(ctx context.Context, ev domain.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev domain.Event)

func (f EmitterFunc) Emit(ctx context.Context, ev domain.Event) { f(ctx, ev) }

// MultiEmitter forwards each event to every non-nil emitter in order.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, ev domain.Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, ev)
		}
	}
}

// BoardCache holds recently assembled boards.
type BoardCache interface {
	Get(ctx context.Context, boardID string) (*domain.Board, bool)
	Set(ctx context.Context, b *domain.Board)
	Invalidate(ctx context.Context, boardID string)
}
