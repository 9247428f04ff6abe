package board

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Options configures a Service. Zero values select defaults.
type Options struct {
	Emitter      Emitter
	Cache        BoardCache
	Logger       *log.Logger
	Transitions  domain.TransitionTable
	Now          func() time.Time
	NewID        func() string
	MaxBatchSize int
}

// Service orchestrates validation, persistence, caching and event emission
// for one board. It holds no lock across storage calls; concurrent writers
// to the same task are serialized by the storage adapter.
type Service struct {
	store       Storage
	emitter     Emitter
	cache       BoardCache
	logger      *log.Logger
	transitions domain.TransitionTable
	now         func() time.Time
	newID       func() string
	maxBatch    int

	mu   sync.RWMutex
	info domain.BoardInfo
}

// NewService creates a service over store.
func NewService(store Storage, opts Options) *Service {
	if store == nil {
		panic("board.NewService: storage is nil")
	}
	s := &Service{
		store:       store,
		emitter:     opts.Emitter,
		cache:       opts.Cache,
		logger:      opts.Logger,
		transitions: opts.Transitions,
		now:         opts.Now,
		newID:       opts.NewID,
		maxBatch:    opts.MaxBatchSize,
	}
	if s.cache == nil {
		s.cache = noCache{}
	}
	if s.logger == nil {
		s.logger = log.StandardLogger()
	}
	if s.now == nil {
		s.now = monotonicNow
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.maxBatch <= 0 {
		s.maxBatch = domain.DefaultMaxBatchSize
	}
	return s
}

// Init prepares storage and loads the board record.
func (s *Service) Init(ctx context.Context) error {
	ctx, op := s.startOp(ctx, "init")
	if err := s.store.Initialize(ctx); err != nil {
		return op.End(wrapStorage("initialize", err))
	}
	info, err := s.store.GetOrCreateBoard(ctx)
	if err != nil {
		return op.End(wrapStorage("get_or_create_board", err))
	}
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
	s.logger.WithFields(log.Fields{"board": info.ID, "name": info.Name}).Info("board ready")
	return op.End(nil)
}

// Info returns the board record loaded by Init.
func (s *Service) Info() domain.BoardInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// BoardID returns the identifier of the board this service manages.
func (s *Service) BoardID() string { return s.Info().ID }

// MaxBatchSize is the largest batch CreateTasks accepts.
func (s *Service) MaxBatchSize() int { return s.maxBatch }

// CreateTask validates f, persists a new task and emits task:created.
func (s *Service) CreateTask(ctx context.Context, f domain.TaskFields) (domain.Task, error) {
	ctx, op := s.startOp(ctx, "create_task")
	task, err := domain.NewTask(s.newID(), f, s.now())
	if err != nil {
		return domain.Task{}, op.End(err)
	}
	op.SetTaskID(task.ID)
	op.SetLane(task.Lane)

	stored, err := s.store.CreateTask(ctx, task)
	if err != nil {
		return domain.Task{}, op.End(wrapStorage("create_task", err))
	}
	s.invalidate(ctx)
	s.emit(ctx, domain.TaskCreated, domain.TaskEventData{Task: stored})
	return stored, op.End(nil)
}

// CreateTasks validates every item before persisting any of them. Storage
// that implements BatchCreator persists the batch in one transaction;
// otherwise items are created one by one and already persisted items are
// deleted again when a later one fails.
func (s *Service) CreateTasks(ctx context.Context, items []domain.TaskFields) ([]domain.Task, error) {
	ctx, op := s.startOp(ctx, "create_tasks")
	if err := domain.ValidateBatchSize(len(items), s.maxBatch); err != nil {
		return nil, op.End(err)
	}
	tasks := make([]domain.Task, len(items))
	for i, f := range items {
		task, err := domain.NewTask(s.newID(), f, s.now())
		if err != nil {
			return nil, op.End(domain.BatchItemError(i, err))
		}
		tasks[i] = task
	}

	stored, err := s.persistBatch(ctx, tasks)
	if err != nil {
		return nil, op.End(err)
	}
	op.SetResultCount(len(stored))
	s.invalidate(ctx)
	for _, t := range stored {
		s.emit(ctx, domain.TaskCreated, domain.TaskEventData{Task: t})
	}
	return stored, op.End(nil)
}

func (s *Service) persistBatch(ctx context.Context, tasks []domain.Task) ([]domain.Task, error) {
	if bc, ok := s.store.(BatchCreator); ok {
		stored, err := bc.CreateTasks(ctx, tasks)
		if err != nil {
			return nil, wrapStorage("create_tasks", err)
		}
		return stored, nil
	}

	stored := make([]domain.Task, 0, len(tasks))
	for i, t := range tasks {
		created, err := s.store.CreateTask(ctx, t)
		if err == nil {
			stored = append(stored, created)
			continue
		}
		rolledBack := s.rollback(ctx, stored)
		return nil, &domain.BoardError{
			Op:  "create_tasks",
			Err: err,
			Extra: map[string]any{
				"failedIndex": i,
				"rolledBack":  rolledBack,
				"orphaned":    len(stored) - rolledBack,
			},
		}
	}
	return stored, nil
}

// rollback deletes tasks created by a failed batch and returns how many
// were removed. The original context may already be cancelled.
func (s *Service) rollback(ctx context.Context, created []domain.Task) int {
	ctx = context.WithoutCancel(ctx)
	removed := 0
	for _, t := range created {
		ok, err := s.store.DeleteTask(ctx, t.ID)
		if err != nil {
			s.logger.WithError(err).WithField("task", t.ID).Error("failed to roll back batch item")
			continue
		}
		if ok {
			removed++
		}
	}
	return removed
}

// MoveTask moves a task to lane and emits task:moved. A non-nil
// expectedVersion must match the stored version.
func (s *Service) MoveTask(ctx context.Context, id, lane string, expectedVersion *int64) (domain.Task, error) {
	ctx, op := s.startOp(ctx, "move_task")
	op.SetTaskID(id)
	if err := domain.ValidateTaskID(id); err != nil {
		return domain.Task{}, op.End(err)
	}
	target, err := domain.ParseLane(lane)
	if err != nil {
		return domain.Task{}, op.End(err)
	}
	op.SetLane(target)
	patch := domain.TaskFields{Lane: domain.StringPtr(string(target)), ExpectedVersion: expectedVersion}
	if err := patch.Validate(); err != nil {
		return domain.Task{}, op.End(err)
	}

	change, err := s.store.UpdateTask(ctx, id, s.mutation(patch))
	if err != nil {
		return domain.Task{}, op.End(wrapStorage("move_task", err))
	}
	s.invalidate(ctx)
	s.emit(ctx, domain.TaskMoved, domain.TaskMovedData{
		Task:    change.After,
		OldLane: change.Before.Lane,
		NewLane: change.After.Lane,
	})
	return change.After, op.End(nil)
}

// UpdateTask applies the present fields of f and emits task:updated. When
// the lane changed, task:moved is emitted as well.
func (s *Service) UpdateTask(ctx context.Context, id string, f domain.TaskFields) (domain.Task, error) {
	ctx, op := s.startOp(ctx, "update_task")
	op.SetTaskID(id)
	if err := domain.ValidateTaskID(id); err != nil {
		return domain.Task{}, op.End(err)
	}
	if err := f.Validate(); err != nil {
		return domain.Task{}, op.End(err)
	}
	if f.IsEmpty() {
		return domain.Task{}, op.End(&domain.ValidationError{Message: "update contains no fields"})
	}

	change, err := s.store.UpdateTask(ctx, id, s.mutation(f))
	if err != nil {
		return domain.Task{}, op.End(wrapStorage("update_task", err))
	}
	s.invalidate(ctx)
	changed := change.ChangedFields()
	s.emit(ctx, domain.TaskUpdated, domain.TaskEventData{Task: change.After, Changes: changed})
	if change.Before.Lane != change.After.Lane {
		s.emit(ctx, domain.TaskMoved, domain.TaskMovedData{
			Task:    change.After,
			OldLane: change.Before.Lane,
			NewLane: change.After.Lane,
		})
	}
	return change.After, op.End(nil)
}

// mutation applies f to the stored task, enforcing the transition table
// against the lane the task is in at write time.
func (s *Service) mutation(f domain.TaskFields) domain.TaskMutation {
	return func(current domain.Task) (domain.Task, error) {
		next, err := current.Apply(f, s.now())
		if err != nil {
			return domain.Task{}, err
		}
		if err := s.transitions.Check(current.Lane, next.Lane); err != nil {
			return domain.Task{}, err
		}
		return next, nil
	}
}

// DeleteTask removes a task. Deleting an unknown task returns false and
// emits nothing.
func (s *Service) DeleteTask(ctx context.Context, id string) (bool, error) {
	ctx, op := s.startOp(ctx, "delete_task")
	op.SetTaskID(id)
	if err := domain.ValidateTaskID(id); err != nil {
		return false, op.End(err)
	}
	deleted, err := s.store.DeleteTask(ctx, id)
	if err != nil {
		return false, op.End(wrapStorage("delete_task", err))
	}
	if deleted {
		s.invalidate(ctx)
		s.emit(ctx, domain.TaskDeleted, domain.TaskDeletedData{TaskID: id})
	}
	return deleted, op.End(nil)
}

// GetTask returns a single task.
func (s *Service) GetTask(ctx context.Context, id string) (domain.Task, error) {
	ctx, op := s.startOp(ctx, "get_task")
	op.SetTaskID(id)
	if err := domain.ValidateTaskID(id); err != nil {
		return domain.Task{}, op.End(err)
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, op.End(wrapStorage("get_task", err))
	}
	return task, op.End(nil)
}

// SearchTasks returns tasks whose title or description contains query,
// optionally restricted to one lane. An empty lane means every lane.
func (s *Service) SearchTasks(ctx context.Context, query, lane string) ([]domain.Task, error) {
	ctx, op := s.startOp(ctx, "search_tasks")
	q := domain.ParseSearchQuery(query)
	var filter *domain.Lane
	if domain.SanitizeString(lane, 0) != "" {
		l, err := domain.ParseLane(lane)
		if err != nil {
			return nil, op.End(err)
		}
		op.SetLane(l)
		filter = &l
	}
	if q.Empty() {
		return []domain.Task{}, op.End(nil)
	}
	tasks, err := s.store.SearchTasks(ctx, q, filter)
	if err != nil {
		return nil, op.End(wrapStorage("search_tasks", err))
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	op.SetResultCount(len(tasks))
	return tasks, op.End(nil)
}

// GetStats aggregates the board.
func (s *Service) GetStats(ctx context.Context) (domain.Stats, error) {
	ctx, op := s.startOp(ctx, "get_stats")
	stats, err := s.store.GetStats(ctx)
	if err != nil {
		return domain.Stats{}, op.End(wrapStorage("get_stats", err))
	}
	op.SetResultCount(stats.TotalTasks)
	return stats, op.End(nil)
}

// GetBoard returns the lane view, served from the cache while it is fresh.
func (s *Service) GetBoard(ctx context.Context) (*domain.Board, error) {
	ctx, op := s.startOp(ctx, "get_board")
	info := s.Info()
	if b, ok := s.cache.Get(ctx, info.ID); ok {
		op.fields["cache"] = "hit"
		op.SetResultCount(b.Count())
		return b, op.End(nil)
	}
	grouped, err := s.store.LoadTasks(ctx)
	if err != nil {
		return nil, op.End(wrapStorage("load_tasks", err))
	}
	b := domain.BoardFromLanes(info, grouped)
	s.cache.Set(ctx, b)
	op.fields["cache"] = "miss"
	op.SetResultCount(b.Count())
	return b, op.End(nil)
}

// HealthCheck verifies storage is reachable.
func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.store.HealthCheck(ctx); err != nil {
		return wrapStorage("health_check", err)
	}
	return nil
}

// Close releases storage resources.
func (s *Service) Close() error {
	return s.store.Close()
}

func (s *Service) invalidate(ctx context.Context) {
	s.cache.Invalidate(context.WithoutCancel(ctx), s.BoardID())
}

func (s *Service) emit(ctx context.Context, typ string, data any) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(context.WithoutCancel(ctx), domain.Event{
		Type:      typ,
		BoardID:   s.BoardID(),
		Data:      data,
		Timestamp: s.now(),
	})
}

// wrapStorage passes taxonomy errors through and wraps anything else in a
// BoardError naming the failed operation.
func wrapStorage(op string, err error) error {
	if _, ok := domain.AsCoded(err); ok {
		return err
	}
	return &domain.BoardError{Op: op, Err: err}
}
