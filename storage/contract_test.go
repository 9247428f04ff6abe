package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prism-board/domain"
)

type adapter interface {
	Initialize(ctx context.Context) error
	GetOrCreateBoard(ctx context.Context) (domain.BoardInfo, error)
	LoadTasks(ctx context.Context) (map[domain.Lane][]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	CreateTask(ctx context.Context, task domain.Task) (domain.Task, error)
	CreateTasks(ctx context.Context, tasks []domain.Task) ([]domain.Task, error)
	UpdateTask(ctx context.Context, id string, mutate domain.TaskMutation) (domain.TaskChange, error)
	DeleteTask(ctx context.Context, id string) (bool, error)
	GetStats(ctx context.Context) (domain.Stats, error)
	SearchTasks(ctx context.Context, q domain.SearchQuery, lane *domain.Lane) ([]domain.Task, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func mustTask(t *testing.T, id, title string, lane domain.Lane, prio domain.Priority, hours *float64, offset time.Duration) domain.Task {
	t.Helper()
	f := domain.TaskFields{
		Title:          domain.StringPtr(title),
		Lane:           domain.StringPtr(string(lane)),
		Priority:       domain.StringPtr(string(prio)),
		EstimatedHours: hours,
		Tags:           &[]string{"team"},
	}
	task, err := domain.NewTask(id, f, base.Add(offset))
	require.NoError(t, err)
	return task
}

func laneIDs(tasks []domain.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func adapters(t *testing.T) map[string]func(t *testing.T) adapter {
	return map[string]func(t *testing.T) adapter{
		"memory": func(t *testing.T) adapter { return NewMemory("contract") },
		"sqlite": func(t *testing.T) adapter {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "board.db"), "contract")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestAdapterContract(t *testing.T) {
	for name, open := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("board is created once", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Initialize(ctx))
				require.NoError(t, s.Initialize(ctx))
				first, err := s.GetOrCreateBoard(ctx)
				require.NoError(t, err)
				second, err := s.GetOrCreateBoard(ctx)
				require.NoError(t, err)
				assert.NotEmpty(t, first.ID)
				assert.Equal(t, "contract", first.Name)
				assert.Equal(t, first.ID, second.ID)
			})

			t.Run("create and load keeps lane order", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Initialize(ctx))
				_, err := s.GetOrCreateBoard(ctx)
				require.NoError(t, err)

				three := 3.0
				for _, task := range []domain.Task{
					mustTask(t, "b", "Second", domain.LaneTodo, domain.PriorityHigh, &three, 2*time.Second),
					mustTask(t, "a", "First", domain.LaneTodo, domain.PriorityLow, nil, time.Second),
					mustTask(t, "c", "Elsewhere", domain.LaneDone, domain.PriorityMedium, nil, 0),
				} {
					_, err := s.CreateTask(ctx, task)
					require.NoError(t, err)
				}

				grouped, err := s.LoadTasks(ctx)
				require.NoError(t, err)
				assert.Len(t, grouped, len(domain.Lanes()))
				assert.Equal(t, []string{"a", "b"}, laneIDs(grouped[domain.LaneTodo]))
				assert.Equal(t, []string{"c"}, laneIDs(grouped[domain.LaneDone]))
				assert.Empty(t, grouped[domain.LaneBacklog])

				got, err := s.GetTask(ctx, "b")
				require.NoError(t, err)
				assert.Equal(t, "Second", got.Title)
				require.NotNil(t, got.EstimatedHours)
				assert.Equal(t, 3.0, *got.EstimatedHours)
				assert.Equal(t, []string{"team"}, got.Tags)
				assert.Equal(t, int64(1), got.Version)
				assert.True(t, got.CreatedAt.Equal(base.Add(2*time.Second)))
			})

			t.Run("duplicate id is rejected", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Initialize(ctx))
				_, err := s.GetOrCreateBoard(ctx)
				require.NoError(t, err)
				task := mustTask(t, "dup", "One", domain.LaneBacklog, domain.PriorityLow, nil, 0)
				_, err = s.CreateTask(ctx, task)
				require.NoError(t, err)
				_, err = s.CreateTask(ctx, task)
				assert.ErrorIs(t, err, ErrTaskExists)
			})

			t.Run("missing task", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Initialize(ctx))
				_, err := s.GetOrCreateBoard(ctx)
				require.NoError(t, err)
				_, err = s.GetTask(ctx, "nope")
				assert.True(t, domain.IsNotFound(err))
				_, err = s.UpdateTask(ctx, "nope", func(cur domain.Task) (domain.Task, error) { return cur, nil })
				assert.True(t, domain.IsNotFound(err))
				deleted, err := s.DeleteTask(ctx, "nope")
				require.NoError(t, err)
				assert.False(t, deleted)
			})

			t.Run("batch is all or nothing", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Initialize(ctx))
				_, err := s.GetOrCreateBoard(ctx)
				require.NoError(t, err)
				_, err = s.CreateTask(ctx, mustTask(t, "taken", "Existing", domain.LaneBacklog, domain.PriorityLow, nil, 0))
				require.NoError(t, err)

				batch := []domain.Task{
					mustTask(t, "n1", "New one", domain.LaneTodo, domain.PriorityLow, nil, time.Second),
					mustTask(t, "taken", "Clash", domain.LaneTodo, domain.PriorityLow, nil, 2*time.Second),
				}
				_, err = s.CreateTasks(ctx, batch)
				assert.ErrorIs(t, err, ErrTaskExists)
				_, err = s.GetTask(ctx, "n1")
				assert.True(t, domain.IsNotFound(err))

				created, err := s.CreateTasks(ctx, batch[:1])
				require.NoError(t, err)
				assert.Equal(t, []string{"n1"}, laneIDs(created))
			})

			t.Run("update applies mutation atomically", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Initialize(ctx))
				_, err := s.GetOrCreateBoard(ctx)
				require.NoError(t, err)
				_, err = s.CreateTask(ctx, mustTask(t, "u", "Counter", domain.LaneBacklog, domain.PriorityLow, nil, 0))
				require.NoError(t, err)

				var wg sync.WaitGroup
				for i := 0; i < 10; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, err := s.UpdateTask(ctx, "u", func(cur domain.Task) (domain.Task, error) {
							return cur.Apply(domain.TaskFields{Description: domain.StringPtr(fmt.Sprintf("edit %d", i))}, base.Add(time.Hour))
						})
						assert.NoError(t, err)
					}(i)
				}
				wg.Wait()

				got, err := s.GetTask(ctx, "u")
				require.NoError(t, err)
				assert.Equal(t, int64(11), got.Version)
			})

			t.Run("failed mutation leaves task unchanged", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Initialize(ctx))
				_, err := s.GetOrCreateBoard(ctx)
				require.NoError(t, err)
				_, err = s.CreateTask(ctx, mustTask(t, "f", "Fixed", domain.LaneBacklog, domain.PriorityLow, nil, 0))
				require.NoError(t, err)
				boom := errors.New("boom")
				_, err = s.UpdateTask(ctx, "f", func(domain.Task) (domain.Task, error) { return domain.Task{}, boom })
				assert.ErrorIs(t, err, boom)
				got, err := s.GetTask(ctx, "f")
				require.NoError(t, err)
				assert.Equal(t, int64(1), got.Version)
				assert.Equal(t, "Fixed", got.Title)
			})

			t.Run("move changes lane", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Initialize(ctx))
				_, err := s.GetOrCreateBoard(ctx)
				require.NoError(t, err)
				_, err = s.CreateTask(ctx, mustTask(t, "m", "Mover", domain.LaneBacklog, domain.PriorityLow, nil, 0))
				require.NoError(t, err)
				change, err := s.UpdateTask(ctx, "m", func(cur domain.Task) (domain.Task, error) {
					return cur.Apply(domain.TaskFields{Lane: domain.StringPtr("in_progress")}, base.Add(time.Minute))
				})
				require.NoError(t, err)
				assert.Equal(t, domain.LaneBacklog, change.Before.Lane)
				assert.Equal(t, domain.LaneInProgress, change.After.Lane)

				grouped, err := s.LoadTasks(ctx)
				require.NoError(t, err)
				assert.Empty(t, grouped[domain.LaneBacklog])
				assert.Equal(t, []string{"m"}, laneIDs(grouped[domain.LaneInProgress]))
			})

			t.Run("delete", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Initialize(ctx))
				_, err := s.GetOrCreateBoard(ctx)
				require.NoError(t, err)
				_, err = s.CreateTask(ctx, mustTask(t, "d", "Doomed", domain.LaneBacklog, domain.PriorityLow, nil, 0))
				require.NoError(t, err)
				deleted, err := s.DeleteTask(ctx, "d")
				require.NoError(t, err)
				assert.True(t, deleted)
				deleted, err = s.DeleteTask(ctx, "d")
				require.NoError(t, err)
				assert.False(t, deleted)
			})

			t.Run("stats and search", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Initialize(ctx))
				_, err := s.GetOrCreateBoard(ctx)
				require.NoError(t, err)
				two, half := 2.0, 0.5
				for _, task := range []domain.Task{
					mustTask(t, "s1", "Fix auth bug", domain.LaneTodo, domain.PriorityHigh, &two, 0),
					mustTask(t, "s2", "Write docs", domain.LaneTodo, domain.PriorityLow, &half, time.Second),
					mustTask(t, "s3", "AUTH refactor", domain.LaneDone, domain.PriorityHigh, nil, 2*time.Second),
				} {
					_, err := s.CreateTask(ctx, task)
					require.NoError(t, err)
				}

				stats, err := s.GetStats(ctx)
				require.NoError(t, err)
				assert.Equal(t, 3, stats.TotalTasks)
				assert.Equal(t, 2, stats.ByLane[domain.LaneTodo])
				assert.Equal(t, 0, stats.ByLane[domain.LaneBacklog])
				assert.Equal(t, 2, stats.ByPriority[domain.PriorityHigh])
				assert.InDelta(t, 2.5, stats.TotalEstimatedHours, 1e-9)
				assert.Equal(t, 2, stats.EstimatedTasks)
				assert.True(t, stats.Consistent())

				q := domain.ParseSearchQuery("auth")
				found, err := s.SearchTasks(ctx, q, nil)
				require.NoError(t, err)
				assert.Equal(t, []string{"s1", "s3"}, laneIDs(found))

				todo := domain.LaneTodo
				found, err = s.SearchTasks(ctx, q, &todo)
				require.NoError(t, err)
				assert.Equal(t, []string{"s1"}, laneIDs(found))

				q = domain.ParseSearchQuery("(.*)")
				found, err = s.SearchTasks(ctx, q, nil)
				require.NoError(t, err)
				assert.Empty(t, found)
			})

			t.Run("health", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Initialize(ctx))
				assert.NoError(t, s.HealthCheck(ctx))
				require.NoError(t, s.Close())
				assert.Error(t, s.HealthCheck(ctx))
			})
		})
	}
}
