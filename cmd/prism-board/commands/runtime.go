package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/board"
	"prism-board/config"
	"prism-board/domain"
	"prism-board/storage"
)

// runtime owns the connections shared by serve and mcp.
type runtime struct {
	cfg      config.Config
	logger   *log.Logger
	instance string
	store    board.Storage
	redis    *redis.Client
	queue    *storage.EventQueue
}

func openStorage(cfg config.Config, logger *log.Logger) (board.Storage, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		s, err := storage.OpenSQLite(cfg.Storage.SQLitePath, cfg.BoardName)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverTables:
		s, err := storage.NewTables(cfg.Storage.ConnectionString, cfg.Storage.TasksTable, cfg.BoardName, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return storage.NewMemory(cfg.BoardName), nil
	}
}

func newRuntime(ctx context.Context, cfg config.Config, logger *log.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger, instance: uuid.NewString()}

	store, err := openStorage(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	rt.store = store

	opts, err := cfg.RedisOptions()
	if err != nil {
		rt.Close()
		return nil, err
	}
	if opts != nil {
		rt.redis = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rt.redis.Ping(pingCtx).Err(); err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
	}

	if cfg.Events.Queue != "" {
		q, err := storage.NewEventQueueFromConnectionString(cfg.Storage.ConnectionString, cfg.Events.Queue, storage.QueueOptions{
			Workers:        cfg.Events.Workers,
			Buffer:         cfg.Events.Buffer,
			HandoffTimeout: 100 * time.Millisecond,
			Logger:         logger,
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("event queue: %w", err)
		}
		rt.queue = q
	}
	return rt, nil
}

func (rt *runtime) cache() board.BoardCache {
	switch rt.cfg.Cache.Mode {
	case config.CacheRedis:
		return board.NewRedisCache(rt.redis, rt.cfg.Cache.TTL, rt.logger)
	case config.CacheLocal:
		return board.NewLocalCache(rt.cfg.Cache.TTL)
	default:
		return nil
	}
}

// service builds and initializes the board service. The event queue, when
// configured, is appended to emitters.
func (rt *runtime) service(ctx context.Context, emitters board.MultiEmitter) (*board.Service, error) {
	if rt.queue != nil {
		emitters = append(emitters, rt.queue)
	}
	opts := board.Options{
		Emitter:      emitters,
		Cache:        rt.cache(),
		Logger:       rt.logger,
		MaxBatchSize: rt.cfg.MaxBatchSize,
	}
	if rt.cfg.StrictTransitions {
		opts.Transitions = domain.DefaultWorkflow()
	}
	svc := board.NewService(rt.store, opts)
	if err := svc.Init(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

// Close drains the event queue before closing connections.
func (rt *runtime) Close() error {
	var errs []error
	if rt.queue != nil {
		errs = append(errs, rt.queue.Close())
	}
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	return errors.Join(errs...)
}
