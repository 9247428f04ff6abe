package board

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// DefaultCacheTTL bounds how stale a cached board may be.
const DefaultCacheTTL = 5 * time.Second

// LocalCache keeps the last assembled board in process memory for ttl.
// It only sees invalidations issued by this process.
type LocalCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	board   *domain.Board
	expires time.Time
}

// NewLocalCache creates a process-local cache. A non-positive ttl disables
// caching.
func NewLocalCache(ttl time.Duration) *LocalCache {
	if ttl < 0 {
		ttl = 0
	}
	return &LocalCache{ttl: ttl, now: time.Now}
}

func (c *LocalCache) Get(_ context.Context, boardID string) (*domain.Board, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.board == nil || c.board.Info.ID != boardID {
		return nil, false
	}
	if !c.now().Before(c.expires) {
		c.board = nil
		return nil, false
	}
	return c.board.Clone(), true
}

func (c *LocalCache) Set(_ context.Context, b *domain.Board) {
	if c.ttl == 0 || b == nil {
		return
	}
	c.mu.Lock()
	c.board = b.Clone()
	c.expires = c.now().Add(c.ttl)
	c.mu.Unlock()
}

func (c *LocalCache) Invalidate(_ context.Context, boardID string) {
	c.mu.Lock()
	if c.board != nil && c.board.Info.ID == boardID {
		c.board = nil
	}
	c.mu.Unlock()
}

// RedisCache shares assembled boards between instances. Redis failures are
// treated as cache misses and never fail the caller.
type RedisCache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewRedisCache creates a Redis-backed board cache with the given TTL.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *log.Logger) *RedisCache {
	if client == nil {
		panic("board.NewRedisCache: redis client is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisCache{redis: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, boardID string) (*domain.Board, bool) {
	key := boardCacheKey(boardID)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WithError(err).WithField("board", boardID).Debug("board cache read failed")
		}
		return nil, false
	}
	b, err := domain.BoardFromJSON(data)
	if err != nil {
		c.logger.WithError(err).WithField("board", boardID).Warn("evicting unreadable cached board")
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return b, true
}

func (c *RedisCache) Set(ctx context.Context, b *domain.Board) {
	if c.ttl == 0 || b == nil {
		return
	}
	data, err := b.ToJSON()
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, boardCacheKey(b.Info.ID), data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("board", b.Info.ID).Debug("board cache write failed")
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, boardID string) {
	if err := c.redis.Del(ctx, boardCacheKey(boardID)).Err(); err != nil {
		c.logger.WithError(err).WithField("board", boardID).Warn("board cache invalidation failed")
	}
}

func boardCacheKey(boardID string) string {
	return "board:" + boardID
}

type noCache struct{}

func (noCache) Get(context.Context, string) (*domain.Board, bool) { return nil, false }
func (noCache) Set(context.Context, *domain.Board)                {}
func (noCache) Invalidate(context.Context, string)                {}
