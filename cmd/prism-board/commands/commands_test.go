package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prism-board/config"
	"prism-board/domain"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCmd("test")
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInitStorageSQLite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "board.yaml")
	dbPath := filepath.Join(dir, "board.db")
	require.NoError(t, os.WriteFile(cfgPath, []byte("board_name: platform\nstorage:\n  driver: sqlite\n  sqlite_path: "+dbPath+"\n"), 0o600))
	t.Setenv("STORAGE_DRIVER", "")
	t.Setenv("BOARD_NAME", "")

	first, err := run(t, "init-storage", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, first, "board platform")
	assert.FileExists(t, dbPath)

	second, err := run(t, "init-storage", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, first, second, "board record is created once")
}

func TestInvalidConfigFails(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "postgres")
	_, err := run(t, "init-storage")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown STORAGE_DRIVER")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	cfg.Debug = true
	cfg.LogFormat = "json"
	logger := newLogger(cfg, &buf)
	assert.Equal(t, log.DebugLevel, logger.GetLevel())

	logger.WithField("board", "b1").Debug("hello")
	line := strings.TrimSpace(buf.String())
	assert.True(t, strings.HasPrefix(line, "{"), line)
	assert.Contains(t, line, `"board":"b1"`)

	plain := newLogger(config.Default(), &buf)
	assert.Equal(t, log.InfoLevel, plain.GetLevel())
	_, isText := plain.Formatter.(*log.TextFormatter)
	assert.True(t, isText)
}

func TestRuntimeSharesBoardCacheInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	logger, _ := test.NewNullLogger()
	cfg := config.Default()
	cfg.Redis = "redis://" + mr.Addr()
	cfg.Cache.Mode = config.CacheRedis

	ctx := context.Background()
	rt, err := newRuntime(ctx, cfg, logger)
	require.NoError(t, err)
	defer rt.Close()

	svc, err := rt.service(ctx, nil)
	require.NoError(t, err)
	key := "board:" + svc.BoardID()

	_, err = svc.GetBoard(ctx)
	require.NoError(t, err)
	assert.True(t, mr.Exists(key))

	_, err = svc.CreateTask(ctx, domain.TaskFields{Title: domain.StringPtr("Cache me")})
	require.NoError(t, err)
	assert.False(t, mr.Exists(key), "writes invalidate the shared board")
}

func TestRuntimeFailsWithoutRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	logger, _ := test.NewNullLogger()
	cfg := config.Default()
	cfg.Redis = "redis://" + addr
	_, err = newRuntime(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestStrictTransitionsConfigured(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg := config.Default()
	cfg.StrictTransitions = true
	cfg.Cache.Mode = config.CacheOff

	ctx := context.Background()
	rt, err := newRuntime(ctx, cfg, logger)
	require.NoError(t, err)
	defer rt.Close()
	svc, err := rt.service(ctx, nil)
	require.NoError(t, err)

	task, err := svc.CreateTask(ctx, domain.TaskFields{Title: domain.StringPtr("Ship it")})
	require.NoError(t, err)
	_, err = svc.MoveTask(ctx, task.ID, "done", nil)
	var te *domain.InvalidTransitionError
	require.True(t, errors.As(err, &te), "got %v", err)

	_, err = svc.MoveTask(ctx, task.ID, "todo", nil)
	require.NoError(t, err)
}
