package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-board/board"
	"prism-board/domain"
)

// maxBodySize caps request bodies after gzip decoding.
const maxBodySize = 256 * 1024

// Board is the board service surface exposed over HTTP.
type Board interface {
	BoardID() string
	CreateTask(ctx context.Context, f domain.TaskFields) (domain.Task, error)
	CreateTasks(ctx context.Context, items []domain.TaskFields) ([]domain.Task, error)
	MaxBatchSize() int
	UpdateTask(ctx context.Context, id string, f domain.TaskFields) (domain.Task, error)
	MoveTask(ctx context.Context, id, lane string, expectedVersion *int64) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) (bool, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	SearchTasks(ctx context.Context, query, lane string) ([]domain.Task, error)
	GetStats(ctx context.Context) (domain.Stats, error)
	GetBoard(ctx context.Context) (*domain.Board, error)
	GetContext(ctx context.Context) (string, error)
	HealthCheck(ctx context.Context) error
}

// Options configures Register.
type Options struct {
	// Production hides unexpected error messages from clients.
	Production bool
	// Deduper enables Idempotency-Key handling on create routes.
	Deduper Deduper
	// Stream serves the websocket event stream on /ws.
	Stream http.Handler
	Logger *log.Logger
}

var errBodyTooLarge = &domain.ValidationError{Message: "request body too large", Extra: map[string]any{"limit": maxBodySize}}

type handlers struct {
	board      Board
	production bool
	deduper    Deduper
	logger     *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, b Board, opts Options) {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	h := &handlers{board: b, production: opts.Production, deduper: opts.Deduper, logger: opts.Logger}
	e.HTTPErrorHandler = h.httpError

	e.GET("/healthz", h.healthz)
	e.GET("/api/board", h.getBoard)
	e.GET("/api/board/stats", h.getStats)
	e.GET("/api/board/context", h.getContext)
	e.GET("/api/tasks", h.searchTasks)
	e.GET("/api/tasks/:id", h.getTask)
	e.POST("/api/tasks", h.createTask)
	e.POST("/api/tasks/batch", h.createTasks)
	e.PATCH("/api/tasks/:id", h.updateTask)
	e.POST("/api/tasks/:id/move", h.moveTask)
	e.DELETE("/api/tasks/:id", h.deleteTask)
	if opts.Stream != nil {
		e.GET("/ws", echo.WrapHandler(opts.Stream))
	}
}

func (h *handlers) ok(c echo.Context, status int, data any) error {
	return c.JSON(status, board.OK(data))
}

func (h *handlers) fail(c echo.Context, err error) error {
	c.Set(errorCodeKey, board.Describe(err, false).Code)
	return c.JSON(board.HTTPStatus(err), board.Fail(err, h.production))
}

// httpError renders errors raised outside the handlers, such as unknown
// routes or a broken gzip body, in the Result envelope.
func (h *handlers) httpError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	msg := "unexpected error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(status)
		}
	}
	code := board.CodeBadRequest
	if status >= http.StatusInternalServerError {
		code = board.CodeUnexpected
		h.logger.WithError(err).WithField("route", c.Path()).Error("unhandled request error")
	}
	c.Set(errorCodeKey, code)
	res := board.Result{Error: &board.ErrorPayload{Code: code, Message: msg}}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, res)
}

// readObject decodes a JSON object body of at most maxBodySize bytes.
func readObject(c echo.Context) (map[string]any, error) {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize+1))
	if err != nil {
		return nil, &domain.ValidationError{Message: "unable to read request body"}
	}
	if len(data) > maxBodySize {
		return nil, errBodyTooLarge
	}
	var obj map[string]any
	if err := sonic.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, &domain.ValidationError{Message: "body must be a JSON object"}
	}
	return obj, nil
}

func (h *handlers) healthz(c echo.Context) error {
	if err := h.board.HealthCheck(c.Request().Context()); err != nil {
		h.logger.WithError(err).Warn("health check failed")
		c.Set(errorCodeKey, board.Describe(err, false).Code)
		return c.JSON(http.StatusServiceUnavailable, board.Fail(err, h.production))
	}
	return h.ok(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) getBoard(c echo.Context) error {
	b, err := h.board.GetBoard(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return h.ok(c, http.StatusOK, b)
}

func (h *handlers) getStats(c echo.Context) error {
	stats, err := h.board.GetStats(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return h.ok(c, http.StatusOK, stats)
}

func (h *handlers) getContext(c echo.Context) error {
	text, err := h.board.GetContext(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return h.ok(c, http.StatusOK, map[string]string{"context": text})
}

func (h *handlers) searchTasks(c echo.Context) error {
	tasks, err := h.board.SearchTasks(c.Request().Context(), c.QueryParam("q"), c.QueryParam("lane"))
	if err != nil {
		return h.fail(c, err)
	}
	return h.ok(c, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (h *handlers) getTask(c echo.Context) error {
	task, err := h.board.GetTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return h.ok(c, http.StatusOK, task)
}

func (h *handlers) createTask(c echo.Context) error {
	body, err := readObject(c)
	if err != nil {
		return h.fail(c, err)
	}
	f, err := domain.ParseTaskFields(body)
	if err != nil {
		return h.fail(c, err)
	}
	return h.idempotent(c, func(ctx context.Context) (any, error) {
		return h.board.CreateTask(ctx, f)
	})
}

func (h *handlers) createTasks(c echo.Context) error {
	body, err := readObject(c)
	if err != nil {
		return h.fail(c, err)
	}
	raw, ok := body["tasks"].([]any)
	if !ok {
		return h.fail(c, &domain.ValidationError{Field: "tasks", Message: "must be an array"})
	}
	items, err := domain.ParseTaskBatch(raw, h.board.MaxBatchSize())
	if err != nil {
		return h.fail(c, err)
	}
	return h.idempotent(c, func(ctx context.Context) (any, error) {
		tasks, err := h.board.CreateTasks(ctx, items)
		if err != nil {
			return nil, err
		}
		return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
	})
}

// idempotent runs create under the request's Idempotency-Key, if any. A key
// seen within the TTL is rejected; the key is released when create fails.
func (h *handlers) idempotent(c echo.Context, create func(ctx context.Context) (any, error)) error {
	ctx := c.Request().Context()
	key := c.Request().Header.Get(IdempotencyHeader)
	if key == "" || h.deduper == nil {
		data, err := create(ctx)
		if err != nil {
			return h.fail(c, err)
		}
		return h.ok(c, http.StatusCreated, data)
	}

	scope := h.board.BoardID()
	added, err := h.deduper.Add(ctx, scope, key)
	switch {
	case err != nil:
		// Fail open: the request is processed without deduplication.
		h.logger.WithError(err).Warn("idempotency check failed, processing request")
	case !added:
		c.Set(errorCodeKey, board.CodeDuplicateRequest)
		return c.JSON(http.StatusConflict, board.Result{Error: &board.ErrorPayload{
			Code:    board.CodeDuplicateRequest,
			Message: "request with this idempotency key was already processed",
			Details: map[string]any{"idempotencyKey": key},
		}})
	}

	data, err := create(ctx)
	if err != nil {
		if rerr := h.deduper.Remove(context.WithoutCancel(ctx), scope, key); rerr != nil {
			h.logger.WithError(rerr).Warn("failed to release idempotency key")
		}
		return h.fail(c, err)
	}
	return h.ok(c, http.StatusCreated, data)
}

func (h *handlers) updateTask(c echo.Context) error {
	body, err := readObject(c)
	if err != nil {
		return h.fail(c, err)
	}
	f, err := domain.ParseTaskFields(body)
	if err != nil {
		return h.fail(c, err)
	}
	task, err := h.board.UpdateTask(c.Request().Context(), c.Param("id"), f)
	if err != nil {
		return h.fail(c, err)
	}
	return h.ok(c, http.StatusOK, task)
}

func (h *handlers) moveTask(c echo.Context) error {
	body, err := readObject(c)
	if err != nil {
		return h.fail(c, err)
	}
	lane, ok := body["lane"].(string)
	if !ok {
		return h.fail(c, &domain.ValidationError{Field: "lane", Message: "is required"})
	}
	var expected *int64
	if v, present := body["expectedVersion"]; present {
		f, err := domain.ParseTaskFields(map[string]any{"expectedVersion": v})
		if err != nil {
			return h.fail(c, err)
		}
		expected = f.ExpectedVersion
	}
	task, err := h.board.MoveTask(c.Request().Context(), c.Param("id"), lane, expected)
	if err != nil {
		return h.fail(c, err)
	}
	return h.ok(c, http.StatusOK, task)
}

func (h *handlers) deleteTask(c echo.Context) error {
	deleted, err := h.board.DeleteTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return h.ok(c, http.StatusOK, map[string]bool{"deleted": deleted})
}
