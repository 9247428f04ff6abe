package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"prism-board/domain"
)

//go:embed schema.sql
var schemaSQL string

const taskColumns = `id, title, description, lane, priority, estimated_hours, tags, version, created_at, updated_at`

// SQLite stores the board in a SQLite database. The pool is limited to a
// single connection, so each transaction has exclusive access to the file.
type SQLite struct {
	db   *sql.DB
	name string

	mu   sync.Mutex
	info domain.BoardInfo
}

// OpenSQLite opens or creates the database at path for the board called
// name. Initialize must be called before use.
func OpenSQLite(path, name string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db, name: name}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Initialize creates the schema. It is idempotent.
func (s *SQLite) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *SQLite) GetOrCreateBoard(ctx context.Context) (domain.BoardInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.ID != "" {
		return s.info, nil
	}

	info := domain.BoardInfo{ID: uuid.NewString(), Name: s.name, CreatedAt: time.Now().UTC()}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO boards (id, name, created_at) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`,
		info.ID, info.Name, info.CreatedAt.UnixNano(),
	); err != nil {
		return domain.BoardInfo{}, fmt.Errorf("create board: %w", err)
	}

	var created int64
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM boards WHERE name = ?`, s.name).
		Scan(&info.ID, &info.Name, &created)
	if err != nil {
		return domain.BoardInfo{}, fmt.Errorf("load board: %w", err)
	}
	info.CreatedAt = time.Unix(0, created).UTC()
	s.info = info
	return info, nil
}

func (s *SQLite) boardID(ctx context.Context) (string, error) {
	info, err := s.GetOrCreateBoard(ctx)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (s *SQLite) LoadTasks(ctx context.Context) (map[domain.Lane][]domain.Task, error) {
	tasks, err := s.queryTasks(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.Lane][]domain.Task, len(domain.Lanes()))
	for _, l := range domain.Lanes() {
		out[l] = []domain.Task{}
	}
	for _, t := range tasks {
		out[t.Lane] = append(out[t.Lane], t)
	}
	return out, nil
}

func (s *SQLite) GetTask(ctx context.Context, id string) (domain.Task, error) {
	board, err := s.boardID(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE board_id = ? AND id = ?`, board, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, &domain.TaskNotFoundError{TaskID: id}
	}
	return t, err
}

func (s *SQLite) CreateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	created, err := s.CreateTasks(ctx, []domain.Task{task})
	if err != nil {
		return domain.Task{}, err
	}
	return created[0], nil
}

// CreateTasks inserts every task in one transaction.
func (s *SQLite) CreateTasks(ctx context.Context, tasks []domain.Task) ([]domain.Task, error) {
	board, err := s.boardID(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create tasks: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tasks (board_id, `+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("create tasks: prepare: %w", err)
	}
	defer stmt.Close()

	out := make([]domain.Task, len(tasks))
	for i, t := range tasks {
		args, err := taskArgs(t)
		if err != nil {
			return nil, err
		}
		if _, err := stmt.ExecContext(ctx, append([]any{board, t.ID}, args...)...); err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("create %s: %w", t.ID, ErrTaskExists)
			}
			return nil, fmt.Errorf("create %s: %w", t.ID, err)
		}
		out[i] = t.Clone()
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create tasks: commit: %w", err)
	}
	return out, nil
}

// UpdateTask reads, mutates and writes the row inside one transaction.
func (s *SQLite) UpdateTask(ctx context.Context, id string, mutate domain.TaskMutation) (domain.TaskChange, error) {
	board, err := s.boardID(ctx)
	if err != nil {
		return domain.TaskChange{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskChange{}, fmt.Errorf("update task: begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE board_id = ? AND id = ?`, board, id)
	cur, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskChange{}, &domain.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return domain.TaskChange{}, err
	}

	next, err := mutate(cur.Clone())
	if err != nil {
		return domain.TaskChange{}, err
	}
	next.ID = id
	args, err := taskArgs(next)
	if err != nil {
		return domain.TaskChange{}, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, lane = ?, priority = ?, estimated_hours = ?,
			tags = ?, version = ?, created_at = ?, updated_at = ?
		WHERE board_id = ? AND id = ?`,
		append(args, board, id)...,
	)
	if err != nil {
		return domain.TaskChange{}, fmt.Errorf("update %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskChange{}, fmt.Errorf("update %s: commit: %w", id, err)
	}
	return domain.TaskChange{Before: cur, After: next}, nil
}

func (s *SQLite) DeleteTask(ctx context.Context, id string) (bool, error) {
	board, err := s.boardID(ctx)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE board_id = ? AND id = ?`, board, id)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// GetStats aggregates in the database, one row per lane and priority pair.
func (s *SQLite) GetStats(ctx context.Context) (domain.Stats, error) {
	board, err := s.boardID(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT lane, priority, COUNT(*), COALESCE(SUM(estimated_hours), 0), COUNT(estimated_hours)
		FROM tasks WHERE board_id = ?
		GROUP BY lane, priority`, board)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	stats := domain.NewStats()
	for rows.Next() {
		var (
			lane, priority   string
			count, estimated int
			hours            float64
		)
		if err := rows.Scan(&lane, &priority, &count, &hours, &estimated); err != nil {
			return domain.Stats{}, fmt.Errorf("stats: scan: %w", err)
		}
		stats.AddGroup(domain.Lane(lane), domain.Priority(priority), count, hours, estimated)
	}
	return stats, rows.Err()
}

// SearchTasks narrows by lane in SQL and matches text in Go, so matching
// behaves the same for non-ASCII text as in the other adapters.
func (s *SQLite) SearchTasks(ctx context.Context, q domain.SearchQuery, lane *domain.Lane) ([]domain.Task, error) {
	tasks, err := s.queryTasks(ctx, lane)
	if err != nil {
		return nil, err
	}
	out := []domain.Task{}
	for _, t := range tasks {
		if q.Matches(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *SQLite) queryTasks(ctx context.Context, lane *domain.Lane) ([]domain.Task, error) {
	board, err := s.boardID(ctx)
	if err != nil {
		return nil, err
	}
	clauses := []string{"board_id = ?"}
	args := []any{board}
	if lane != nil {
		clauses = append(clauses, "lane = ?")
		args = append(args, string(*lane))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at, id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (domain.Task, error) {
	var (
		t                domain.Task
		lane, priority   string
		hours            sql.NullFloat64
		tags             string
		created, updated int64
	)
	if err := r.Scan(&t.ID, &t.Title, &t.Description, &lane, &priority, &hours, &tags, &t.Version, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	t.Lane = domain.Lane(lane)
	t.Priority = domain.Priority(priority)
	if hours.Valid {
		h := hours.Float64
		t.EstimatedHours = &h
	}
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return domain.Task{}, fmt.Errorf("decode tags of %s: %w", t.ID, err)
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	return t, nil
}

// taskArgs returns the column values after id, in taskColumns order.
func taskArgs(t domain.Task) ([]any, error) {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags of %s: %w", t.ID, err)
	}
	var hours any
	if t.EstimatedHours != nil {
		hours = *t.EstimatedHours
	}
	return []any{
		t.Title, t.Description, string(t.Lane), string(t.Priority), hours,
		string(encoded), t.Version, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	}, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
