package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

const (
	// boardsPartition holds one record per board, keyed by board name.
	boardsPartition = "_boards"
	// maxTransactionActions is the Azure limit for one entity group transaction.
	maxTransactionActions = 100
	maxUpdateAttempts     = 5

	edmInt64 = "Edm.Int64"
)

// tableClient is the subset of *aztables.Client used by Tables.
type tableClient interface {
	CreateTable(ctx context.Context, o *aztables.CreateTableOptions) (aztables.CreateTableResponse, error)
	GetEntity(ctx context.Context, pk, rk string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, o *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, o *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, pk, rk string, o *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	SubmitTransaction(ctx context.Context, actions []aztables.TransactionAction, o *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error)
}

// Tables stores the board in Azure Table Storage. Tasks are partitioned by
// board ID; updates are guarded by the entity ETag and retried on conflict.
type Tables struct {
	table  tableClient
	name   string
	logger *log.Logger

	mu   sync.Mutex
	info domain.BoardInfo
}

// NewTables connects to the table named tableName.
func NewTables(connStr, tableName, boardName string, logger *log.Logger) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return newTables(svc.NewClient(tableName), boardName, logger), nil
}

func newTables(client tableClient, boardName string, logger *log.Logger) *Tables {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Tables{table: client, name: boardName, logger: logger}
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type boardEntity struct {
	entityKeys
	BoardID       string `json:"BoardId"`
	Name          string `json:"Name"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
}

type taskEntity struct {
	entityKeys
	Title          string   `json:"Title"`
	Description    string   `json:"Description"`
	Lane           string   `json:"Lane"`
	Priority       string   `json:"Priority"`
	EstimatedHours *float64 `json:"EstimatedHours,omitempty"`
	Tags           string   `json:"Tags"`
	Version        int64    `json:"Version,string"`
	VersionType    string   `json:"Version@odata.type"`
	CreatedAt      int64    `json:"CreatedAt,string"`
	CreatedAtType  string   `json:"CreatedAt@odata.type"`
	UpdatedAt      int64    `json:"UpdatedAt,string"`
	UpdatedAtType  string   `json:"UpdatedAt@odata.type"`
}

func toTaskEntity(boardID string, t domain.Task) (taskEntity, error) {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return taskEntity{}, err
	}
	return taskEntity{
		entityKeys:     entityKeys{PartitionKey: boardID, RowKey: t.ID},
		Title:          t.Title,
		Description:    t.Description,
		Lane:           string(t.Lane),
		Priority:       string(t.Priority),
		EstimatedHours: t.EstimatedHours,
		Tags:           string(encoded),
		Version:        t.Version,
		VersionType:    edmInt64,
		CreatedAt:      t.CreatedAt.UnixNano(),
		CreatedAtType:  edmInt64,
		UpdatedAt:      t.UpdatedAt.UnixNano(),
		UpdatedAtType:  edmInt64,
	}, nil
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:             ent.RowKey,
		Title:          ent.Title,
		Description:    ent.Description,
		Lane:           domain.Lane(ent.Lane),
		Priority:       domain.Priority(ent.Priority),
		EstimatedHours: ent.EstimatedHours,
		Tags:           []string{},
		Version:        ent.Version,
		CreatedAt:      time.Unix(0, ent.CreatedAt).UTC(),
		UpdatedAt:      time.Unix(0, ent.UpdatedAt).UTC(),
	}
	if ent.Tags != "" {
		if err := json.Unmarshal([]byte(ent.Tags), &t.Tags); err != nil {
			return domain.Task{}, fmt.Errorf("decode tags of %s: %w", ent.RowKey, err)
		}
	}
	return t, nil
}

// boardRowKey maps a board name onto the characters a RowKey may hold.
func boardRowKey(name string) string {
	key := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == '#' || r == '?':
			return '_'
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, name)
	if key == "" {
		return "default"
	}
	return key
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// Initialize creates the table when it does not exist yet.
func (s *Tables) Initialize(ctx context.Context) error {
	_, err := s.table.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return err
		}
	}
	return nil
}

func (s *Tables) GetOrCreateBoard(ctx context.Context) (domain.BoardInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.ID != "" {
		return s.info, nil
	}
	rk := boardRowKey(s.name)
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := s.table.GetEntity(ctx, boardsPartition, rk, nil)
		if err == nil {
			var ent boardEntity
			if err := json.Unmarshal(resp.Value, &ent); err != nil {
				return domain.BoardInfo{}, err
			}
			s.info = domain.BoardInfo{ID: ent.BoardID, Name: ent.Name, CreatedAt: time.Unix(0, ent.CreatedAt).UTC()}
			return s.info, nil
		}
		if statusCode(err) != 404 {
			return domain.BoardInfo{}, err
		}

		ent := boardEntity{
			entityKeys:    entityKeys{PartitionKey: boardsPartition, RowKey: rk},
			BoardID:       uuid.NewString(),
			Name:          s.name,
			CreatedAt:     time.Now().UnixNano(),
			CreatedAtType: edmInt64,
		}
		payload, err := json.Marshal(ent)
		if err != nil {
			return domain.BoardInfo{}, err
		}
		_, err = s.table.AddEntity(ctx, payload, nil)
		if err == nil {
			s.info = domain.BoardInfo{ID: ent.BoardID, Name: ent.Name, CreatedAt: time.Unix(0, ent.CreatedAt).UTC()}
			s.logger.WithFields(log.Fields{"board": ent.BoardID, "name": ent.Name}).Info("board record created")
			return s.info, nil
		}
		// 409 means another instance created the record first; read it back.
		if statusCode(err) != 409 {
			return domain.BoardInfo{}, err
		}
	}
	return domain.BoardInfo{}, fmt.Errorf("board %q could not be created or loaded", s.name)
}

func (s *Tables) boardID(ctx context.Context) (string, error) {
	info, err := s.GetOrCreateBoard(ctx)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (s *Tables) listTasks(ctx context.Context) ([]domain.Task, error) {
	board, err := s.boardID(ctx)
	if err != nil {
		return nil, err
	}
	filter := "PartitionKey eq '" + board + "'"
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

func (s *Tables) LoadTasks(ctx context.Context) (map[domain.Lane][]domain.Task, error) {
	tasks, err := s.listTasks(ctx)
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

func (s *Tables) getTask(ctx context.Context, board, id string) (domain.Task, azcore.ETag, error) {
	resp, err := s.table.GetEntity(ctx, board, id, nil)
	if err != nil {
		if statusCode(err) == 404 {
			return domain.Task{}, "", &domain.TaskNotFoundError{TaskID: id}
		}
		return domain.Task{}, "", err
	}
	t, err := decodeTaskEntity(resp.Value)
	if err != nil {
		return domain.Task{}, "", err
	}
	return t, resp.ETag, nil
}

func (s *Tables) GetTask(ctx context.Context, id string) (domain.Task, error) {
	board, err := s.boardID(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	t, _, err := s.getTask(ctx, board, id)
	return t, err
}

func (s *Tables) CreateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	board, err := s.boardID(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	ent, err := toTaskEntity(board, task)
	if err != nil {
		return domain.Task{}, err
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.table.AddEntity(ctx, payload, nil); err != nil {
		if statusCode(err) == 409 {
			return domain.Task{}, fmt.Errorf("create %s: %w", task.ID, ErrTaskExists)
		}
		return domain.Task{}, err
	}
	return task.Clone(), nil
}

// CreateTasks submits the batch as entity group transactions of at most
// maxTransactionActions entities. A batch that fits one transaction is
// atomic; when a later chunk of a larger batch fails, earlier chunks are
// deleted again.
func (s *Tables) CreateTasks(ctx context.Context, tasks []domain.Task) ([]domain.Task, error) {
	board, err := s.boardID(ctx)
	if err != nil {
		return nil, err
	}
	var committed []domain.Task
	for start := 0; start < len(tasks); start += maxTransactionActions {
		end := min(start+maxTransactionActions, len(tasks))
		chunk := tasks[start:end]
		actions := make([]aztables.TransactionAction, len(chunk))
		for i, t := range chunk {
			ent, err := toTaskEntity(board, t)
			if err != nil {
				return nil, err
			}
			payload, err := json.Marshal(ent)
			if err != nil {
				return nil, err
			}
			actions[i] = aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: payload}
		}
		if _, err := s.table.SubmitTransaction(ctx, actions, nil); err != nil {
			s.undo(ctx, board, committed)
			return nil, fmt.Errorf("submit transaction for tasks %d-%d: %w", start, end-1, err)
		}
		committed = append(committed, chunk...)
	}
	out := make([]domain.Task, len(committed))
	for i, t := range committed {
		out[i] = t.Clone()
	}
	return out, nil
}

func (s *Tables) undo(ctx context.Context, board string, tasks []domain.Task) {
	ctx = context.WithoutCancel(ctx)
	for _, t := range tasks {
		if _, err := s.table.DeleteEntity(ctx, board, t.ID, nil); err != nil && statusCode(err) != 404 {
			s.logger.WithError(err).WithField("task", t.ID).Error("failed to undo batch item")
		}
	}
}

// UpdateTask applies mutate with optimistic concurrency: the write carries
// the ETag that was read and is retried from a fresh read on 412.
func (s *Tables) UpdateTask(ctx context.Context, id string, mutate domain.TaskMutation) (domain.TaskChange, error) {
	board, err := s.boardID(ctx)
	if err != nil {
		return domain.TaskChange{}, err
	}
	for attempt := 1; ; attempt++ {
		cur, etag, err := s.getTask(ctx, board, id)
		if err != nil {
			return domain.TaskChange{}, err
		}
		next, err := mutate(cur.Clone())
		if err != nil {
			return domain.TaskChange{}, err
		}
		next.ID = id

		err = s.replaceTask(ctx, board, next, etag)
		if err == nil {
			return domain.TaskChange{Before: cur, After: next}, nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return domain.TaskChange{}, err
		}
		if attempt == maxUpdateAttempts {
			return domain.TaskChange{}, fmt.Errorf("update %s after %d attempts: %w", id, attempt, err)
		}
		s.logger.WithFields(log.Fields{"task": id, "attempt": attempt}).Debug("task changed during update, retrying")
	}
}

func (s *Tables) replaceTask(ctx context.Context, board string, t domain.Task, etag azcore.ETag) error {
	ent, err := toTaskEntity(board, t)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	switch statusCode(err) {
	case 412:
		return domain.ErrConcurrencyConflict
	case 404:
		return &domain.TaskNotFoundError{TaskID: t.ID}
	}
	return err
}

func (s *Tables) DeleteTask(ctx context.Context, id string) (bool, error) {
	board, err := s.boardID(ctx)
	if err != nil {
		return false, err
	}
	if _, err := s.table.DeleteEntity(ctx, board, id, nil); err != nil {
		if statusCode(err) == 404 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetStats aggregates client side; Table Storage has no server-side
// grouping.
func (s *Tables) GetStats(ctx context.Context) (domain.Stats, error) {
	tasks, err := s.listTasks(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	return domain.ComputeStats(tasks), nil
}

func (s *Tables) SearchTasks(ctx context.Context, q domain.SearchQuery, lane *domain.Lane) ([]domain.Task, error) {
	tasks, err := s.listTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := []domain.Task{}
	for _, t := range tasks {
		if lane != nil && t.Lane != *lane {
			continue
		}
		if q.Matches(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Tables) HealthCheck(ctx context.Context) error {
	_, err := s.table.GetEntity(ctx, boardsPartition, boardRowKey(s.name), nil)
	if err != nil && statusCode(err) != 404 {
		return err
	}
	return nil
}

func (s *Tables) Close() error { return nil }
