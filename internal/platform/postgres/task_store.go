package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/autoedit/tate-api/internal/domain"
	"github.com/autoedit/tate-api/internal/store"
)

// taskColumns is the scan order shared by every task SELECT.
const taskColumns = `id, task_id, project_id, type, status, progress, current_step,
	total_steps, completed_steps, priority, input_data, output_data, error_message,
	created_at, started_at, completed_at, updated_at, estimated_time, actual_time`

// PostgresTaskStore implements the store.TaskStore interface using a
// PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	conn   *sql.DB
	logger *slog.Logger
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the
// TaskStore interface. If logger is nil, a default logger is used.
func NewPostgresTaskStore(conn *sql.DB, logger *slog.Logger) *PostgresTaskStore {
	if conn == nil {
		panic("conn cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTaskStore{
		db:     conn,
		conn:   conn,
		logger: logger.With(slog.String("component", "task_store")),
	}
}

var _ store.TaskStore = (*PostgresTaskStore)(nil)

// DB returns the connection the store was created with, even when the
// store is currently bound to a transaction.
func (s *PostgresTaskStore) DB() *sql.DB {
	return s.conn
}

// WithTx returns a TaskStore bound to the provided transaction.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{
		db:     tx,
		conn:   s.conn,
		logger: s.logger,
	}
}

// Create implements store.TaskStore.Create.
func (s *PostgresTaskStore) Create(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (task_id, project_id, type, status, progress, current_step,
			total_steps, completed_steps, priority, input_data, output_data,
			error_message, created_at, started_at, completed_at, updated_at,
			estimated_time, actual_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		task.TaskID,
		task.ProjectID,
		task.Type,
		task.Status,
		task.Progress,
		nullString(task.CurrentStep),
		task.TotalSteps,
		task.CompletedSteps,
		task.Priority,
		nullJSON(task.InputData),
		nullJSON(task.OutputData),
		nullString(task.ErrorMessage),
		task.CreatedAt,
		task.StartedAt,
		task.CompletedAt,
		task.UpdatedAt,
		task.EstimatedTime,
		task.ActualTime,
	).Scan(&task.ID)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %v", store.ErrTaskIDExists, err)
		}
		if IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: %v", store.ErrProjectNotFound, err)
		}
		s.logger.Error("failed to insert task", "task_id", task.TaskID, "error", err)
		return MapError(err)
	}
	return nil
}

// CreateBatch implements store.TaskStore.CreateBatch. Run it under WithTx
// for all-or-nothing semantics.
func (s *PostgresTaskStore) CreateBatch(ctx context.Context, tasks []*domain.Task) error {
	for _, task := range tasks {
		if err := s.Create(ctx, task); err != nil {
			return fmt.Errorf("task %s: %w", task.TaskID, err)
		}
	}
	return nil
}

// Get implements store.TaskStore.Get.
func (s *PostgresTaskStore) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE task_id = $1`, taskColumns)
	task, err := scanTask(s.db.QueryRowContext(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
		}
		s.logger.Error("failed to get task", "task_id", taskID, "error", err)
		return nil, MapError(err)
	}
	return task, nil
}

// GetForUpdate implements store.TaskStore.GetForUpdate. The row lock it
// takes serializes concurrent mutations of the same task for the lifetime
// of the enclosing transaction.
func (s *PostgresTaskStore) GetForUpdate(ctx context.Context, taskID string) (*domain.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE task_id = $1 FOR UPDATE`, taskColumns)
	task, err := scanTask(s.db.QueryRowContext(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
		}
		s.logger.Error("failed to get task for update", "task_id", taskID, "error", err)
		return nil, MapError(err)
	}
	return task, nil
}

// Save implements store.TaskStore.Save.
func (s *PostgresTaskStore) Save(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE tasks
		SET status = $1, progress = $2, current_step = $3, total_steps = $4,
			completed_steps = $5, priority = $6, output_data = $7, error_message = $8,
			started_at = $9, completed_at = $10, updated_at = $11, actual_time = $12
		WHERE task_id = $13`

	result, err := s.db.ExecContext(ctx, query,
		task.Status,
		task.Progress,
		nullString(task.CurrentStep),
		task.TotalSteps,
		task.CompletedSteps,
		task.Priority,
		nullJSON(task.OutputData),
		nullString(task.ErrorMessage),
		task.StartedAt,
		task.CompletedAt,
		task.UpdatedAt,
		task.ActualTime,
		task.TaskID,
	)
	if err != nil {
		s.logger.Error("failed to update task", "task_id", task.TaskID, "error", err)
		return MapError(err)
	}
	if err := CheckRowsAffected(result, "task"); err != nil {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, task.TaskID)
	}
	return nil
}

// Delete implements store.TaskStore.Delete. Log records go with the task
// via the schema's ON DELETE CASCADE.
func (s *PostgresTaskStore) Delete(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID)
	if err != nil {
		s.logger.Error("failed to delete task", "task_id", taskID, "error", err)
		return MapError(err)
	}
	if err := CheckRowsAffected(result, "task"); err != nil {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
	}
	return nil
}

// List implements store.TaskStore.List.
func (s *PostgresTaskStore) List(ctx context.Context, filter store.TaskFilter, limit, offset int, includeCount bool) (*store.TaskPage, error) {
	var conditions []string
	var args []any

	if filter.ProjectID != nil {
		args = append(args, *filter.ProjectID)
		conditions = append(conditions, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	page := &store.TaskPage{}
	if includeCount {
		countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM tasks %s`, where)
		if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&page.Total); err != nil {
			s.logger.Error("failed to count tasks", "error", err)
			return nil, MapError(err)
		}
		page.ExactCount = true
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT %s FROM tasks %s
		ORDER BY priority DESC, created_at DESC
		LIMIT $%d OFFSET $%d`,
		taskColumns, where, len(args)-1, len(args))

	tasks, err := s.queryTasks(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	page.Tasks = tasks
	if !page.ExactCount {
		page.Total = offset + len(tasks)
	}
	return page, nil
}

// CountByStatus implements store.TaskStore.CountByStatus.
func (s *PostgresTaskStore) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		s.logger.Error("failed to count tasks by status", "error", err)
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status domain.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, MapError(err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return counts, nil
}

// ListByStatus implements store.TaskStore.ListByStatus.
func (s *PostgresTaskStore) ListByStatus(ctx context.Context, statuses []domain.TaskStatus, limit int) ([]*domain.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, status := range statuses {
		args = append(args, status)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	query := fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE status IN (%s)
		ORDER BY created_at ASC`,
		taskColumns, strings.Join(placeholders, ", "))
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return s.queryTasks(ctx, query, args...)
}

// ListRecentTerminal implements store.TaskStore.ListRecentTerminal.
func (s *PostgresTaskStore) ListRecentTerminal(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.Task, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE status = $1
		ORDER BY completed_at DESC NULLS LAST
		LIMIT $2`, taskColumns)
	return s.queryTasks(ctx, query, status, limit)
}

// AppendLog implements store.TaskStore.AppendLog.
func (s *PostgresTaskStore) AppendLog(ctx context.Context, entry *domain.TaskLog) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO task_logs (task_id, timestamp, level, message, step_name,
			step_progress, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		entry.TaskID,
		entry.Timestamp,
		entry.Level,
		entry.Message,
		nullString(entry.StepName),
		entry.StepProgress,
		nullJSON(entry.Metadata),
	).Scan(&entry.ID)
	if err != nil {
		if IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: id %d", store.ErrTaskNotFound, entry.TaskID)
		}
		s.logger.Error("failed to insert task log", "task_pk", entry.TaskID, "error", err)
		return MapError(err)
	}
	return nil
}

// ListLogs implements store.TaskStore.ListLogs.
func (s *PostgresTaskStore) ListLogs(ctx context.Context, taskID int64, limit, offset int) ([]*domain.TaskLog, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_logs WHERE task_id = $1`, taskID).Scan(&total); err != nil {
		s.logger.Error("failed to count task logs", "task_pk", taskID, "error", err)
		return nil, 0, MapError(err)
	}

	query := `
		SELECT id, task_id, timestamp, level, message, step_name, step_progress, metadata
		FROM task_logs
		WHERE task_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, taskID, limit, offset)
	if err != nil {
		s.logger.Error("failed to query task logs", "task_pk", taskID, "error", err)
		return nil, 0, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var logs []*domain.TaskLog
	for rows.Next() {
		entry := &domain.TaskLog{}
		var stepName sql.NullString
		var metadata []byte
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.Timestamp, &entry.Level,
			&entry.Message, &stepName, &entry.StepProgress, &metadata); err != nil {
			return nil, 0, MapError(err)
		}
		entry.StepName = stepName.String
		entry.Metadata = metadata
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, MapError(err)
	}
	return logs, total, nil
}

func (s *PostgresTaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("failed to query tasks", "error", err)
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	task := &domain.Task{}
	var currentStep, errorMessage sql.NullString
	var inputData, outputData []byte
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.TaskID,
		&task.ProjectID,
		&task.Type,
		&task.Status,
		&task.Progress,
		&currentStep,
		&task.TotalSteps,
		&task.CompletedSteps,
		&task.Priority,
		&inputData,
		&outputData,
		&errorMessage,
		&task.CreatedAt,
		&startedAt,
		&completedAt,
		&task.UpdatedAt,
		&task.EstimatedTime,
		&task.ActualTime,
	)
	if err != nil {
		return nil, err
	}

	task.CurrentStep = currentStep.String
	task.ErrorMessage = errorMessage.String
	task.InputData = inputData
	task.OutputData = outputData
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return task, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullJSON stores empty payloads as NULL rather than invalid empty jsonb.
func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
