// Package store defines interfaces for data persistence operations.
// These interfaces abstract the underlying data storage mechanism from
// the application's core logic, allowing business rules to remain
// independent of specific database technologies or persistence details.
package store

import (
	"context"
	"database/sql"

	"github.com/autoedit/tate-api/internal/domain"
)

// DBTX is an interface that abstracts the database access layer.
// It is implemented by both *sql.DB and *sql.Tx, allowing store code
// to work with either a database connection or a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TaskFilter narrows List queries. Zero values mean "no filter".
type TaskFilter struct {
	ProjectID *int64
	Status    domain.TaskStatus
	Type      domain.TaskType
}

// TaskPage holds one page of a task listing. Total is exact when the query
// requested a count, otherwise an estimate derived from the page bounds.
type TaskPage struct {
	Tasks      []*domain.Task
	Total      int
	ExactCount bool
}

// TaskStore persists tasks and their append-only log records.
//
// GetForUpdate must acquire per-task exclusivity for the lifetime of the
// enclosing transaction: concurrent mutations of the same task identity are
// serialized behind it.
type TaskStore interface {
	// Create inserts a new task. Returns ErrTaskIDExists if the task
	// identity is already taken.
	Create(ctx context.Context, task *domain.Task) error

	// CreateBatch inserts all tasks or none. Callers wanting atomicity run
	// it inside a transaction via WithTx.
	CreateBatch(ctx context.Context, tasks []*domain.Task) error

	// Get retrieves a task by its external identity.
	// Returns ErrTaskNotFound if no such task exists.
	Get(ctx context.Context, taskID string) (*domain.Task, error)

	// GetForUpdate retrieves a task and locks its row until the enclosing
	// transaction ends. Must be called inside a transaction.
	GetForUpdate(ctx context.Context, taskID string) (*domain.Task, error)

	// Save writes all mutable fields of the task.
	// Returns ErrTaskNotFound if the task no longer exists.
	Save(ctx context.Context, task *domain.Task) error

	// Delete removes the task and, by cascade, its logs.
	Delete(ctx context.Context, taskID string) error

	// List returns a filtered, paginated page of tasks ordered by priority
	// descending then creation time descending.
	List(ctx context.Context, filter TaskFilter, limit, offset int, includeCount bool) (*TaskPage, error)

	// CountByStatus returns the number of tasks per status.
	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)

	// ListByStatus returns tasks in the given statuses ordered by creation
	// time ascending, up to limit (0 means no limit).
	ListByStatus(ctx context.Context, statuses []domain.TaskStatus, limit int) ([]*domain.Task, error)

	// ListRecentTerminal returns the most recently completed tasks in the
	// given terminal status ordered by completion time descending.
	ListRecentTerminal(ctx context.Context, status domain.TaskStatus, limit int) ([]*domain.Task, error)

	// AppendLog inserts an append-only log record for a task.
	AppendLog(ctx context.Context, entry *domain.TaskLog) error

	// ListLogs returns log records for a task, newest first.
	ListLogs(ctx context.Context, taskID int64, limit, offset int) ([]*domain.TaskLog, int, error)

	// WithTx returns a TaskStore bound to the provided transaction, allowing
	// multiple operations to execute within a single transaction.
	WithTx(tx *sql.Tx) TaskStore
}

// ProjectStore persists task-owning project containers.
type ProjectStore interface {
	// Create inserts a new project and assigns its ID.
	Create(ctx context.Context, project *domain.Project) error

	// Get retrieves a project by ID.
	// Returns ErrProjectNotFound if no such project exists.
	Get(ctx context.Context, id int64) (*domain.Project, error)

	// Save writes all mutable fields of the project.
	Save(ctx context.Context, project *domain.Project) error

	// Delete removes the project; task deletion cascades at the schema level.
	Delete(ctx context.Context, id int64) error

	// List returns a page of projects ordered by creation time descending.
	List(ctx context.Context, limit, offset int) ([]*domain.Project, int, error)

	// WithTx returns a ProjectStore bound to the provided transaction.
	WithTx(tx *sql.Tx) ProjectStore
}
