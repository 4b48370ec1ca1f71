package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/autoedit/tate-api/internal/domain"
	"github.com/autoedit/tate-api/internal/store"
)

const projectColumns = `id, name, description, xml_path, audio_path, video_path,
	output_dir, created_at, updated_at`

// PostgresProjectStore implements the store.ProjectStore interface using a
// PostgreSQL database as the storage backend.
type PostgresProjectStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresProjectStore creates a new PostgreSQL implementation of the
// ProjectStore interface. If logger is nil, a default logger is used.
func NewPostgresProjectStore(db store.DBTX, logger *slog.Logger) *PostgresProjectStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresProjectStore{
		db:     db,
		logger: logger.With(slog.String("component", "project_store")),
	}
}

var _ store.ProjectStore = (*PostgresProjectStore)(nil)

// WithTx returns a ProjectStore bound to the provided transaction.
func (s *PostgresProjectStore) WithTx(tx *sql.Tx) store.ProjectStore {
	return &PostgresProjectStore{db: tx, logger: s.logger}
}

// Create implements store.ProjectStore.Create.
func (s *PostgresProjectStore) Create(ctx context.Context, project *domain.Project) error {
	if err := project.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO projects (name, description, xml_path, audio_path, video_path,
			output_dir, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		project.Name,
		nullString(project.Description),
		nullString(project.XMLPath),
		nullString(project.AudioPath),
		nullString(project.VideoPath),
		nullString(project.OutputDir),
		project.CreatedAt,
		project.UpdatedAt,
	).Scan(&project.ID)
	if err != nil {
		s.logger.Error("failed to insert project", "name", project.Name, "error", err)
		return MapError(err)
	}
	return nil
}

// Get implements store.ProjectStore.Get.
func (s *PostgresProjectStore) Get(ctx context.Context, id int64) (*domain.Project, error) {
	query := fmt.Sprintf(`SELECT %s FROM projects WHERE id = $1`, projectColumns)
	project, err := scanProject(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", store.ErrProjectNotFound, id)
		}
		s.logger.Error("failed to get project", "project_id", id, "error", err)
		return nil, MapError(err)
	}
	return project, nil
}

// Save implements store.ProjectStore.Save.
func (s *PostgresProjectStore) Save(ctx context.Context, project *domain.Project) error {
	if err := project.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE projects
		SET name = $1, description = $2, xml_path = $3, audio_path = $4,
			video_path = $5, output_dir = $6, updated_at = $7
		WHERE id = $8`

	result, err := s.db.ExecContext(ctx, query,
		project.Name,
		nullString(project.Description),
		nullString(project.XMLPath),
		nullString(project.AudioPath),
		nullString(project.VideoPath),
		nullString(project.OutputDir),
		project.UpdatedAt,
		project.ID,
	)
	if err != nil {
		s.logger.Error("failed to update project", "project_id", project.ID, "error", err)
		return MapError(err)
	}
	if err := CheckRowsAffected(result, "project"); err != nil {
		return fmt.Errorf("%w: id %d", store.ErrProjectNotFound, project.ID)
	}
	return nil
}

// Delete implements store.ProjectStore.Delete. Tasks owned by the project
// go with it via the schema's ON DELETE CASCADE.
func (s *PostgresProjectStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		s.logger.Error("failed to delete project", "project_id", id, "error", err)
		return MapError(err)
	}
	if err := CheckRowsAffected(result, "project"); err != nil {
		return fmt.Errorf("%w: id %d", store.ErrProjectNotFound, id)
	}
	return nil
}

// List implements store.ProjectStore.List.
func (s *PostgresProjectStore) List(ctx context.Context, limit, offset int) ([]*domain.Project, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&total); err != nil {
		s.logger.Error("failed to count projects", "error", err)
		return nil, 0, MapError(err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM projects
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, projectColumns)

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		s.logger.Error("failed to query projects", "error", err)
		return nil, 0, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*domain.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, 0, MapError(err)
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, MapError(err)
	}
	return projects, total, nil
}

func scanProject(row rowScanner) (*domain.Project, error) {
	project := &domain.Project{}
	var description, xmlPath, audioPath, videoPath, outputDir sql.NullString

	err := row.Scan(
		&project.ID,
		&project.Name,
		&description,
		&xmlPath,
		&audioPath,
		&videoPath,
		&outputDir,
		&project.CreatedAt,
		&project.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	project.Description = description.String
	project.XMLPath = xmlPath.String
	project.AudioPath = audioPath.String
	project.VideoPath = videoPath.String
	project.OutputDir = outputDir.String
	return project, nil
}
