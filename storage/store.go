package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
)

// Store provides project, analysis, and tag persistence.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL with the given DSN.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewStore(db, logger), nil
}

// NewStore wraps an existing database handle. Used by tests with sqlmock.
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Init creates tables and indexes. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateProject inserts a new project row with status DISCOVERED.
// A unique-path race returns ErrDuplicatePath; the caller re-reads.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.Status == "" {
		p.Status = StatusDiscovered
	}
	p.IsActive = true
	p.DiscoveredAt = now
	p.UpdatedAt = now

	const q = `
		INSERT INTO projects (
			id, name, path, description, framework, language, package_manager,
			file_count, lines_of_code, size_bytes, last_modified,
			status, is_active, discovered_at, updated_at
		) VALUES (
			:id, :name, :path, :description, :framework, :language, :package_manager,
			:file_count, :lines_of_code, :size_bytes, :last_modified,
			:status, :is_active, :discovered_at, :updated_at
		)`

	if _, err := s.db.NamedExecContext(ctx, q, p); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePath
		}
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &p, nil
}

// GetProjectByPath fetches a project by its unique path.
func (s *Store) GetProjectByPath(ctx context.Context, path string) (*Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE path = $1`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project by path: %w", err)
	}
	return &p, nil
}

// UpdateProjectDiscovery refreshes detected fields on re-discovery and
// reactivates the row. In-flight statuses (QUEUED, ANALYZING) and the
// ANALYZED terminal are preserved; archived or errored rows return to
// DISCOVERED.
func (s *Store) UpdateProjectDiscovery(ctx context.Context, p *Project) error {
	const q = `
		UPDATE projects SET
			name = :name,
			framework = :framework,
			language = :language,
			package_manager = :package_manager,
			file_count = :file_count,
			lines_of_code = :lines_of_code,
			size_bytes = :size_bytes,
			last_modified = :last_modified,
			is_active = TRUE,
			status = CASE
				WHEN status IN ('QUEUED', 'ANALYZING', 'ANALYZED') THEN status
				ELSE 'DISCOVERED'
			END,
			updated_at = :updated_at
		WHERE id = :id`

	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.NamedExecContext(ctx, q, p)
	if err != nil {
		return fmt.Errorf("update project discovery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProjectStats refreshes the traversal statistics mid-analysis.
func (s *Store) UpdateProjectStats(ctx context.Context, id string, fileCount, linesOfCode int, sizeBytes int64) error {
	const q = `
		UPDATE projects
		SET file_count = $2, lines_of_code = $3, size_bytes = $4, updated_at = $5
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id, fileCount, linesOfCode, sizeBytes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update project stats: %w", err)
	}
	return nil
}

// SetProjectStatus moves a project to the given lifecycle status.
func (s *Store) SetProjectStatus(ctx context.Context, id string, status Status) error {
	const q = `UPDATE projects SET status = $2, updated_at = $3 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set project status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveProjectByPath deactivates a removed project and returns the row.
func (s *Store) ArchiveProjectByPath(ctx context.Context, path string) (*Project, error) {
	const q = `
		UPDATE projects
		SET is_active = FALSE, status = 'ARCHIVED', updated_at = $2
		WHERE path = $1
		RETURNING *`

	var p Project
	err := s.db.GetContext(ctx, &p, q, path, time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("archive project: %w", err)
	}
	return &p, nil
}

// UpdateProjectDescriptive applies an operator edit to name/description
// only when the row is unchanged since it was read (optimistic lock on
// updated_at). The worker's completion write therefore wins on analysis
// fields while the operator wins on descriptive fields.
func (s *Store) UpdateProjectDescriptive(ctx context.Context, id, name, description string, expectedUpdatedAt time.Time) error {
	const q = `
		UPDATE projects
		SET name = $2, description = $3, updated_at = $4
		WHERE id = $1 AND updated_at = $5`

	res, err := s.db.ExecContext(ctx, q, id, name, description, time.Now().UTC(), expectedUpdatedAt)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// CompleteAnalysis inserts the analysis row and flips the project to
// ANALYZED in a single transaction, so a reader never observes ANALYZED
// without a corresponding analysis.
func (s *Store) CompleteAnalysis(ctx context.Context, a *Analysis) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertQ = `
		INSERT INTO project_analyses (
			id, project_id, summary, tech_stack, complexity, recommendations,
			completion_score, maturity_level, production_gaps, estimated_value,
			model, tokens_used, cache_hit, created_at
		) VALUES (
			:id, :project_id, :summary, :tech_stack, :complexity, :recommendations,
			:completion_score, :maturity_level, :production_gaps, :estimated_value,
			:model, :tokens_used, :cache_hit, :created_at
		)`

	if _, err := tx.NamedExecContext(ctx, insertQ, a); err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}

	const statusQ = `
		UPDATE projects
		SET status = 'ANALYZED', analyzed_at = $2, updated_at = $2
		WHERE id = $1`

	if _, err := tx.ExecContext(ctx, statusQ, a.ProjectID, now); err != nil {
		return fmt.Errorf("mark project analyzed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit analysis: %w", err)
	}
	return nil
}

// LatestAnalysis returns the most recent analysis for a project.
func (s *Store) LatestAnalysis(ctx context.Context, projectID string) (*Analysis, error) {
	var a Analysis
	err := s.db.GetContext(ctx, &a, `
		SELECT * FROM project_analyses
		WHERE project_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest analysis: %w", err)
	}
	return &a, nil
}

// ResetStuck forces projects stuck in ANALYZING back to DISCOVERED and
// returns the affected ids so the caller can clear their queue entries.
func (s *Store) ResetStuck(ctx context.Context) ([]string, error) {
	const q = `
		UPDATE projects
		SET status = 'DISCOVERED', updated_at = $1
		WHERE status = 'ANALYZING'
		RETURNING id`

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, q, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("reset stuck projects: %w", err)
	}
	return ids, nil
}

// ListActiveProjects returns active projects ordered by discovery time.
func (s *Store) ListActiveProjects(ctx context.Context) ([]*Project, error) {
	var projects []*Project
	err := s.db.SelectContext(ctx, &projects, `
		SELECT * FROM projects WHERE is_active ORDER BY discovered_at`)
	if err != nil {
		return nil, fmt.Errorf("list active projects: %w", err)
	}
	return projects, nil
}

// CreateTag inserts a tag; duplicate names return the existing tag.
func (s *Store) CreateTag(ctx context.Context, name, color string) (*Tag, error) {
	tag := &Tag{
		ID:        uuid.New().String(),
		Name:      name,
		Color:     color,
		CreatedAt: time.Now().UTC(),
	}
	tag.UpdatedAt = tag.CreatedAt

	const q = `
		INSERT INTO tags (id, name, color, created_at, updated_at)
		VALUES (:id, :name, :color, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, q, tag); err != nil {
		if isUniqueViolation(err) {
			var existing Tag
			if err := s.db.GetContext(ctx, &existing, `SELECT * FROM tags WHERE name = $1`, name); err != nil {
				return nil, fmt.Errorf("get existing tag: %w", err)
			}
			return &existing, nil
		}
		return nil, fmt.Errorf("insert tag: %w", err)
	}
	return tag, nil
}

// TagProject attaches a tag to a project. Idempotent.
func (s *Store) TagProject(ctx context.Context, projectID, tagID string) error {
	const q = `
		INSERT INTO project_tags (project_id, tag_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, projectID, tagID); err != nil {
		return fmt.Errorf("tag project: %w", err)
	}
	return nil
}

// UntagProject detaches a tag from a project.
func (s *Store) UntagProject(ctx context.Context, projectID, tagID string) error {
	const q = `DELETE FROM project_tags WHERE project_id = $1 AND tag_id = $2`
	if _, err := s.db.ExecContext(ctx, q, projectID, tagID); err != nil {
		return fmt.Errorf("untag project: %w", err)
	}
	return nil
}

// ProjectTags lists the tags attached to a project.
func (s *Store) ProjectTags(ctx context.Context, projectID string) ([]*Tag, error) {
	var tags []*Tag
	err := s.db.SelectContext(ctx, &tags, `
		SELECT t.* FROM tags t
		JOIN project_tags pt ON pt.tag_id = t.id
		WHERE pt.project_id = $1
		ORDER BY t.name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project tags: %w", err)
	}
	return tags, nil
}
