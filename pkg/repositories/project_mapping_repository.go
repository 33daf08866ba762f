package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/database"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
)

// ProjectMappingRepository defines data access for tracker project mappings.
type ProjectMappingRepository interface {
	// Get returns apperrors.ErrNotFound when the project has no mapping.
	Get(ctx context.Context, trackerProjectID int64) (*models.ProjectMapping, error)
	Upsert(ctx context.Context, mapping *models.ProjectMapping) error
	ListProjectsByGroup(ctx context.Context, hostingGroupID int64) ([]int64, error)
	// ListMappedHostingProjects returns every hosting project id referenced by a mapping.
	ListMappedHostingProjects(ctx context.Context) ([]int64, error)
}

type projectMappingRepository struct {
	db *database.DB
}

var _ ProjectMappingRepository = (*projectMappingRepository)(nil)

// NewProjectMappingRepository creates a new project mapping repository.
func NewProjectMappingRepository(db *database.DB) ProjectMappingRepository {
	return &projectMappingRepository{db: db}
}

const mappingColumns = `tracker_project_id, hosting_group_id, hosting_project_id, mapping_kind, created_at, updated_at`

func scanMapping(row pgx.Row) (*models.ProjectMapping, error) {
	var m models.ProjectMapping
	var kind string
	if err := row.Scan(&m.TrackerProjectID, &m.HostingGroupID, &m.HostingProjectID, &kind, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Kind = models.MappingKind(kind)
	return &m, nil
}

func (r *projectMappingRepository) Get(ctx context.Context, trackerProjectID int64) (*models.ProjectMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM project_mappings WHERE tracker_project_id = $1`

	m, err := scanMapping(r.db.Conn(ctx).QueryRow(ctx, query, trackerProjectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.Storage("get project mapping", err)
	}
	return m, nil
}

// Upsert creates or replaces the mapping for mapping.TrackerProjectID.
func (r *projectMappingRepository) Upsert(ctx context.Context, mapping *models.ProjectMapping) error {
	if !mapping.Kind.IsStorable() {
		return fmt.Errorf("%w: %q", apperrors.ErrInvalidMapping, mapping.Kind)
	}

	now := time.Now()
	query := `
		INSERT INTO project_mappings (tracker_project_id, hosting_group_id, hosting_project_id, mapping_kind, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (tracker_project_id) DO UPDATE
		SET hosting_group_id = EXCLUDED.hosting_group_id,
		    hosting_project_id = EXCLUDED.hosting_project_id,
		    mapping_kind = EXCLUDED.mapping_kind,
		    updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at`

	err := r.db.Conn(ctx).QueryRow(ctx, query,
		mapping.TrackerProjectID,
		mapping.HostingGroupID,
		mapping.HostingProjectID,
		string(mapping.Kind),
		now,
	).Scan(&mapping.CreatedAt, &mapping.UpdatedAt)
	if err != nil {
		return apperrors.Storage("upsert project mapping", err)
	}
	return nil
}

func (r *projectMappingRepository) ListProjectsByGroup(ctx context.Context, hostingGroupID int64) ([]int64, error) {
	query := `SELECT tracker_project_id FROM project_mappings WHERE hosting_group_id = $1 ORDER BY tracker_project_id`

	rows, err := r.db.Conn(ctx).Query(ctx, query, hostingGroupID)
	if err != nil {
		return nil, apperrors.Storage("list projects by group", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, apperrors.Storage("collect projects by group", err)
	}
	return ids, nil
}

func (r *projectMappingRepository) ListMappedHostingProjects(ctx context.Context) ([]int64, error) {
	query := `SELECT DISTINCT hosting_project_id FROM project_mappings WHERE hosting_project_id IS NOT NULL ORDER BY hosting_project_id`

	rows, err := r.db.Conn(ctx).Query(ctx, query)
	if err != nil {
		return nil, apperrors.Storage("list mapped hosting projects", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, apperrors.Storage("collect mapped hosting projects", err)
	}
	return ids, nil
}
