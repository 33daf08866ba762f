package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/database"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
)

// TrackerProjectRepository stores the tracker project tree.
type TrackerProjectRepository interface {
	Upsert(ctx context.Context, project *models.TrackerProject) error
	// Get returns apperrors.ErrNotFound for unknown projects.
	Get(ctx context.Context, id int64) (*models.TrackerProject, error)
}

type trackerProjectRepository struct {
	db *database.DB
}

var _ TrackerProjectRepository = (*trackerProjectRepository)(nil)

// NewTrackerProjectRepository creates a new tracker project repository.
func NewTrackerProjectRepository(db *database.DB) TrackerProjectRepository {
	return &trackerProjectRepository{db: db}
}

func (r *trackerProjectRepository) Upsert(ctx context.Context, project *models.TrackerProject) error {
	query := `
		INSERT INTO tracker_projects (id, parent_id, identifier, name, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE
		SET parent_id = EXCLUDED.parent_id,
		    identifier = EXCLUDED.identifier,
		    name = EXCLUDED.name,
		    updated_at = EXCLUDED.updated_at`

	if _, err := r.db.Conn(ctx).Exec(ctx, query, project.ID, project.ParentID, project.Identifier, project.Name); err != nil {
		return apperrors.Storage("upsert tracker project", err)
	}
	return nil
}

func (r *trackerProjectRepository) Get(ctx context.Context, id int64) (*models.TrackerProject, error) {
	query := `SELECT id, parent_id, identifier, name FROM tracker_projects WHERE id = $1`

	var p models.TrackerProject
	err := r.db.Conn(ctx).QueryRow(ctx, query, id).Scan(&p.ID, &p.ParentID, &p.Identifier, &p.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.Storage("get tracker project", err)
	}
	return &p, nil
}
