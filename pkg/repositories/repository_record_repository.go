package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/database"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
)

// RepositoryRecordRepository stores the tracker-side repository link of each project.
type RepositoryRecordRepository interface {
	// Upsert replaces the project's repository record. A URL already claimed by
	// another project fails with a unique violation.
	Upsert(ctx context.Context, record *models.RepositoryRecord) error
	// Get returns apperrors.ErrNotFound when the project has no repository.
	Get(ctx context.Context, trackerProjectID int64) (*models.RepositoryRecord, error)
	// ListURLsLinkedElsewhere returns the URLs recorded for every project other than trackerProjectID.
	ListURLsLinkedElsewhere(ctx context.Context, trackerProjectID int64) ([]string, error)
}

type repositoryRecordRepository struct {
	db *database.DB
}

var _ RepositoryRecordRepository = (*repositoryRecordRepository)(nil)

// NewRepositoryRecordRepository creates a new repository record repository.
func NewRepositoryRecordRepository(db *database.DB) RepositoryRecordRepository {
	return &repositoryRecordRepository{db: db}
}

func (r *repositoryRecordRepository) Upsert(ctx context.Context, record *models.RepositoryRecord) error {
	query := `
		INSERT INTO tracker_repositories (tracker_project_id, url, hosting_project_id, is_default, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (tracker_project_id) DO UPDATE
		SET url = EXCLUDED.url,
		    hosting_project_id = EXCLUDED.hosting_project_id,
		    is_default = EXCLUDED.is_default,
		    updated_at = EXCLUDED.updated_at`

	_, err := r.db.Conn(ctx).Exec(ctx, query, record.TrackerProjectID, record.URL, record.HostingProjectID, record.IsDefault)
	if err != nil {
		return apperrors.Storage("upsert repository record", err)
	}
	return nil
}

func (r *repositoryRecordRepository) Get(ctx context.Context, trackerProjectID int64) (*models.RepositoryRecord, error) {
	query := `
		SELECT tracker_project_id, url, hosting_project_id, is_default
		FROM tracker_repositories
		WHERE tracker_project_id = $1`

	var rec models.RepositoryRecord
	err := r.db.Conn(ctx).QueryRow(ctx, query, trackerProjectID).Scan(
		&rec.TrackerProjectID, &rec.URL, &rec.HostingProjectID, &rec.IsDefault)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.Storage("get repository record", err)
	}
	return &rec, nil
}

func (r *repositoryRecordRepository) ListURLsLinkedElsewhere(ctx context.Context, trackerProjectID int64) ([]string, error) {
	rows, err := r.db.Conn(ctx).Query(ctx,
		`SELECT url FROM tracker_repositories WHERE tracker_project_id <> $1`, trackerProjectID)
	if err != nil {
		return nil, apperrors.Storage("list linked repositories", err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, apperrors.Storage("collect linked repositories", err)
	}
	return urls, nil
}
