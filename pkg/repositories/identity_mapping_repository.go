package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/database"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
)

// IdentityMappingRepository defines data access for the identity cache.
type IdentityMappingRepository interface {
	// Get returns apperrors.ErrNotFound on a cache miss.
	Get(ctx context.Context, trackerUserID int64) (*models.IdentityMapping, error)
	Upsert(ctx context.Context, mapping *models.IdentityMapping) error
	// Delete reports whether a row was removed.
	Delete(ctx context.Context, trackerUserID int64) (bool, error)
	DeleteAll(ctx context.Context) (int64, error)
	// Stats counts rows, rows per method, and rows synced after since.
	Stats(ctx context.Context, since time.Time) (*models.IdentityCacheStats, error)
}

type identityMappingRepository struct {
	db *database.DB
}

var _ IdentityMappingRepository = (*identityMappingRepository)(nil)

// NewIdentityMappingRepository creates a new identity mapping repository.
func NewIdentityMappingRepository(db *database.DB) IdentityMappingRepository {
	return &identityMappingRepository{db: db}
}

func (r *identityMappingRepository) Get(ctx context.Context, trackerUserID int64) (*models.IdentityMapping, error) {
	query := `
		SELECT tracker_user_id, hosting_user_id, hosting_username, match_method, last_synced_at
		FROM identity_mappings
		WHERE tracker_user_id = $1`

	var m models.IdentityMapping
	var method string
	err := r.db.Conn(ctx).QueryRow(ctx, query, trackerUserID).Scan(
		&m.TrackerUserID,
		&m.HostingUserID,
		&m.HostingUsername,
		&method,
		&m.LastSyncedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.Storage("get identity mapping", err)
	}
	m.MatchMethod = models.MatchMethod(method)
	return &m, nil
}

// Upsert writes the mapping. Last writer wins.
func (r *identityMappingRepository) Upsert(ctx context.Context, mapping *models.IdentityMapping) error {
	if mapping.LastSyncedAt.IsZero() {
		mapping.LastSyncedAt = time.Now()
	}

	query := `
		INSERT INTO identity_mappings (tracker_user_id, hosting_user_id, hosting_username, match_method, last_synced_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tracker_user_id) DO UPDATE
		SET hosting_user_id = EXCLUDED.hosting_user_id,
		    hosting_username = EXCLUDED.hosting_username,
		    match_method = EXCLUDED.match_method,
		    last_synced_at = EXCLUDED.last_synced_at`

	_, err := r.db.Conn(ctx).Exec(ctx, query,
		mapping.TrackerUserID,
		mapping.HostingUserID,
		mapping.HostingUsername,
		string(mapping.MatchMethod),
		mapping.LastSyncedAt,
	)
	if err != nil {
		return apperrors.Storage("upsert identity mapping", err)
	}
	return nil
}

func (r *identityMappingRepository) Delete(ctx context.Context, trackerUserID int64) (bool, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx, `DELETE FROM identity_mappings WHERE tracker_user_id = $1`, trackerUserID)
	if err != nil {
		return false, apperrors.Storage("delete identity mapping", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *identityMappingRepository) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx, `DELETE FROM identity_mappings`)
	if err != nil {
		return 0, apperrors.Storage("delete identity mappings", err)
	}
	return tag.RowsAffected(), nil
}

func (r *identityMappingRepository) Stats(ctx context.Context, since time.Time) (*models.IdentityCacheStats, error) {
	query := `
		SELECT match_method, COUNT(*), COUNT(*) FILTER (WHERE last_synced_at > $1)
		FROM identity_mappings
		GROUP BY match_method`

	rows, err := r.db.Conn(ctx).Query(ctx, query, since)
	if err != nil {
		return nil, apperrors.Storage("identity mapping stats", err)
	}
	defer rows.Close()

	stats := &models.IdentityCacheStats{ByMethod: make(map[models.MatchMethod]int)}
	for rows.Next() {
		var method string
		var count, recent int
		if err := rows.Scan(&method, &count, &recent); err != nil {
			return nil, apperrors.Storage("scan identity mapping stats", err)
		}
		stats.ByMethod[models.MatchMethod(method)] = count
		stats.Total += count
		stats.RecentCount += recent
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("iterate identity mapping stats", err)
	}
	return stats, nil
}
