package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/database"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
)

// TrackerUserRepository stores the identity inputs of tracker users.
type TrackerUserRepository interface {
	Upsert(ctx context.Context, user *models.TrackerUser) error
	// Get returns apperrors.ErrNotFound for unknown users.
	Get(ctx context.Context, id int64) (*models.TrackerUser, error)
}

type trackerUserRepository struct {
	db *database.DB
}

var _ TrackerUserRepository = (*trackerUserRepository)(nil)

// NewTrackerUserRepository creates a new tracker user repository.
func NewTrackerUserRepository(db *database.DB) TrackerUserRepository {
	return &trackerUserRepository{db: db}
}

func (r *trackerUserRepository) Upsert(ctx context.Context, user *models.TrackerUser) error {
	query := `
		INSERT INTO tracker_users (id, login, mail, external_uid, active, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, now())
		ON CONFLICT (id) DO UPDATE
		SET login = EXCLUDED.login,
		    mail = EXCLUDED.mail,
		    external_uid = EXCLUDED.external_uid,
		    active = EXCLUDED.active,
		    updated_at = EXCLUDED.updated_at`

	_, err := r.db.Conn(ctx).Exec(ctx, query, user.ID, user.Login, user.Mail, user.ExternalUID, user.Active)
	if err != nil {
		return apperrors.Storage("upsert tracker user", err)
	}
	return nil
}

func (r *trackerUserRepository) Get(ctx context.Context, id int64) (*models.TrackerUser, error) {
	query := `
		SELECT id, login, COALESCE(mail, ''), COALESCE(external_uid, ''), active
		FROM tracker_users
		WHERE id = $1`

	var u models.TrackerUser
	err := r.db.Conn(ctx).QueryRow(ctx, query, id).Scan(&u.ID, &u.Login, &u.Mail, &u.ExternalUID, &u.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.Storage("get tracker user", err)
	}
	return &u, nil
}
