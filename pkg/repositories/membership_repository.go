package repositories

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/database"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
)

// MembershipRepository stores tracker project memberships and their role names.
type MembershipRepository interface {
	Upsert(ctx context.Context, membership *models.Membership) error
	// Delete reports whether a row was removed.
	Delete(ctx context.Context, projectID, userID int64) (bool, error)
	// ListForUser returns the user's memberships restricted to projectIDs.
	ListForUser(ctx context.Context, userID int64, projectIDs []int64) ([]models.Membership, error)
	ListByProject(ctx context.Context, projectID int64) ([]models.Membership, error)
}

type membershipRepository struct {
	db *database.DB
}

var _ MembershipRepository = (*membershipRepository)(nil)

// NewMembershipRepository creates a new membership repository.
func NewMembershipRepository(db *database.DB) MembershipRepository {
	return &membershipRepository{db: db}
}

func (r *membershipRepository) Upsert(ctx context.Context, membership *models.Membership) error {
	roles := membership.RoleNames
	if roles == nil {
		roles = []string{}
	}

	query := `
		INSERT INTO tracker_memberships (project_id, user_id, role_names, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (project_id, user_id) DO UPDATE
		SET role_names = EXCLUDED.role_names,
		    updated_at = EXCLUDED.updated_at`

	if _, err := r.db.Conn(ctx).Exec(ctx, query, membership.ProjectID, membership.UserID, roles); err != nil {
		return apperrors.Storage("upsert membership", err)
	}
	return nil
}

func (r *membershipRepository) Delete(ctx context.Context, projectID, userID int64) (bool, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx,
		`DELETE FROM tracker_memberships WHERE project_id = $1 AND user_id = $2`, projectID, userID)
	if err != nil {
		return false, apperrors.Storage("delete membership", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *membershipRepository) ListForUser(ctx context.Context, userID int64, projectIDs []int64) ([]models.Membership, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT project_id, user_id, role_names
		FROM tracker_memberships
		WHERE user_id = $1 AND project_id = ANY($2)
		ORDER BY project_id`

	return r.list(ctx, "list user memberships", query, userID, projectIDs)
}

func (r *membershipRepository) ListByProject(ctx context.Context, projectID int64) ([]models.Membership, error) {
	query := `
		SELECT project_id, user_id, role_names
		FROM tracker_memberships
		WHERE project_id = $1
		ORDER BY user_id`

	return r.list(ctx, "list project memberships", query, projectID)
}

func (r *membershipRepository) list(ctx context.Context, op, query string, args ...any) ([]models.Membership, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Storage(op, err)
	}
	memberships, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Membership, error) {
		var m models.Membership
		err := row.Scan(&m.ProjectID, &m.UserID, &m.RoleNames)
		return m, err
	})
	if err != nil {
		return nil, apperrors.Storage(op, err)
	}
	return memberships, nil
}
