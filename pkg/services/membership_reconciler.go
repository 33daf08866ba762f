package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/hosting"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/logging"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/metrics"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/repositories"
)

// ReconcileOutcome is the hosting-side effect of a successful reconcile.
type ReconcileOutcome string

const (
	OutcomeAdded   ReconcileOutcome = "added"
	OutcomeUpdated ReconcileOutcome = "updated"
	OutcomeRemoved ReconcileOutcome = "removed"
	// OutcomeSkipped means the desired state already held or the user is out of scope.
	OutcomeSkipped ReconcileOutcome = "skipped"
)

// MembershipReconciler applies one membership change to a hosting group.
// Each action makes at most one membership call, plus the fall-through from
// add to update on conflict and the dispatch of recalculate.
type MembershipReconciler interface {
	// Reconcile returns a nil error when the desired state holds afterwards.
	// ErrIdentityNotFound and ErrInvalidAction are terminal; other errors are retryable.
	Reconcile(ctx context.Context, event models.MembershipChangeEvent) (ReconcileOutcome, error)
}

type membershipReconciler struct {
	userRepo   repositories.TrackerUserRepository
	resolver   IdentityResolver
	calculator AccessLevelCalculator
	hosting    hosting.Client
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

var _ MembershipReconciler = (*membershipReconciler)(nil)

// NewMembershipReconciler creates a new membership reconciler.
func NewMembershipReconciler(
	userRepo repositories.TrackerUserRepository,
	resolver IdentityResolver,
	calculator AccessLevelCalculator,
	hostingClient hosting.Client,
	m *metrics.Metrics,
	logger *zap.Logger,
) MembershipReconciler {
	return &membershipReconciler{
		userRepo:   userRepo,
		resolver:   resolver,
		calculator: calculator,
		hosting:    hostingClient,
		metrics:    m,
		logger:     logger.Named("membership-reconciler"),
	}
}

func (r *membershipReconciler) Reconcile(ctx context.Context, event models.MembershipChangeEvent) (ReconcileOutcome, error) {
	if err := event.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrInvalidAction, err)
	}

	outcome, err := r.reconcile(ctx, event)

	label := string(outcome)
	if err != nil {
		label = "error"
		r.logger.Error("Membership reconcile failed",
			zap.String("action", string(event.Action)),
			zap.Int64("hosting_group_id", event.HostingGroupID),
			zap.Int64("tracker_user_id", event.TrackerUserID),
			zap.String("error", logging.SanitizeError(err)))
	}
	r.metrics.ObserveReconcile(string(event.Action), label)
	return outcome, err
}

func (r *membershipReconciler) reconcile(ctx context.Context, event models.MembershipChangeEvent) (ReconcileOutcome, error) {
	user, err := r.userRepo.Get(ctx, event.TrackerUserID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			r.logger.Warn("Tracker user not in read model, skipping",
				zap.String("action", string(event.Action)),
				zap.Int64("tracker_user_id", event.TrackerUserID))
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("failed to load tracker user: %w", err)
	}
	if !user.Active {
		r.logger.Warn("Tracker user inactive, skipping",
			zap.String("action", string(event.Action)),
			zap.Int64("tracker_user_id", user.ID))
		return OutcomeSkipped, nil
	}

	switch event.Action {
	case models.ActionAdd:
		return r.add(ctx, event.HostingGroupID, user, event.AccessLevel)
	case models.ActionUpdate:
		return r.update(ctx, event.HostingGroupID, user, event.AccessLevel)
	case models.ActionRemove:
		return r.remove(ctx, event.HostingGroupID, user)
	case models.ActionRecalculate:
		return r.recalculate(ctx, event.HostingGroupID, user, event.ExcludeProjectID)
	}
	return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidAction, event.Action)
}

// resolveRequired resolves the user or fails with ErrIdentityNotFound.
func (r *membershipReconciler) resolveRequired(ctx context.Context, user *models.TrackerUser) (*models.IdentityMapping, error) {
	identity, err := r.resolver.Resolve(ctx, user)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, fmt.Errorf("%w: tracker user %d (%s)", apperrors.ErrIdentityNotFound, user.ID, user.Login)
	}
	return identity, nil
}

func (r *membershipReconciler) add(ctx context.Context, groupID int64, user *models.TrackerUser, level models.AccessLevel) (ReconcileOutcome, error) {
	identity, err := r.resolveRequired(ctx, user)
	if err != nil {
		return "", err
	}

	err = r.hosting.AddGroupMember(ctx, groupID, identity.HostingUserID, level)
	if apperrors.IsConflict(err) {
		r.logger.Info("Already a group member, updating access level",
			zap.Int64("hosting_group_id", groupID),
			zap.Int64("tracker_user_id", user.ID))
		return r.setLevel(ctx, groupID, user, identity, level)
	}
	if err != nil {
		return "", fmt.Errorf("failed to add group member: %w", err)
	}

	r.logger.Info("Added group member",
		zap.Int64("hosting_group_id", groupID),
		zap.Int64("tracker_user_id", user.ID),
		zap.Int64("hosting_user_id", identity.HostingUserID),
		zap.String("access_level", level.String()))
	return OutcomeAdded, nil
}

func (r *membershipReconciler) update(ctx context.Context, groupID int64, user *models.TrackerUser, level models.AccessLevel) (ReconcileOutcome, error) {
	identity, err := r.resolveRequired(ctx, user)
	if err != nil {
		return "", err
	}
	return r.setLevel(ctx, groupID, user, identity, level)
}

func (r *membershipReconciler) setLevel(ctx context.Context, groupID int64, user *models.TrackerUser, identity *models.IdentityMapping, level models.AccessLevel) (ReconcileOutcome, error) {
	if err := r.hosting.UpdateGroupMember(ctx, groupID, identity.HostingUserID, level); err != nil {
		return "", fmt.Errorf("failed to update group member: %w", err)
	}
	r.logger.Info("Updated group member access level",
		zap.Int64("hosting_group_id", groupID),
		zap.Int64("tracker_user_id", user.ID),
		zap.Int64("hosting_user_id", identity.HostingUserID),
		zap.String("access_level", level.String()))
	return OutcomeUpdated, nil
}

func (r *membershipReconciler) remove(ctx context.Context, groupID int64, user *models.TrackerUser) (ReconcileOutcome, error) {
	identity, err := r.resolver.Resolve(ctx, user)
	if err != nil {
		return "", err
	}
	if identity == nil {
		r.logger.Info("No hosting identity, nothing to remove",
			zap.Int64("hosting_group_id", groupID),
			zap.Int64("tracker_user_id", user.ID))
		return OutcomeSkipped, nil
	}

	err = r.hosting.RemoveGroupMember(ctx, groupID, identity.HostingUserID)
	if apperrors.IsHostingNotFound(err) {
		r.logger.Info("Group member already absent",
			zap.Int64("hosting_group_id", groupID),
			zap.Int64("tracker_user_id", user.ID))
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to remove group member: %w", err)
	}

	r.logger.Info("Removed group member",
		zap.Int64("hosting_group_id", groupID),
		zap.Int64("tracker_user_id", user.ID),
		zap.Int64("hosting_user_id", identity.HostingUserID))
	return OutcomeRemoved, nil
}

func (r *membershipReconciler) recalculate(ctx context.Context, groupID int64, user *models.TrackerUser, excludeProjectID int64) (ReconcileOutcome, error) {
	level, ok, err := r.calculator.AggregateRankForGroup(ctx, user.ID, groupID, excludeProjectID)
	if err != nil {
		return "", fmt.Errorf("failed to aggregate access level: %w", err)
	}
	if !ok {
		r.logger.Info("No remaining group access, removing member",
			zap.Int64("hosting_group_id", groupID),
			zap.Int64("tracker_user_id", user.ID),
			zap.Int64("exclude_project_id", excludeProjectID))
		return r.remove(ctx, groupID, user)
	}
	return r.update(ctx, groupID, user, level)
}
