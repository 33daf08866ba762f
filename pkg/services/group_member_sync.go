package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/logging"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/repositories"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/retry"
)

// DefaultMemberSyncConcurrency bounds concurrent member reconciles in one sync.
const DefaultMemberSyncConcurrency = 4

// SyncResult summarizes a bulk member sync.
type SyncResult struct {
	Total   int      `json:"total"`
	Added   int      `json:"added"`
	Updated int      `json:"updated"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// GroupMemberSync adds every active member of a tracker project to a hosting group.
type GroupMemberSync interface {
	// SyncProjectMembers reconciles each member independently. The returned
	// error joins the retryable member failures; the result is always complete.
	SyncProjectMembers(ctx context.Context, groupID, trackerProjectID int64) (*SyncResult, error)
}

type groupMemberSync struct {
	membershipRepo repositories.MembershipRepository
	userRepo       repositories.TrackerUserRepository
	calculator     AccessLevelCalculator
	reconciler     MembershipReconciler
	concurrency    int
	logger         *zap.Logger
}

var _ GroupMemberSync = (*groupMemberSync)(nil)

// NewGroupMemberSync creates a new group member sync service.
func NewGroupMemberSync(
	membershipRepo repositories.MembershipRepository,
	userRepo repositories.TrackerUserRepository,
	calculator AccessLevelCalculator,
	reconciler MembershipReconciler,
	concurrency int,
	logger *zap.Logger,
) GroupMemberSync {
	if concurrency < 1 {
		concurrency = DefaultMemberSyncConcurrency
	}
	return &groupMemberSync{
		membershipRepo: membershipRepo,
		userRepo:       userRepo,
		calculator:     calculator,
		reconciler:     reconciler,
		concurrency:    concurrency,
		logger:         logger.Named("group-member-sync"),
	}
}

// memberAccessLevel is the level granted when a member joins a group: the
// group-wide aggregate, falling back to the member's own roles.
func memberAccessLevel(ctx context.Context, calculator AccessLevelCalculator, userID, groupID int64, roleNames []string) (models.AccessLevel, error) {
	level, ok, err := calculator.AggregateRankForGroup(ctx, userID, groupID, 0)
	if err != nil {
		return 0, err
	}
	if ok {
		return level, nil
	}
	if level, ok := RankForRoles(roleNames); ok {
		return level, nil
	}
	return models.AccessDeveloper, nil
}

func (s *groupMemberSync) SyncProjectMembers(ctx context.Context, groupID, trackerProjectID int64) (*SyncResult, error) {
	memberships, err := s.membershipRepo.ListByProject(ctx, trackerProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list project members: %w", err)
	}

	var (
		mu        sync.Mutex
		result    SyncResult
		retryable []error
	)
	record := func(userID int64, outcome ReconcileOutcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("tracker user %d: %s", userID, logging.SanitizeError(err)))
			if retry.IsRetryable(err) && !errors.Is(err, apperrors.ErrIdentityNotFound) {
				retryable = append(retryable, err)
			}
		case outcome == OutcomeAdded:
			result.Added++
		case outcome == OutcomeUpdated:
			result.Updated++
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	for _, m := range memberships {
		user, err := s.userRepo.Get(ctx, m.UserID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to load tracker user: %w", err)
		}
		if !user.Active {
			continue
		}

		mu.Lock()
		result.Total++
		mu.Unlock()

		g.Go(func() error {
			level, err := memberAccessLevel(ctx, s.calculator, m.UserID, groupID, m.RoleNames)
			if err != nil {
				record(m.UserID, "", err)
				return nil
			}
			outcome, err := s.reconciler.Reconcile(ctx, models.MembershipChangeEvent{
				Action:         models.ActionAdd,
				HostingGroupID: groupID,
				TrackerUserID:  m.UserID,
				AccessLevel:    level,
			})
			record(m.UserID, outcome, err)
			return nil
		})
	}
	_ = g.Wait() // member goroutines never return errors

	s.logger.Info("Member sync complete",
		zap.Int64("hosting_group_id", groupID),
		zap.Int64("tracker_project_id", trackerProjectID),
		zap.Int("total", result.Total),
		zap.Int("added", result.Added),
		zap.Int("updated", result.Updated),
		zap.Int("failed", result.Failed))

	return &result, errors.Join(retryable...)
}
