package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/repositories"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/retry"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/services/workqueue"
)

// Orchestrator is the engine's boundary for event sources. It turns
// lifecycle events into queued tasks; none of its event methods block on
// the hosting service.
type Orchestrator interface {
	// OnProjectCreated queues group-level work and, when hostingProjectID is
	// set, repository linking for repositories modified after notBefore.
	OnProjectCreated(ctx context.Context, trackerProjectID, groupID, hostingProjectID int64, notBefore time.Time) error

	// OnMemberAdded queues an add. An invalid level is derived from roles.
	OnMemberAdded(ctx context.Context, groupID, trackerUserID int64, roles []string, level models.AccessLevel) error

	// OnMemberRoleChanged queues a full group-wide recalculation.
	OnMemberRoleChanged(ctx context.Context, groupID, trackerUserID int64) error

	// OnMemberRemoved queues a recalculation excluding removedProjectID when
	// the user keeps access through a sibling project, or a removal otherwise.
	OnMemberRemoved(ctx context.Context, groupID, trackerUserID, removedProjectID int64, stillHasSiblingAccess bool) error

	// OnMappingChanged queues member sync and badge migration after an operator remap.
	OnMappingChanged(ctx context.Context, trackerProjectID, oldGroupID, newGroupID int64) error

	// InvalidateIdentityCache drops one cached identity, or all when trackerUserID is 0.
	// It returns the number of entries removed.
	InvalidateIdentityCache(ctx context.Context, trackerUserID int64) (int64, error)

	GetIdentityCacheStats(ctx context.Context) (*models.IdentityCacheStats, error)
}

// OrchestratorConfig holds the retry policies and optional follow-ups.
type OrchestratorConfig struct {
	MembershipPolicy retry.Policy
	LinkPolicy       retry.Policy
	// ConfigureIntegration queues tracker integration setup after a successful link.
	ConfigureIntegration bool
}

// DefaultOrchestratorConfig returns the production retry policies.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MembershipPolicy:     retry.MembershipPolicy(),
		LinkPolicy:           retry.RepositoryLinkSchedule(),
		ConfigureIntegration: true,
	}
}

type orchestrator struct {
	cfg         OrchestratorConfig
	queue       workqueue.TaskEnqueuer
	projectRepo repositories.TrackerProjectRepository
	resolver    IdentityResolver
	reconciler  MembershipReconciler
	linker      RepositoryLinker
	memberSync  GroupMemberSync
	badges      GroupBadgeManager
	integration ProjectIntegration
	logger      *zap.Logger
}

var _ Orchestrator = (*orchestrator)(nil)

// NewOrchestrator creates a new orchestrator that enqueues work on queue.
func NewOrchestrator(
	cfg OrchestratorConfig,
	queue workqueue.TaskEnqueuer,
	projectRepo repositories.TrackerProjectRepository,
	resolver IdentityResolver,
	reconciler MembershipReconciler,
	linker RepositoryLinker,
	memberSync GroupMemberSync,
	badges GroupBadgeManager,
	integration ProjectIntegration,
	logger *zap.Logger,
) Orchestrator {
	defaults := DefaultOrchestratorConfig()
	if cfg.MembershipPolicy == nil {
		cfg.MembershipPolicy = defaults.MembershipPolicy
	}
	if cfg.LinkPolicy == nil {
		cfg.LinkPolicy = defaults.LinkPolicy
	}
	return &orchestrator{
		cfg:         cfg,
		queue:       queue,
		projectRepo: projectRepo,
		resolver:    resolver,
		reconciler:  reconciler,
		linker:      linker,
		memberSync:  memberSync,
		badges:      badges,
		integration: integration,
		logger:      logger.Named("orchestrator"),
	}
}

func (o *orchestrator) OnProjectCreated(ctx context.Context, trackerProjectID, groupID, hostingProjectID int64, notBefore time.Time) error {
	if trackerProjectID <= 0 {
		return fmt.Errorf("%w: tracker project id must be positive", apperrors.ErrInvalidInput)
	}

	o.logger.Info("Project created",
		zap.Int64("tracker_project_id", trackerProjectID),
		zap.Int64("hosting_group_id", groupID),
		zap.Int64("hosting_project_id", hostingProjectID),
		zap.Time("not_before", notBefore))

	if hostingProjectID != 0 {
		o.enqueueLink(models.RepositoryLinkTask{
			TrackerProjectID: trackerProjectID,
			HostingProjectID: hostingProjectID,
			Attempt:          1,
			NotBefore:        notBefore,
		})
	}

	if groupID != 0 {
		o.enqueueMemberSync(groupID, trackerProjectID)
		o.enqueueBadge(0, groupID, trackerProjectID)
	}
	return nil
}

func (o *orchestrator) OnMemberAdded(ctx context.Context, groupID, trackerUserID int64, roles []string, level models.AccessLevel) error {
	if !level.IsValid() {
		rank, ok := RankForRoles(roles)
		if !ok {
			rank = models.AccessDeveloper
		}
		level = rank
	}
	return o.enqueueMembership(models.MembershipChangeEvent{
		Action:         models.ActionAdd,
		HostingGroupID: groupID,
		TrackerUserID:  trackerUserID,
		AccessLevel:    level,
	})
}

func (o *orchestrator) OnMemberRoleChanged(ctx context.Context, groupID, trackerUserID int64) error {
	return o.enqueueMembership(models.MembershipChangeEvent{
		Action:         models.ActionRecalculate,
		HostingGroupID: groupID,
		TrackerUserID:  trackerUserID,
	})
}

func (o *orchestrator) OnMemberRemoved(ctx context.Context, groupID, trackerUserID, removedProjectID int64, stillHasSiblingAccess bool) error {
	event := models.MembershipChangeEvent{
		Action:         models.ActionRemove,
		HostingGroupID: groupID,
		TrackerUserID:  trackerUserID,
	}
	if stillHasSiblingAccess {
		event.Action = models.ActionRecalculate
		event.ExcludeProjectID = removedProjectID
	}
	return o.enqueueMembership(event)
}

func (o *orchestrator) OnMappingChanged(ctx context.Context, trackerProjectID, oldGroupID, newGroupID int64) error {
	if trackerProjectID <= 0 {
		return fmt.Errorf("%w: tracker project id must be positive", apperrors.ErrInvalidInput)
	}
	if oldGroupID == newGroupID {
		o.logger.Debug("Mapping group unchanged",
			zap.Int64("tracker_project_id", trackerProjectID),
			zap.Int64("hosting_group_id", newGroupID))
		return nil
	}

	o.logger.Info("Mapping changed",
		zap.Int64("tracker_project_id", trackerProjectID),
		zap.Int64("old_hosting_group_id", oldGroupID),
		zap.Int64("new_hosting_group_id", newGroupID))

	if newGroupID != 0 {
		o.enqueueMemberSync(newGroupID, trackerProjectID)
	}
	o.enqueueBadge(oldGroupID, newGroupID, trackerProjectID)
	return nil
}

func (o *orchestrator) InvalidateIdentityCache(ctx context.Context, trackerUserID int64) (int64, error) {
	if trackerUserID == 0 {
		return o.resolver.InvalidateAll(ctx)
	}
	removed, err := o.resolver.Invalidate(ctx, trackerUserID)
	if err != nil {
		return 0, err
	}
	if removed {
		return 1, nil
	}
	return 0, nil
}

func (o *orchestrator) GetIdentityCacheStats(ctx context.Context) (*models.IdentityCacheStats, error) {
	return o.resolver.Stats(ctx)
}

func (o *orchestrator) enqueueMembership(event models.MembershipChangeEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidAction, err)
	}

	task := newJobTask(TaskKindMembership, membershipTaskName(event), o.cfg.MembershipPolicy,
		func(ctx context.Context, _ workqueue.TaskEnqueuer) error {
			_, err := o.reconciler.Reconcile(ctx, event)
			return err
		})
	o.queue.Enqueue(task)

	o.logger.Debug("Membership change queued",
		zap.String("action", string(event.Action)),
		zap.Int64("hosting_group_id", event.HostingGroupID),
		zap.Int64("tracker_user_id", event.TrackerUserID),
		zap.Int64("exclude_project_id", event.ExcludeProjectID))
	return nil
}

func (o *orchestrator) enqueueLink(link models.RepositoryLinkTask) {
	task := &repositoryLinkTask{
		BaseTask: workqueue.NewBaseTask(TaskKindRepositoryLink,
			fmt.Sprintf("link repository project=%d hosting_project=%d", link.TrackerProjectID, link.HostingProjectID)),
		link:   link,
		policy: o.cfg.LinkPolicy,
		linker: o.linker,
	}
	if o.cfg.ConfigureIntegration && o.integration != nil {
		task.onLinked = func(enqueuer workqueue.TaskEnqueuer, done models.RepositoryLinkTask) {
			enqueuer.Enqueue(o.integrationTask(done.HostingProjectID, done.TrackerProjectID))
		}
	}
	o.queue.Enqueue(task)
}

func (o *orchestrator) enqueueMemberSync(groupID, trackerProjectID int64) {
	o.queue.Enqueue(newJobTask(TaskKindMemberSync,
		fmt.Sprintf("member sync group=%d project=%d", groupID, trackerProjectID),
		o.cfg.MembershipPolicy,
		func(ctx context.Context, _ workqueue.TaskEnqueuer) error {
			_, err := o.memberSync.SyncProjectMembers(ctx, groupID, trackerProjectID)
			return err
		}))
}

func (o *orchestrator) enqueueBadge(oldGroupID, newGroupID, trackerProjectID int64) {
	o.queue.Enqueue(newJobTask(TaskKindGroupBadge,
		fmt.Sprintf("group badge old=%d new=%d project=%d", oldGroupID, newGroupID, trackerProjectID),
		o.cfg.MembershipPolicy,
		func(ctx context.Context, _ workqueue.TaskEnqueuer) error {
			project, err := o.loadProject(ctx, trackerProjectID)
			if err != nil || project == nil {
				return err
			}
			return o.badges.Migrate(ctx, oldGroupID, newGroupID, project)
		}))
}

func (o *orchestrator) integrationTask(hostingProjectID, trackerProjectID int64) workqueue.Task {
	return newJobTask(TaskKindProjectIntegration,
		fmt.Sprintf("tracker integration hosting_project=%d project=%d", hostingProjectID, trackerProjectID),
		o.cfg.MembershipPolicy,
		func(ctx context.Context, _ workqueue.TaskEnqueuer) error {
			project, err := o.loadProject(ctx, trackerProjectID)
			if err != nil || project == nil {
				return err
			}
			return o.integration.Configure(ctx, hostingProjectID, project)
		})
}

// loadProject returns nil without error when the project is not in the read model.
func (o *orchestrator) loadProject(ctx context.Context, trackerProjectID int64) (*models.TrackerProject, error) {
	project, err := o.projectRepo.Get(ctx, trackerProjectID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			o.logger.Warn("Tracker project not in read model, skipping", zap.Int64("tracker_project_id", trackerProjectID))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load tracker project: %w", err)
	}
	return project, nil
}
