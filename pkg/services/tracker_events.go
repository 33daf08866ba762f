package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/hosting"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/repositories"
)

// TxRunner runs fn in one database transaction. *database.DB implements it.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TrackerEventService receives tracker lifecycle events, keeps the read
// model current, and hands the resulting work to the Orchestrator.
type TrackerEventService interface {
	ProjectCreated(ctx context.Context, event models.ProjectCreatedEvent) (*models.ProjectCreatedResult, error)
	MemberCreated(ctx context.Context, event models.MemberEvent) error
	MemberUpdated(ctx context.Context, event models.MemberEvent) error
	MemberDestroyed(ctx context.Context, trackerProjectID, trackerUserID int64) error
	// LinkProject applies an operator mapping change and returns the stored mapping.
	LinkProject(ctx context.Context, change models.MappingChange) (*models.ProjectMapping, error)
}

type trackerEventService struct {
	tx             TxRunner
	projectRepo    repositories.TrackerProjectRepository
	userRepo       repositories.TrackerUserRepository
	membershipRepo repositories.MembershipRepository
	mappings       GroupMappingIndex
	calculator     AccessLevelCalculator
	orchestrator   Orchestrator
	hosting        hosting.Client
	now            func() time.Time
	logger         *zap.Logger
}

var _ TrackerEventService = (*trackerEventService)(nil)

// NewTrackerEventService creates a new tracker event service.
func NewTrackerEventService(
	tx TxRunner,
	projectRepo repositories.TrackerProjectRepository,
	userRepo repositories.TrackerUserRepository,
	membershipRepo repositories.MembershipRepository,
	mappings GroupMappingIndex,
	calculator AccessLevelCalculator,
	orchestrator Orchestrator,
	hostingClient hosting.Client,
	logger *zap.Logger,
) TrackerEventService {
	return &trackerEventService{
		tx:             tx,
		projectRepo:    projectRepo,
		userRepo:       userRepo,
		membershipRepo: membershipRepo,
		mappings:       mappings,
		calculator:     calculator,
		orchestrator:   orchestrator,
		hosting:        hostingClient,
		now:            time.Now,
		logger:         logger.Named("tracker-events"),
	}
}

func (s *trackerEventService) ProjectCreated(ctx context.Context, event models.ProjectCreatedEvent) (*models.ProjectCreatedResult, error) {
	// Repositories created from here on are candidates for this project.
	notBefore := s.now()
	project := event.Project
	result := &models.ProjectCreatedResult{}

	if err := s.projectRepo.Upsert(ctx, &project); err != nil {
		return nil, fmt.Errorf("failed to save tracker project: %w", err)
	}

	groupID := event.HostingGroupID
	if event.NewGroupName != "" {
		group, err := s.hosting.CreateGroup(ctx, event.NewGroupName, hosting.PathSlug(event.NewGroupName))
		if err != nil {
			return nil, fmt.Errorf("failed to create hosting group: %w", err)
		}
		groupID = group.ID
		result.CreatedGroupID = group.ID
		s.logger.Info("Created hosting group",
			zap.Int64("tracker_project_id", project.ID),
			zap.Int64("hosting_group_id", group.ID),
			zap.String("path", group.Path))
	}

	if groupID == 0 {
		inherited, err := s.mappings.FindInheritedGroup(ctx, &project)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve inherited group: %w", err)
		}
		if inherited != nil {
			groupID = inherited.HostingGroupID
			if inherited.InheritedFrom != project.ID {
				result.InheritedFrom = inherited.InheritedFrom
			}
		}
	}

	hostingProjectID := event.HostingProjectID
	if event.CreateHostingProject && hostingProjectID == 0 {
		if groupID == 0 {
			return nil, fmt.Errorf("%w: creating a hosting project requires a hosting group", apperrors.ErrInvalidInput)
		}
		created, err := s.hosting.CreateProjectInGroup(ctx, groupID, hosting.CreateProjectOptions{
			Name:           project.Name,
			Path:           project.Identifier,
			Description:    event.Description,
			InitWithReadme: true,
			IsPublic:       event.IsPublic,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create hosting project: %w", err)
		}
		hostingProjectID = created.ID
		result.CreatedProjectID = created.ID
		s.logger.Info("Created hosting project",
			zap.Int64("tracker_project_id", project.ID),
			zap.Int64("hosting_group_id", groupID),
			zap.Int64("hosting_project_id", created.ID),
			zap.String("path_with_namespace", created.PathWithNamespace))
	}

	if groupID == 0 && hostingProjectID == 0 {
		s.logger.Info("Project has no hosting group, nothing to map", zap.Int64("tracker_project_id", project.ID))
		return result, nil
	}

	kind := models.MappingKindGroup
	if hostingProjectID != 0 {
		kind = models.MappingKindProject
	}
	mapping, err := s.mappings.UpsertMapping(ctx, project.ID, groupID, hostingProjectID, kind)
	if err != nil {
		return nil, err
	}
	result.Mapping = mapping

	if err := s.orchestrator.OnProjectCreated(ctx, project.ID, groupID, hostingProjectID, notBefore); err != nil {
		return nil, err
	}
	return result, nil
}

// saveMember writes the user and the membership together.
func (s *trackerEventService) saveMember(ctx context.Context, event models.MemberEvent) error {
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.userRepo.Upsert(ctx, &event.User); err != nil {
			return fmt.Errorf("failed to save tracker user: %w", err)
		}
		if err := s.membershipRepo.Upsert(ctx, &event.Membership); err != nil {
			return fmt.Errorf("failed to save membership: %w", err)
		}
		return nil
	})
}

// mappedGroup returns the project's directly mapped group, or 0.
func (s *trackerEventService) mappedGroup(ctx context.Context, trackerProjectID int64) (int64, error) {
	mapping, err := s.mappings.FindMapping(ctx, trackerProjectID)
	if err != nil {
		return 0, err
	}
	return mapping.GroupID(), nil
}

func (s *trackerEventService) MemberCreated(ctx context.Context, event models.MemberEvent) error {
	if event.Membership.UserID != event.User.ID {
		return fmt.Errorf("%w: membership user %d does not match user %d", apperrors.ErrInvalidInput, event.Membership.UserID, event.User.ID)
	}
	if err := s.saveMember(ctx, event); err != nil {
		return err
	}
	if !event.User.Active {
		s.logger.Debug("Inactive member, skipping sync", zap.Int64("tracker_user_id", event.User.ID))
		return nil
	}

	groupID, err := s.mappedGroup(ctx, event.Membership.ProjectID)
	if err != nil {
		return err
	}
	if groupID == 0 {
		s.logger.Debug("Project has no hosting group, skipping member sync",
			zap.Int64("tracker_project_id", event.Membership.ProjectID))
		return nil
	}

	level, err := memberAccessLevel(ctx, s.calculator, event.User.ID, groupID, event.Membership.RoleNames)
	if err != nil {
		return fmt.Errorf("failed to compute access level: %w", err)
	}
	return s.orchestrator.OnMemberAdded(ctx, groupID, event.User.ID, event.Membership.RoleNames, level)
}

func (s *trackerEventService) MemberUpdated(ctx context.Context, event models.MemberEvent) error {
	if event.Membership.UserID != event.User.ID {
		return fmt.Errorf("%w: membership user %d does not match user %d", apperrors.ErrInvalidInput, event.Membership.UserID, event.User.ID)
	}
	if err := s.saveMember(ctx, event); err != nil {
		return err
	}
	if !event.User.Active {
		return nil
	}

	groupID, err := s.mappedGroup(ctx, event.Membership.ProjectID)
	if err != nil || groupID == 0 {
		return err
	}
	return s.orchestrator.OnMemberRoleChanged(ctx, groupID, event.User.ID)
}

func (s *trackerEventService) MemberDestroyed(ctx context.Context, trackerProjectID, trackerUserID int64) error {
	if _, err := s.membershipRepo.Delete(ctx, trackerProjectID, trackerUserID); err != nil {
		return fmt.Errorf("failed to delete membership: %w", err)
	}

	groupID, err := s.mappedGroup(ctx, trackerProjectID)
	if err != nil || groupID == 0 {
		return err
	}

	sibling, err := s.hasSiblingAccess(ctx, trackerUserID, groupID, trackerProjectID)
	if err != nil {
		return err
	}
	return s.orchestrator.OnMemberRemoved(ctx, groupID, trackerUserID, trackerProjectID, sibling)
}

// hasSiblingAccess reports whether the user is a member of another project mapped to groupID.
func (s *trackerEventService) hasSiblingAccess(ctx context.Context, trackerUserID, groupID, excludeProjectID int64) (bool, error) {
	mapped, err := s.mappings.ProjectsMappedToGroup(ctx, groupID)
	if err != nil {
		return false, err
	}
	others := make([]int64, 0, len(mapped))
	for _, id := range mapped {
		if id != excludeProjectID {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return false, nil
	}
	memberships, err := s.membershipRepo.ListForUser(ctx, trackerUserID, others)
	if err != nil {
		return false, err
	}
	return len(memberships) > 0, nil
}

func (s *trackerEventService) LinkProject(ctx context.Context, change models.MappingChange) (*models.ProjectMapping, error) {
	if change.HostingGroupID == 0 && change.HostingProjectID == 0 {
		return nil, fmt.Errorf("%w: a hosting group or project is required", apperrors.ErrInvalidInput)
	}

	previous, err := s.mappings.FindMapping(ctx, change.TrackerProjectID)
	if err != nil {
		return nil, err
	}

	groupID := change.HostingGroupID
	if groupID == 0 && change.HostingProjectID != 0 {
		// Mapping only a project keeps the project's namespace as the group.
		project, err := s.hosting.GetProject(ctx, change.HostingProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to load hosting project: %w", err)
		}
		if project.Namespace.Kind == "group" {
			groupID = project.Namespace.ID
		}
	}

	kind := models.MappingKindGroup
	if change.HostingProjectID != 0 {
		kind = models.MappingKindProject
	}
	mapping, err := s.mappings.UpsertMapping(ctx, change.TrackerProjectID, groupID, change.HostingProjectID, kind)
	if err != nil {
		return nil, err
	}

	if err := s.orchestrator.OnMappingChanged(ctx, change.TrackerProjectID, previous.GroupID(), groupID); err != nil {
		return nil, err
	}
	return mapping, nil
}
