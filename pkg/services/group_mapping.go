package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/repositories"
)

// GroupMappingIndex answers which hosting group a tracker project belongs to.
// It reads the mapping store on every call and keeps nothing in memory.
type GroupMappingIndex interface {
	// FindMapping returns nil when the project has no mapping.
	FindMapping(ctx context.Context, trackerProjectID int64) (*models.ProjectMapping, error)

	// FindInheritedGroup returns the nearest mapped group walking from the project
	// itself up its parent chain, or nil when no ancestor is mapped.
	FindInheritedGroup(ctx context.Context, project *models.TrackerProject) (*models.InheritedGroup, error)

	// ProjectsMappedToGroup returns the tracker projects mapped to groupID.
	ProjectsMappedToGroup(ctx context.Context, groupID int64) ([]int64, error)

	// UpsertMapping creates or replaces the project's mapping. Zero ids mean unset.
	UpsertMapping(ctx context.Context, trackerProjectID, groupID, projectID int64, kind models.MappingKind) (*models.ProjectMapping, error)

	// MappedHostingProjects returns every hosting project id referenced by a mapping.
	MappedHostingProjects(ctx context.Context) ([]int64, error)
}

type groupMappingIndex struct {
	mappingRepo repositories.ProjectMappingRepository
	projectRepo repositories.TrackerProjectRepository
	logger      *zap.Logger
}

var _ GroupMappingIndex = (*groupMappingIndex)(nil)

// NewGroupMappingIndex creates a new group mapping index.
func NewGroupMappingIndex(
	mappingRepo repositories.ProjectMappingRepository,
	projectRepo repositories.TrackerProjectRepository,
	logger *zap.Logger,
) GroupMappingIndex {
	return &groupMappingIndex{
		mappingRepo: mappingRepo,
		projectRepo: projectRepo,
		logger:      logger.Named("group-mapping"),
	}
}

func (s *groupMappingIndex) FindMapping(ctx context.Context, trackerProjectID int64) (*models.ProjectMapping, error) {
	mapping, err := s.mappingRepo.Get(ctx, trackerProjectID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return mapping, nil
}

func (s *groupMappingIndex) FindInheritedGroup(ctx context.Context, project *models.TrackerProject) (*models.InheritedGroup, error) {
	if project == nil {
		return nil, nil
	}

	visited := make(map[int64]bool)
	current := project
	for {
		if visited[current.ID] {
			s.logger.Warn("Cycle in tracker project ancestry, treating as unmapped",
				zap.Int64("tracker_project_id", project.ID),
				zap.Int64("repeated_project_id", current.ID))
			return nil, nil
		}
		visited[current.ID] = true

		mapping, err := s.FindMapping(ctx, current.ID)
		if err != nil {
			return nil, err
		}
		if groupID := mapping.GroupID(); groupID != 0 {
			return &models.InheritedGroup{HostingGroupID: groupID, InheritedFrom: current.ID}, nil
		}

		if current.ParentID == nil {
			return nil, nil
		}

		parent, err := s.projectRepo.Get(ctx, *current.ParentID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				// The tracker has not pushed the parent yet; the chain ends here.
				s.logger.Debug("Parent project not in read model",
					zap.Int64("tracker_project_id", current.ID),
					zap.Int64("parent_id", *current.ParentID))
				return nil, nil
			}
			return nil, err
		}
		current = parent
	}
}

func (s *groupMappingIndex) ProjectsMappedToGroup(ctx context.Context, groupID int64) ([]int64, error) {
	return s.mappingRepo.ListProjectsByGroup(ctx, groupID)
}

func (s *groupMappingIndex) UpsertMapping(ctx context.Context, trackerProjectID, groupID, projectID int64, kind models.MappingKind) (*models.ProjectMapping, error) {
	if !kind.IsStorable() {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrInvalidMapping, kind)
	}
	if trackerProjectID <= 0 {
		return nil, fmt.Errorf("%w: tracker project id must be positive", apperrors.ErrInvalidInput)
	}

	mapping := &models.ProjectMapping{
		TrackerProjectID: trackerProjectID,
		HostingGroupID:   models.Int64Ptr(groupID),
		HostingProjectID: models.Int64Ptr(projectID),
		Kind:             kind,
	}
	if err := s.mappingRepo.Upsert(ctx, mapping); err != nil {
		return nil, err
	}

	s.logger.Info("Project mapping saved",
		zap.Int64("tracker_project_id", trackerProjectID),
		zap.Int64("hosting_group_id", groupID),
		zap.Int64("hosting_project_id", projectID),
		zap.String("mapping_kind", string(kind)))
	return mapping, nil
}

func (s *groupMappingIndex) MappedHostingProjects(ctx context.Context) ([]int64, error) {
	return s.mappingRepo.ListMappedHostingProjects(ctx)
}
