package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/hosting"
)

// HostingAdminService answers operator questions about the hosting side
// when choosing a mapping target.
type HostingAdminService interface {
	ListGroups(ctx context.Context) ([]hosting.Group, error)

	// OrphanProjects lists projects in a group that no tracker project is linked to.
	OrphanProjects(ctx context.Context, groupID int64) ([]hosting.Project, error)
}

type hostingAdminService struct {
	hosting  hosting.Client
	mappings GroupMappingIndex
	logger   *zap.Logger
}

var _ HostingAdminService = (*hostingAdminService)(nil)

// NewHostingAdminService creates a new hosting admin service.
func NewHostingAdminService(hostingClient hosting.Client, mappings GroupMappingIndex, logger *zap.Logger) HostingAdminService {
	return &hostingAdminService{
		hosting:  hostingClient,
		mappings: mappings,
		logger:   logger.Named("hosting-admin"),
	}
}

func (s *hostingAdminService) ListGroups(ctx context.Context) ([]hosting.Group, error) {
	groups, err := s.hosting.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosting groups: %w", err)
	}
	return groups, nil
}

func (s *hostingAdminService) OrphanProjects(ctx context.Context, groupID int64) ([]hosting.Project, error) {
	if groupID <= 0 {
		return nil, fmt.Errorf("%w: group id must be positive", apperrors.ErrInvalidInput)
	}

	projects, err := s.hosting.ListGroupProjects(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group projects: %w", err)
	}

	linked, err := s.mappings.MappedHostingProjects(ctx)
	if err != nil {
		return nil, err
	}
	taken := make(map[int64]struct{}, len(linked))
	for _, id := range linked {
		taken[id] = struct{}{}
	}

	orphans := make([]hosting.Project, 0, len(projects))
	for _, p := range projects {
		if _, ok := taken[p.ID]; !ok {
			orphans = append(orphans, p)
		}
	}

	s.logger.Debug("Listed orphan projects",
		zap.Int64("hosting_group_id", groupID),
		zap.Int("total", len(projects)),
		zap.Int("orphans", len(orphans)))
	return orphans, nil
}
