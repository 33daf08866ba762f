package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/hosting"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
)

// ProjectIntegration points a hosting project's external issue tracker at the tracker project.
type ProjectIntegration interface {
	Configure(ctx context.Context, hostingProjectID int64, project *models.TrackerProject) error
}

type projectIntegration struct {
	hosting hosting.Client
	links   TrackerLinks
	logger  *zap.Logger
}

var _ ProjectIntegration = (*projectIntegration)(nil)

// NewProjectIntegration creates a new project integration service.
func NewProjectIntegration(hostingClient hosting.Client, links TrackerLinks, logger *zap.Logger) ProjectIntegration {
	return &projectIntegration{
		hosting: hostingClient,
		links:   links,
		logger:  logger.Named("project-integration"),
	}
}

func (s *projectIntegration) Configure(ctx context.Context, hostingProjectID int64, project *models.TrackerProject) error {
	if project == nil || hostingProjectID <= 0 {
		return fmt.Errorf("%w: hosting project id and tracker project are required", apperrors.ErrInvalidInput)
	}

	integration := hosting.TrackerIntegration{
		ProjectURL:  s.links.ProjectURL(project.Identifier),
		IssuesURL:   s.links.IssuesURL(),
		NewIssueURL: s.links.NewIssueURL(project.Identifier),
	}
	if err := s.hosting.ConfigureTrackerIntegration(ctx, hostingProjectID, integration); err != nil {
		return fmt.Errorf("failed to configure tracker integration: %w", err)
	}

	s.logger.Info("Configured tracker integration",
		zap.Int64("hosting_project_id", hostingProjectID),
		zap.Int64("tracker_project_id", project.ID),
		zap.String("project_url", integration.ProjectURL))
	return nil
}
