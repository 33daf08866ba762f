package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/hosting"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
)

// TrackerLinks builds tracker web URLs from the tracker's external base URL.
type TrackerLinks struct {
	ExternalURL string
}

func (l TrackerLinks) base() string {
	return strings.TrimRight(l.ExternalURL, "/")
}

// ProjectURL is the tracker page of a project.
func (l TrackerLinks) ProjectURL(identifier string) string {
	return l.base() + "/projects/" + url.PathEscape(identifier)
}

// IssuesURL is the issue URL template with the hosting service's :id placeholder.
func (l TrackerLinks) IssuesURL() string {
	return l.base() + "/issues/:id"
}

// NewIssueURL is the new-issue form of a project.
func (l TrackerLinks) NewIssueURL(identifier string) string {
	return l.ProjectURL(identifier) + "/issues/new"
}

// FaviconURL is used as the badge image.
func (l TrackerLinks) FaviconURL() string {
	return l.base() + "/favicon.ico"
}

// GroupBadgeManager keeps a badge on each mapped hosting group that links
// back to its tracker project.
type GroupBadgeManager interface {
	// Add creates the badge, or updates it in place when one with the configured name exists.
	Add(ctx context.Context, groupID int64, project *models.TrackerProject) error
	// Remove deletes the badge. A missing badge is success.
	Remove(ctx context.Context, groupID int64) error
	// Migrate moves the badge from oldGroupID to newGroupID. Zero ids are skipped.
	Migrate(ctx context.Context, oldGroupID, newGroupID int64, project *models.TrackerProject) error
}

type groupBadgeManager struct {
	hosting   hosting.Client
	links     TrackerLinks
	badgeName string
	logger    *zap.Logger
}

var _ GroupBadgeManager = (*groupBadgeManager)(nil)

// NewGroupBadgeManager creates a new group badge manager.
func NewGroupBadgeManager(hostingClient hosting.Client, links TrackerLinks, badgeName string, logger *zap.Logger) GroupBadgeManager {
	return &groupBadgeManager{
		hosting:   hostingClient,
		links:     links,
		badgeName: badgeName,
		logger:    logger.Named("group-badge"),
	}
}

func (m *groupBadgeManager) find(ctx context.Context, groupID int64) (*hosting.Badge, error) {
	badges, err := m.hosting.ListGroupBadges(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group badges: %w", err)
	}
	for i := range badges {
		if badges[i].Name == m.badgeName {
			return &badges[i], nil
		}
	}
	return nil, nil
}

func (m *groupBadgeManager) Add(ctx context.Context, groupID int64, project *models.TrackerProject) error {
	if project == nil {
		return fmt.Errorf("%w: tracker project is required", apperrors.ErrInvalidInput)
	}

	badge := hosting.Badge{
		Name:     m.badgeName,
		LinkURL:  m.links.ProjectURL(project.Identifier),
		ImageURL: m.links.FaviconURL(),
	}

	existing, err := m.find(ctx, groupID)
	if err != nil {
		return err
	}
	if existing != nil {
		badge.ID = existing.ID
		if _, err := m.hosting.EditGroupBadge(ctx, groupID, badge); err != nil {
			return fmt.Errorf("failed to update group badge: %w", err)
		}
		m.logger.Info("Updated group badge",
			zap.Int64("hosting_group_id", groupID),
			zap.Int64("badge_id", existing.ID),
			zap.String("link_url", badge.LinkURL))
		return nil
	}

	created, err := m.hosting.AddGroupBadge(ctx, groupID, badge)
	if err != nil {
		return fmt.Errorf("failed to add group badge: %w", err)
	}
	m.logger.Info("Added group badge",
		zap.Int64("hosting_group_id", groupID),
		zap.Int64("badge_id", created.ID),
		zap.String("link_url", badge.LinkURL))
	return nil
}

func (m *groupBadgeManager) Remove(ctx context.Context, groupID int64) error {
	existing, err := m.find(ctx, groupID)
	if err != nil {
		return err
	}
	if existing == nil {
		m.logger.Debug("No group badge to remove", zap.Int64("hosting_group_id", groupID))
		return nil
	}

	err = m.hosting.DeleteGroupBadge(ctx, groupID, existing.ID)
	if err != nil && !apperrors.IsHostingNotFound(err) {
		return fmt.Errorf("failed to delete group badge: %w", err)
	}
	m.logger.Info("Removed group badge",
		zap.Int64("hosting_group_id", groupID),
		zap.Int64("badge_id", existing.ID))
	return nil
}

func (m *groupBadgeManager) Migrate(ctx context.Context, oldGroupID, newGroupID int64, project *models.TrackerProject) error {
	if oldGroupID != 0 && oldGroupID != newGroupID {
		if err := m.Remove(ctx, oldGroupID); err != nil {
			return err
		}
	}
	if newGroupID != 0 {
		return m.Add(ctx, newGroupID, project)
	}
	return nil
}
