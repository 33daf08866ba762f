package services

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/hosting"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
)

var testLinks = TrackerLinks{ExternalURL: "https://tracker.example.com/"}

func TestTrackerLinks(t *testing.T) {
	assert.Equal(t, "https://tracker.example.com/projects/web%20site", testLinks.ProjectURL("web site"))
	assert.Equal(t, "https://tracker.example.com/issues/:id", testLinks.IssuesURL())
	assert.Equal(t, "https://tracker.example.com/projects/alpha/issues/new", testLinks.NewIssueURL("alpha"))
	assert.Equal(t, "https://tracker.example.com/favicon.ico", testLinks.FaviconURL())
}

func TestGroupBadgeManager_AddCreatesBadge(t *testing.T) {
	client := newMockHostingClient()
	badges := NewGroupBadgeManager(client, testLinks, "Tracker", zap.NewNop())

	err := badges.Add(context.Background(), 7, &models.TrackerProject{ID: 1, Identifier: "alpha", Name: "Alpha"})
	require.NoError(t, err)

	require.Len(t, client.badges[7], 1)
	badge := client.badges[7][0]
	assert.Equal(t, "Tracker", badge.Name)
	assert.Equal(t, "https://tracker.example.com/projects/alpha", badge.LinkURL)
	assert.Equal(t, "https://tracker.example.com/favicon.ico", badge.ImageURL)
	assert.Empty(t, client.callsFor("EditGroupBadge"))
}

func TestGroupBadgeManager_AddUpdatesExistingBadge(t *testing.T) {
	client := newMockHostingClient()
	client.badges[7] = []hosting.Badge{
		{ID: 3, Name: "CI", LinkURL: "https://ci.example.com"},
		{ID: 4, Name: "Tracker", LinkURL: "https://tracker.example.com/projects/old"},
	}
	badges := NewGroupBadgeManager(client, testLinks, "Tracker", zap.NewNop())

	err := badges.Add(context.Background(), 7, &models.TrackerProject{ID: 1, Identifier: "alpha", Name: "Alpha"})
	require.NoError(t, err)

	assert.Empty(t, client.callsFor("AddGroupBadge"))
	require.Len(t, client.badges[7], 2)
	assert.Equal(t, "https://tracker.example.com/projects/alpha", client.badges[7][1].LinkURL)
	assert.Equal(t, "https://ci.example.com", client.badges[7][0].LinkURL)
}

func TestGroupBadgeManager_Remove(t *testing.T) {
	client := newMockHostingClient()
	client.badges[7] = []hosting.Badge{{ID: 4, Name: "Tracker"}}
	badges := NewGroupBadgeManager(client, testLinks, "Tracker", zap.NewNop())

	require.NoError(t, badges.Remove(context.Background(), 7))
	assert.Empty(t, client.badges[7])

	// Nothing left to remove.
	require.NoError(t, badges.Remove(context.Background(), 7))
	assert.Len(t, client.callsFor("DeleteGroupBadge"), 1)
}

func TestGroupBadgeManager_RemoveToleratesConcurrentDelete(t *testing.T) {
	client := newMockHostingClient()
	client.badges[7] = []hosting.Badge{{ID: 4, Name: "Tracker"}}
	client.errs["DeleteGroupBadge"] = hostingStatus("delete group badge", http.StatusNotFound)
	badges := NewGroupBadgeManager(client, testLinks, "Tracker", zap.NewNop())

	assert.NoError(t, badges.Remove(context.Background(), 7))
}

func TestGroupBadgeManager_Migrate(t *testing.T) {
	client := newMockHostingClient()
	client.badges[7] = []hosting.Badge{{ID: 4, Name: "Tracker"}}
	badges := NewGroupBadgeManager(client, testLinks, "Tracker", zap.NewNop())
	project := &models.TrackerProject{ID: 1, Identifier: "alpha", Name: "Alpha"}

	require.NoError(t, badges.Migrate(context.Background(), 7, 8, project))
	assert.Empty(t, client.badges[7])
	require.Len(t, client.badges[8], 1)

	// Unmapping removes without adding.
	require.NoError(t, badges.Migrate(context.Background(), 8, 0, project))
	assert.Empty(t, client.badges[8])
}

func TestGroupBadgeManager_ListFailureIsReturned(t *testing.T) {
	client := newMockHostingClient()
	client.errs["ListGroupBadges"] = hostingStatus("list group badges", http.StatusBadGateway)
	badges := NewGroupBadgeManager(client, testLinks, "Tracker", zap.NewNop())

	err := badges.Add(context.Background(), 7, &models.TrackerProject{ID: 1, Identifier: "alpha"})
	assert.True(t, apperrors.IsStatus(err, http.StatusBadGateway))
}

func TestProjectIntegration_Configure(t *testing.T) {
	client := newMockHostingClient()
	integration := NewProjectIntegration(client, testLinks, zap.NewNop())

	err := integration.Configure(context.Background(), 42, &models.TrackerProject{ID: 1, Identifier: "alpha", Name: "Alpha"})
	require.NoError(t, err)

	assert.Equal(t, hosting.TrackerIntegration{
		ProjectURL:  "https://tracker.example.com/projects/alpha",
		IssuesURL:   "https://tracker.example.com/issues/:id",
		NewIssueURL: "https://tracker.example.com/projects/alpha/issues/new",
	}, client.integrations[42])
}

func TestProjectIntegration_RequiresProject(t *testing.T) {
	integration := NewProjectIntegration(newMockHostingClient(), testLinks, zap.NewNop())

	assert.ErrorIs(t, integration.Configure(context.Background(), 42, nil), apperrors.ErrInvalidInput)
	assert.ErrorIs(t, integration.Configure(context.Background(), 0, &models.TrackerProject{ID: 1}), apperrors.ErrInvalidInput)
}
