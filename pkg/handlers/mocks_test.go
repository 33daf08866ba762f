package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/auth"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/hosting"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/services"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/services/workqueue"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/testhelpers"
)

type mockTrackerEventService struct {
	projectEvents []models.ProjectCreatedEvent
	created       []models.MemberEvent
	updated       []models.MemberEvent
	destroyed     [][2]int64
	linked        []models.MappingChange
	projectResult *models.ProjectCreatedResult
	mappingResult *models.ProjectMapping
	err           error
}

var _ services.TrackerEventService = (*mockTrackerEventService)(nil)

func (m *mockTrackerEventService) ProjectCreated(ctx context.Context, event models.ProjectCreatedEvent) (*models.ProjectCreatedResult, error) {
	m.projectEvents = append(m.projectEvents, event)
	if m.err != nil {
		return nil, m.err
	}
	if m.projectResult == nil {
		return &models.ProjectCreatedResult{}, nil
	}
	return m.projectResult, nil
}

func (m *mockTrackerEventService) MemberCreated(ctx context.Context, event models.MemberEvent) error {
	m.created = append(m.created, event)
	return m.err
}

func (m *mockTrackerEventService) MemberUpdated(ctx context.Context, event models.MemberEvent) error {
	m.updated = append(m.updated, event)
	return m.err
}

func (m *mockTrackerEventService) MemberDestroyed(ctx context.Context, trackerProjectID, trackerUserID int64) error {
	m.destroyed = append(m.destroyed, [2]int64{trackerProjectID, trackerUserID})
	return m.err
}

func (m *mockTrackerEventService) LinkProject(ctx context.Context, change models.MappingChange) (*models.ProjectMapping, error) {
	m.linked = append(m.linked, change)
	if m.err != nil {
		return nil, m.err
	}
	return m.mappingResult, nil
}

type mockGroupMappingIndex struct {
	mappings map[int64]*models.ProjectMapping
	err      error
}

var _ services.GroupMappingIndex = (*mockGroupMappingIndex)(nil)

func (m *mockGroupMappingIndex) FindMapping(ctx context.Context, trackerProjectID int64) (*models.ProjectMapping, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.mappings[trackerProjectID], nil
}

func (m *mockGroupMappingIndex) FindInheritedGroup(ctx context.Context, project *models.TrackerProject) (*models.InheritedGroup, error) {
	return nil, nil
}

func (m *mockGroupMappingIndex) ProjectsMappedToGroup(ctx context.Context, groupID int64) ([]int64, error) {
	return nil, nil
}

func (m *mockGroupMappingIndex) UpsertMapping(ctx context.Context, trackerProjectID, groupID, projectID int64, kind models.MappingKind) (*models.ProjectMapping, error) {
	return nil, nil
}

func (m *mockGroupMappingIndex) MappedHostingProjects(ctx context.Context) ([]int64, error) {
	return nil, nil
}

type mockOrchestrator struct {
	invalidated []int64
	removed     int64
	stats       *models.IdentityCacheStats
	err         error
}

var _ services.Orchestrator = (*mockOrchestrator)(nil)

func (m *mockOrchestrator) OnProjectCreated(ctx context.Context, trackerProjectID, groupID, hostingProjectID int64, notBefore time.Time) error {
	return nil
}

func (m *mockOrchestrator) OnMemberAdded(ctx context.Context, groupID, trackerUserID int64, roles []string, level models.AccessLevel) error {
	return nil
}

func (m *mockOrchestrator) OnMemberRoleChanged(ctx context.Context, groupID, trackerUserID int64) error {
	return nil
}

func (m *mockOrchestrator) OnMemberRemoved(ctx context.Context, groupID, trackerUserID, removedProjectID int64, stillHasSiblingAccess bool) error {
	return nil
}

func (m *mockOrchestrator) OnMappingChanged(ctx context.Context, trackerProjectID, oldGroupID, newGroupID int64) error {
	return nil
}

func (m *mockOrchestrator) InvalidateIdentityCache(ctx context.Context, trackerUserID int64) (int64, error) {
	m.invalidated = append(m.invalidated, trackerUserID)
	return m.removed, m.err
}

func (m *mockOrchestrator) GetIdentityCacheStats(ctx context.Context) (*models.IdentityCacheStats, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.stats, nil
}

type mockHostingAdmin struct {
	groups  []hosting.Group
	orphans map[int64][]hosting.Project
	err     error
}

var _ services.HostingAdminService = (*mockHostingAdmin)(nil)

func (m *mockHostingAdmin) ListGroups(ctx context.Context) ([]hosting.Group, error) {
	return m.groups, m.err
}

func (m *mockHostingAdmin) OrphanProjects(ctx context.Context, groupID int64) ([]hosting.Project, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.orphans[groupID], nil
}

type mockQueue struct {
	progress workqueue.Progress
	tasks    []workqueue.TaskSnapshot
	history  []workqueue.TaskSnapshot
}

func (m *mockQueue) Progress() workqueue.Progress        { return m.progress }
func (m *mockQueue) GetTasks() []workqueue.TaskSnapshot { return m.tasks }
func (m *mockQueue) History() []workqueue.TaskSnapshot  { return m.history }

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(ctx context.Context) error { return m.err }

// testServer routes requests through the real mux and auth middleware.
type testServer struct {
	mux          *http.ServeMux
	events       *mockTrackerEventService
	mappings     *mockGroupMappingIndex
	orchestrator *mockOrchestrator
	hostingAdmin *mockHostingAdmin
	queue        *mockQueue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	verifier, err := auth.NewHMACVerifier(&auth.VerifierConfig{
		EnableVerification: true,
		Issuer:             "tracker",
		SigningKey:         []byte(testhelpers.TestSigningKey),
	})
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}
	logger := zap.NewNop()
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(verifier, logger), logger)

	s := &testServer{
		mux:          http.NewServeMux(),
		events:       &mockTrackerEventService{},
		mappings:     &mockGroupMappingIndex{mappings: make(map[int64]*models.ProjectMapping)},
		orchestrator: &mockOrchestrator{},
		hostingAdmin: &mockHostingAdmin{orphans: make(map[int64][]hosting.Project)},
		queue:        &mockQueue{},
	}

	validate := validator.New()
	NewEventsHandler(s.events, validate, logger).RegisterRoutes(s.mux, authMiddleware)
	NewAdminHandler(s.events, s.mappings, s.orchestrator, s.hostingAdmin, s.queue, validate, logger).
		RegisterRoutes(s.mux, authMiddleware)
	return s
}
