package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/hosting"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/repositories"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/services/workqueue"
)

func hostingStatus(op string, status int) error {
	return &apperrors.HostingAPIError{Op: op, StatusCode: status, Body: http.StatusText(status)}
}

type mockProjectRepository struct {
	mu        sync.Mutex
	projects  map[int64]*models.TrackerProject
	getErr    error
	upsertErr error
}

var _ repositories.TrackerProjectRepository = (*mockProjectRepository)(nil)

func newMockProjectRepository(projects ...models.TrackerProject) *mockProjectRepository {
	m := &mockProjectRepository{projects: make(map[int64]*models.TrackerProject)}
	for i := range projects {
		p := projects[i]
		m.projects[p.ID] = &p
	}
	return m
}

func (m *mockProjectRepository) Upsert(ctx context.Context, project *models.TrackerProject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	p := *project
	m.projects[p.ID] = &p
	return nil
}

func (m *mockProjectRepository) Get(ctx context.Context, id int64) (*models.TrackerProject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	p, ok := m.projects[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	out := *p
	return &out, nil
}

type mockUserRepository struct {
	mu        sync.Mutex
	users     map[int64]*models.TrackerUser
	getErr    error
	upsertErr error
}

var _ repositories.TrackerUserRepository = (*mockUserRepository)(nil)

func newMockUserRepository(users ...models.TrackerUser) *mockUserRepository {
	m := &mockUserRepository{users: make(map[int64]*models.TrackerUser)}
	for i := range users {
		u := users[i]
		m.users[u.ID] = &u
	}
	return m
}

func (m *mockUserRepository) Upsert(ctx context.Context, user *models.TrackerUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	u := *user
	m.users[u.ID] = &u
	return nil
}

func (m *mockUserRepository) Get(ctx context.Context, id int64) (*models.TrackerUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	u, ok := m.users[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	out := *u
	return &out, nil
}

type membershipKey struct {
	projectID int64
	userID    int64
}

type mockMembershipRepository struct {
	mu          sync.Mutex
	memberships map[membershipKey]models.Membership
	listErr     error
	upsertErr   error

	listForUserCalls int
}

var _ repositories.MembershipRepository = (*mockMembershipRepository)(nil)

func newMockMembershipRepository(memberships ...models.Membership) *mockMembershipRepository {
	m := &mockMembershipRepository{memberships: make(map[membershipKey]models.Membership)}
	for _, ms := range memberships {
		m.memberships[membershipKey{ms.ProjectID, ms.UserID}] = ms
	}
	return m
}

func (m *mockMembershipRepository) Upsert(ctx context.Context, membership *models.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.memberships[membershipKey{membership.ProjectID, membership.UserID}] = *membership
	return nil
}

func (m *mockMembershipRepository) Delete(ctx context.Context, projectID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := membershipKey{projectID, userID}
	_, ok := m.memberships[key]
	delete(m.memberships, key)
	return ok, nil
}

func (m *mockMembershipRepository) ListForUser(ctx context.Context, userID int64, projectIDs []int64) ([]models.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listForUserCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []models.Membership
	for _, pid := range projectIDs {
		if ms, ok := m.memberships[membershipKey{pid, userID}]; ok {
			out = append(out, ms)
		}
	}
	return out, nil
}

func (m *mockMembershipRepository) ListByProject(ctx context.Context, projectID int64) ([]models.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []models.Membership
	for key, ms := range m.memberships {
		if key.projectID == projectID {
			out = append(out, ms)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

type mockMappingRepository struct {
	mu        sync.Mutex
	mappings  map[int64]*models.ProjectMapping
	getErr    error
	upsertErr error

	getCalls int
}

var _ repositories.ProjectMappingRepository = (*mockMappingRepository)(nil)

func newMockMappingRepository() *mockMappingRepository {
	return &mockMappingRepository{mappings: make(map[int64]*models.ProjectMapping)}
}

// mapGroup stores a group mapping for trackerProjectID.
func (m *mockMappingRepository) mapGroup(trackerProjectID, groupID int64) {
	m.mappings[trackerProjectID] = &models.ProjectMapping{
		TrackerProjectID: trackerProjectID,
		HostingGroupID:   models.Int64Ptr(groupID),
		Kind:             models.MappingKindGroup,
	}
}

func (m *mockMappingRepository) Get(ctx context.Context, trackerProjectID int64) (*models.ProjectMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getErr != nil {
		return nil, m.getErr
	}
	mapping, ok := m.mappings[trackerProjectID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	out := *mapping
	return &out, nil
}

func (m *mockMappingRepository) Upsert(ctx context.Context, mapping *models.ProjectMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	stored := *mapping
	m.mappings[mapping.TrackerProjectID] = &stored
	return nil
}

func (m *mockMappingRepository) ListProjectsByGroup(ctx context.Context, hostingGroupID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for id, mapping := range m.mappings {
		if mapping.GroupID() == hostingGroupID {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *mockMappingRepository) ListMappedHostingProjects(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]bool)
	var out []int64
	for _, mapping := range m.mappings {
		if id := mapping.ProjectID(); id != 0 && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

type mockIdentityRepository struct {
	mu        sync.Mutex
	mappings  map[int64]*models.IdentityMapping
	getErr    error
	upsertErr error

	getCalls    int
	upsertCalls int
	statsSince  time.Time
}

var _ repositories.IdentityMappingRepository = (*mockIdentityRepository)(nil)

func newMockIdentityRepository() *mockIdentityRepository {
	return &mockIdentityRepository{mappings: make(map[int64]*models.IdentityMapping)}
}

func (m *mockIdentityRepository) Get(ctx context.Context, trackerUserID int64) (*models.IdentityMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getErr != nil {
		return nil, m.getErr
	}
	mapping, ok := m.mappings[trackerUserID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	out := *mapping
	return &out, nil
}

func (m *mockIdentityRepository) Upsert(ctx context.Context, mapping *models.IdentityMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCalls++
	if m.upsertErr != nil {
		return m.upsertErr
	}
	stored := *mapping
	m.mappings[mapping.TrackerUserID] = &stored
	return nil
}

func (m *mockIdentityRepository) Delete(ctx context.Context, trackerUserID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.mappings[trackerUserID]
	delete(m.mappings, trackerUserID)
	return ok, nil
}

func (m *mockIdentityRepository) DeleteAll(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.mappings))
	m.mappings = make(map[int64]*models.IdentityMapping)
	return n, nil
}

func (m *mockIdentityRepository) Stats(ctx context.Context, since time.Time) (*models.IdentityCacheStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsSince = since
	stats := &models.IdentityCacheStats{ByMethod: make(map[models.MatchMethod]int)}
	for _, mapping := range m.mappings {
		stats.Total++
		stats.ByMethod[mapping.MatchMethod]++
		if mapping.LastSyncedAt.After(since) {
			stats.RecentCount++
		}
	}
	return stats, nil
}

type mockRecordRepository struct {
	mu        sync.Mutex
	records   map[int64]*models.RepositoryRecord
	upsertErr error
	listErr   error
}

var _ repositories.RepositoryRecordRepository = (*mockRecordRepository)(nil)

func newMockRecordRepository() *mockRecordRepository {
	return &mockRecordRepository{records: make(map[int64]*models.RepositoryRecord)}
}

func (m *mockRecordRepository) Upsert(ctx context.Context, record *models.RepositoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	for id, existing := range m.records {
		if id != record.TrackerProjectID && existing.URL == record.URL {
			return apperrors.Storage("upsert repository record", fmt.Errorf("duplicate url %s", record.URL))
		}
	}
	stored := *record
	m.records[record.TrackerProjectID] = &stored
	return nil
}

func (m *mockRecordRepository) Get(ctx context.Context, trackerProjectID int64) (*models.RepositoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[trackerProjectID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	out := *record
	return &out, nil
}

func (m *mockRecordRepository) ListURLsLinkedElsewhere(ctx context.Context, trackerProjectID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []string
	for id, record := range m.records {
		if id != trackerProjectID {
			out = append(out, record.URL)
		}
	}
	return out, nil
}

type mockTx struct {
	calls int
	err   error
}

func (m *mockTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	if m.err != nil {
		return m.err
	}
	return fn(ctx)
}

type hostingCall struct {
	Op      string
	GroupID int64
	UserID  int64
	Level   models.AccessLevel
	Value   string
}

// mockHostingClient records every call. errs holds a persistent error per
// operation; failNext holds errors consumed one per call before errs applies.
type mockHostingClient struct {
	mu       sync.Mutex
	calls    []hostingCall
	errs     map[string]error
	failNext map[string][]error

	byExternal map[string][]models.HostingUser
	byUsername map[string][]models.HostingUser
	byEmail    map[string][]models.HostingUser

	groups        []hosting.Group
	projects      map[int64]*hosting.Project
	groupProjects map[int64][]hosting.Project
	badges        map[int64][]hosting.Badge
	integrations  map[int64]hosting.TrackerIntegration
	nextID        int64
}

var _ hosting.Client = (*mockHostingClient)(nil)

func newMockHostingClient() *mockHostingClient {
	return &mockHostingClient{
		errs:          make(map[string]error),
		failNext:      make(map[string][]error),
		byExternal:    make(map[string][]models.HostingUser),
		byUsername:    make(map[string][]models.HostingUser),
		byEmail:       make(map[string][]models.HostingUser),
		projects:      make(map[int64]*hosting.Project),
		groupProjects: make(map[int64][]hosting.Project),
		badges:        make(map[int64][]hosting.Badge),
		integrations:  make(map[int64]hosting.TrackerIntegration),
		nextID:        1000,
	}
}

// record stores the call and returns the error configured for its operation.
func (m *mockHostingClient) record(call hostingCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	if queued := m.failNext[call.Op]; len(queued) > 0 {
		m.failNext[call.Op] = queued[1:]
		return queued[0]
	}
	return m.errs[call.Op]
}

func (m *mockHostingClient) callsFor(op string) []hostingCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []hostingCall
	for _, c := range m.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// membershipCalls returns the add, update and remove calls in order.
func (m *mockHostingClient) membershipCalls() []hostingCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []hostingCall
	for _, c := range m.calls {
		switch c.Op {
		case "AddGroupMember", "UpdateGroupMember", "RemoveGroupMember":
			out = append(out, c)
		}
	}
	return out
}

func (m *mockHostingClient) ListGroups(ctx context.Context) ([]hosting.Group, error) {
	if err := m.record(hostingCall{Op: "ListGroups"}); err != nil {
		return nil, err
	}
	return m.groups, nil
}

func (m *mockHostingClient) CreateGroup(ctx context.Context, name, groupPath string) (*hosting.Group, error) {
	if err := m.record(hostingCall{Op: "CreateGroup", Value: groupPath}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	group := hosting.Group{ID: m.nextID, Name: name, Path: groupPath, FullPath: groupPath}
	m.groups = append(m.groups, group)
	return &group, nil
}

func (m *mockHostingClient) GetProject(ctx context.Context, projectID int64) (*hosting.Project, error) {
	if err := m.record(hostingCall{Op: "GetProject", Value: fmt.Sprint(projectID)}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.projects[projectID]; ok {
		out := *p
		return &out, nil
	}
	return &hosting.Project{ID: projectID}, nil
}

func (m *mockHostingClient) ListGroupProjects(ctx context.Context, groupID int64) ([]hosting.Project, error) {
	if err := m.record(hostingCall{Op: "ListGroupProjects", GroupID: groupID}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupProjects[groupID], nil
}

func (m *mockHostingClient) CreateProjectInGroup(ctx context.Context, groupID int64, opts hosting.CreateProjectOptions) (*hosting.Project, error) {
	if err := m.record(hostingCall{Op: "CreateProjectInGroup", GroupID: groupID, Value: opts.Path}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	project := &hosting.Project{
		ID:                m.nextID,
		Name:              opts.Name,
		Path:              opts.Path,
		PathWithNamespace: fmt.Sprintf("group-%d/%s", groupID, opts.Path),
		Description:       opts.Description,
		Namespace:         hosting.Namespace{ID: groupID, Kind: "group"},
	}
	m.projects[project.ID] = project
	return project, nil
}

func (m *mockHostingClient) AddGroupMember(ctx context.Context, groupID, userID int64, level models.AccessLevel) error {
	return m.record(hostingCall{Op: "AddGroupMember", GroupID: groupID, UserID: userID, Level: level})
}

func (m *mockHostingClient) UpdateGroupMember(ctx context.Context, groupID, userID int64, level models.AccessLevel) error {
	return m.record(hostingCall{Op: "UpdateGroupMember", GroupID: groupID, UserID: userID, Level: level})
}

func (m *mockHostingClient) RemoveGroupMember(ctx context.Context, groupID, userID int64) error {
	return m.record(hostingCall{Op: "RemoveGroupMember", GroupID: groupID, UserID: userID})
}

func (m *mockHostingClient) FindUserByExternalIdentity(ctx context.Context, externUID string) ([]models.HostingUser, error) {
	if err := m.record(hostingCall{Op: "FindUserByExternalIdentity", Value: externUID}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byExternal[externUID], nil
}

func (m *mockHostingClient) FindUserByUsername(ctx context.Context, username string) ([]models.HostingUser, error) {
	if err := m.record(hostingCall{Op: "FindUserByUsername", Value: username}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byUsername[username], nil
}

func (m *mockHostingClient) FindUserByEmail(ctx context.Context, email string) ([]models.HostingUser, error) {
	if err := m.record(hostingCall{Op: "FindUserByEmail", Value: email}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byEmail[email], nil
}

func (m *mockHostingClient) ListGroupBadges(ctx context.Context, groupID int64) ([]hosting.Badge, error) {
	if err := m.record(hostingCall{Op: "ListGroupBadges", GroupID: groupID}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]hosting.Badge(nil), m.badges[groupID]...), nil
}

func (m *mockHostingClient) AddGroupBadge(ctx context.Context, groupID int64, badge hosting.Badge) (*hosting.Badge, error) {
	if err := m.record(hostingCall{Op: "AddGroupBadge", GroupID: groupID, Value: badge.LinkURL}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	badge.ID = m.nextID
	m.badges[groupID] = append(m.badges[groupID], badge)
	return &badge, nil
}

func (m *mockHostingClient) EditGroupBadge(ctx context.Context, groupID int64, badge hosting.Badge) (*hosting.Badge, error) {
	if err := m.record(hostingCall{Op: "EditGroupBadge", GroupID: groupID, Value: badge.LinkURL}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.badges[groupID] {
		if m.badges[groupID][i].ID == badge.ID {
			m.badges[groupID][i] = badge
		}
	}
	return &badge, nil
}

func (m *mockHostingClient) DeleteGroupBadge(ctx context.Context, groupID, badgeID int64) error {
	if err := m.record(hostingCall{Op: "DeleteGroupBadge", GroupID: groupID, Value: fmt.Sprint(badgeID)}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.badges[groupID][:0]
	for _, b := range m.badges[groupID] {
		if b.ID != badgeID {
			kept = append(kept, b)
		}
	}
	m.badges[groupID] = kept
	return nil
}

func (m *mockHostingClient) ConfigureTrackerIntegration(ctx context.Context, projectID int64, integration hosting.TrackerIntegration) error {
	if err := m.record(hostingCall{Op: "ConfigureTrackerIntegration", Value: integration.ProjectURL}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.integrations[projectID] = integration
	return nil
}

type mockTrackerClient struct {
	mu          sync.Mutex
	identifiers []string
	err         error
}

func (m *mockTrackerClient) FetchChangesets(ctx context.Context, projectIdentifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identifiers = append(m.identifiers, projectIdentifier)
	return m.err
}

// mockProbe is an in-memory directory tree. Paths are absolute.
type mockProbe struct {
	dirs    map[string]time.Time
	files   map[string]bool
	globErr error
}

func newMockProbe() *mockProbe {
	return &mockProbe{dirs: make(map[string]time.Time), files: make(map[string]bool)}
}

// addRepo creates a bare repository directory. initialized adds HEAD and config.
func (p *mockProbe) addRepo(path string, modTime time.Time, initialized bool) {
	p.dirs[path] = modTime
	if initialized {
		p.files[filepath.Join(path, "HEAD")] = true
		p.files[filepath.Join(path, "config")] = true
	}
}

func (p *mockProbe) Glob(pattern string) ([]string, error) {
	if p.globErr != nil {
		return nil, p.globErr
	}
	var out []string
	for path := range p.dirs {
		if ok, _ := filepath.Match(pattern, path); ok {
			out = append(out, path)
		}
	}
	for path := range p.files {
		if ok, _ := filepath.Match(pattern, path); ok {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (p *mockProbe) ModTime(path string) (time.Time, error) {
	if t, ok := p.dirs[path]; ok {
		return t, nil
	}
	return time.Time{}, errors.New("no such file or directory")
}

func (p *mockProbe) Exists(path string) (bool, error) {
	_, isDir := p.dirs[path]
	return isDir || p.files[path], nil
}

func (p *mockProbe) IsDir(path string) (bool, error) {
	_, ok := p.dirs[path]
	return ok, nil
}

type enqueuedTask struct {
	task  workqueue.Task
	delay time.Duration
}

// mockEnqueuer collects tasks without running them.
type mockEnqueuer struct {
	mu    sync.Mutex
	tasks []enqueuedTask
}

var _ workqueue.TaskEnqueuer = (*mockEnqueuer)(nil)

func (m *mockEnqueuer) Enqueue(task workqueue.Task) {
	m.EnqueueAfter(task, 0)
}

func (m *mockEnqueuer) EnqueueAfter(task workqueue.Task, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, enqueuedTask{task: task, delay: delay})
}

func (m *mockEnqueuer) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.tasks))
	for i, t := range m.tasks {
		out[i] = t.task.Kind()
	}
	return out
}

// runAll executes every collected task once, including tasks enqueued while running.
func (m *mockEnqueuer) runAll(t *testing.T, ctx context.Context) []error {
	t.Helper()
	var errs []error
	for i := 0; ; i++ {
		m.mu.Lock()
		if i >= len(m.tasks) {
			m.mu.Unlock()
			return errs
		}
		task := m.tasks[i].task
		m.mu.Unlock()
		errs = append(errs, task.Execute(ctx, m))
	}
}

// testEnv wires real services over the mocks above.
type testEnv struct {
	projects    *mockProjectRepository
	users       *mockUserRepository
	memberships *mockMembershipRepository
	mappingRepo *mockMappingRepository
	identities  *mockIdentityRepository
	records     *mockRecordRepository
	hosting     *mockHostingClient
	tracker     *mockTrackerClient
	probe       *mockProbe

	mappings   GroupMappingIndex
	calculator AccessLevelCalculator
	resolver   IdentityResolver
	reconciler MembershipReconciler
}

func newTestEnv() *testEnv {
	logger := zap.NewNop()
	env := &testEnv{
		projects:    newMockProjectRepository(),
		users:       newMockUserRepository(),
		memberships: newMockMembershipRepository(),
		mappingRepo: newMockMappingRepository(),
		identities:  newMockIdentityRepository(),
		records:     newMockRecordRepository(),
		hosting:     newMockHostingClient(),
		tracker:     &mockTrackerClient{},
		probe:       newMockProbe(),
	}
	env.mappings = NewGroupMappingIndex(env.mappingRepo, env.projects, logger)
	env.calculator = NewAccessLevelCalculator(env.mappings, env.memberships, logger)
	env.resolver = NewIdentityResolver(env.identities, env.hosting, nil, logger)
	env.reconciler = NewMembershipReconciler(env.users, env.resolver, env.calculator, env.hosting, nil, logger)
	return env
}

// addUser stores an active user that resolves by username to hostingUserID.
func (e *testEnv) addUser(trackerUserID int64, login string, hostingUserID int64) models.TrackerUser {
	user := models.TrackerUser{ID: trackerUserID, Login: login, Active: true}
	e.users.users[trackerUserID] = &user
	e.hosting.byUsername[login] = []models.HostingUser{{ID: hostingUserID, Username: login}}
	return user
}

// counterValue reads one counter sample from registry; 0 when absent.
func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	next:
		for _, metric := range family.GetMetric() {
			got := make(map[string]string)
			for _, pair := range metric.GetLabel() {
				got[pair.GetName()] = pair.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue next
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}
