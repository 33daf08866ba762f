package services

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/hosting"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/services/workqueue"
)

type trackerEventsFixture struct {
	env     *testEnv
	tx      *mockTx
	queue   *workqueue.Queue
	service TrackerEventService
}

func newTrackerEventsFixture(t *testing.T, linker RepositoryLinker) *trackerEventsFixture {
	env := newTestEnv()
	queue := workqueue.New(zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = queue.Shutdown(ctx)
	})
	orchestrator := newOrchestratorFixture(env, linker).build(testOrchestratorConfig(), queue)
	tx := &mockTx{}
	service := NewTrackerEventService(tx, env.projects, env.users, env.memberships,
		env.mappings, env.calculator, orchestrator, env.hosting, zap.NewNop())
	return &trackerEventsFixture{env: env, tx: tx, queue: queue, service: service}
}

func memberEvent(projectID, userID int64, login string, roles ...string) models.MemberEvent {
	return models.MemberEvent{
		User:       models.TrackerUser{ID: userID, Login: login, Active: true},
		Membership: models.Membership{ProjectID: projectID, UserID: userID, RoleNames: roles},
	}
}

func TestTrackerEvents_MemberLifecycleEndToEnd(t *testing.T) {
	f := newTrackerEventsFixture(t, nil)
	f.env.mappingRepo.mapGroup(1, 7)
	f.env.hosting.byUsername["alice"] = []models.HostingUser{{ID: 501, Username: "alice"}}

	require.NoError(t, f.service.MemberCreated(context.Background(), memberEvent(1, 5, "alice", "Developer")))
	waitQueue(t, f.queue)

	assert.Equal(t, []hostingCall{{Op: "AddGroupMember", GroupID: 7, UserID: 501, Level: models.AccessDeveloper}},
		f.env.hosting.membershipCalls())
	assert.Equal(t, 1, f.tx.calls)

	// The member was already removed by hand on the hosting side.
	f.env.hosting.errs["RemoveGroupMember"] = hostingStatus("remove group member", http.StatusNotFound)
	require.NoError(t, f.service.MemberDestroyed(context.Background(), 1, 5))
	waitQueue(t, f.queue)

	calls := f.env.hosting.membershipCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, hostingCall{Op: "RemoveGroupMember", GroupID: 7, UserID: 501}, calls[1])

	p := f.queue.Progress()
	assert.Equal(t, 2, p.Completed)
	assert.Equal(t, 0, p.Failed)
	assert.Empty(t, f.env.memberships.memberships)
}

func TestTrackerEvents_MemberCreatedOnUnmappedProjectOnlyStores(t *testing.T) {
	f := newTrackerEventsFixture(t, nil)

	require.NoError(t, f.service.MemberCreated(context.Background(), memberEvent(1, 5, "alice", "Developer")))
	waitQueue(t, f.queue)

	assert.Contains(t, f.env.users.users, int64(5))
	assert.Len(t, f.env.memberships.memberships, 1)
	assert.Empty(t, f.env.hosting.calls)
}

func TestTrackerEvents_MemberCreatedInactiveUserIsStoredNotSynced(t *testing.T) {
	f := newTrackerEventsFixture(t, nil)
	f.env.mappingRepo.mapGroup(1, 7)
	event := memberEvent(1, 5, "alice", "Developer")
	event.User.Active = false

	require.NoError(t, f.service.MemberCreated(context.Background(), event))
	waitQueue(t, f.queue)

	assert.Contains(t, f.env.users.users, int64(5))
	assert.Empty(t, f.env.hosting.calls)
}

func TestTrackerEvents_MemberCreatedRejectsMismatchedUser(t *testing.T) {
	f := newTrackerEventsFixture(t, nil)
	event := memberEvent(1, 5, "alice", "Developer")
	event.Membership.UserID = 6

	err := f.service.MemberCreated(context.Background(), event)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Equal(t, 0, f.tx.calls)
}

func TestTrackerEvents_MemberCreatedTransactionFailure(t *testing.T) {
	f := newTrackerEventsFixture(t, nil)
	f.env.mappingRepo.mapGroup(1, 7)
	f.env.memberships.upsertErr = errors.New("connection reset")

	err := f.service.MemberCreated(context.Background(), memberEvent(1, 5, "alice", "Developer"))
	require.Error(t, err)
	waitQueue(t, f.queue)
	assert.Empty(t, f.env.hosting.calls)
}

func TestTrackerEvents_MemberCreatedUsesGroupWideLevel(t *testing.T) {
	f := newTrackerEventsFixture(t, nil)
	f.env.mappingRepo.mapGroup(1, 7)
	f.env.mappingRepo.mapGroup(2, 7)
	f.env.hosting.byUsername["alice"] = []models.HostingUser{{ID: 501, Username: "alice"}}
	require.NoError(t, f.env.memberships.Upsert(context.Background(),
		&models.Membership{ProjectID: 2, UserID: 5, RoleNames: []string{"Manager"}}))

	require.NoError(t, f.service.MemberCreated(context.Background(), memberEvent(1, 5, "alice", "Reporter")))
	waitQueue(t, f.queue)

	calls := f.env.hosting.callsFor("AddGroupMember")
	require.Len(t, calls, 1)
	assert.Equal(t, models.AccessOwner, calls[0].Level)
}

func TestTrackerEvents_MemberUpdatedRecalculates(t *testing.T) {
	f := newTrackerEventsFixture(t, nil)
	f.env.mappingRepo.mapGroup(1, 7)
	f.env.hosting.byUsername["alice"] = []models.HostingUser{{ID: 501, Username: "alice"}}

	require.NoError(t, f.service.MemberUpdated(context.Background(), memberEvent(1, 5, "alice", "Manager")))
	waitQueue(t, f.queue)

	assert.Equal(t, []hostingCall{{Op: "UpdateGroupMember", GroupID: 7, UserID: 501, Level: models.AccessOwner}},
		f.env.hosting.membershipCalls())
}

func TestTrackerEvents_MemberDestroyedWithSiblingRecalculates(t *testing.T) {
	f := newTrackerEventsFixture(t, nil)
	f.env.mappingRepo.mapGroup(1, 7)
	f.env.mappingRepo.mapGroup(2, 7)
	f.env.addUser(5, "alice", 501)
	require.NoError(t, f.env.memberships.Upsert(context.Background(),
		&models.Membership{ProjectID: 1, UserID: 5, RoleNames: []string{"Manager"}}))
	require.NoError(t, f.env.memberships.Upsert(context.Background(),
		&models.Membership{ProjectID: 2, UserID: 5, RoleNames: []string{"Reporter"}}))

	require.NoError(t, f.service.MemberDestroyed(context.Background(), 1, 5))
	waitQueue(t, f.queue)

	assert.Equal(t, []hostingCall{{Op: "UpdateGroupMember", GroupID: 7, UserID: 501, Level: models.AccessReporter}},
		f.env.hosting.membershipCalls())
}

func TestTrackerEvents_ProjectCreatedWithExplicitGroup(t *testing.T) {
	f := newTrackerEventsFixture(t, nil)
	f.env.addUser(5, "alice", 501)
	require.NoError(t, f.env.memberships.Upsert(context.Background(),
		&models.Membership{ProjectID: 1, UserID: 5, RoleNames: []string{"Developer"}}))

	result, err := f.service.ProjectCreated(context.Background(), models.ProjectCreatedEvent{
		Project:        models.TrackerProject{ID: 1, Identifier: "alpha", Name: "Alpha"},
		HostingGroupID: 7,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Mapping)
	assert.Equal(t, int64(7), result.Mapping.GroupID())
	assert.Equal(t, models.MappingKindGroup, result.Mapping.Kind)
	waitQueue(t, f.queue)

	assert.Contains(t, f.env.projects.projects, int64(1))
	assert.Len(t, f.env.hosting.callsFor("AddGroupMember"), 1)
	assert.Len(t, f.env.hosting.badges[7], 1)
}

func TestTrackerEvents_ProjectCreatedInheritsAncestorGroup(t *testing.T) {
	f := newTrackerEventsFixture(t, nil)
	f.env.projects.projects[1] = &models.TrackerProject{ID: 1, Identifier: "root", Name: "Root"}
	f.env.mappingRepo.mapGroup(1, 7)

	result, err := f.service.ProjectCreated(context.Background(), models.ProjectCreatedEvent{
		Project: models.TrackerProject{ID: 2, ParentID: parent(1), Identifier: "child", Name: "Child"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.InheritedFrom)
	require.NotNil(t, result.Mapping)
	assert.Equal(t, int64(7), result.Mapping.GroupID())
}

func TestTrackerEvents_ProjectCreatedProvisionsGroupAndProject(t *testing.T) {
	linker := &stubLinker{}
	f := newTrackerEventsFixture(t, linker)

	result, err := f.service.ProjectCreated(context.Background(), models.ProjectCreatedEvent{
		Project:              models.TrackerProject{ID: 1, Identifier: "alpha", Name: "Alpha"},
		NewGroupName:         "Team Alpha",
		CreateHostingProject: true,
		Description:          "Alpha service",
	})
	require.NoError(t, err)
	waitQueue(t, f.queue)

	require.NotZero(t, result.CreatedGroupID)
	require.NotZero(t, result.CreatedProjectID)
	assert.Equal(t, []hostingCall{{Op: "CreateGroup", Value: "team-alpha"}}, f.env.hosting.callsFor("CreateGroup"))
	projectCalls := f.env.hosting.callsFor("CreateProjectInGroup")
	require.Len(t, projectCalls, 1)
	assert.Equal(t, result.CreatedGroupID, projectCalls[0].GroupID)
	assert.Equal(t, "alpha", projectCalls[0].Value)

	assert.Equal(t, models.MappingKindProject, result.Mapping.Kind)
	assert.Equal(t, result.CreatedProjectID, result.Mapping.ProjectID())

	require.Len(t, linker.attempts, 1)
	assert.Equal(t, result.CreatedProjectID, linker.attempts[0].HostingProjectID)
	assert.Contains(t, f.env.hosting.integrations, result.CreatedProjectID)
}

func TestTrackerEvents_ProjectCreatedWithoutGroupCannotCreateProject(t *testing.T) {
	f := newTrackerEventsFixture(t, nil)

	_, err := f.service.ProjectCreated(context.Background(), models.ProjectCreatedEvent{
		Project:              models.TrackerProject{ID: 1, Identifier: "alpha", Name: "Alpha"},
		CreateHostingProject: true,
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Empty(t, f.env.hosting.callsFor("CreateProjectInGroup"))
}

func TestTrackerEvents_ProjectCreatedWithoutMappingIsStoredOnly(t *testing.T) {
	f := newTrackerEventsFixture(t, nil)

	result, err := f.service.ProjectCreated(context.Background(), models.ProjectCreatedEvent{
		Project: models.TrackerProject{ID: 1, Identifier: "alpha", Name: "Alpha"},
	})
	require.NoError(t, err)
	assert.Nil(t, result.Mapping)
	assert.Contains(t, f.env.projects.projects, int64(1))
	assert.Empty(t, f.env.mappingRepo.mappings)
}

func TestTrackerEvents_ProjectCreatedGroupCreationFailure(t *testing.T) {
	f := newTrackerEventsFixture(t, nil)
	f.env.hosting.errs["CreateGroup"] = hostingStatus("create group", http.StatusBadRequest)

	_, err := f.service.ProjectCreated(context.Background(), models.ProjectCreatedEvent{
		Project:      models.TrackerProject{ID: 1, Identifier: "alpha", Name: "Alpha"},
		NewGroupName: "Team Alpha",
	})
	assert.True(t, apperrors.IsStatus(err, http.StatusBadRequest))
	assert.Empty(t, f.env.mappingRepo.mappings)
}

func TestTrackerEvents_LinkProjectMovesGroup(t *testing.T) {
	f := newTrackerEventsFixture(t, nil)
	f.env.projects.projects[1] = &models.TrackerProject{ID: 1, Identifier: "alpha", Name: "Alpha"}
	f.env.mappingRepo.mapGroup(1, 7)
	f.env.hosting.badges[7] = []hosting.Badge{{ID: 4, Name: "Tracker"}}
	f.env.addUser(5, "alice", 501)
	require.NoError(t, f.env.memberships.Upsert(context.Background(),
		&models.Membership{ProjectID: 1, UserID: 5, RoleNames: []string{"Developer"}}))

	mapping, err := f.service.LinkProject(context.Background(), models.MappingChange{TrackerProjectID: 1, HostingGroupID: 8})
	require.NoError(t, err)
	assert.Equal(t, int64(8), mapping.GroupID())
	waitQueue(t, f.queue)

	assert.Empty(t, f.env.hosting.badges[7])
	assert.Len(t, f.env.hosting.badges[8], 1)
	calls := f.env.hosting.callsFor("AddGroupMember")
	require.Len(t, calls, 1)
	assert.Equal(t, int64(8), calls[0].GroupID)
}

func TestTrackerEvents_LinkProjectUsesProjectNamespace(t *testing.T) {
	f := newTrackerEventsFixture(t, nil)
	f.env.hosting.projects[42] = &hosting.Project{ID: 42, Namespace: hosting.Namespace{ID: 9, Kind: "group"}}

	mapping, err := f.service.LinkProject(context.Background(), models.MappingChange{TrackerProjectID: 1, HostingProjectID: 42})
	require.NoError(t, err)
	assert.Equal(t, int64(9), mapping.GroupID())
	assert.Equal(t, int64(42), mapping.ProjectID())
	assert.Equal(t, models.MappingKindProject, mapping.Kind)
}

func TestTrackerEvents_LinkProjectRequiresTarget(t *testing.T) {
	f := newTrackerEventsFixture(t, nil)

	_, err := f.service.LinkProject(context.Background(), models.MappingChange{TrackerProjectID: 1})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
