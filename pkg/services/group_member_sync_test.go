package services

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/retry"
)

func newTestMemberSync(env *testEnv) GroupMemberSync {
	return NewGroupMemberSync(env.memberships, env.users, env.calculator, env.reconciler, 2, zap.NewNop())
}

func TestGroupMemberSync_AddsActiveMembers(t *testing.T) {
	env := newTestEnv()
	env.mappingRepo.mapGroup(1, 7)
	env.addUser(5, "alice", 501)
	env.addUser(6, "bob", 502)
	env.users.users[8] = &models.TrackerUser{ID: 8, Login: "locked", Active: false}
	for _, ms := range []models.Membership{
		{ProjectID: 1, UserID: 5, RoleNames: []string{"Manager"}},
		{ProjectID: 1, UserID: 6, RoleNames: []string{"Reporter"}},
		{ProjectID: 1, UserID: 8, RoleNames: []string{"Developer"}},
		// Not in the read model yet.
		{ProjectID: 1, UserID: 9, RoleNames: []string{"Developer"}},
	} {
		require.NoError(t, env.memberships.Upsert(context.Background(), &ms))
	}

	result, err := newTestMemberSync(env).SyncProjectMembers(context.Background(), 7, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, 0, result.Failed)

	levels := make(map[int64]models.AccessLevel)
	for _, c := range env.hosting.callsFor("AddGroupMember") {
		levels[c.UserID] = c.Level
	}
	assert.Equal(t, map[int64]models.AccessLevel{501: models.AccessOwner, 502: models.AccessReporter}, levels)
}

func TestGroupMemberSync_UsesGroupWideLevel(t *testing.T) {
	env := newTestEnv()
	env.mappingRepo.mapGroup(1, 7)
	env.mappingRepo.mapGroup(2, 7)
	env.addUser(5, "alice", 501)
	require.NoError(t, env.memberships.Upsert(context.Background(),
		&models.Membership{ProjectID: 1, UserID: 5, RoleNames: []string{"Reporter"}}))
	require.NoError(t, env.memberships.Upsert(context.Background(),
		&models.Membership{ProjectID: 2, UserID: 5, RoleNames: []string{"Manager"}}))

	_, err := newTestMemberSync(env).SyncProjectMembers(context.Background(), 7, 1)
	require.NoError(t, err)

	calls := env.hosting.callsFor("AddGroupMember")
	require.Len(t, calls, 1)
	assert.Equal(t, models.AccessOwner, calls[0].Level)
}

func TestGroupMemberSync_UnrecognizedRolesGetDeveloper(t *testing.T) {
	env := newTestEnv()
	env.mappingRepo.mapGroup(1, 7)
	env.addUser(5, "alice", 501)
	require.NoError(t, env.memberships.Upsert(context.Background(),
		&models.Membership{ProjectID: 1, UserID: 5, RoleNames: []string{"Viewer"}}))

	_, err := newTestMemberSync(env).SyncProjectMembers(context.Background(), 7, 1)
	require.NoError(t, err)

	calls := env.hosting.callsFor("AddGroupMember")
	require.Len(t, calls, 1)
	assert.Equal(t, models.AccessDeveloper, calls[0].Level)
}

func TestGroupMemberSync_ExistingMembersAreUpdated(t *testing.T) {
	env := newTestEnv()
	env.mappingRepo.mapGroup(1, 7)
	env.addUser(5, "alice", 501)
	require.NoError(t, env.memberships.Upsert(context.Background(),
		&models.Membership{ProjectID: 1, UserID: 5, RoleNames: []string{"Developer"}}))
	env.hosting.errs["AddGroupMember"] = hostingStatus("add group member", http.StatusConflict)

	result, err := newTestMemberSync(env).SyncProjectMembers(context.Background(), 7, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 0, result.Added)
}

func TestGroupMemberSync_FailuresAreIsolated(t *testing.T) {
	env := newTestEnv()
	env.mappingRepo.mapGroup(1, 7)
	env.addUser(5, "alice", 501)
	env.addUser(6, "bob", 502)
	env.users.users[10] = &models.TrackerUser{ID: 10, Login: "nohosting", Active: true}
	for _, ms := range []models.Membership{
		{ProjectID: 1, UserID: 5, RoleNames: []string{"Developer"}},
		{ProjectID: 1, UserID: 6, RoleNames: []string{"Developer"}},
		{ProjectID: 1, UserID: 10, RoleNames: []string{"Developer"}},
	} {
		require.NoError(t, env.memberships.Upsert(context.Background(), &ms))
	}
	env.hosting.failNext["AddGroupMember"] = []error{hostingStatus("add group member", http.StatusBadGateway)}

	result, err := newTestMemberSync(env).SyncProjectMembers(context.Background(), 7, 1)
	require.Error(t, err, "one transient failure is reported for a retry")
	assert.True(t, retry.IsRetryable(err))
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, 2, result.Failed)
	assert.Len(t, result.Errors, 2)
}

func TestGroupMemberSync_OnlyIdentityFailuresAreNotRetried(t *testing.T) {
	env := newTestEnv()
	env.mappingRepo.mapGroup(1, 7)
	env.users.users[10] = &models.TrackerUser{ID: 10, Login: "nohosting", Active: true}
	require.NoError(t, env.memberships.Upsert(context.Background(),
		&models.Membership{ProjectID: 1, UserID: 10, RoleNames: []string{"Developer"}}))

	result, err := newTestMemberSync(env).SyncProjectMembers(context.Background(), 7, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
}
