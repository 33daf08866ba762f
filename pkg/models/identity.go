package models

import "time"

// MatchMethod records which strategy resolved an identity.
type MatchMethod string

const (
	MatchMethodExternalIdentity MatchMethod = "external_identity"
	MatchMethodUsername         MatchMethod = "username"
	MatchMethodEmail            MatchMethod = "email"
)

// IdentityMapping caches the resolution of a tracker user to a hosting user.
type IdentityMapping struct {
	TrackerUserID   int64       `json:"tracker_user_id"`
	HostingUserID   int64       `json:"hosting_user_id"`
	HostingUsername string      `json:"hosting_username"`
	MatchMethod     MatchMethod `json:"match_method"`
	LastSyncedAt    time.Time   `json:"last_synced_at"`
}

// IdentityCacheStats summarizes the identity cache.
type IdentityCacheStats struct {
	Total       int                 `json:"total"`
	ByMethod    map[MatchMethod]int `json:"by_method"`
	RecentCount int                 `json:"recent_count"`
}

// HostingUser is a user account on the hosting service.
type HostingUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	State    string `json:"state,omitempty"`
}
