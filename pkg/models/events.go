package models

import (
	"fmt"
	"time"
)

// MembershipAction is the reconciler action for a membership change.
type MembershipAction string

const (
	ActionAdd         MembershipAction = "add"
	ActionUpdate      MembershipAction = "update"
	ActionRemove      MembershipAction = "remove"
	ActionRecalculate MembershipAction = "recalculate"
)

// MembershipChangeEvent is the unit of work for the membership reconciler.
type MembershipChangeEvent struct {
	Action         MembershipAction `json:"action"`
	HostingGroupID int64            `json:"hosting_group_id"`
	TrackerUserID  int64            `json:"tracker_user_id"`
	// AccessLevel is required for add and update.
	AccessLevel AccessLevel `json:"requested_access_level,omitempty"`
	// ExcludeProjectID is ignored by add and update. Zero means no exclusion.
	ExcludeProjectID int64 `json:"exclude_project_id,omitempty"`
}

// Validate checks the fields each action requires.
func (e MembershipChangeEvent) Validate() error {
	if e.HostingGroupID <= 0 {
		return fmt.Errorf("hosting_group_id must be positive")
	}
	if e.TrackerUserID <= 0 {
		return fmt.Errorf("tracker_user_id must be positive")
	}
	switch e.Action {
	case ActionAdd, ActionUpdate:
		if !e.AccessLevel.IsValid() {
			return fmt.Errorf("%s requires a valid access level, got %d", e.Action, e.AccessLevel)
		}
	case ActionRemove, ActionRecalculate:
	default:
		return fmt.Errorf("unknown action %q", e.Action)
	}
	return nil
}

// RepositoryLinkTask is the unit of work for the repository linker.
type RepositoryLinkTask struct {
	TrackerProjectID int64 `json:"tracker_project_id"`
	HostingProjectID int64 `json:"hosting_project_id"`
	// Attempt is 1-based.
	Attempt int `json:"attempt"`
	// NotBefore is fixed at creation and carried unchanged through every retry.
	NotBefore time.Time `json:"not_before"`
}

// Next returns the task for the following attempt.
func (t RepositoryLinkTask) Next() RepositoryLinkTask {
	t.Attempt++
	return t
}

// ProjectCreatedEvent is pushed by the tracker when a project is created.
type ProjectCreatedEvent struct {
	Project TrackerProject `json:"project" validate:"required"`
	// HostingGroupID maps the project explicitly; zero falls back to the nearest mapped ancestor.
	HostingGroupID int64 `json:"hosting_group_id,omitempty" validate:"omitempty,gt=0"`
	// HostingProjectID links an existing hosting project.
	HostingProjectID int64 `json:"hosting_project_id,omitempty" validate:"omitempty,gt=0"`
	// NewGroupName provisions a new hosting group for the project.
	NewGroupName string `json:"new_group_name,omitempty" validate:"omitempty,max=255"`
	// CreateHostingProject provisions a hosting project inside the resolved group.
	CreateHostingProject bool   `json:"create_hosting_project,omitempty"`
	Description          string `json:"description,omitempty"`
	IsPublic             bool   `json:"is_public,omitempty"`
}

// ProjectCreatedResult describes what the engine mapped and provisioned.
type ProjectCreatedResult struct {
	Mapping *ProjectMapping `json:"mapping,omitempty"`
	// InheritedFrom is set when the group came from an ancestor project.
	InheritedFrom    int64 `json:"inherited_from,omitempty"`
	CreatedGroupID   int64 `json:"created_group_id,omitempty"`
	CreatedProjectID int64 `json:"created_project_id,omitempty"`
}

// MemberEvent is pushed by the tracker when a membership is created or its roles change.
type MemberEvent struct {
	User       TrackerUser `json:"user" validate:"required"`
	Membership Membership  `json:"membership" validate:"required"`
}

// MappingChange is an operator request to remap a tracker project.
type MappingChange struct {
	TrackerProjectID int64 `json:"tracker_project_id" validate:"required,gt=0"`
	HostingGroupID   int64 `json:"hosting_group_id,omitempty" validate:"omitempty,gt=0"`
	HostingProjectID int64 `json:"hosting_project_id,omitempty" validate:"omitempty,gt=0"`
}
