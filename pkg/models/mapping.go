// Package models contains domain types for ekaya-gitsync.
package models

import "time"

// MappingKind classifies how a tracker project relates to the hosting service.
type MappingKind string

// MappingKind values. MappingKindInherited is only produced by queries,
// never stored.
const (
	MappingKindGroup     MappingKind = "group"
	MappingKindProject   MappingKind = "project"
	MappingKindInherited MappingKind = "inherited"
)

// IsStorable reports whether the kind may be written by a mutation path.
func (k MappingKind) IsStorable() bool {
	return k == MappingKindGroup || k == MappingKindProject
}

// ProjectMapping associates one tracker project with a hosting group and/or project.
type ProjectMapping struct {
	TrackerProjectID int64       `json:"tracker_project_id"`
	HostingGroupID   *int64      `json:"hosting_group_id,omitempty"`
	HostingProjectID *int64      `json:"hosting_project_id,omitempty"`
	Kind             MappingKind `json:"mapping_kind"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// GroupID returns the mapped hosting group id, or 0 when none is set.
func (m *ProjectMapping) GroupID() int64 {
	if m == nil || m.HostingGroupID == nil {
		return 0
	}
	return *m.HostingGroupID
}

// ProjectID returns the mapped hosting project id, or 0 when none is set.
func (m *ProjectMapping) ProjectID() int64 {
	if m == nil || m.HostingProjectID == nil {
		return 0
	}
	return *m.HostingProjectID
}

// InheritedGroup is the result of walking a project's ancestry for a mapped group.
type InheritedGroup struct {
	HostingGroupID int64 `json:"hosting_group_id"`
	// InheritedFrom is the tracker project that carries the mapping.
	// Equal to the queried project when the mapping is its own.
	InheritedFrom int64 `json:"inherited_from"`
}

// Kind classifies the result for display: group for a direct hit, inherited otherwise.
func (g InheritedGroup) Kind(queriedProjectID int64) MappingKind {
	if g.InheritedFrom == queriedProjectID {
		return MappingKindGroup
	}
	return MappingKindInherited
}

// Int64Ptr returns a pointer to v, or nil when v is zero.
// Hosting ids are positive, so zero means "unset" throughout the engine.
func Int64Ptr(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
