package models

// TrackerProject is the read-model copy of a tracker project.
type TrackerProject struct {
	ID         int64  `json:"id" validate:"required,gt=0"`
	ParentID   *int64 `json:"parent_id,omitempty" validate:"omitempty,gt=0"`
	Identifier string `json:"identifier" validate:"required,max=100"`
	Name       string `json:"name" validate:"required,max=255"`
}

// TrackerUser is the read-model copy of a tracker user's identity inputs.
type TrackerUser struct {
	ID          int64  `json:"id" validate:"required,gt=0"`
	Login       string `json:"login" validate:"required"`
	Mail        string `json:"mail,omitempty" validate:"omitempty,email"`
	ExternalUID string `json:"external_uid,omitempty"`
	Active      bool   `json:"active"`
}

// Membership is one user's role set in one tracker project.
type Membership struct {
	ProjectID int64    `json:"project_id" validate:"required,gt=0"`
	UserID    int64    `json:"user_id" validate:"required,gt=0"`
	RoleNames []string `json:"role_names"`
}

// RepositoryRecord is the tracker's repository entry for a project.
type RepositoryRecord struct {
	TrackerProjectID int64  `json:"tracker_project_id"`
	URL              string `json:"url"`
	HostingProjectID *int64 `json:"hosting_project_id,omitempty"`
	IsDefault        bool   `json:"is_default"`
}
