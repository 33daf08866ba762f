package hosting

import (
	"regexp"
	"strings"
)

// Group is a hosting-service namespace.
type Group struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	FullPath string `json:"full_path,omitempty"`
	ParentID *int64 `json:"parent_id,omitempty"`
	WebURL   string `json:"web_url,omitempty"`
}

// Namespace is the owner of a project as returned inside a project.
type Namespace struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	FullPath string `json:"full_path"`
}

// Project is a hosting-service project (repository container).
type Project struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	Path              string    `json:"path"`
	PathWithNamespace string    `json:"path_with_namespace"`
	Description       string    `json:"description,omitempty"`
	Visibility        string    `json:"visibility,omitempty"`
	WebURL            string    `json:"web_url,omitempty"`
	HTTPURLToRepo     string    `json:"http_url_to_repo,omitempty"`
	SSHURLToRepo      string    `json:"ssh_url_to_repo,omitempty"`
	Namespace         Namespace `json:"namespace"`
}

// CreateProjectOptions are the inputs of create_project_in_group.
type CreateProjectOptions struct {
	Name           string
	Path           string
	Description    string
	InitWithReadme bool
	IsPublic       bool
}

// Badge is a group badge.
type Badge struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	LinkURL  string `json:"link_url"`
	ImageURL string `json:"image_url"`
	Kind     string `json:"kind,omitempty"`
}

// TrackerIntegration configures the hosting project's external issue tracker links.
type TrackerIntegration struct {
	ProjectURL  string `json:"project_url"`
	IssuesURL   string `json:"issues_url"`
	NewIssueURL string `json:"new_issue_url"`
}

var nonPathChars = regexp.MustCompile(`[^a-z0-9\-_]`)

// PathSlug derives a namespace path from a display name.
func PathSlug(name string) string {
	return nonPathChars.ReplaceAllString(strings.ToLower(name), "-")
}
