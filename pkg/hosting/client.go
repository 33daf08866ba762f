// Package hosting provides a client for the code-hosting service REST API (v4).
package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/logging"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
)

// DefaultTimeout is the maximum time to wait for any hosting API response.
const DefaultTimeout = 30 * time.Second

// perPage is the page size used for list endpoints.
const perPage = 100

// Client is the capability surface of the hosting service used by the engine.
// Every non-2xx response is returned as *apperrors.HostingAPIError.
type Client interface {
	ListGroups(ctx context.Context) ([]Group, error)
	CreateGroup(ctx context.Context, name, groupPath string) (*Group, error)
	GetProject(ctx context.Context, projectID int64) (*Project, error)
	ListGroupProjects(ctx context.Context, groupID int64) ([]Project, error)
	CreateProjectInGroup(ctx context.Context, groupID int64, opts CreateProjectOptions) (*Project, error)

	AddGroupMember(ctx context.Context, groupID, userID int64, level models.AccessLevel) error
	UpdateGroupMember(ctx context.Context, groupID, userID int64, level models.AccessLevel) error
	RemoveGroupMember(ctx context.Context, groupID, userID int64) error

	// User lookups return the service's candidates, possibly empty.
	FindUserByExternalIdentity(ctx context.Context, externUID string) ([]models.HostingUser, error)
	FindUserByUsername(ctx context.Context, username string) ([]models.HostingUser, error)
	FindUserByEmail(ctx context.Context, email string) ([]models.HostingUser, error)

	ListGroupBadges(ctx context.Context, groupID int64) ([]Badge, error)
	AddGroupBadge(ctx context.Context, groupID int64, badge Badge) (*Badge, error)
	EditGroupBadge(ctx context.Context, groupID int64, badge Badge) (*Badge, error)
	DeleteGroupBadge(ctx context.Context, groupID, badgeID int64) error

	ConfigureTrackerIntegration(ctx context.Context, projectID int64, integration TrackerIntegration) error
}

// Config holds the client's connection settings.
type Config struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	// Provider scopes external identity lookups.
	Provider string
}

type client struct {
	baseURL    string
	token      string
	provider   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

var _ Client = (*client)(nil)

// NewClient creates a new hosting API client.
func NewClient(cfg Config, logger *zap.Logger) Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	provider := cfg.Provider
	if provider == "" {
		provider = "openid_connect"
	}

	return &client{
		baseURL:  cfg.BaseURL,
		token:    cfg.Token,
		provider: provider,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named("hosting"),
	}
}

func (c *client) ListGroups(ctx context.Context) ([]Group, error) {
	var groups []Group
	err := listAll(ctx, c, "list groups", url.Values{"all_available": {"true"}}, &groups, "api", "v4", "groups")
	return groups, err
}

func (c *client) CreateGroup(ctx context.Context, name, groupPath string) (*Group, error) {
	body := map[string]any{
		"name":       name,
		"path":       groupPath,
		"visibility": "internal",
	}
	var group Group
	if err := c.do(ctx, "create group", http.MethodPost, nil, body, &group, "api", "v4", "groups"); err != nil {
		return nil, err
	}
	return &group, nil
}

func (c *client) GetProject(ctx context.Context, projectID int64) (*Project, error) {
	var project Project
	if err := c.do(ctx, "get project", http.MethodGet, nil, nil, &project, "api", "v4", "projects", id(projectID)); err != nil {
		return nil, err
	}
	return &project, nil
}

func (c *client) ListGroupProjects(ctx context.Context, groupID int64) ([]Project, error) {
	var projects []Project
	err := listAll(ctx, c, "list group projects", url.Values{"include_subgroups": {"false"}}, &projects,
		"api", "v4", "groups", id(groupID), "projects")
	return projects, err
}

func (c *client) CreateProjectInGroup(ctx context.Context, groupID int64, opts CreateProjectOptions) (*Project, error) {
	visibility := "internal"
	if opts.IsPublic {
		visibility = "public"
	}
	body := map[string]any{
		"name":                   opts.Name,
		"description":            opts.Description,
		"visibility":             visibility,
		"initialize_with_readme": opts.InitWithReadme,
		"namespace_id":           groupID,
	}
	if opts.Path != "" {
		body["path"] = opts.Path
	}

	var project Project
	if err := c.do(ctx, "create project", http.MethodPost, nil, body, &project, "api", "v4", "projects"); err != nil {
		return nil, err
	}
	return &project, nil
}

func (c *client) AddGroupMember(ctx context.Context, groupID, userID int64, level models.AccessLevel) error {
	body := map[string]any{
		"user_id":      userID,
		"access_level": int(level),
	}
	return c.do(ctx, "add group member", http.MethodPost, nil, body, nil, "api", "v4", "groups", id(groupID), "members")
}

func (c *client) UpdateGroupMember(ctx context.Context, groupID, userID int64, level models.AccessLevel) error {
	query := url.Values{"access_level": {strconv.Itoa(int(level))}}
	return c.do(ctx, "update group member", http.MethodPut, query, nil, nil,
		"api", "v4", "groups", id(groupID), "members", id(userID))
}

func (c *client) RemoveGroupMember(ctx context.Context, groupID, userID int64) error {
	return c.do(ctx, "remove group member", http.MethodDelete, nil, nil, nil,
		"api", "v4", "groups", id(groupID), "members", id(userID))
}

func (c *client) FindUserByExternalIdentity(ctx context.Context, externUID string) ([]models.HostingUser, error) {
	query := url.Values{"extern_uid": {externUID}, "provider": {c.provider}}
	return c.findUsers(ctx, "find user by external identity", query)
}

func (c *client) FindUserByUsername(ctx context.Context, username string) ([]models.HostingUser, error) {
	return c.findUsers(ctx, "find user by username", url.Values{"username": {username}})
}

// FindUserByEmail runs a search query. The service matches loosely, so
// callers must filter the candidates for exact equality.
func (c *client) FindUserByEmail(ctx context.Context, email string) ([]models.HostingUser, error) {
	return c.findUsers(ctx, "find user by email", url.Values{"search": {email}})
}

func (c *client) findUsers(ctx context.Context, op string, query url.Values) ([]models.HostingUser, error) {
	var users []models.HostingUser
	if err := c.do(ctx, op, http.MethodGet, query, nil, &users, "api", "v4", "users"); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *client) ListGroupBadges(ctx context.Context, groupID int64) ([]Badge, error) {
	var badges []Badge
	err := listAll(ctx, c, "list group badges", nil, &badges, "api", "v4", "groups", id(groupID), "badges")
	return badges, err
}

func (c *client) AddGroupBadge(ctx context.Context, groupID int64, badge Badge) (*Badge, error) {
	var created Badge
	if err := c.do(ctx, "add group badge", http.MethodPost, nil, badgeBody(badge), &created,
		"api", "v4", "groups", id(groupID), "badges"); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *client) EditGroupBadge(ctx context.Context, groupID int64, badge Badge) (*Badge, error) {
	var updated Badge
	if err := c.do(ctx, "edit group badge", http.MethodPut, nil, badgeBody(badge), &updated,
		"api", "v4", "groups", id(groupID), "badges", id(badge.ID)); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (c *client) DeleteGroupBadge(ctx context.Context, groupID, badgeID int64) error {
	return c.do(ctx, "delete group badge", http.MethodDelete, nil, nil, nil,
		"api", "v4", "groups", id(groupID), "badges", id(badgeID))
}

func (c *client) ConfigureTrackerIntegration(ctx context.Context, projectID int64, integration TrackerIntegration) error {
	return c.do(ctx, "configure tracker integration", http.MethodPut, nil, integration, nil,
		"api", "v4", "projects", id(projectID), "integrations", "redmine")
}

func badgeBody(b Badge) map[string]any {
	return map[string]any{
		"name":      b.Name,
		"link_url":  b.LinkURL,
		"image_url": b.ImageURL,
	}
}

// listAll follows X-Next-Page until the last page.
func listAll[T any](ctx context.Context, c *client, op string, query url.Values, out *[]T, segments ...string) error {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("per_page", strconv.Itoa(perPage))

	page := "1"
	for page != "" {
		q.Set("page", page)
		var batch []T
		next, err := c.doPage(ctx, op, http.MethodGet, q, nil, &batch, segments...)
		if err != nil {
			return err
		}
		*out = append(*out, batch...)
		page = next
	}
	return nil
}

func (c *client) do(ctx context.Context, op, method string, query url.Values, body, out any, segments ...string) error {
	_, err := c.doPage(ctx, op, method, query, body, out, segments...)
	return err
}

// doPage executes one request and returns the X-Next-Page header.
func (c *client) doPage(ctx context.Context, op, method string, query url.Values, body, out any, segments ...string) (string, error) {
	endpoint, err := buildURL(c.baseURL, query, segments...)
	if err != nil {
		return "", fmt.Errorf("failed to build URL: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Private-Token", c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", &apperrors.HostingAPIError{Op: op, Err: err}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Hosting API call failed",
			zap.String("op", op),
			zap.String("url", logging.SanitizeURL(endpoint)),
			zap.String("error", logging.SanitizeError(err)))
		return "", &apperrors.HostingAPIError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &apperrors.HostingAPIError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	c.logger.Debug("Hosting API call",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("url", logging.SanitizeURL(endpoint)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &apperrors.HostingAPIError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       logging.TruncateString(logging.SanitizeString(string(respBody)), logging.MaxBodyLogLength),
		}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return "", fmt.Errorf("failed to parse %s response: %w", op, err)
		}
	}

	return resp.Header.Get("X-Next-Page"), nil
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}

// buildURL constructs a URL by parsing the base and joining path segments.
func buildURL(baseURL string, query url.Values, pathSegments ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	segments := append([]string{u.Path}, pathSegments...)
	u.Path = path.Join(segments...)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	return u.String(), nil
}
