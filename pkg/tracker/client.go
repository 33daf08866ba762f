// Package tracker provides a client for the tracker's repository web service.
package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/logging"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/retry"
)

// DefaultTimeout is the maximum time to wait for tracker responses.
const DefaultTimeout = 30 * time.Second

// Client triggers tracker-side work for linked repositories.
type Client interface {
	// FetchChangesets asks the tracker to import repository history for a project.
	FetchChangesets(ctx context.Context, projectIdentifier string) error
}

// StatusError is returned when the tracker answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tracker returned status %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether the status is worth another attempt.
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type client struct {
	baseURL    string
	wsKey      string
	httpClient *http.Client
	retryCfg   *retry.Config
	logger     *zap.Logger
}

var _ Client = (*client)(nil)

// NewClient creates a new tracker client. wsKey is the repository management web service key.
func NewClient(baseURL, wsKey string, logger *zap.Logger) Client {
	return &client{
		baseURL: baseURL,
		wsKey:   wsKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		retryCfg: &retry.Config{
			MaxRetries:   2,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
		logger: logger.Named("tracker"),
	}
}

func (c *client) FetchChangesets(ctx context.Context, projectIdentifier string) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = path.Join(u.Path, "sys", "fetch_changesets")
	u.RawQuery = url.Values{"id": {projectIdentifier}, "key": {c.wsKey}}.Encode()
	endpoint := u.String()

	c.logger.Debug("Requesting changeset import",
		zap.String("url", logging.SanitizeURL(endpoint)),
		zap.String("project", projectIdentifier))

	return retry.DoIfRetryable(ctx, c.retryCfg, func() error {
		return c.get(ctx, endpoint)
	})
}

func (c *client) get(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call tracker: %s", logging.SanitizeError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{
			StatusCode: resp.StatusCode,
			Body:       logging.TruncateString(string(body), logging.MaxBodyLogLength),
		}
	}
	return nil
}
