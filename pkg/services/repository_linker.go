package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/fsprobe"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/hosting"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/logging"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/metrics"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/repositories"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/tracker"
)

// Auxiliary repository kinds stored next to project repositories.
var auxiliaryRepoSuffixes = []string{".wiki.git", ".design.git"}

// LinkerConfig locates repositories on the hosting side and on the tracker mount.
type LinkerConfig struct {
	// HostingRoot contains the @hashed storage tree.
	HostingRoot string
	// TrackerRoot is where the tracker sees the same tree.
	TrackerRoot string
}

// RepositoryLinker finds the on-disk repository of a just-created hosting
// project and records it as the tracker project's default repository.
type RepositoryLinker interface {
	// Attempt runs one discovery attempt. A wrapped ErrRepositoryNotReady means
	// try again later with the same task.
	Attempt(ctx context.Context, task models.RepositoryLinkTask) (*models.RepositoryRecord, error)
}

type repositoryLinker struct {
	cfg         LinkerConfig
	probe       fsprobe.Probe
	recordRepo  repositories.RepositoryRecordRepository
	projectRepo repositories.TrackerProjectRepository
	hosting     hosting.Client
	tracker     tracker.Client
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

var _ RepositoryLinker = (*repositoryLinker)(nil)

// NewRepositoryLinker creates a new repository linker.
func NewRepositoryLinker(
	cfg LinkerConfig,
	probe fsprobe.Probe,
	recordRepo repositories.RepositoryRecordRepository,
	projectRepo repositories.TrackerProjectRepository,
	hostingClient hosting.Client,
	trackerClient tracker.Client,
	m *metrics.Metrics,
	logger *zap.Logger,
) RepositoryLinker {
	if cfg.TrackerRoot == "" {
		cfg.TrackerRoot = cfg.HostingRoot
	}
	return &repositoryLinker{
		cfg:         cfg,
		probe:       probe,
		recordRepo:  recordRepo,
		projectRepo: projectRepo,
		hosting:     hostingClient,
		tracker:     trackerClient,
		metrics:     m,
		logger:      logger.Named("repository-linker"),
	}
}

type repoCandidate struct {
	path     string
	diskPath string
	modTime  time.Time
}

func notReady(reason string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %s", apperrors.ErrRepositoryNotReady, reason, logging.SanitizeError(err))
	}
	return fmt.Errorf("%w: %s", apperrors.ErrRepositoryNotReady, reason)
}

func (l *repositoryLinker) Attempt(ctx context.Context, task models.RepositoryLinkTask) (*models.RepositoryRecord, error) {
	logger := l.logger.With(
		zap.Int64("tracker_project_id", task.TrackerProjectID),
		zap.Int64("hosting_project_id", task.HostingProjectID),
		zap.Int("attempt", task.Attempt),
		zap.Time("not_before", task.NotBefore))

	diskPath, err := l.discover(ctx, task, logger)
	if err != nil {
		l.metrics.ObserveLinkAttempt("not_ready")
		logger.Info("Repository not ready", zap.String("reason", err.Error()))
		return nil, err
	}

	record := &models.RepositoryRecord{
		TrackerProjectID: task.TrackerProjectID,
		URL:              l.TrackerURL(diskPath),
		HostingProjectID: models.Int64Ptr(task.HostingProjectID),
		IsDefault:        true,
	}
	if err := l.recordRepo.Upsert(ctx, record); err != nil {
		l.metrics.ObserveLinkAttempt("error")
		return nil, fmt.Errorf("failed to save repository record: %w", err)
	}

	l.metrics.ObserveLinkAttempt("linked")
	logger.Info("Linked repository",
		zap.String("disk_path", diskPath),
		zap.String("url", record.URL))

	l.importHistory(ctx, task.TrackerProjectID, logger)
	return record, nil
}

// TrackerURL translates a hosting disk path into the repository path the tracker uses.
func (l *repositoryLinker) TrackerURL(diskPath string) string {
	return filepath.Join(l.cfg.TrackerRoot, diskPath) + ".git"
}

// discover returns the disk path (relative to the hosting root, without .git)
// of the oldest initialized, unclaimed repository modified after task.NotBefore.
func (l *repositoryLinker) discover(ctx context.Context, task models.RepositoryLinkTask, logger *zap.Logger) (string, error) {
	if task.HostingProjectID != 0 {
		if _, err := l.hosting.GetProject(ctx, task.HostingProjectID); err != nil {
			return "", notReady("hosting project not available", err)
		}
	}

	linked, err := l.recordRepo.ListURLsLinkedElsewhere(ctx, task.TrackerProjectID)
	if err != nil {
		return "", notReady("failed to list linked repositories", err)
	}
	claimed := make(map[string]bool, len(linked))
	for _, url := range linked {
		claimed[url] = true
	}

	candidates, err := l.candidates(task.NotBefore)
	if err != nil {
		return "", notReady("failed to scan repository storage", err)
	}
	logger.Debug("Scanned repository storage",
		zap.Int("candidates", len(candidates)),
		zap.Int("claimed", len(claimed)))

	for _, c := range candidates {
		if claimed[l.TrackerURL(c.diskPath)] {
			logger.Debug("Skipping repository linked to another project", zap.String("disk_path", c.diskPath))
			continue
		}
		ok, err := l.initialized(c.path)
		if err != nil {
			return "", notReady("failed to inspect repository", err)
		}
		if !ok {
			logger.Debug("Skipping uninitialized repository", zap.String("disk_path", c.diskPath))
			continue
		}
		logger.Debug("Selected repository",
			zap.String("disk_path", c.diskPath),
			zap.Duration("after_not_before", c.modTime.Sub(task.NotBefore)))
		return c.diskPath, nil
	}

	return "", notReady(fmt.Sprintf("no unclaimed repository modified after %s", task.NotBefore.Format(time.RFC3339)), nil)
}

// candidates lists project repositories modified strictly after notBefore, oldest first.
func (l *repositoryLinker) candidates(notBefore time.Time) ([]repoCandidate, error) {
	paths, err := l.probe.Glob(filepath.Join(l.cfg.HostingRoot, "@hashed", "*", "*", "*.git"))
	if err != nil {
		return nil, err
	}

	var out []repoCandidate
	for _, p := range paths {
		if isAuxiliaryRepo(p) {
			continue
		}
		isDir, err := l.probe.IsDir(p)
		if err != nil {
			return nil, err
		}
		if !isDir {
			continue
		}
		modTime, err := l.probe.ModTime(p)
		if err != nil {
			return nil, err
		}
		if !modTime.After(notBefore) {
			continue
		}
		rel, err := filepath.Rel(l.cfg.HostingRoot, p)
		if err != nil {
			return nil, err
		}
		out = append(out, repoCandidate{
			path:     p,
			diskPath: strings.TrimSuffix(filepath.ToSlash(rel), ".git"),
			modTime:  modTime,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].modTime.Equal(out[j].modTime) {
			return out[i].modTime.Before(out[j].modTime)
		}
		return out[i].path < out[j].path
	})
	return out, nil
}

func isAuxiliaryRepo(path string) bool {
	for _, suffix := range auxiliaryRepoSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// initialized reports whether the bare repository has its HEAD and config files.
func (l *repositoryLinker) initialized(repoPath string) (bool, error) {
	for _, marker := range []string{"HEAD", "config"} {
		ok, err := l.probe.Exists(filepath.Join(repoPath, marker))
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// importHistory asks the tracker to fetch changesets. Failures do not undo the link.
func (l *repositoryLinker) importHistory(ctx context.Context, trackerProjectID int64, logger *zap.Logger) {
	if l.tracker == nil {
		return
	}
	project, err := l.projectRepo.Get(ctx, trackerProjectID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			logger.Warn("Failed to load tracker project for history import", zap.String("error", logging.SanitizeError(err)))
		}
		return
	}
	if err := l.tracker.FetchChangesets(ctx, project.Identifier); err != nil {
		logger.Warn("Initial history import failed", zap.String("error", logging.SanitizeError(err)))
		return
	}
	logger.Info("Initial history import triggered", zap.String("identifier", project.Identifier))
}
