package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/hosting"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/logging"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/metrics"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/repositories"
)

// RecentSyncWindow is the window used for IdentityCacheStats.RecentCount.
const RecentSyncWindow = 24 * time.Hour

// IdentityResolver maps tracker users to hosting users through a cached,
// prioritized lookup: cache, external identity, username, then email.
type IdentityResolver interface {
	// Resolve returns nil without error when no strategy finds the user.
	// Only successes are cached.
	Resolve(ctx context.Context, user *models.TrackerUser) (*models.IdentityMapping, error)

	// Invalidate drops one cached mapping and reports whether it existed.
	Invalidate(ctx context.Context, trackerUserID int64) (bool, error)

	// InvalidateAll drops every cached mapping and returns the count removed.
	InvalidateAll(ctx context.Context) (int64, error)

	Stats(ctx context.Context) (*models.IdentityCacheStats, error)
}

type identityResolver struct {
	cacheRepo repositories.IdentityMappingRepository
	hosting   hosting.Client
	metrics   *metrics.Metrics
	group     singleflight.Group
	now       func() time.Time
	logger    *zap.Logger
}

var _ IdentityResolver = (*identityResolver)(nil)

// NewIdentityResolver creates a new identity resolver.
func NewIdentityResolver(
	cacheRepo repositories.IdentityMappingRepository,
	hostingClient hosting.Client,
	m *metrics.Metrics,
	logger *zap.Logger,
) IdentityResolver {
	return &identityResolver{
		cacheRepo: cacheRepo,
		hosting:   hostingClient,
		metrics:   m,
		now:       time.Now,
		logger:    logger.Named("identity-resolver"),
	}
}

// lookupStrategy is one hosting-side way of finding a user.
type lookupStrategy struct {
	method models.MatchMethod
	// input is the tracker-side value the lookup uses; empty skips the strategy.
	input string
	find  func(ctx context.Context, value string) ([]models.HostingUser, error)
	pick  func(candidates []models.HostingUser, value string) *models.HostingUser
}

func (s *identityResolver) strategies(user *models.TrackerUser) []lookupStrategy {
	return []lookupStrategy{
		{
			method: models.MatchMethodExternalIdentity,
			input:  user.ExternalUID,
			find:   s.hosting.FindUserByExternalIdentity,
			pick:   firstCandidate,
		},
		{
			method: models.MatchMethodUsername,
			input:  user.Login,
			find:   s.hosting.FindUserByUsername,
			pick:   firstCandidate,
		},
		{
			method: models.MatchMethodEmail,
			input:  user.Mail,
			find:   s.hosting.FindUserByEmail,
			pick:   exactEmail,
		},
	}
}

func firstCandidate(candidates []models.HostingUser, _ string) *models.HostingUser {
	if len(candidates) == 0 {
		return nil
	}
	return &candidates[0]
}

// exactEmail filters a search result down to a case-sensitive exact match.
func exactEmail(candidates []models.HostingUser, email string) *models.HostingUser {
	for i := range candidates {
		if candidates[i].Email == email {
			return &candidates[i]
		}
	}
	return nil
}

func (s *identityResolver) Resolve(ctx context.Context, user *models.TrackerUser) (*models.IdentityMapping, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: tracker user is required", apperrors.ErrInvalidInput)
	}

	// Concurrent resolutions of one user share a single lookup.
	v, err, _ := s.group.Do(strconv.FormatInt(user.ID, 10), func() (any, error) {
		return s.resolve(ctx, user)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.IdentityMapping), nil
}

func (s *identityResolver) resolve(ctx context.Context, user *models.TrackerUser) (*models.IdentityMapping, error) {
	cached, err := s.cacheRepo.Get(ctx, user.ID)
	switch {
	case err == nil:
		s.metrics.ObserveIdentityResolution("cache")
		s.logger.Debug("Identity cache hit",
			zap.Int64("tracker_user_id", user.ID),
			zap.Int64("hosting_user_id", cached.HostingUserID))
		return cached, nil
	case !errors.Is(err, apperrors.ErrNotFound):
		return nil, fmt.Errorf("failed to read identity cache: %w", err)
	}

	var lookupErr error
	for _, strategy := range s.strategies(user) {
		if strategy.input == "" {
			continue
		}

		candidates, err := strategy.find(ctx, strategy.input)
		if err != nil {
			s.logger.Warn("Identity lookup failed, trying next strategy",
				zap.Int64("tracker_user_id", user.ID),
				zap.String("match_method", string(strategy.method)),
				zap.String("error", logging.SanitizeError(err)))
			lookupErr = err
			continue
		}

		found := strategy.pick(candidates, strategy.input)
		if found == nil {
			continue
		}

		mapping := &models.IdentityMapping{
			TrackerUserID:   user.ID,
			HostingUserID:   found.ID,
			HostingUsername: found.Username,
			MatchMethod:     strategy.method,
			LastSyncedAt:    s.now(),
		}
		if err := s.cacheRepo.Upsert(ctx, mapping); err != nil {
			return nil, fmt.Errorf("failed to cache identity mapping: %w", err)
		}

		s.metrics.ObserveIdentityResolution(string(strategy.method))
		s.logger.Info("Resolved hosting identity",
			zap.Int64("tracker_user_id", user.ID),
			zap.Int64("hosting_user_id", found.ID),
			zap.String("hosting_username", found.Username),
			zap.String("match_method", string(strategy.method)))
		return mapping, nil
	}

	// An outage must not look like a missing account.
	if lookupErr != nil {
		return nil, fmt.Errorf("failed to resolve hosting identity for tracker user %d: %w", user.ID, lookupErr)
	}

	s.metrics.ObserveIdentityResolution("unresolved")
	s.logger.Warn("No hosting identity found",
		zap.Int64("tracker_user_id", user.ID),
		zap.String("login", user.Login))
	return nil, nil
}

func (s *identityResolver) Invalidate(ctx context.Context, trackerUserID int64) (bool, error) {
	removed, err := s.cacheRepo.Delete(ctx, trackerUserID)
	if err != nil {
		return false, fmt.Errorf("failed to invalidate identity mapping: %w", err)
	}
	s.logger.Info("Identity mapping invalidated",
		zap.Int64("tracker_user_id", trackerUserID),
		zap.Bool("removed", removed))
	return removed, nil
}

func (s *identityResolver) InvalidateAll(ctx context.Context) (int64, error) {
	count, err := s.cacheRepo.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to clear identity cache: %w", err)
	}
	s.logger.Info("Identity cache cleared", zap.Int64("removed", count))
	return count, nil
}

func (s *identityResolver) Stats(ctx context.Context) (*models.IdentityCacheStats, error) {
	stats, err := s.cacheRepo.Stats(ctx, s.now().Add(-RecentSyncWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to read identity cache stats: %w", err)
	}
	return stats, nil
}
