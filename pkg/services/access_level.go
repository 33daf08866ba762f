package services

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/repositories"
)

// roleTokens maps lowercase role name fragments to the rank they grant.
var roleTokens = []struct {
	token string
	level models.AccessLevel
}{
	{"manager", models.AccessOwner},
	{"admin", models.AccessOwner},
	{"developer", models.AccessDeveloper},
	{"reporter", models.AccessReporter},
}

// recognizedRank returns the highest rank any role name grants, ignoring
// names that contain no known token.
func recognizedRank(roleNames []string) (models.AccessLevel, bool) {
	var best models.AccessLevel
	for _, name := range roleNames {
		lower := strings.ToLower(name)
		for _, rt := range roleTokens {
			if strings.Contains(lower, rt.token) && rt.level > best {
				best = rt.level
			}
		}
	}
	return best, best != 0
}

// RankForRoles returns the access level for a role set. An empty set has no
// rank. A non-empty set without any recognized role gets developer.
func RankForRoles(roleNames []string) (models.AccessLevel, bool) {
	if len(roleNames) == 0 {
		return 0, false
	}
	if level, ok := recognizedRank(roleNames); ok {
		return level, true
	}
	return models.AccessDeveloper, true
}

// AccessLevelCalculator computes a user's group-wide access level.
type AccessLevelCalculator interface {
	// AggregateRankForGroup returns the highest recognized rank the user holds
	// across every tracker project mapped to groupID, leaving out
	// excludeProjectID when non-zero. ok is false when nothing remains.
	AggregateRankForGroup(ctx context.Context, trackerUserID, groupID, excludeProjectID int64) (level models.AccessLevel, ok bool, err error)
}

type accessLevelCalculator struct {
	mappings       GroupMappingIndex
	membershipRepo repositories.MembershipRepository
	logger         *zap.Logger
}

var _ AccessLevelCalculator = (*accessLevelCalculator)(nil)

// NewAccessLevelCalculator creates a new access level calculator.
func NewAccessLevelCalculator(mappings GroupMappingIndex, membershipRepo repositories.MembershipRepository, logger *zap.Logger) AccessLevelCalculator {
	return &accessLevelCalculator{
		mappings:       mappings,
		membershipRepo: membershipRepo,
		logger:         logger.Named("access-level"),
	}
}

func (c *accessLevelCalculator) AggregateRankForGroup(ctx context.Context, trackerUserID, groupID, excludeProjectID int64) (models.AccessLevel, bool, error) {
	mapped, err := c.mappings.ProjectsMappedToGroup(ctx, groupID)
	if err != nil {
		return 0, false, err
	}

	projectIDs := make([]int64, 0, len(mapped))
	for _, id := range mapped {
		if id != excludeProjectID {
			projectIDs = append(projectIDs, id)
		}
	}
	if len(projectIDs) == 0 {
		return 0, false, nil
	}

	memberships, err := c.membershipRepo.ListForUser(ctx, trackerUserID, projectIDs)
	if err != nil {
		return 0, false, err
	}

	var roles []string
	for _, m := range memberships {
		roles = append(roles, m.RoleNames...)
	}

	// No developer default here: unrecognized roles across the group mean no access.
	level, ok := recognizedRank(roles)

	c.logger.Debug("Aggregated group access level",
		zap.Int64("tracker_user_id", trackerUserID),
		zap.Int64("hosting_group_id", groupID),
		zap.Int64("exclude_project_id", excludeProjectID),
		zap.Int("projects", len(projectIDs)),
		zap.Int("memberships", len(memberships)),
		zap.String("access_level", level.String()),
		zap.Bool("has_access", ok))
	return level, ok, nil
}
