package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/retry"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/services/workqueue"
)

// Task kinds, used for per-kind throttling and metrics.
const (
	TaskKindMembership         = "membership"
	TaskKindRepositoryLink     = "repository_link"
	TaskKindMemberSync         = "member_sync"
	TaskKindGroupBadge         = "group_badge"
	TaskKindProjectIntegration = "project_integration"
)

// shouldRetryJob classifies failures of membership-style tasks.
func shouldRetryJob(err error) bool {
	if errors.Is(err, apperrors.ErrIdentityNotFound) ||
		errors.Is(err, apperrors.ErrInvalidAction) ||
		errors.Is(err, apperrors.ErrInvalidInput) {
		return false
	}
	return retry.IsRetryable(err)
}

// jobTask is a retryable task whose work is a closure. Every attempt runs the
// same closure; the queue re-enqueues it per policy.
type jobTask struct {
	workqueue.BaseTask
	attempt int
	policy  retry.Policy
	run     func(ctx context.Context, enqueuer workqueue.TaskEnqueuer) error
}

var (
	_ workqueue.Task    = (*jobTask)(nil)
	_ workqueue.Retrier = (*jobTask)(nil)
)

func newJobTask(kind, name string, policy retry.Policy, run func(ctx context.Context, enqueuer workqueue.TaskEnqueuer) error) *jobTask {
	return &jobTask{
		BaseTask: workqueue.NewBaseTask(kind, name),
		attempt:  1,
		policy:   policy,
		run:      run,
	}
}

func (t *jobTask) Execute(ctx context.Context, enqueuer workqueue.TaskEnqueuer) error {
	return t.run(ctx, enqueuer)
}

func (t *jobTask) Attempt() int              { return t.attempt }
func (t *jobTask) RetryPolicy() retry.Policy { return t.policy }
func (t *jobTask) ShouldRetry(err error) bool {
	return shouldRetryJob(err)
}

func (t *jobTask) NextAttempt() workqueue.Task {
	next := *t
	next.attempt++
	return &next
}

// repositoryLinkTask runs one discovery attempt per execution. The task's
// NotBefore is carried unchanged into every following attempt.
type repositoryLinkTask struct {
	workqueue.BaseTask
	link     models.RepositoryLinkTask
	policy   retry.Policy
	linker   RepositoryLinker
	onLinked func(enqueuer workqueue.TaskEnqueuer, task models.RepositoryLinkTask)
}

var (
	_ workqueue.Task    = (*repositoryLinkTask)(nil)
	_ workqueue.Retrier = (*repositoryLinkTask)(nil)
)

func (t *repositoryLinkTask) Execute(ctx context.Context, enqueuer workqueue.TaskEnqueuer) error {
	if _, err := t.linker.Attempt(ctx, t.link); err != nil {
		return err
	}
	if t.onLinked != nil {
		t.onLinked(enqueuer, t.link)
	}
	return nil
}

func (t *repositoryLinkTask) Attempt() int              { return t.link.Attempt }
func (t *repositoryLinkTask) RetryPolicy() retry.Policy { return t.policy }

// ShouldRetry retries "not ready" and transient failures until the schedule runs out.
func (t *repositoryLinkTask) ShouldRetry(err error) bool {
	return errors.Is(err, apperrors.ErrRepositoryNotReady) || retry.IsRetryable(err)
}

func (t *repositoryLinkTask) NextAttempt() workqueue.Task {
	next := *t
	next.link = t.link.Next()
	return &next
}

func membershipTaskName(event models.MembershipChangeEvent) string {
	return fmt.Sprintf("membership %s group=%d user=%d", event.Action, event.HostingGroupID, event.TrackerUserID)
}
