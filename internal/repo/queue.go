// Delivery queue access.
//
// The queue is the durable set of pending (issue, subscriber) deliveries.
// Tasks are enqueued in bulk inside the publish transaction; afterwards the
// delivery worker is the only component that mutates or deletes rows.
//
// Claiming uses a lease instead of a lock held across the send: one short
// transaction selects the oldest eligible task and advances its
// execute_after by the lease, so no concurrent claim can pick it, the store
// is never locked across the email transport call, and a crashed worker's
// task simply becomes eligible again once the lease expires. Correctness is
// preserved if a second poller is ever added.
package repo

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// Queue provides claim/resolve access to the delivery queue.
type Queue struct {
	DB *gorm.DB

	// Lease is how long a claimed task stays invisible to other claimants.
	// It must exceed the slowest expected delivery attempt.
	Lease time.Duration
	// MaxRetries bounds transient failures per task before it is abandoned.
	MaxRetries int
	// BaseBackoff and MaxBackoff shape the exponential retry schedule:
	// base * 2^(n-1), capped at max.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// TaskHandle is a claimed delivery task together with everything needed to
// attempt it: the issue content and the recipient address. Exactly one of
// Succeed or Fail must be called to resolve it; an unresolved handle becomes
// claimable again when its lease expires.
type TaskHandle struct {
	Task  domain.IssueDeliveryTask
	Issue domain.NewsletterIssue
	Email string

	q *Queue
}

// EnqueueIssueDelivery bulk-inserts one task per subscriber for the given
// issue, each immediately eligible. It must run on the publish transaction.
// An empty subscriber set is valid and inserts nothing.
func EnqueueIssueDelivery(ctx context.Context, tx *gorm.DB, issueID string, subscribers []domain.Subscriber) error {
	if len(subscribers) == 0 {
		return nil
	}
	now := time.Now().UTC()
	tasks := make([]domain.IssueDeliveryTask, 0, len(subscribers))
	for _, sub := range subscribers {
		tasks = append(tasks, domain.IssueDeliveryTask{
			IssueID:      issueID,
			SubscriberID: sub.ID,
			NRetries:     0,
			ExecuteAfter: now,
		})
	}
	return tx.WithContext(ctx).CreateInBatches(tasks, 100).Error
}

// ClaimNext claims at most one eligible task (execute_after <= now), FIFO by
// creation time. It returns nil when no task is eligible, or when a
// concurrent claimant won the race for the selected row.
func (q *Queue) ClaimNext(ctx context.Context) (*TaskHandle, error) {
	now := time.Now().UTC()
	var handle *TaskHandle

	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task domain.IssueDeliveryTask
		err := tx.
			Where("execute_after <= ?", now).
			Order("created_at ASC, issue_id ASC, subscriber_id ASC").
			First(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		// Mark in flight by advancing eligibility; the guard re-checks
		// execute_after so only one claimant can win the row.
		res := tx.Model(&domain.IssueDeliveryTask{}).
			Where("issue_id = ? AND subscriber_id = ? AND execute_after <= ?",
				task.IssueID, task.SubscriberID, now).
			Update("execute_after", now.Add(q.Lease))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var issue domain.NewsletterIssue
		if err := tx.Where("id = ?", task.IssueID).First(&issue).Error; err != nil {
			return err
		}
		var sub domain.Subscriber
		if err := tx.Where("id = ?", task.SubscriberID).First(&sub).Error; err != nil {
			return err
		}

		handle = &TaskHandle{Task: task, Issue: issue, Email: sub.Email, q: q}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// Succeed deletes the task: delivery for this (issue, subscriber) pair is
// done and no further claim can select it.
func (h *TaskHandle) Succeed(ctx context.Context) error {
	return h.q.DB.WithContext(ctx).
		Where("issue_id = ? AND subscriber_id = ?", h.Task.IssueID, h.Task.SubscriberID).
		Delete(&domain.IssueDeliveryTask{}).Error
}

// Fail resolves the task after a failed attempt. Transient failures within
// the retry budget advance execute_after by exponential backoff; permanent
// failures and exhausted budgets remove the task and record a
// DeliveryFailure. The returned flag reports whether the task was abandoned.
func (h *TaskHandle) Fail(ctx context.Context, cause error, transient bool) (bool, error) {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	retries := h.Task.NRetries + 1

	if transient && retries <= h.q.MaxRetries {
		now := time.Now().UTC()
		err := h.q.DB.WithContext(ctx).
			Model(&domain.IssueDeliveryTask{}).
			Where("issue_id = ? AND subscriber_id = ?", h.Task.IssueID, h.Task.SubscriberID).
			Updates(map[string]interface{}{
				"n_retries":     retries,
				"execute_after": now.Add(h.q.backoff(retries)),
				"last_error":    errText,
			}).Error
		return false, err
	}

	err := h.q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("issue_id = ? AND subscriber_id = ?", h.Task.IssueID, h.Task.SubscriberID).
			Delete(&domain.IssueDeliveryTask{}).Error; err != nil {
			return err
		}
		return tx.Create(&domain.DeliveryFailure{
			ID:           uuid.NewString(),
			IssueID:      h.Task.IssueID,
			SubscriberID: h.Task.SubscriberID,
			NRetries:     h.Task.NRetries,
			LastError:    errText,
			AbandonedAt:  time.Now().UTC(),
		}).Error
	})
	return true, err
}

// backoff returns the delay before attempt n+1: base * 2^(n-1), capped.
func (q *Queue) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return q.BaseBackoff
	}
	delay := time.Duration(float64(q.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > q.MaxBackoff {
		return q.MaxBackoff
	}
	return delay
}

// PendingCount returns the number of tasks still in the queue, eligible or
// not. Used by the drain hook to decide whether waiting can make progress.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.DB.WithContext(ctx).Model(&domain.IssueDeliveryTask{}).Count(&n).Error
	return n, err
}

// NextEligibleAt returns the earliest execute_after among pending tasks, or
// ErrNotFound when the queue is empty.
func (q *Queue) NextEligibleAt(ctx context.Context) (time.Time, error) {
	var task domain.IssueDeliveryTask
	err := q.DB.WithContext(ctx).
		Order("execute_after ASC").
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return task.ExecuteAfter, nil
}
