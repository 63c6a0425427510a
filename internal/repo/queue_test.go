package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

func newTestQueue(db *gorm.DB) *Queue {
	return &Queue{
		DB:          db,
		Lease:       time.Minute,
		MaxRetries:  3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  time.Second,
	}
}

// seedIssueWithSubscribers inserts one issue plus n confirmed subscribers and
// enqueues the delivery batch. It returns the issue id.
func seedIssueWithSubscribers(t *testing.T, db *gorm.DB, n int) string {
	t.Helper()
	ctx := context.Background()

	issue, err := CreateIssue(ctx, db, "Issue #1", "<p>hi</p>", "hi")
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}

	subs := make([]domain.Subscriber, 0, n)
	for i := 0; i < n; i++ {
		sub := domain.Subscriber{
			ID:           uuid.NewString(),
			Email:        uuid.NewString() + "@example.com",
			Name:         "Sub",
			Status:       domain.SubscriberStatusConfirmed,
			SubscribedAt: time.Now().UTC(),
		}
		if err := db.Create(&sub).Error; err != nil {
			t.Fatalf("seed subscriber: %v", err)
		}
		subs = append(subs, sub)
	}
	if err := EnqueueIssueDelivery(ctx, db, issue.ID, subs); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return issue.ID
}

func TestEnqueueIssueDelivery_EmptyBatchIsValid(t *testing.T) {
	db := newTestDB(t)
	issueID := seedIssueWithSubscribers(t, db, 0)

	q := newTestQueue(db)
	n, err := q.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty queue for issue %s, got %d tasks", issueID, n)
	}
}

func TestClaimNext_EmptyQueueReturnsNil(t *testing.T) {
	db := newTestDB(t)
	q := newTestQueue(db)

	h, err := q.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if h != nil {
		t.Fatalf("expected nil handle, got %+v", h)
	}
}

func TestClaimNext_ReturnsIssueContentAndRecipient(t *testing.T) {
	db := newTestDB(t)
	seedIssueWithSubscribers(t, db, 1)
	q := newTestQueue(db)

	h, err := q.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if h == nil {
		t.Fatal("expected a task handle")
	}
	if h.Issue.Title != "Issue #1" || h.Issue.HTMLBody != "<p>hi</p>" || h.Issue.TextBody != "hi" {
		t.Fatalf("unexpected issue content: %+v", h.Issue)
	}
	if h.Email == "" {
		t.Fatal("expected recipient email on handle")
	}
}

func TestClaimNext_LeaseHidesClaimedTask(t *testing.T) {
	db := newTestDB(t)
	seedIssueWithSubscribers(t, db, 1)
	q := newTestQueue(db)
	ctx := context.Background()

	first, err := q.ClaimNext(ctx)
	if err != nil || first == nil {
		t.Fatalf("first claim: handle=%v err=%v", first, err)
	}

	// The claimed task is leased; a second claim must not see it.
	second, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatalf("expected no claimable task while leased, got %+v", second.Task)
	}
}

func TestSucceed_RemovesTaskPermanently(t *testing.T) {
	db := newTestDB(t)
	seedIssueWithSubscribers(t, db, 1)
	q := newTestQueue(db)
	ctx := context.Background()

	h, err := q.ClaimNext(ctx)
	if err != nil || h == nil {
		t.Fatalf("claim: handle=%v err=%v", h, err)
	}
	if err := h.Succeed(ctx); err != nil {
		t.Fatalf("succeed: %v", err)
	}

	n, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty queue after success, got %d", n)
	}
}

func TestFail_TransientReschedulesWithBackoff(t *testing.T) {
	db := newTestDB(t)
	seedIssueWithSubscribers(t, db, 1)
	q := newTestQueue(db)
	ctx := context.Background()

	h, err := q.ClaimNext(ctx)
	if err != nil || h == nil {
		t.Fatalf("claim: handle=%v err=%v", h, err)
	}

	before := time.Now().UTC()
	abandoned, err := h.Fail(ctx, errors.New("smtp timeout"), true)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if abandoned {
		t.Fatal("first transient failure must not abandon the task")
	}

	var task domain.IssueDeliveryTask
	if err := db.First(&task).Error; err != nil {
		t.Fatalf("load task: %v", err)
	}
	if task.NRetries != 1 {
		t.Fatalf("expected n_retries=1, got %d", task.NRetries)
	}
	if task.LastError != "smtp timeout" {
		t.Fatalf("expected last_error recorded, got %q", task.LastError)
	}
	if !task.ExecuteAfter.After(before) {
		t.Fatalf("expected execute_after advanced past %v, got %v", before, task.ExecuteAfter)
	}
}

func TestFail_PermanentAbandonsAndRecordsFailure(t *testing.T) {
	db := newTestDB(t)
	seedIssueWithSubscribers(t, db, 1)
	q := newTestQueue(db)
	ctx := context.Background()

	h, err := q.ClaimNext(ctx)
	if err != nil || h == nil {
		t.Fatalf("claim: handle=%v err=%v", h, err)
	}

	abandoned, err := h.Fail(ctx, errors.New("recipient rejected"), false)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !abandoned {
		t.Fatal("permanent failure must abandon the task")
	}

	n, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if n != 0 {
		t.Fatalf("abandoned task must leave the queue, got %d pending", n)
	}

	var failures []domain.DeliveryFailure
	if err := db.Find(&failures).Error; err != nil {
		t.Fatalf("load failures: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("expected one delivery failure record, got %d", len(failures))
	}
	if failures[0].LastError != "recipient rejected" {
		t.Fatalf("unexpected failure record: %+v", failures[0])
	}
}

func TestFail_RetryBudgetExhaustionAbandons(t *testing.T) {
	db := newTestDB(t)
	seedIssueWithSubscribers(t, db, 1)
	q := newTestQueue(db)
	q.MaxRetries = 1
	ctx := context.Background()

	h, err := q.ClaimNext(ctx)
	if err != nil || h == nil {
		t.Fatalf("claim: handle=%v err=%v", h, err)
	}
	if abandoned, err := h.Fail(ctx, errors.New("flaky"), true); err != nil || abandoned {
		t.Fatalf("first failure: abandoned=%v err=%v", abandoned, err)
	}

	// Wait out the backoff, then fail once more to blow the budget.
	time.Sleep(2 * q.BaseBackoff)
	h2, err := q.ClaimNext(ctx)
	if err != nil || h2 == nil {
		t.Fatalf("re-claim: handle=%v err=%v", h2, err)
	}
	abandoned, err := h2.Fail(ctx, errors.New("flaky again"), true)
	if err != nil {
		t.Fatalf("second failure: %v", err)
	}
	if !abandoned {
		t.Fatal("expected exhausted retry budget to abandon the task")
	}
}

func TestClaimNext_FIFOByCreation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	issueA, err := CreateIssue(ctx, db, "A", "<p>a</p>", "a")
	if err != nil {
		t.Fatalf("issue A: %v", err)
	}
	sub := domain.Subscriber{
		ID: uuid.NewString(), Email: "one@example.com", Name: "One",
		Status: domain.SubscriberStatusConfirmed, SubscribedAt: time.Now().UTC(),
	}
	if err := db.Create(&sub).Error; err != nil {
		t.Fatalf("sub: %v", err)
	}

	// Older task first, newer second.
	old := domain.IssueDeliveryTask{
		IssueID: issueA.ID, SubscriberID: sub.ID,
		ExecuteAfter: time.Now().UTC().Add(-time.Minute),
		CreatedAt:    time.Now().UTC().Add(-time.Minute),
	}
	if err := db.Create(&old).Error; err != nil {
		t.Fatalf("old task: %v", err)
	}
	issueB, err := CreateIssue(ctx, db, "B", "<p>b</p>", "b")
	if err != nil {
		t.Fatalf("issue B: %v", err)
	}
	if err := EnqueueIssueDelivery(ctx, db, issueB.ID, []domain.Subscriber{sub}); err != nil {
		t.Fatalf("enqueue B: %v", err)
	}

	q := newTestQueue(db)
	h, err := q.ClaimNext(ctx)
	if err != nil || h == nil {
		t.Fatalf("claim: handle=%v err=%v", h, err)
	}
	if h.Task.IssueID != issueA.ID {
		t.Fatalf("expected oldest task first, got issue %s", h.Task.IssueID)
	}
}

func TestNextEligibleAt(t *testing.T) {
	db := newTestDB(t)
	q := newTestQueue(db)
	ctx := context.Background()

	if _, err := q.NextEligibleAt(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty queue, got %v", err)
	}

	seedIssueWithSubscribers(t, db, 1)
	at, err := q.NextEligibleAt(ctx)
	if err != nil {
		t.Fatalf("next eligible: %v", err)
	}
	if at.After(time.Now().UTC()) {
		t.Fatalf("fresh task should be eligible now, got %v", at)
	}
}
