// Package services – PublishService
//
// This file implements the publish transaction coordinator. A publish request
// runs as one atomic transaction: claim the caller's idempotency key, insert
// the newsletter issue, fan the issue out into the delivery queue (one task
// per confirmed subscriber), and persist the HTTP response to replay for
// duplicates. All of it commits or none of it does.
//
// The request never waits for delivery; the stored response is an "accepted"
// outcome and the delivery worker drains the queue afterwards. Duplicate
// submissions serialize on the unique (owner_id, key) index: the loser waits
// for the winner's transaction to resolve and then replays the recorded
// response byte for byte.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// errClaimInFlight aborts the no-op transaction opened by a loser of the
// claim race while the winner has not committed yet.
var errClaimInFlight = errors.New("idempotency key claimed by in-flight request")

// StoredResponse is the HTTP outcome of a publish: either freshly computed
// and persisted, or replayed from the saved-response store.
type StoredResponse struct {
	StatusCode int
	Headers    []domain.HeaderPair
	Body       []byte
	// Replayed is true when the response was served from the store without
	// re-executing any side effect.
	Replayed bool
}

// publishAccepted is the JSON body of a successful publish response.
type publishAccepted struct {
	IssueID string `json:"issue_id"`
	Status  string `json:"status"`
}

// PublishService coordinates idempotent newsletter publishing.
type PublishService struct {
	DB *gorm.DB

	// ConflictRetries and ConflictBackoff bound how long a duplicate
	// submission waits for the in-flight winner before giving up with
	// ErrPublishConflict. Zero values get sane defaults.
	ConflictRetries int
	ConflictBackoff time.Duration
}

// NewPublishService constructs a PublishService with default conflict-wait
// tuning.
func NewPublishService(db *gorm.DB) *PublishService {
	return &PublishService{
		DB:              db,
		ConflictRetries: 40,
		ConflictBackoff: 25 * time.Millisecond,
	}
}

// Publish runs the publish transaction for (ownerID, key) and returns the
// response to serve. Calling it again with the same key returns the identical
// stored response and creates no new issue or delivery tasks.
//
// Validation failures surface before any transaction opens. A commit failure
// leaves no claim behind, so a later retry with the same key is treated as a
// first attempt.
func (s *PublishService) Publish(ctx context.Context, ownerID, key, title, htmlBody, textBody string) (*StoredResponse, error) {
	tr := otel.Tracer("services/PublishService")
	ctx, span := tr.Start(ctx, "Publish",
		trace.WithAttributes(
			attribute.String("owner.id", ownerID),
			attribute.String("idempotency.key", key),
		),
	)
	defer span.End()

	if strings.TrimSpace(ownerID) == "" || strings.TrimSpace(key) == "" {
		return nil, ErrInvalidIssue
	}
	if strings.TrimSpace(title) == "" || strings.TrimSpace(htmlBody) == "" || strings.TrimSpace(textBody) == "" {
		return nil, ErrInvalidIssue
	}

	retries := s.ConflictRetries
	if retries <= 0 {
		retries = 40
	}
	backoff := s.ConflictBackoff
	if backoff <= 0 {
		backoff = 25 * time.Millisecond
	}

	for attempt := 0; ; attempt++ {
		out, err := s.tryPublish(ctx, ownerID, key, title, htmlBody, textBody)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, errClaimInFlight) && !repo.IsBusy(err) {
			return nil, err
		}
		if attempt >= retries {
			return nil, ErrPublishConflict
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// tryPublish performs one attempt of the publish transaction.
func (s *PublishService) tryPublish(ctx context.Context, ownerID, key, title, htmlBody, textBody string) (*StoredResponse, error) {
	var out *StoredResponse

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claim, err := repo.TryClaim(ctx, tx, s.DB, ownerID, key)
		if err != nil {
			return err
		}
		if !claim.Claimed {
			if claim.Saved == nil {
				return errClaimInFlight
			}
			// Replay verbatim; no new issue, no new tasks.
			out = &StoredResponse{
				StatusCode: claim.Saved.StatusCode,
				Headers:    claim.Saved.HeaderPairs(),
				Body:       claim.Saved.Body,
				Replayed:   true,
			}
			return nil
		}

		issue, err := repo.CreateIssue(ctx, tx, title, htmlBody, textBody)
		if err != nil {
			return err
		}

		subs, err := repo.ListConfirmedSubscribers(ctx, tx)
		if err != nil {
			return err
		}
		recipients := validRecipients(subs, issue.ID)

		// Zero confirmed subscribers still commits: publishing to an empty
		// audience is not an error.
		if err := repo.EnqueueIssueDelivery(ctx, tx, issue.ID, recipients); err != nil {
			return err
		}

		body, err := json.Marshal(publishAccepted{IssueID: issue.ID, Status: "accepted"})
		if err != nil {
			return err
		}
		headers := []domain.HeaderPair{{Name: "Content-Type", Value: "application/json"}}
		if err := repo.SaveResponse(ctx, tx, ownerID, key, 202, headers, body); err != nil {
			return err
		}

		log.Info().
			Str("issue_id", issue.ID).
			Str("owner_id", ownerID).
			Int("recipients", len(recipients)).
			Msg("newsletter issue accepted")

		out = &StoredResponse{StatusCode: 202, Headers: headers, Body: body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// validRecipients drops confirmed subscribers whose stored email no longer
// parses. They are logged and skipped rather than poisoning the batch.
func validRecipients(subs []domain.Subscriber, issueID string) []domain.Subscriber {
	out := subs[:0:0]
	for _, sub := range subs {
		if _, err := domain.ParseSubscriberEmail(sub.Email); err != nil {
			log.Warn().
				Str("issue_id", issueID).
				Str("subscriber_id", sub.ID).
				Err(err).
				Msg("skipping confirmed subscriber with invalid stored email")
			continue
		}
		out = append(out, sub)
	}
	return out
}
