// Package worker runs the background delivery loop that drains the issue
// delivery queue. Each iteration claims at most one task, attempts delivery
// through the email transport, and resolves the task: delete on success or
// permanent failure, reschedule with backoff on transient failure.
//
// Task resolution is isolated per iteration. A panic or error while
// delivering one task is recovered, resolved as a transient failure, and the
// loop continues; a failed task is never left without a resolution. Delivery
// failures never propagate to the publish caller, which already received its
// accepted response before any attempt was made.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-newsletter-backend/internal/email"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

var (
	// deliveryAttempts counts delivery attempts by outcome:
	// delivered|retried|abandoned.
	deliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_delivery_attempts_total",
			Help: "Total newsletter delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(deliveryAttempts)
}

// Config tunes the delivery loop.
type Config struct {
	// PollInterval is how long the loop sleeps when the queue has no
	// eligible task, to avoid busy-polling.
	PollInterval time.Duration
}

// Worker drains the delivery queue against an email Sender.
type Worker struct {
	Queue  *repo.Queue
	Sender email.Sender
	Config Config
}

// New constructs a Worker.
func New(queue *repo.Queue, sender email.Sender, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{Queue: queue, Sender: sender, Config: cfg}
}

// Run executes the delivery loop until ctx is cancelled. It is meant to run
// as a single long-lived goroutine next to the HTTP server; the lease-based
// claim keeps it correct if a second poller is ever started.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().
		Dur("poll_interval", w.Config.PollInterval).
		Msg("delivery worker started")

	for {
		delivered, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("delivery iteration failed")
		}
		if delivered && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("delivery worker stopped")
			return ctx.Err()
		case <-time.After(w.Config.PollInterval):
		}
	}
}

// RunOnce claims and processes at most one task. The returned flag reports
// whether a task was claimed (regardless of delivery outcome).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	handle, err := w.Queue.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if handle == nil {
		return false, nil
	}
	return true, w.process(ctx, handle)
}

// Drain runs claim-deliver-resolve cycles until the queue is empty, then
// returns. If no task is eligible yet but tasks are pending (backing off or
// leased), it waits for the earliest one to become eligible. This is the
// deterministic completion hook used by deployments and tests.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		claimed, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}
		if claimed {
			continue
		}

		next, err := w.Queue.NextEligibleAt(ctx)
		if err == repo.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		wait := time.Until(next)
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// process attempts delivery for one claimed task and resolves it. The send
// is panic-safe so one poisonous task cannot take down the loop or stay
// unresolved.
func (w *Worker) process(ctx context.Context, handle *repo.TaskHandle) error {
	sendErr := w.deliver(ctx, handle)

	if sendErr == nil {
		deliveryAttempts.WithLabelValues("delivered").Inc()
		return handle.Succeed(ctx)
	}

	abandoned, err := handle.Fail(ctx, sendErr, !email.IsPermanent(sendErr))
	if err != nil {
		return err
	}
	if abandoned {
		deliveryAttempts.WithLabelValues("abandoned").Inc()
		log.Error().
			Str("issue_id", handle.Task.IssueID).
			Str("subscriber_id", handle.Task.SubscriberID).
			Int("n_retries", handle.Task.NRetries).
			Err(sendErr).
			Msg("newsletter delivery abandoned")
		return nil
	}
	deliveryAttempts.WithLabelValues("retried").Inc()
	log.Warn().
		Str("issue_id", handle.Task.IssueID).
		Str("subscriber_id", handle.Task.SubscriberID).
		Int("n_retries", handle.Task.NRetries+1).
		Err(sendErr).
		Msg("newsletter delivery failed, will retry")
	return nil
}

// deliver invokes the email transport, converting panics into errors.
func (w *Worker) deliver(ctx context.Context, handle *repo.TaskHandle) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("delivery panic: %v", rec)
		}
	}()
	return w.Sender.Send(ctx, handle.Email, handle.Issue.Title, handle.Issue.HTMLBody, handle.Issue.TextBody)
}
