// Package services – SubscriptionService
//
// This file implements the double-opt-in subscription flow: a signup stores a
// pending subscriber plus a confirmation token and emails the confirmation
// link; following the link flips the subscriber to confirmed. Only confirmed
// subscribers are enumerated by the publish fan-out.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/email"
	"github.com/tbourn/go-newsletter-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SubscriptionService owns the subscriber lifecycle up to confirmation.
type SubscriptionService struct {
	DB     *gorm.DB
	Sender email.Sender

	// PublicBaseURL is the externally reachable base of this service, used
	// to build confirmation links (e.g. https://newsletter.example.com).
	PublicBaseURL string
}

// NewSubscriptionService constructs a SubscriptionService.
func NewSubscriptionService(db *gorm.DB, sender email.Sender, publicBaseURL string) *SubscriptionService {
	return &SubscriptionService{DB: db, Sender: sender, PublicBaseURL: publicBaseURL}
}

// Subscribe validates the signup input, stores a pending subscriber with its
// confirmation token, and sends the confirmation email.
//
// The confirmation email is best effort: the signup is durable either way and
// a transport failure only gets logged. Email delivery is at-least-once by
// nature, so the subscriber can always re-request the link by signing up
// again after the pending row is cleaned up.
func (s *SubscriptionService) Subscribe(ctx context.Context, rawEmail, rawName string) (*domain.Subscriber, error) {
	tr := otel.Tracer("services/SubscriptionService")
	ctx, span := tr.Start(ctx, "Subscribe",
		trace.WithAttributes(attribute.String("subscriber.email", rawEmail)),
	)
	defer span.End()

	addr, err := domain.ParseSubscriberEmail(rawEmail)
	if err != nil {
		return nil, ErrInvalidEmail
	}
	name, err := domain.ParseSubscriberName(rawName)
	if err != nil {
		return nil, ErrInvalidName
	}

	sub, token, err := repo.CreateSubscriber(ctx, s.DB, addr.String(), name.String())
	if errors.Is(err, repo.ErrDuplicate) {
		return nil, ErrSubscriberExists
	}
	if err != nil {
		return nil, err
	}

	if err := s.sendConfirmation(ctx, addr.String(), token); err != nil {
		log.Warn().
			Str("subscriber_id", sub.ID).
			Err(err).
			Msg("failed to send confirmation email")
	}
	return sub, nil
}

// Confirm resolves a confirmation token and marks its subscriber confirmed.
// Confirming twice is idempotent; an unknown token is ErrInvalidToken.
func (s *SubscriptionService) Confirm(ctx context.Context, token string) error {
	tr := otel.Tracer("services/SubscriptionService")
	ctx, span := tr.Start(ctx, "Confirm")
	defer span.End()

	sub, err := repo.GetSubscriberByToken(ctx, s.DB, token)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrInvalidToken
	}
	if err != nil {
		return err
	}
	return repo.ConfirmSubscriber(ctx, s.DB, sub.ID)
}

// sendConfirmation emails the double-opt-in link for token.
func (s *SubscriptionService) sendConfirmation(ctx context.Context, recipient, token string) error {
	link := fmt.Sprintf("%s/api/v1/subscriptions/confirm?token=%s", s.PublicBaseURL, token)
	html := fmt.Sprintf(
		`Welcome to our newsletter!<br />Click <a href="%s">here</a> to confirm your subscription.`, link)
	text := fmt.Sprintf(
		"Welcome to our newsletter!\nVisit %s to confirm your subscription.", link)
	return s.Sender.Send(ctx, recipient, "Please confirm your subscription", html, text)
}
