// Subscription HTTP handlers.
//
// This file exposes REST endpoints for the double-opt-in subscription flow:
//   - POST /subscriptions          (sign up, sends confirmation email)
//   - GET  /subscriptions/confirm  (follow the emailed confirmation link)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// SubscriptionService defines the subscriber lifecycle operations consumed by
// HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type SubscriptionService interface {
	// Subscribe stores a pending subscriber and sends the confirmation link.
	Subscribe(ctx context.Context, email, name string) (*domain.Subscriber, error)
	// Confirm marks the subscriber behind a confirmation token as confirmed.
	Confirm(ctx context.Context, token string) error
}

//
// DTOs
//

// SubscribeRequest is the JSON payload for signing up.
type SubscribeRequest struct {
	// Email is the address the newsletter will be delivered to.
	Email string `json:"email" binding:"required,email" example:"jane.doe@example.com"`
	// Name is the subscriber's display name.
	Name string `json:"name" binding:"required,min=1" example:"Jane Doe"`
}

// SubscribeResponse is the JSON envelope for a newly created subscription.
type SubscribeResponse struct {
	// Subscriber is the pending subscription awaiting confirmation.
	Subscriber *domain.Subscriber `json:"subscriber"`
}

//
// Handlers
//

// Subscribe handles POST /subscriptions: it registers a pending subscriber
// and triggers the confirmation email. The subscription only becomes active
// once the emailed link is followed.
func (h *Handlers) Subscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "email and name are required")
		return
	}

	sub, err := h.subSvc.Subscribe(c.Request.Context(), strings.TrimSpace(req.Email), req.Name)
	switch {
	case errors.Is(err, services.ErrInvalidEmail), errors.Is(err, services.ErrInvalidName):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	case errors.Is(err, services.ErrSubscriberExists):
		fail(c, http.StatusConflict, ErrCodeConflict, "email is already subscribed")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeSubscribeFailed, "could not create subscription")
		return
	}

	ok(c, http.StatusCreated, SubscribeResponse{Subscriber: sub})
}

// ConfirmSubscription handles GET /subscriptions/confirm?token=…: it resolves
// the emailed token and activates the subscription. Re-confirming an already
// confirmed subscriber succeeds (the link may be clicked twice).
func (h *Handlers) ConfirmSubscription(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "token is required")
		return
	}

	err := h.subSvc.Confirm(c.Request.Context(), token)
	switch {
	case errors.Is(err, services.ErrInvalidToken):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "unknown subscription token")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not confirm subscription")
		return
	}

	ok(c, http.StatusOK, gin.H{"status": "confirmed"})
}
