// Newsletter HTTP handlers.
//
// This file exposes the publish endpoint and the operational drain hook:
//   - POST /newsletters        (publish an issue to all confirmed subscribers)
//   - POST /admin/queue/drain  (deliver every pending task, then return)
//
// Publishing is idempotent: the Idempotency-Key header is required, and a
// repeated or concurrent submission with the same key replays the originally
// recorded response byte for byte, marked with `Idempotency-Replayed: true`.
// The 202 response means "accepted": delivery happens asynchronously in the
// background worker, never inside the request.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-newsletter-backend/internal/http/middleware"
	"github.com/tbourn/go-newsletter-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// PublishService defines the idempotent publish operation consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type PublishService interface {
	// Publish runs the publish transaction and returns the response to
	// serve, replayed from the saved-response store for duplicate keys.
	Publish(ctx context.Context, ownerID, key, title, htmlBody, textBody string) (*services.StoredResponse, error)
}

// QueueDrainer runs the delivery worker until no pending task remains.
type QueueDrainer interface {
	Drain(ctx context.Context) error
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for subscriptions and newsletter publishing.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	subSvc  SubscriptionService
	pubSvc  PublishService
	drainer QueueDrainer
}

// New constructs and returns a Handlers instance bound to the given services.
func New(subSvc SubscriptionService, pubSvc PublishService, drainer QueueDrainer) *Handlers {
	return &Handlers{subSvc: subSvc, pubSvc: pubSvc, drainer: drainer}
}

// ownerID extracts the authenticated caller id from Gin context (set by
// upstream middleware). If absent, it falls back to the "X-User-ID" header
// (tests use it). Authentication itself happens upstream; this layer trusts
// the identity it is handed.
func ownerID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return ""
}

//
// DTOs
//

// PublishRequest is the JSON payload for publishing a newsletter issue.
type PublishRequest struct {
	// Title becomes the email subject.
	Title string `json:"title" binding:"required,min=1" example:"Issue #42"`
	// HTMLBody is the HTML rendering of the issue.
	HTMLBody string `json:"html_body" binding:"required,min=1" example:"<p>Hello!</p>"`
	// TextBody is the plain-text rendering of the issue.
	TextBody string `json:"text_body" binding:"required,min=1" example:"Hello!"`
}

//
// Handlers
//

// PublishNewsletter handles POST /newsletters. It requires an authenticated
// owner and an Idempotency-Key header, runs the publish transaction, and
// writes the stored response verbatim (status, headers, body).
func (h *Handlers) PublishNewsletter(c *gin.Context) {
	owner := ownerID(c)
	if owner == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing caller identity")
		return
	}

	key, present := middleware.GetIdempotencyKey(c)
	if !present {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "Idempotency-Key header is required")
		return
	}

	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title, html_body and text_body are required")
		return
	}

	resp, err := h.pubSvc.Publish(c.Request.Context(), owner, key, req.Title, req.HTMLBody, req.TextBody)
	switch {
	case errors.Is(err, services.ErrInvalidIssue):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	case errors.Is(err, services.ErrPublishConflict):
		fail(c, http.StatusConflict, ErrCodeConflict, "a publish with this idempotency key is still in progress")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodePublishFailed, "could not publish newsletter issue")
		return
	}

	writeStoredResponse(c, resp)
}

// DrainQueue handles POST /admin/queue/drain: it runs claim-deliver-resolve
// cycles until the delivery queue is empty, then returns. Deployments and
// tests use it to await completion without polling.
func (h *Handlers) DrainQueue(c *gin.Context) {
	if err := h.drainer.Drain(c.Request.Context()); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "queue drain failed")
		return
	}
	ok(c, http.StatusOK, gin.H{"status": "drained"})
}

// writeStoredResponse writes a publish outcome exactly as recorded: status
// code, header pairs in order, raw body bytes. Replays additionally carry the
// Idempotency-Replayed diagnostic header, which is not part of the stored
// response.
func writeStoredResponse(c *gin.Context, resp *services.StoredResponse) {
	contentType := ""
	for _, p := range resp.Headers {
		if strings.EqualFold(p.Name, "Content-Type") {
			contentType = p.Value
			continue
		}
		c.Writer.Header().Add(p.Name, p.Value)
	}
	if resp.Replayed {
		c.Header(middleware.HeaderIdempotencyReplayed, "true")
	}
	c.Data(resp.StatusCode, contentType, resp.Body)
}
