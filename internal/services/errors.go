// Package services defines the business logic for subscriptions and
// newsletter publishing. This file centralizes common service-level error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler/controller layer.
package services

import "errors"

// Subscription-related errors.
var (
	// ErrInvalidEmail is returned when a signup email fails validation.
	ErrInvalidEmail = errors.New("invalid subscriber email")

	// ErrInvalidName is returned when a signup name fails validation.
	ErrInvalidName = errors.New("invalid subscriber name")

	// ErrSubscriberExists is returned when the signup email is already
	// subscribed (pending or confirmed).
	ErrSubscriberExists = errors.New("subscriber already exists")

	// ErrInvalidToken is returned when a confirmation token is unknown.
	ErrInvalidToken = errors.New("invalid subscription token")
)

// Publish-related errors.
var (
	// ErrInvalidIssue is returned when a publish request is missing its
	// title or content. It is rejected before any transaction opens.
	ErrInvalidIssue = errors.New("issue title and content must not be empty")

	// ErrPublishConflict is returned when a duplicate idempotency key is
	// held by another in-flight request and it did not resolve within the
	// wait budget. Callers may retry with the same key.
	ErrPublishConflict = errors.New("publish already in progress for this idempotency key")
)
