// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the saved-response store used to make
// the publish endpoint idempotent: claiming a key inserts a row under the
// unique (owner_id, key) index, and the HTTP outcome of the first successful
// processing is persisted next to the claim in the same transaction.
package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate indicates that a row already exists for a unique tuple, e.g.
// an idempotency key that is already claimed.
var ErrDuplicate = errors.New("duplicate")

// ClaimOutcome is the result of TryClaim.
type ClaimOutcome struct {
	// Claimed is true when this caller inserted the key and must now perform
	// the work and eventually persist a SavedResponse in the same transaction.
	Claimed bool
	// Saved holds the previously recorded response when the key was already
	// claimed and its processing committed. When the key is claimed but Saved
	// is nil, another request is mid-flight and the caller must wait and
	// re-check.
	Saved *domain.SavedResponse
}

// TryClaim attempts to claim (ownerID, key) by inserting the IdempotencyKey
// row. It must be called on the transaction that will perform the publish
// side effects so that claim and commit are atomic.
//
// On a unique violation the existing SavedResponse (if any) is loaded with
// the outer db handle, not the transaction, so an aborted claim cannot mask
// a committed response.
func TryClaim(ctx context.Context, tx *gorm.DB, db *gorm.DB, ownerID, key string) (ClaimOutcome, error) {
	rec := &domain.IdempotencyKey{OwnerID: ownerID, Key: key}
	err := tx.WithContext(ctx).Create(rec).Error
	if err == nil {
		return ClaimOutcome{Claimed: true}, nil
	}
	if !isUniqueViolation(err) {
		return ClaimOutcome{}, err
	}

	saved, err := GetSavedResponse(ctx, db, ownerID, key)
	if errors.Is(err, ErrNotFound) {
		// Claim exists but no response yet: the winning request is in flight.
		return ClaimOutcome{}, nil
	}
	if err != nil {
		return ClaimOutcome{}, err
	}
	return ClaimOutcome{Saved: saved}, nil
}

// SaveResponse persists the HTTP outcome for a claimed key. It must run on
// the same transaction that inserted the claim and performed the side
// effects; it is never updated afterwards.
func SaveResponse(ctx context.Context, tx *gorm.DB, ownerID, key string, statusCode int, headers []domain.HeaderPair, body []byte) error {
	rec := &domain.SavedResponse{
		OwnerID:    ownerID,
		Key:        key,
		StatusCode: statusCode,
		Headers:    domain.EncodeHeaderPairs(headers),
		Body:       body,
	}
	return tx.WithContext(ctx).Create(rec).Error
}

// GetSavedResponse returns the recorded response for (ownerID, key) or
// ErrNotFound.
func GetSavedResponse(ctx context.Context, db *gorm.DB, ownerID, key string) (*domain.SavedResponse, error) {
	var rec domain.SavedResponse
	err := db.WithContext(ctx).
		Where("owner_id = ? AND key = ?", ownerID, key).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// isUniqueViolation reports whether err is a unique-constraint failure.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// IsBusy reports whether err looks like a SQLite busy/locked condition, i.e.
// another writer currently holds the database lock. Callers treat it as a
// retryable storage conflict.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "locked") ||
		strings.Contains(low, "busy")
}
