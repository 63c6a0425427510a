// Subscriber persistence: pending signups, confirmation tokens, and the
// confirmed-subscriber lookup the publish transaction reads at fan-out time.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// CreateSubscriber inserts a pending subscriber together with its
// confirmation token in one transaction and returns both. A unique violation
// on the email column is surfaced as ErrDuplicate.
func CreateSubscriber(ctx context.Context, db *gorm.DB, email, name string) (*domain.Subscriber, string, error) {
	sub := &domain.Subscriber{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		Status:       domain.SubscriberStatusPending,
		SubscribedAt: time.Now().UTC(),
	}
	token := uuid.NewString()

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sub).Error; err != nil {
			return err
		}
		return tx.Create(&domain.SubscriptionToken{
			Token:        token,
			SubscriberID: sub.ID,
		}).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, "", ErrDuplicate
		}
		return nil, "", err
	}
	return sub, token, nil
}

// GetSubscriberByToken resolves a confirmation token to its subscriber, or
// ErrNotFound for an unknown token.
func GetSubscriberByToken(ctx context.Context, db *gorm.DB, token string) (*domain.Subscriber, error) {
	var rec domain.SubscriptionToken
	err := db.WithContext(ctx).
		Preload("Subscriber").
		Where("token = ?", token).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec.Subscriber, nil
}

// ConfirmSubscriber flips a subscriber to confirmed. Confirming an already
// confirmed subscriber is a no-op; a missing subscriber is ErrNotFound.
func ConfirmSubscriber(ctx context.Context, db *gorm.DB, subscriberID string) error {
	res := db.WithContext(ctx).
		Model(&domain.Subscriber{}).
		Where("id = ?", subscriberID).
		Update("status", domain.SubscriberStatusConfirmed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConfirmedSubscribers returns the current set of confirmed subscribers.
// The publish transaction reads it once, at fan-out time.
func ListConfirmedSubscribers(ctx context.Context, db *gorm.DB) ([]domain.Subscriber, error) {
	var subs []domain.Subscriber
	err := db.WithContext(ctx).
		Where("status = ?", domain.SubscriberStatusConfirmed).
		Order("subscribed_at ASC").
		Find(&subs).Error
	return subs, err
}
