// Newsletter issue persistence. Issues are written once, inside the publish
// transaction, and read by the delivery queue when a task is claimed.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// CreateIssue inserts a newsletter issue on the given transaction.
func CreateIssue(ctx context.Context, tx *gorm.DB, title, htmlBody, textBody string) (*domain.NewsletterIssue, error) {
	issue := &domain.NewsletterIssue{
		ID:          uuid.NewString(),
		Title:       title,
		HTMLBody:    htmlBody,
		TextBody:    textBody,
		PublishedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(issue).Error; err != nil {
		return nil, err
	}
	return issue, nil
}

// GetIssue returns an issue by ID or ErrNotFound.
func GetIssue(ctx context.Context, db *gorm.DB, id string) (*domain.NewsletterIssue, error) {
	var issue domain.NewsletterIssue
	err := db.WithContext(ctx).Where("id = ?", id).First(&issue).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

// CountIssues returns the number of published issues.
func CountIssues(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.NewsletterIssue{}).Count(&n).Error
	return n, err
}
