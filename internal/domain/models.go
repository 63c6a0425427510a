// Package domain defines the persistence models for subscribers, newsletter
// issues, and the durable delivery queue. These types are mapped with GORM
// and form the core data layer of the newsletter application.
package domain

import "time"

// Subscriber statuses. A subscriber starts as "pending" after signup and
// becomes "confirmed" once the emailed confirmation link is followed. Only
// confirmed subscribers receive newsletter issues.
const (
	SubscriberStatusPending   = "pending"
	SubscriberStatusConfirmed = "confirmed"
)

// Subscriber represents a person who signed up for the newsletter.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Email: unique address the newsletter is delivered to.
//   - Name: display name captured on signup.
//   - Status: "pending" until double-opt-in completes, then "confirmed".
//   - SubscribedAt: when the signup happened.
type Subscriber struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	Email        string    `json:"email"         gorm:"type:varchar(320);not null;uniqueIndex:ux_subscribers_email"`
	Name         string    `json:"name"          gorm:"type:varchar(256);not null"`
	Status       string    `json:"status"        gorm:"type:varchar(16);not null;check:status IN ('pending','confirmed');index"`
	SubscribedAt time.Time `json:"subscribed_at" gorm:"type:DATETIME NOT NULL"`
}

// TableName returns the database table name for Subscriber.
func (Subscriber) TableName() string { return "subscribers" }

// SubscriptionToken links an emailed confirmation token back to the pending
// subscriber it was issued for.
type SubscriptionToken struct {
	Token        string    `gorm:"type:char(36);primaryKey"`
	SubscriberID string    `gorm:"type:char(36);not null;index"`
	CreatedAt    time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`

	// Subscriber is the pending signup this token confirms. Tokens are
	// cascade-deleted if the subscriber row is removed.
	Subscriber Subscriber `gorm:"foreignKey:SubscriberID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for SubscriptionToken.
func (SubscriptionToken) TableName() string { return "subscription_tokens" }

// NewsletterIssue is a published newsletter. Exactly one row is created per
// successful (non-duplicate) publish transaction; it is immutable afterwards.
type NewsletterIssue struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	Title       string    `json:"title"        gorm:"type:varchar(255);not null"`
	HTMLBody    string    `json:"html_body"    gorm:"type:text;not null"`
	TextBody    string    `json:"text_body"    gorm:"type:text;not null"`
	PublishedAt time.Time `json:"published_at" gorm:"type:DATETIME NOT NULL"`
}

// TableName returns the database table name for NewsletterIssue.
func (NewsletterIssue) TableName() string { return "newsletter_issues" }

// IssueDeliveryTask is one pending delivery: "issue X must still be sent to
// subscriber Y". Rows are created in bulk inside the publish transaction and
// afterwards only the delivery worker mutates or deletes them.
//
// A row's presence means delivery has neither succeeded nor been permanently
// abandoned. Retry state lives on the row, not in worker memory, so a worker
// crash mid-retry loses no progress.
type IssueDeliveryTask struct {
	IssueID      string    `gorm:"type:char(36);not null;primaryKey"`
	SubscriberID string    `gorm:"type:char(36);not null;primaryKey"`
	NRetries     int       `gorm:"type:INTEGER NOT NULL;default:0"`
	ExecuteAfter time.Time `gorm:"type:DATETIME NOT NULL;index"`
	LastError    string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`

	// Issue is the newsletter this task delivers. Tasks are cascade-deleted
	// if the issue row is removed.
	Issue NewsletterIssue `gorm:"foreignKey:IssueID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for IssueDeliveryTask.
func (IssueDeliveryTask) TableName() string { return "delivery_queue" }

// DeliveryFailure records a task that was permanently abandoned, either
// because the transport rejected the recipient outright or because the retry
// budget ran out. Abandoned deliveries stay visible to operators; they never
// look "still pending" and are never re-sent.
type DeliveryFailure struct {
	ID           string    `gorm:"type:char(36);primaryKey"`
	IssueID      string    `gorm:"type:char(36);not null;index"`
	SubscriberID string    `gorm:"type:char(36);not null"`
	NRetries     int       `gorm:"type:INTEGER NOT NULL"`
	LastError    string    `gorm:"type:text"`
	AbandonedAt  time.Time `gorm:"type:DATETIME NOT NULL"`
}

// TableName returns the database table name for DeliveryFailure.
func (DeliveryFailure) TableName() string { return "delivery_failures" }
