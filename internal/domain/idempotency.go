// Package domain defines the core persistence models for the application.
// This file holds the idempotency models backing safe retries of the publish
// endpoint: a claim row per (owner_id, key) plus the HTTP response that was
// produced the first time the key was processed.
package domain

import (
	"encoding/json"
	"time"
)

// IdempotencyKey claims a logical "request to publish" for one caller. The
// pair (owner_id, key) is unique; inserting the row under that constraint,
// inside the same transaction as the publish side effects, is what makes
// claim and commit atomic. If the transaction rolls back the claim is
// released; if it commits the claim and its SavedResponse become visible
// together.
type IdempotencyKey struct {
	OwnerID   string    `gorm:"type:varchar(64) NOT NULL;primaryKey;uniqueIndex:ux_idempotency_owner_key,priority:1"`
	Key       string    `gorm:"type:varchar(200) NOT NULL;primaryKey;uniqueIndex:ux_idempotency_owner_key,priority:2"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
}

// TableName implements the GORM tabler interface.
func (IdempotencyKey) TableName() string { return "idempotency_keys" }

// HeaderPair is one (name, value) response header. Order is preserved so a
// replayed response is byte-identical to the original.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SavedResponse is the HTTP outcome recorded for a processed IdempotencyKey.
// It is written exactly once, in the transaction that performed the publish,
// and is read-only thereafter. Headers are stored as a JSON array to keep
// their order.
type SavedResponse struct {
	OwnerID    string `gorm:"type:varchar(64) NOT NULL;primaryKey"`
	Key        string `gorm:"type:varchar(200) NOT NULL;primaryKey"`
	StatusCode int    `gorm:"type:INTEGER NOT NULL"`
	Headers    string `gorm:"type:text NOT NULL"`
	Body       []byte `gorm:"type:blob NOT NULL"`

	// Claim is the idempotency key this response belongs to.
	Claim IdempotencyKey `gorm:"foreignKey:OwnerID,Key;references:OwnerID,Key;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName implements the GORM tabler interface.
func (SavedResponse) TableName() string { return "saved_responses" }

// HeaderPairs decodes the stored header JSON. A corrupt column yields an
// empty slice rather than an error; the status and body still replay.
func (r *SavedResponse) HeaderPairs() []HeaderPair {
	var pairs []HeaderPair
	if err := json.Unmarshal([]byte(r.Headers), &pairs); err != nil {
		return nil
	}
	return pairs
}

// EncodeHeaderPairs serializes response headers for storage on SavedResponse.
func EncodeHeaderPairs(pairs []HeaderPair) string {
	b, err := json.Marshal(pairs)
	if err != nil {
		return "[]"
	}
	return string(b)
}
