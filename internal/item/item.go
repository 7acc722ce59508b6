// Package item defines the content item lifecycle model shared by the
// pipeline, the store, and the HTTP API.
package item

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// FailureRecord captures one stage failure for diagnostics. Records are
// appended, never rewritten, so dashboards can show the full history.
type FailureRecord struct {
	Stage       Stage     `json:"stage"`
	TargetStage Stage     `json:"target_stage"`
	ErrorClass  string    `json:"error_class"`
	Message     string    `json:"message"`
	Attempts    int       `json:"attempts"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Outputs is the bag of per-stage results accumulated as an item moves
// through the pipeline.
type Outputs struct {
	Blueprint   string            `json:"blueprint,omitempty"`
	Caption     string            `json:"caption,omitempty"`
	Hashtags    []string          `json:"hashtags,omitempty"`
	MediaRef    string            `json:"media_ref,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	PostIDs     map[string]string `json:"post_ids,omitempty"`
	Analytics   map[string]int64  `json:"analytics,omitempty"`
}

// ContentItem is the unit of work driven through the lifecycle state
// machine. The state machine is the sole writer; every other component
// receives items read-only.
type ContentItem struct {
	ID          uuid.UUID       `json:"id"`
	Topic       string          `json:"topic"`
	Fingerprint string          `json:"fingerprint"`
	Stage       Stage           `json:"stage"`
	Version     int             `json:"version"`
	Outputs     Outputs         `json:"outputs"`
	Failures    []FailureRecord `json:"failures,omitempty"`
	Attempts    int             `json:"attempts"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
	IdleUntil   *time.Time      `json:"idle_until,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// New creates an item at the initial stage with version 1.
func New(topic, fingerprintSeed string) *ContentItem {
	now := time.Now().UTC()
	return &ContentItem{
		ID:          uuid.New(),
		Topic:       topic,
		Fingerprint: Fingerprint(topic, fingerprintSeed),
		Stage:       StageDiscovered,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Fingerprint returns a stable hash over the inputs that determine
// generated content. It is the cache and idempotency key.
func Fingerprint(topic, seed string) string {
	h := sha256.Sum256([]byte(topic + "\x00" + seed))
	return hex.EncodeToString(h[:])
}

// Clone returns a deep copy so callers can hand items across goroutines
// without sharing mutable state.
func (c *ContentItem) Clone() *ContentItem {
	out := *c
	if c.Failures != nil {
		out.Failures = make([]FailureRecord, len(c.Failures))
		copy(out.Failures, c.Failures)
	}
	if c.Outputs.Hashtags != nil {
		out.Outputs.Hashtags = append([]string(nil), c.Outputs.Hashtags...)
	}
	if c.Outputs.PostIDs != nil {
		out.Outputs.PostIDs = make(map[string]string, len(c.Outputs.PostIDs))
		for k, v := range c.Outputs.PostIDs {
			out.Outputs.PostIDs[k] = v
		}
	}
	if c.Outputs.Analytics != nil {
		out.Outputs.Analytics = make(map[string]int64, len(c.Outputs.Analytics))
		for k, v := range c.Outputs.Analytics {
			out.Outputs.Analytics[k] = v
		}
	}
	if c.Outputs.ScheduledAt != nil {
		t := *c.Outputs.ScheduledAt
		out.Outputs.ScheduledAt = &t
	}
	if c.ApprovedAt != nil {
		t := *c.ApprovedAt
		out.ApprovedAt = &t
	}
	if c.IdleUntil != nil {
		t := *c.IdleUntil
		out.IdleUntil = &t
	}
	return &out
}

// RecordFailure appends a failure record and stamps the update time.
func (c *ContentItem) RecordFailure(target Stage, class, message string, attempts int) {
	c.Failures = append(c.Failures, FailureRecord{
		Stage:       c.Stage,
		TargetStage: target,
		ErrorClass:  class,
		Message:     message,
		Attempts:    attempts,
		OccurredAt:  time.Now().UTC(),
	})
}
