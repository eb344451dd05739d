package models

import (
	"time"
)

// PostStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusScheduled  = "scheduled"
	StatusPublishing = "publishing"
	StatusPublished  = "published"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// ScheduledPost is a post row awaiting (or past) publication.
//
// NextAttemptAt starts equal to ScheduledTime and is pushed forward by the
// scheduler on transient failures; ScheduledTime itself is never mutated.
// AuthWaitSince is set while the post is parked behind an expired connection.
type ScheduledPost struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Content        string     `json:"content"`
	MediaRef       string     `json:"media_ref"`
	ScheduledTime  time.Time  `json:"scheduled_time"`
	Status         string     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	MaxAttempts    int        `json:"max_attempts"`
	NextAttemptAt  time.Time  `json:"next_attempt_at"`
	LastError      *string    `json:"last_error,omitempty"`
	ExternalPostID *string    `json:"external_post_id,omitempty"`
	AuthWaitSince  *time.Time `json:"auth_wait_since,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
