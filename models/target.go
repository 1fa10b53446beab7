package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TargetState is the delivery state of one recipient within one campaign
type TargetState string

const (
	TargetStateQueued    TargetState = "queued"
	TargetStateScheduled TargetState = "scheduled"
	TargetStateSending   TargetState = "sending"
	TargetStateSent      TargetState = "sent"
	TargetStateFailed    TargetState = "failed"
	TargetStateCanceled  TargetState = "canceled"
)

// InFlightTargetStates are states a batch still owns
var InFlightTargetStates = []TargetState{TargetStateScheduled, TargetStateSending}

// OpenTargetStates are states that keep a campaign from finishing
var OpenTargetStates = []TargetState{TargetStateQueued, TargetStateScheduled, TargetStateSending}

// String returns the string representation of the state
func (s TargetState) String() string {
	return string(s)
}

// Valid checks if the state is valid
func (s TargetState) Valid() bool {
	switch s {
	case TargetStateQueued, TargetStateScheduled, TargetStateSending,
		TargetStateSent, TargetStateFailed, TargetStateCanceled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state ends the target's life for completion purposes
func (s TargetState) Terminal() bool {
	return s == TargetStateSent || s == TargetStateFailed || s == TargetStateCanceled
}

// CanTransitionTo reports whether next is reachable from s in one step.
// failed -> queued additionally requires retry_count < max_retries, see Target.CanRetry.
func (s TargetState) CanTransitionTo(next TargetState) bool {
	switch s {
	case TargetStateQueued:
		return next == TargetStateScheduled || next == TargetStateSending || next == TargetStateCanceled
	case TargetStateScheduled:
		return next == TargetStateSending || next == TargetStateQueued || next == TargetStateCanceled
	case TargetStateSending:
		return next == TargetStateSent || next == TargetStateFailed || next == TargetStateQueued || next == TargetStateCanceled
	case TargetStateFailed:
		return next == TargetStateQueued
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for TargetState
func (s *TargetState) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = TargetState(v)
	case []byte:
		*s = TargetState(string(v))
	default:
		return fmt.Errorf("cannot scan %T into TargetState", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for TargetState
func (s TargetState) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid TargetState: %s", s)
	}
	return string(s), nil
}

// AttemptRecord is one provider call made for a target
type AttemptRecord struct {
	Attempt   int       `json:"attempt"`
	At        time.Time `json:"at"`
	Sender    string    `json:"sender"`
	OK        bool      `json:"ok"`
	Kind      string    `json:"kind,omitempty"`
	Status    int       `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
}

// AttemptLog is the provider_response history of a target, stored as a JSON array
type AttemptLog []AttemptRecord

// Value implements the driver.Valuer interface for AttemptLog
func (l AttemptLog) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for AttemptLog
func (l *AttemptLog) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), l)
	case []byte:
		return json.Unmarshal(v, l)
	default:
		return fmt.Errorf("cannot scan %T into AttemptLog", value)
	}
}

// Target is exactly one recipient of one campaign and the unit of dispatch and retry
type Target struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UUID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_targets_uuid" json:"uuid"`
	TenantID   uint      `gorm:"not null" json:"tenant_id"`
	CampaignID uint      `gorm:"not null;uniqueIndex:uk_targets_campaign_phone,priority:1;index:idx_targets_campaign_state,priority:1" json:"campaign_id"`
	Phone      string    `gorm:"size:32;not null;uniqueIndex:uk_targets_campaign_phone,priority:2;index:idx_targets_phone" json:"phone"`

	State TargetState `gorm:"size:20;not null;index:idx_targets_campaign_state,priority:2" json:"state"`

	RetryCount           int        `gorm:"not null;default:0" json:"retry_count"`
	LastError            string     `gorm:"type:text" json:"last_error,omitempty"`
	ProviderResponse     AttemptLog `gorm:"type:jsonb" json:"provider_response,omitempty"`
	SentAt               *time.Time `gorm:"index:idx_targets_sent_at" json:"sent_at,omitempty"`
	FinalRenderedMessage string     `gorm:"type:text" json:"final_rendered_message,omitempty"`
	SenderName           string     `gorm:"size:100" json:"sender_name,omitempty"`

	MemberData map[string]string `gorm:"type:jsonb;serializer:json" json:"member_data"`

	ScheduledAt      *time.Time `json:"scheduled_at,omitempty"`
	NextAttemptAt    *time.Time `json:"next_attempt_at,omitempty"`
	SendingStartedAt *time.Time `json:"sending_started_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Target) TableName() string {
	return "targets"
}

// CanRetry reports whether a failed target may go back to queued
func (t *Target) CanRetry(maxRetries int) bool {
	return t.RetryCount < maxRetries
}

// SuccessfulAttempts counts provider calls recorded as successful
func (t *Target) SuccessfulAttempts() int {
	n := 0
	for _, a := range t.ProviderResponse {
		if a.OK {
			n++
		}
	}
	return n
}

// TargetFilter represents filter criteria for target queries
type TargetFilter struct {
	ID         *uint
	UUID       *uuid.UUID
	CampaignID *uint
	Phone      *string
	State      *TargetState
	States     []TargetState
	// DueBefore selects queued targets whose retry backoff has elapsed
	DueBefore    *time.Time
	// BackoffAfter selects queued targets still waiting out a retry or deferral
	BackoffAfter *time.Time
	SentAfter    *time.Time
	StaleSending *time.Time
	StaleSched   *time.Time
}
