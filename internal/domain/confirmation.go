package domain

import (
	"database/sql"
	"time"
)

// ConfirmationRequest status values. pending is the only live state;
// everything else is terminal for the request.
const (
	ConfirmationPending   = "pending"
	ConfirmationConfirmed = "confirmed"
	ConfirmationCancelled = "cancelled"
	ConfirmationTimeout   = "timeout"
	ConfirmationSubmitted = "submitted"
)

// ConfirmationRequest is a persisted human approval decision gating a
// submission. The inbound message handler resolves it by writing the
// status column; this service only ever re-reads it.
type ConfirmationRequest struct {
	ID            string         `db:"id"`
	ApplicationID string         `db:"application_id"`
	ChatID        string         `db:"chat_id"`
	Payload       string         `db:"payload"` // JSON snapshot of what will be submitted
	Status        string         `db:"status"`
	EditedFields  sql.NullString `db:"edited_fields"` // JSON field deltas, set on confirm-with-edits
	MessageRef    sql.NullString `db:"message_ref"`
	ExpiresAt     time.Time      `db:"expires_at"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// Expired reports whether the request's absolute expiry has passed.
// Boundary: exactly at ExpiresAt counts as expired.
func (r *ConfirmationRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Question status values.
const (
	QuestionPending  = "pending"
	QuestionAnswered = "answered"
	QuestionSkipped  = "skipped"
	QuestionTimeout  = "timeout"
)

// Question is a pending single-field elicitation, used both for
// registration gap-filling and critical-field collection.
type Question struct {
	ID         string         `db:"id"`
	FlowID     sql.NullString `db:"flow_id"`
	ChatID     string         `db:"chat_id"`
	FieldName  string         `db:"field_name"`
	FieldType  string         `db:"field_type"`
	Text       string         `db:"question_text"`
	Options    sql.NullString `db:"options"` // JSON array
	Answer     sql.NullString `db:"answer"`
	Status     string         `db:"status"`
	MessageRef sql.NullString `db:"message_ref"`
	ExpiresAt  time.Time      `db:"expires_at"`
	CreatedAt  time.Time      `db:"created_at"`
}

// Expired reports whether the question's expiry has passed.
func (q *Question) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}
