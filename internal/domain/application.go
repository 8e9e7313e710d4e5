package domain

import (
	"database/sql"
	"time"
)

// Application status values. Created upstream as StatusSending; this
// service owns every transition after that.
const (
	StatusDraft        = "draft"
	StatusSending      = "sending"
	StatusManualReview = "manual_review"
	StatusSent         = "sent"
	StatusFailed       = "failed"
	StatusCancelled    = "cancelled"
	StatusApproved     = "approved"
)

// TerminalStatus reports whether a status ends the application's
// lifecycle. manual_review is recoverable via re-queue and is not
// terminal.
func TerminalStatus(status string) bool {
	switch status {
	case StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidStatus reports whether status is a defined enum value.
func ValidStatus(status string) bool {
	switch status {
	case StatusDraft, StatusSending, StatusManualReview, StatusSent,
		StatusFailed, StatusCancelled, StatusApproved:
		return true
	}
	return false
}

// Application is one job-application submission attempt.
type Application struct {
	ID            string         `db:"id"`
	JobID         string         `db:"job_id"`
	UserID        string         `db:"user_id"`
	Status        string         `db:"status"`
	CoverLetter   string         `db:"cover_letter"`
	CoverLetterEn sql.NullString `db:"cover_letter_en"`
	TaskID        sql.NullString `db:"task_id"`
	TaskStartedAt sql.NullTime   `db:"task_started_at"`
	ErrorReason   sql.NullString `db:"error_reason"`
	ClaimedBy     sql.NullString `db:"claimed_by"`
	LeaseExpires  sql.NullTime   `db:"lease_expires_at"`
	SentAt        sql.NullTime   `db:"sent_at"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// CoverLetterText returns the primary cover letter, falling back to
// the secondary language.
func (a *Application) CoverLetterText() string {
	if a.CoverLetter != "" {
		return a.CoverLetter
	}
	return a.CoverLetterEn.String
}

// Job is a read-only reference to the scraped job posting.
type Job struct {
	ID               string         `db:"id"`
	UserID           string         `db:"user_id"`
	Title            string         `db:"title"`
	Company          string         `db:"company"`
	URL              string         `db:"job_url"`
	ExternalApplyURL sql.NullString `db:"external_apply_url"`
	FormType         sql.NullString `db:"application_form_type"`
	HasEasyApply     bool           `db:"has_easy_apply"`
}

// Heartbeat is the dispatcher's periodic liveness record.
type Heartbeat struct {
	WorkerID          string    `db:"worker_id"`
	AutomationHealthy bool      `db:"automation_healthy"`
	Cycles            int64     `db:"cycles"`
	Processed         int64     `db:"processed"`
	Failed            int64     `db:"failed"`
	BeatAt            time.Time `db:"beat_at"`
}
