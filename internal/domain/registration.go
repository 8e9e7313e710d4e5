package domain

import (
	"database/sql"
	"time"
)

// RegistrationFlow status values.
const (
	FlowPending           = "pending"
	FlowRegistering       = "registering"
	FlowWaitingForUser    = "waiting_for_user"
	FlowEmailVerification = "email_verification"
	FlowSMSVerification   = "sms_verification"
	FlowCompleted         = "completed"
	FlowFailed            = "failed"
	FlowCancelled         = "cancelled"
)

// ActiveFlowStatus reports whether a flow is still in progress and must
// be reused instead of starting a duplicate for the same domain.
func ActiveFlowStatus(status string) bool {
	switch status {
	case FlowPending, FlowRegistering, FlowWaitingForUser,
		FlowEmailVerification, FlowSMSVerification:
		return true
	}
	return false
}

// RegistrationFlow is the sub-process creating and verifying a new
// account on a recruitment site.
type RegistrationFlow struct {
	ID               string         `db:"id"`
	SiteDomain       string         `db:"site_domain"`
	SiteName         string         `db:"site_name"`
	RegistrationURL  string         `db:"registration_url"`
	ApplicationID    sql.NullString `db:"application_id"`
	JobID            sql.NullString `db:"job_id"`
	Status           string         `db:"status"`
	Email            string         `db:"registration_email"`
	Password         string         `db:"generated_password"`
	ChatID           sql.NullString `db:"chat_id"`
	TaskID           sql.NullString `db:"task_id"`
	QAHistory        sql.NullString `db:"qa_history"` // JSON array of QAEntry
	VerificationCode sql.NullString `db:"verification_code"`
	ErrorReason      sql.NullString `db:"error_reason"`
	ExpiresAt        time.Time      `db:"expires_at"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

// QAEntry is one answered question recorded on a registration flow.
type QAEntry struct {
	FieldName  string    `json:"field_name"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	AnsweredAt time.Time `json:"answered_at"`
}

// SiteCredential status values. A magic_link credential marks a site
// as passwordless and therefore not automatable.
const (
	CredentialActive    = "active"
	CredentialMagicLink = "magic_link"
)

// SiteCredential holds login credentials for one site domain.
type SiteCredential struct {
	ID                 string         `db:"id"`
	SiteDomain         string         `db:"site_domain"`
	SiteName           string         `db:"site_name"`
	Email              string         `db:"email"`
	Password           string         `db:"password"`
	Status             string         `db:"status"`
	EngineCredentialID sql.NullString `db:"engine_credential_id"`
	VerifiedAt         sql.NullTime   `db:"verified_at"`
	CreatedAt          time.Time      `db:"created_at"`
}
