package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/soknadhub/applyd/internal/domain"
)

const flowColumns = `
	id, site_domain, site_name, registration_url, application_id,
	job_id, status, registration_email, generated_password, chat_id,
	task_id, qa_history, verification_code, error_reason, expires_at,
	created_at, updated_at`

// CreateRegistrationFlow persists a new pending flow.
func (s *Store) CreateRegistrationFlow(ctx context.Context, flow *domain.RegistrationFlow) error {
	query := `
		INSERT INTO registration_flows (
			id, site_domain, site_name, registration_url, application_id,
			job_id, status, registration_email, generated_password,
			chat_id, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`

	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}
	if flow.Status == "" {
		flow.Status = domain.FlowPending
	}

	_, err := s.db.ExecContext(ctx, query,
		flow.ID, flow.SiteDomain, flow.SiteName, flow.RegistrationURL,
		flow.ApplicationID, flow.JobID, flow.Status, flow.Email,
		flow.Password, flow.ChatID, flow.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create registration flow: %w", err)
	}

	return nil
}

// GetActiveRegistrationFlow finds an in-progress flow for a domain so
// a second application against the same site reuses it instead of
// double-registering.
func (s *Store) GetActiveRegistrationFlow(ctx context.Context, siteDomain string) (*domain.RegistrationFlow, error) {
	query := `
		SELECT` + flowColumns + `
		FROM registration_flows
		WHERE site_domain = $1 AND status = ANY($2)
		ORDER BY created_at DESC
		LIMIT 1
	`

	active := pq.StringArray{
		domain.FlowPending, domain.FlowRegistering, domain.FlowWaitingForUser,
		domain.FlowEmailVerification, domain.FlowSMSVerification,
	}

	var flow domain.RegistrationFlow
	if err := s.db.GetContext(ctx, &flow, query, siteDomain, active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active registration flow: %w", err)
	}

	return &flow, nil
}

// GetRegistrationFlow fetches a flow by ID.
func (s *Store) GetRegistrationFlow(ctx context.Context, id string) (*domain.RegistrationFlow, error) {
	query := `
		SELECT` + flowColumns + `
		FROM registration_flows
		WHERE id = $1
	`

	var flow domain.RegistrationFlow
	if err := s.db.GetContext(ctx, &flow, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get registration flow: %w", err)
	}

	return &flow, nil
}

// UpdateRegistrationFlowStatus transitions a flow and records an
// optional error reason.
func (s *Store) UpdateRegistrationFlowStatus(ctx context.Context, id, status, errorReason string) error {
	query := `
		UPDATE registration_flows
		SET status = $1, error_reason = NULLIF($2, ''), updated_at = NOW()
		WHERE id = $3
	`

	if _, err := s.db.ExecContext(ctx, query, status, errorReason, id); err != nil {
		return fmt.Errorf("failed to update registration flow status: %w", err)
	}

	return nil
}

// SetRegistrationFlowTask records the automation task driving the flow.
func (s *Store) SetRegistrationFlowTask(ctx context.Context, id, taskID string) error {
	query := `UPDATE registration_flows SET task_id = $1, updated_at = NOW() WHERE id = $2`

	if _, err := s.db.ExecContext(ctx, query, taskID, id); err != nil {
		return fmt.Errorf("failed to set registration flow task: %w", err)
	}

	return nil
}

// AppendFlowQA appends an answered question to the flow's Q&A history.
func (s *Store) AppendFlowQA(ctx context.Context, id string, entry domain.QAEntry) error {
	flow, err := s.GetRegistrationFlow(ctx, id)
	if err != nil {
		return err
	}

	var history []domain.QAEntry
	if flow.QAHistory.Valid && flow.QAHistory.String != "" {
		if err := json.Unmarshal([]byte(flow.QAHistory.String), &history); err != nil {
			return fmt.Errorf("failed to decode qa history: %w", err)
		}
	}
	history = append(history, entry)

	raw, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to encode qa history: %w", err)
	}

	query := `UPDATE registration_flows SET qa_history = $1, updated_at = NOW() WHERE id = $2`
	if _, err := s.db.ExecContext(ctx, query, string(raw), id); err != nil {
		return fmt.Errorf("failed to append qa history: %w", err)
	}

	return nil
}

// ReadVerificationCode re-reads the code column for a waiting flow.
// The engine's webhook writes it out of band, so callers poll this.
func (s *Store) ReadVerificationCode(ctx context.Context, id string) (string, error) {
	query := `SELECT COALESCE(verification_code, '') FROM registration_flows WHERE id = $1`

	var code string
	if err := s.db.GetContext(ctx, &code, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("failed to read verification code: %w", err)
	}

	return code, nil
}

// CreateAuthRequest pre-creates a short-lived verification-code record
// so the engine's code webhook can resolve the waiting user before the
// login task asks for it.
func (s *Store) CreateAuthRequest(ctx context.Context, userID, chatID, identifier string, ttl time.Duration) error {
	query := `
		INSERT INTO auth_requests (id, user_id, chat_id, identifier, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, 'pending', NOW() + $5 * INTERVAL '1 second', NOW())
	`

	_, err := s.db.ExecContext(ctx, query,
		uuid.New().String(), userID, chatID, identifier, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("failed to create auth request: %w", err)
	}

	return nil
}
