package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soknadhub/applyd/internal/domain"
)

const confirmationColumns = `
	id, application_id, chat_id, payload, status, edited_fields,
	message_ref, expires_at, created_at, updated_at`

// CreateConfirmation persists a new pending confirmation request with
// an absolute expiry and returns it.
func (s *Store) CreateConfirmation(ctx context.Context, applicationID, chatID, payload string, timeout time.Duration) (*domain.ConfirmationRequest, error) {
	query := `
		INSERT INTO confirmation_requests (
			id, application_id, chat_id, payload, status,
			expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, NOW() + $6 * INTERVAL '1 second', NOW(), NOW())
		RETURNING` + confirmationColumns

	var req domain.ConfirmationRequest
	err := s.db.GetContext(ctx, &req, query,
		uuid.New().String(), applicationID, chatID, payload,
		domain.ConfirmationPending, timeout.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to create confirmation request: %w", err)
	}

	return &req, nil
}

// GetConfirmation re-reads a confirmation request. This is the resume
// point for the gateway's crash-safe wait.
func (s *Store) GetConfirmation(ctx context.Context, id string) (*domain.ConfirmationRequest, error) {
	query := `SELECT` + confirmationColumns + ` FROM confirmation_requests WHERE id = $1`

	var req domain.ConfirmationRequest
	if err := s.db.GetContext(ctx, &req, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get confirmation request: %w", err)
	}

	return &req, nil
}

// SetConfirmationMessageRef stores the channel message reference so the
// inbound handler can edit it later.
func (s *Store) SetConfirmationMessageRef(ctx context.Context, id, ref string) error {
	query := `UPDATE confirmation_requests SET message_ref = $1, updated_at = NOW() WHERE id = $2`

	if _, err := s.db.ExecContext(ctx, query, ref, id); err != nil {
		return fmt.Errorf("failed to set confirmation message ref: %w", err)
	}

	return nil
}

// ExpireConfirmation times out a request only while it is still
// pending, so a concurrently written human answer always wins.
func (s *Store) ExpireConfirmation(ctx context.Context, id string) error {
	query := `
		UPDATE confirmation_requests
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	if _, err := s.db.ExecContext(ctx, query, domain.ConfirmationTimeout, id, domain.ConfirmationPending); err != nil {
		return fmt.Errorf("failed to expire confirmation request: %w", err)
	}

	return nil
}

// MarkConfirmationSubmitted settles a confirmed request after the
// submission it gated has run.
func (s *Store) MarkConfirmationSubmitted(ctx context.Context, id string) error {
	query := `
		UPDATE confirmation_requests
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	if _, err := s.db.ExecContext(ctx, query, domain.ConfirmationSubmitted, id, domain.ConfirmationConfirmed); err != nil {
		return fmt.Errorf("failed to mark confirmation submitted: %w", err)
	}

	return nil
}

// GetPendingConfirmation returns the active request for an application,
// if any. At most one exists at a time.
func (s *Store) GetPendingConfirmation(ctx context.Context, applicationID string) (*domain.ConfirmationRequest, error) {
	query := `
		SELECT` + confirmationColumns + `
		FROM confirmation_requests
		WHERE application_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	var req domain.ConfirmationRequest
	err := s.db.GetContext(ctx, &req, query, applicationID, domain.ConfirmationPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pending confirmation: %w", err)
	}

	return &req, nil
}
