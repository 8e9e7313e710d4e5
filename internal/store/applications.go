package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/soknadhub/applyd/internal/domain"
)

const applicationColumns = `
	id, job_id, user_id, status, cover_letter, cover_letter_en,
	task_id, task_started_at, error_reason, claimed_by,
	lease_expires_at, sent_at, created_at, updated_at`

// ListSendingApplications returns all applications awaiting submission,
// oldest first.
func (s *Store) ListSendingApplications(ctx context.Context) ([]domain.Application, error) {
	query := `
		SELECT` + applicationColumns + `
		FROM applications
		WHERE status = $1
		ORDER BY created_at ASC
	`

	var apps []domain.Application
	if err := s.db.SelectContext(ctx, &apps, query, domain.StatusSending); err != nil {
		return nil, fmt.Errorf("failed to list sending applications: %w", err)
	}

	return apps, nil
}

// GetApplication fetches one application by id.
func (s *Store) GetApplication(ctx context.Context, id string) (*domain.Application, error) {
	query := `SELECT` + applicationColumns + ` FROM applications WHERE id = $1`

	var app domain.Application
	if err := s.db.GetContext(ctx, &app, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get application: %w", err)
	}

	return &app, nil
}

// GetJob fetches the read-only job reference for an application.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	query := `
		SELECT id, user_id, title, company, job_url, external_apply_url,
		       application_form_type, has_easy_apply
		FROM jobs
		WHERE id = $1
	`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// ClaimApplication leases an application for one worker using a
// conditional update. Succeeds only when the row is still in sending
// and either unclaimed or holding an expired lease, so two dispatchers
// never process the same application.
func (s *Store) ClaimApplication(ctx context.Context, id, workerID string, leaseTTL time.Duration) error {
	query := `
		UPDATE applications
		SET claimed_by = $1,
		    lease_expires_at = NOW() + $2 * INTERVAL '1 second',
		    updated_at = NOW()
		WHERE id = $3
		  AND status = $4
		  AND (claimed_by IS NULL OR lease_expires_at < NOW())
	`

	result, err := s.db.ExecContext(ctx, query, workerID, leaseTTL.Seconds(), id, domain.StatusSending)
	if err != nil {
		return fmt.Errorf("failed to claim application: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		s.logger.Warn("Failed to claim application - already claimed or not sending",
			slog.String("application_id", id),
			slog.String("worker_id", workerID),
		)
		return domain.ErrAlreadyClaimed
	}

	return nil
}

// ReleaseApplication clears a worker's lease on an application.
func (s *Store) ReleaseApplication(ctx context.Context, id, workerID string) error {
	query := `
		UPDATE applications
		SET claimed_by = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2
	`

	if _, err := s.db.ExecContext(ctx, query, id, workerID); err != nil {
		return fmt.Errorf("failed to release application: %w", err)
	}

	return nil
}

// UpdateApplicationStatus transitions an application and records a
// diagnostic reason. sent_at is stamped when the transition is to sent.
func (s *Store) UpdateApplicationStatus(ctx context.Context, id, status, reason string) error {
	query := `
		UPDATE applications
		SET status = $1::text,
		    error_reason = NULLIF($2, ''),
		    sent_at = CASE WHEN $1::text = $3::text THEN NOW() ELSE sent_at END,
		    updated_at = NOW()
		WHERE id = $4
	`

	if _, err := s.db.ExecContext(ctx, query, status, reason, domain.StatusSent, id); err != nil {
		return fmt.Errorf("failed to update application status: %w", err)
	}

	s.logger.Info("Application status updated",
		slog.String("application_id", id),
		slog.String("status", status),
	)

	return nil
}

// SetApplicationTask records the live automation task for an
// application. There is at most one at a time.
func (s *Store) SetApplicationTask(ctx context.Context, id, taskID string) error {
	query := `
		UPDATE applications
		SET task_id = $1, task_started_at = NOW(), updated_at = NOW()
		WHERE id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, taskID, id); err != nil {
		return fmt.Errorf("failed to set application task: %w", err)
	}

	return nil
}

// RequeueApplication resets a non-terminal application to sending.
// This is the only path back to sending; it is used when a completed
// registration unblocks an application.
func (s *Store) RequeueApplication(ctx context.Context, id string) error {
	query := `
		UPDATE applications
		SET status = $1, error_reason = NULL, claimed_by = NULL,
		    lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, domain.StatusSending, id, domain.StatusManualReview)
	if err != nil {
		return fmt.Errorf("failed to requeue application: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return domain.ErrNotFound
	}

	s.logger.Info("Application re-queued",
		slog.String("application_id", id),
	)

	return nil
}

// ReapStaleApplications fails every application stuck in sending past
// the threshold and returns the affected ids. This is the backstop for
// workers that died mid-flight.
func (s *Store) ReapStaleApplications(ctx context.Context, threshold time.Duration) ([]string, error) {
	query := `
		UPDATE applications
		SET status = $1,
		    error_reason = $2,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE status = $3
		  AND updated_at < NOW() - $4 * INTERVAL '1 second'
		RETURNING id
	`

	reason := fmt.Sprintf("stuck in sending for more than %s; worker presumed lost", threshold)

	var ids []string
	err := s.db.SelectContext(ctx, &ids, query,
		domain.StatusFailed, reason, domain.StatusSending, threshold.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to reap stale applications: %w", err)
	}

	return ids, nil
}

// CountApplicationsByStatus returns the queue depth per status.
func (s *Store) CountApplicationsByStatus(ctx context.Context) (map[string]int, error) {
	query := `SELECT status, COUNT(*) AS n FROM applications GROUP BY status`

	rows := []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count applications: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.N
	}

	return counts, nil
}
