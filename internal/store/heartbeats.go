package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/soknadhub/applyd/internal/domain"
)

// UpsertHeartbeat records that a worker is alive, together with its
// running counters.
func (s *Store) UpsertHeartbeat(ctx context.Context, hb *domain.Heartbeat) error {
	query := `
		INSERT INTO worker_heartbeats (worker_id, automation_healthy, cycles, processed, failed, beat_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (worker_id) DO UPDATE
		SET automation_healthy = $2, cycles = $3, processed = $4, failed = $5, beat_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		hb.WorkerID, hb.AutomationHealthy, hb.Cycles, hb.Processed, hb.Failed)
	if err != nil {
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}

	return nil
}

// LatestHeartbeat returns the most recent beat for a worker.
func (s *Store) LatestHeartbeat(ctx context.Context, workerID string) (*domain.Heartbeat, error) {
	query := `
		SELECT worker_id, automation_healthy, cycles, processed, failed, beat_at
		FROM worker_heartbeats
		WHERE worker_id = $1
	`

	var hb domain.Heartbeat
	if err := s.db.GetContext(ctx, &hb, query, workerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get heartbeat: %w", err)
	}

	return &hb, nil
}
