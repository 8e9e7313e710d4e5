package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/soknadhub/applyd/internal/domain"
)

const credentialColumns = `
	id, site_domain, site_name, email, password, status,
	engine_credential_id, verified_at, created_at`

// GetCredential fetches the credential for a site domain regardless of
// status. Callers classify active vs magic_link themselves.
func (s *Store) GetCredential(ctx context.Context, siteDomain string) (*domain.SiteCredential, error) {
	query := `SELECT` + credentialColumns + ` FROM site_credentials WHERE site_domain = $1`

	var cred domain.SiteCredential
	if err := s.db.GetContext(ctx, &cred, query, siteDomain); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return &cred, nil
}

// SaveCredential upserts an active credential for a site domain.
func (s *Store) SaveCredential(ctx context.Context, cred *domain.SiteCredential) error {
	query := `
		INSERT INTO site_credentials (
			id, site_domain, site_name, email, password, status,
			engine_credential_id, verified_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (site_domain) DO UPDATE SET
			email = EXCLUDED.email,
			password = EXCLUDED.password,
			status = EXCLUDED.status,
			engine_credential_id = EXCLUDED.engine_credential_id,
			verified_at = NOW()
	`

	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.Status == "" {
		cred.Status = domain.CredentialActive
	}

	_, err := s.db.ExecContext(ctx, query,
		cred.ID, cred.SiteDomain, cred.SiteName, cred.Email,
		cred.Password, cred.Status, cred.EngineCredentialID)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	s.logger.Info("Credential saved",
		slog.String("site_domain", cred.SiteDomain),
		slog.String("status", cred.Status),
	)

	return nil
}

// MarkSiteMagicLink flags a domain as passwordless so future attempts
// short-circuit to manual review. Active credentials are never
// overwritten: a false-positive magic-link classification must not
// destroy a working login.
func (s *Store) MarkSiteMagicLink(ctx context.Context, siteDomain string) error {
	query := `
		INSERT INTO site_credentials (id, site_domain, site_name, email, password, status, created_at)
		VALUES ($1, $2, $3, '', '', $4, NOW())
		ON CONFLICT (site_domain) DO UPDATE SET
			status = $4
		WHERE site_credentials.status <> $5
	`

	result, err := s.db.ExecContext(ctx, query,
		uuid.New().String(), siteDomain, siteDomain,
		domain.CredentialMagicLink, domain.CredentialActive)
	if err != nil {
		return fmt.Errorf("failed to mark site magic link: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		s.logger.Warn("Magic link mark skipped - active credential exists",
			slog.String("site_domain", siteDomain),
		)
	}

	return nil
}

// HasCredential reports whether an active credential exists for the
// domain. Used by the flow classifier's opportunistic lookup.
func (s *Store) HasCredential(ctx context.Context, siteDomain string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM site_credentials
			WHERE site_domain = $1 AND status = $2
		)
	`

	var exists bool
	if err := s.db.GetContext(ctx, &exists, query, siteDomain, domain.CredentialActive); err != nil {
		return false, fmt.Errorf("failed to check credential existence: %w", err)
	}

	return exists, nil
}
