package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/soknadhub/applyd/internal/domain"
)

// GetActiveProfile returns the user's active CV profile.
func (s *Store) GetActiveProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	query := `
		SELECT id, user_id, full_name, email, phone,
			COALESCE(address, '') AS address,
			COALESCE(city, '') AS city,
			COALESCE(postal_code, '') AS postal_code,
			COALESCE(country, '') AS country,
			COALESCE(summary, '') AS summary,
			COALESCE(resume_url, '') AS resume_url
		FROM profiles
		WHERE user_id = $1 AND is_active = TRUE
		ORDER BY updated_at DESC
		LIMIT 1
	`

	var profile domain.Profile
	if err := s.db.GetContext(ctx, &profile, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active profile: %w", err)
	}

	return &profile, nil
}

// GetUserChatID returns the messaging destination for a user, or
// domain.ErrNotFound when the user never linked one.
func (s *Store) GetUserChatID(ctx context.Context, userID string) (string, error) {
	query := `
		SELECT COALESCE(telegram_chat_id, '')
		FROM user_settings
		WHERE user_id = $1
	`

	var chatID string
	if err := s.db.GetContext(ctx, &chatID, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("failed to get user chat id: %w", err)
	}
	if chatID == "" {
		return "", domain.ErrNotFound
	}

	return chatID, nil
}
