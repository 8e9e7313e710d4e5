package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soknadhub/applyd/internal/domain"
)

const questionColumns = `
	id, flow_id, chat_id, field_name, field_type, question_text,
	options, answer, status, message_ref, expires_at, created_at`

// CreateQuestion persists a pending single-field question with its own
// expiry. flowID may be empty for questions outside a registration.
func (s *Store) CreateQuestion(ctx context.Context, flowID, chatID, fieldName, fieldType, text string, options []string, timeout time.Duration) (*domain.Question, error) {
	var optionsJSON sql.NullString
	if len(options) > 0 {
		raw, err := json.Marshal(options)
		if err != nil {
			return nil, fmt.Errorf("failed to encode question options: %w", err)
		}
		optionsJSON = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		INSERT INTO questions (
			id, flow_id, chat_id, field_name, field_type, question_text,
			options, status, expires_at, created_at
		) VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8,
		          NOW() + $9 * INTERVAL '1 second', NOW())
		RETURNING` + questionColumns

	var q domain.Question
	err := s.db.GetContext(ctx, &q, query,
		uuid.New().String(), flowID, chatID, fieldName, fieldType, text,
		optionsJSON, domain.QuestionPending, timeout.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to create question: %w", err)
	}

	return &q, nil
}

// GetQuestion re-reads a question. The inbound handler writes the
// answer column; this is the only way the orchestrator sees it.
func (s *Store) GetQuestion(ctx context.Context, id string) (*domain.Question, error) {
	query := `SELECT` + questionColumns + ` FROM questions WHERE id = $1`

	var q domain.Question
	if err := s.db.GetContext(ctx, &q, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get question: %w", err)
	}

	return &q, nil
}

// SetQuestionMessageRef stores the channel message reference.
func (s *Store) SetQuestionMessageRef(ctx context.Context, id, ref string) error {
	query := `UPDATE questions SET message_ref = $1 WHERE id = $2`

	if _, err := s.db.ExecContext(ctx, query, ref, id); err != nil {
		return fmt.Errorf("failed to set question message ref: %w", err)
	}

	return nil
}

// ExpireQuestion times out a question only while it is still pending.
func (s *Store) ExpireQuestion(ctx context.Context, id string) error {
	query := `
		UPDATE questions
		SET status = $1
		WHERE id = $2 AND status = $3
	`

	if _, err := s.db.ExecContext(ctx, query, domain.QuestionTimeout, id, domain.QuestionPending); err != nil {
		return fmt.Errorf("failed to expire question: %w", err)
	}

	return nil
}

// LookupKnowledgeBase returns the stored answer for a field name, or
// empty when none exists. The knowledge base is maintained upstream.
func (s *Store) LookupKnowledgeBase(ctx context.Context, userID, fieldName string) (string, error) {
	query := `
		SELECT answer FROM knowledge_base
		WHERE user_id = $1 AND question = $2
		LIMIT 1
	`

	var answer string
	err := s.db.GetContext(ctx, &answer, query, userID, fieldName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up knowledge base: %w", err)
	}

	return answer, nil
}

// KnowledgeBase returns all stored Q&A pairs for a user as a flat map
// for generic form payloads.
func (s *Store) KnowledgeBase(ctx context.Context, userID string) (map[string]string, error) {
	query := `SELECT question, answer FROM knowledge_base WHERE user_id = $1`

	rows := []struct {
		Question string `db:"question"`
		Answer   string `db:"answer"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("failed to fetch knowledge base: %w", err)
	}

	kb := make(map[string]string, len(rows))
	for _, row := range rows {
		kb[row.Question] = row.Answer
	}

	return kb, nil
}
