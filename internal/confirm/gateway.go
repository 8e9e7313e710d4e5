package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/soknadhub/applyd/internal/domain"
	"github.com/soknadhub/applyd/internal/notify"
)

// ErrNoDestination is returned by question waits when the user never
// linked a messaging destination. Confirmations fail open instead.
var ErrNoDestination = errors.New("no messaging destination configured")

// Store is the persistence surface the gateway needs. The real store
// satisfies it; tests use a fake.
type Store interface {
	CreateConfirmation(ctx context.Context, applicationID, chatID, payload string, timeout time.Duration) (*domain.ConfirmationRequest, error)
	GetConfirmation(ctx context.Context, id string) (*domain.ConfirmationRequest, error)
	GetPendingConfirmation(ctx context.Context, applicationID string) (*domain.ConfirmationRequest, error)
	SetConfirmationMessageRef(ctx context.Context, id, ref string) error
	ExpireConfirmation(ctx context.Context, id string) error
	MarkConfirmationSubmitted(ctx context.Context, id string) error

	CreateQuestion(ctx context.Context, flowID, chatID, fieldName, fieldType, text string, options []string, timeout time.Duration) (*domain.Question, error)
	GetQuestion(ctx context.Context, id string) (*domain.Question, error)
	SetQuestionMessageRef(ctx context.Context, id, ref string) error
	ExpireQuestion(ctx context.Context, id string) error
}

// Config holds the gateway's poll cadence and wait budgets.
type Config struct {
	PollInterval    time.Duration
	ConfirmTimeout  time.Duration
	PreviewTimeout  time.Duration
	QuestionTimeout time.Duration
}

// Outcome of a confirmation wait.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimeout   Outcome = "timeout"
)

// Decision is the resolved result of a confirmation wait. Payload
// carries edited-field deltas already merged in.
type Decision struct {
	Outcome   Outcome
	RequestID string
	Payload   domain.SubmissionPayload
}

// Gateway blocks automated submission until a human approves the
// payload. Waits are persisted with an absolute expiry and resumed by
// re-reading the store, so they survive process restarts.
type Gateway struct {
	store   Store
	channel notify.Channel
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func New(store Store, channel notify.Channel, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 300 * time.Second
	}
	if cfg.PreviewTimeout <= 0 {
		cfg.PreviewTimeout = 600 * time.Second
	}
	if cfg.QuestionTimeout <= 0 {
		cfg.QuestionTimeout = 300 * time.Second
	}

	return &Gateway{
		store:   store,
		channel: channel,
		cfg:     cfg,
		logger:  logger.With("component", "confirm"),
		now:     time.Now,
	}
}

// Confirm asks the human to approve a submission and blocks until they
// answer, the wait expires, or ctx is cancelled. Without a reachable
// destination it proceeds as confirmed rather than blocking forever.
func (g *Gateway) Confirm(ctx context.Context, applicationID, chatID string, payload domain.SubmissionPayload, text string) (*Decision, error) {
	return g.confirm(ctx, applicationID, chatID, payload, text, g.cfg.ConfirmTimeout)
}

// ConfirmPreview is Confirm with the longer full-payload-editing
// budget.
func (g *Gateway) ConfirmPreview(ctx context.Context, applicationID, chatID string, payload domain.SubmissionPayload, text string) (*Decision, error) {
	return g.confirm(ctx, applicationID, chatID, payload, text, g.cfg.PreviewTimeout)
}

func (g *Gateway) confirm(ctx context.Context, applicationID, chatID string, payload domain.SubmissionPayload, text string, timeout time.Duration) (*Decision, error) {
	if !g.channel.HasDestination(chatID) {
		g.logger.Info("no destination, proceeding without confirmation",
			"application_id", applicationID)
		return &Decision{Outcome: OutcomeConfirmed, Payload: payload}, nil
	}

	// Resume an existing pending request instead of sending twice.
	req, err := g.store.GetPendingConfirmation(ctx, applicationID)
	if errors.Is(err, domain.ErrNotFound) {
		req, err = g.create(ctx, applicationID, chatID, payload, text, timeout)
	}
	if err != nil {
		return nil, err
	}

	return g.wait(ctx, req.ID, payload)
}

func (g *Gateway) create(ctx context.Context, applicationID, chatID string, payload domain.SubmissionPayload, text string, timeout time.Duration) (*domain.ConfirmationRequest, error) {
	snapshot, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload snapshot: %w", err)
	}

	req, err := g.store.CreateConfirmation(ctx, applicationID, chatID, string(snapshot), timeout)
	if err != nil {
		return nil, err
	}

	actions := []notify.Action{
		{Label: "✅ Send", Data: "confirm:" + req.ID},
		{Label: "✏️ Edit", Data: "edit:" + req.ID},
		{Label: "❌ Cancel", Data: "cancel:" + req.ID},
	}
	ref, err := g.channel.Send(ctx, chatID, text, actions)
	if err != nil {
		// The request stays pending; the wait below still times out
		// cleanly if nobody ever sees it.
		g.logger.Warn("failed to send confirmation message",
			"application_id", applicationID, "error", err)
	} else if ref != "" {
		if err := g.store.SetConfirmationMessageRef(ctx, req.ID, ref); err != nil {
			g.logger.Warn("failed to record message ref", "request_id", req.ID, "error", err)
		}
	}

	g.logger.Info("confirmation requested",
		"application_id", applicationID, "request_id", req.ID,
		"expires_at", req.ExpiresAt)

	return req, nil
}

// wait polls the request's status column until it leaves pending or
// expires. Any process instance can run this, not just the creator.
func (g *Gateway) wait(ctx context.Context, requestID string, payload domain.SubmissionPayload) (*Decision, error) {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		req, err := g.store.GetConfirmation(ctx, requestID)
		if err != nil {
			return nil, err
		}

		switch req.Status {
		case domain.ConfirmationConfirmed:
			merged := payload
			if req.EditedFields.Valid {
				deltas, err := domain.DecodeDeltas(req.EditedFields.String)
				if err != nil {
					return nil, err
				}
				merged.Merge(deltas)
			}
			// Consume the request so a later resume never replays it.
			if err := g.store.MarkConfirmationSubmitted(ctx, requestID); err != nil {
				g.logger.Warn("failed to mark confirmation submitted",
					"request_id", requestID, "error", err)
			}
			return &Decision{Outcome: OutcomeConfirmed, RequestID: requestID, Payload: merged}, nil
		case domain.ConfirmationCancelled:
			return &Decision{Outcome: OutcomeCancelled, RequestID: requestID, Payload: payload}, nil
		case domain.ConfirmationTimeout:
			return &Decision{Outcome: OutcomeTimeout, RequestID: requestID, Payload: payload}, nil
		}

		if req.Expired(g.now()) {
			if err := g.store.ExpireConfirmation(ctx, requestID); err != nil {
				return nil, err
			}
			// The expire write is conditional on pending, so a confirm
			// that raced in wins; re-read to observe it.
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AskQuestion elicits a single field value from the human and blocks
// until answered, skipped, or expired. Unlike Confirm there is no
// fail-open path: a question without a destination cannot be answered.
func (g *Gateway) AskQuestion(ctx context.Context, flowID, chatID, fieldName, fieldType, text string, options []string) (string, error) {
	return g.AskQuestionTimeout(ctx, flowID, chatID, fieldName, fieldType, text, options, g.cfg.QuestionTimeout)
}

// AskQuestionTimeout is AskQuestion with an explicit wait budget, used
// for verification waits that carry their own expiry.
func (g *Gateway) AskQuestionTimeout(ctx context.Context, flowID, chatID, fieldName, fieldType, text string, options []string, timeout time.Duration) (string, error) {
	if !g.channel.HasDestination(chatID) {
		return "", ErrNoDestination
	}

	q, err := g.store.CreateQuestion(ctx, flowID, chatID, fieldName, fieldType, text, options, timeout)
	if err != nil {
		return "", err
	}

	var actions []notify.Action
	for _, opt := range options {
		actions = append(actions, notify.Action{Label: opt, Data: "answer:" + q.ID + ":" + opt})
	}
	ref, err := g.channel.Send(ctx, chatID, text, actions)
	if err != nil {
		g.logger.Warn("failed to send question", "question_id", q.ID, "error", err)
	} else if ref != "" {
		if err := g.store.SetQuestionMessageRef(ctx, q.ID, ref); err != nil {
			g.logger.Warn("failed to record message ref", "question_id", q.ID, "error", err)
		}
	}

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		cur, err := g.store.GetQuestion(ctx, q.ID)
		if err != nil {
			return "", err
		}

		switch cur.Status {
		case domain.QuestionAnswered:
			return cur.Answer.String, nil
		case domain.QuestionSkipped:
			return "", nil
		case domain.QuestionTimeout:
			return "", domain.ErrHumanTimeout
		}

		if cur.Expired(g.now()) {
			if err := g.store.ExpireQuestion(ctx, q.ID); err != nil {
				return "", err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
