package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/soknadhub/applyd/internal/automation"
	"github.com/soknadhub/applyd/internal/classify"
	"github.com/soknadhub/applyd/internal/confirm"
	"github.com/soknadhub/applyd/internal/domain"
)

var (
	// ErrMagicLinkSite marks a domain that only supports passwordless
	// login and can never be automated.
	ErrMagicLinkSite = errors.New("site uses magic-link login")

	// ErrFlowInProgress means another application already drives a
	// registration for this domain; the caller waits instead of
	// starting a second one.
	ErrFlowInProgress = errors.New("registration flow already in progress")

	// ErrRegistrationFailed wraps a flow that ended in failed or
	// cancelled.
	ErrRegistrationFailed = errors.New("registration failed")
)

// Store is the persistence surface the manager needs.
type Store interface {
	GetCredential(ctx context.Context, siteDomain string) (*domain.SiteCredential, error)
	SaveCredential(ctx context.Context, cred *domain.SiteCredential) error
	GetActiveRegistrationFlow(ctx context.Context, siteDomain string) (*domain.RegistrationFlow, error)
	CreateRegistrationFlow(ctx context.Context, flow *domain.RegistrationFlow) error
	UpdateRegistrationFlowStatus(ctx context.Context, id, status, errorReason string) error
	SetRegistrationFlowTask(ctx context.Context, id, taskID string) error
	AppendFlowQA(ctx context.Context, id string, entry domain.QAEntry) error
	LookupKnowledgeBase(ctx context.Context, userID, fieldName string) (string, error)
	ReadVerificationCode(ctx context.Context, id string) (string, error)
	RequeueApplication(ctx context.Context, id string) error
}

// Publisher emits messages onto the work queue.
type Publisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// Asker elicits single-field answers from the human. The confirmation
// gateway satisfies this.
type Asker interface {
	AskQuestion(ctx context.Context, flowID, chatID, fieldName, fieldType, text string, options []string) (string, error)
	AskQuestionTimeout(ctx context.Context, flowID, chatID, fieldName, fieldType, text string, options []string, timeout time.Duration) (string, error)
}

// Engine submits automation tasks.
type Engine interface {
	Submit(ctx context.Context, req *automation.TaskRequest) (string, error)
	RegisterCredential(ctx context.Context, name, email, password string) (string, error)
}

// TaskWaiter polls a task to completion.
type TaskWaiter interface {
	Wait(ctx context.Context, taskID string, opts automation.WaitOptions) (*automation.TaskResult, error)
}

// Config holds registration behavior knobs.
type Config struct {
	// DefaultEmail is the address new site accounts register with.
	DefaultEmail        string
	FlowTTL             time.Duration
	VerificationTimeout time.Duration
	PasswordLength      int
	RegistrationSteps   int
}

// Request carries everything needed to ensure credentials for one
// application.
type Request struct {
	ApplicationID   string
	UserID          string
	SiteDomain      string
	RegistrationURL string
	ChatID          string
	Profile         *domain.Profile
}

// Manager guarantees a valid site credential exists before a
// login-gated submission, bootstrapping a new account when absent.
type Manager struct {
	store     Store
	asker     Asker
	engine    Engine
	waiter    TaskWaiter
	goals     *automation.Library
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
}

func New(store Store, asker Asker, engine Engine, waiter TaskWaiter, goals *automation.Library, cfg Config, logger *slog.Logger) *Manager {
	if cfg.FlowTTL <= 0 {
		cfg.FlowTTL = 30 * time.Minute
	}
	if cfg.VerificationTimeout <= 0 {
		cfg.VerificationTimeout = 300 * time.Second
	}
	if cfg.PasswordLength < MinPasswordLength {
		cfg.PasswordLength = MinPasswordLength
	}
	if cfg.RegistrationSteps <= 0 {
		cfg.RegistrationSteps = 80
	}

	return &Manager{
		store:  store,
		asker:  asker,
		engine: engine,
		waiter: waiter,
		goals:  goals,
		cfg:    cfg,
		logger: logger.With("component", "registration"),
	}
}

// SetWakePublisher wires the message queue used to nudge workers when
// a blocked application is re-queued. Optional; without it workers
// pick the application up on their next poll.
func (m *Manager) SetWakePublisher(p Publisher) {
	m.publisher = p
}

// EnsureCredentials returns an active credential for the domain,
// asking the human for an existing account or registering a fresh one
// when none exists. Magic-link sites are never attempted.
func (m *Manager) EnsureCredentials(ctx context.Context, req Request) (*domain.SiteCredential, error) {
	cred, err := m.store.GetCredential(ctx, req.SiteDomain)
	switch {
	case err == nil:
		if cred.Status == domain.CredentialMagicLink {
			return nil, ErrMagicLinkSite
		}
		return cred, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	// Someone else may already be registering this domain.
	if flow, err := m.store.GetActiveRegistrationFlow(ctx, req.SiteDomain); err == nil {
		m.logger.Info("registration already in progress, not starting another",
			"site_domain", req.SiteDomain, "flow_id", flow.ID)
		return nil, fmt.Errorf("%w: flow %s", ErrFlowInProgress, flow.ID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	siteName := classify.SiteName(req.SiteDomain)

	answer, err := m.asker.AskQuestion(ctx, "", req.ChatID, "has_account", "choice",
		fmt.Sprintf("Do you already have an account on %s?", siteName),
		[]string{"Yes", "No"})
	if err != nil {
		if errors.Is(err, confirm.ErrNoDestination) {
			// Nobody to ask; register unattended with defaults.
			return m.register(ctx, req, siteName)
		}
		return nil, err
	}

	if answer == "Yes" {
		return m.collectExisting(ctx, req, siteName)
	}
	return m.register(ctx, req, siteName)
}

// collectExisting asks for the identifier then the secret of an
// account the user already has.
func (m *Manager) collectExisting(ctx context.Context, req Request, siteName string) (*domain.SiteCredential, error) {
	email, err := m.asker.AskQuestion(ctx, "", req.ChatID, "email", "text",
		fmt.Sprintf("What email do you log in to %s with?", siteName), nil)
	if err != nil {
		return nil, err
	}
	password, err := m.asker.AskQuestion(ctx, "", req.ChatID, "password", "secret",
		fmt.Sprintf("And the password for %s?", siteName), nil)
	if err != nil {
		return nil, err
	}
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: incomplete credentials provided", ErrRegistrationFailed)
	}

	cred := &domain.SiteCredential{
		SiteDomain: req.SiteDomain,
		SiteName:   siteName,
		Email:      email,
		Password:   password,
		Status:     domain.CredentialActive,
	}
	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return nil, err
	}

	m.logger.Info("existing credential collected", "site_domain", req.SiteDomain)
	return cred, nil
}

// register creates a new account through the automation engine.
func (m *Manager) register(ctx context.Context, req Request, siteName string) (*domain.SiteCredential, error) {
	email := m.cfg.DefaultEmail
	if email == "" && req.Profile != nil {
		email = req.Profile.Email
	}
	if email == "" {
		return nil, fmt.Errorf("%w: no registration email configured", ErrRegistrationFailed)
	}

	password, err := GeneratePassword(m.cfg.PasswordLength)
	if err != nil {
		return nil, err
	}

	flow := &domain.RegistrationFlow{
		SiteDomain:      req.SiteDomain,
		SiteName:        siteName,
		RegistrationURL: req.RegistrationURL,
		Email:           email,
		Password:        password,
		ExpiresAt:       time.Now().Add(m.cfg.FlowTTL),
	}
	if req.ApplicationID != "" {
		flow.ApplicationID.String, flow.ApplicationID.Valid = req.ApplicationID, true
	}
	if req.ChatID != "" {
		flow.ChatID.String, flow.ChatID.Valid = req.ChatID, true
	}
	if err := m.store.CreateRegistrationFlow(ctx, flow); err != nil {
		return nil, err
	}

	m.logger.Info("registration flow started",
		"flow_id", flow.ID, "site_domain", req.SiteDomain, "email", email)

	cred, err := m.runRegistration(ctx, req, flow)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, domain.ErrHumanTimeout) {
			reason = "verification timeout"
		}
		if uerr := m.store.UpdateRegistrationFlowStatus(ctx, flow.ID, domain.FlowFailed, reason); uerr != nil {
			m.logger.Error("failed to mark flow failed", "flow_id", flow.ID, "error", uerr)
		}
		return nil, fmt.Errorf("%w: %s", ErrRegistrationFailed, reason)
	}

	return cred, nil
}

func (m *Manager) runRegistration(ctx context.Context, req Request, flow *domain.RegistrationFlow) (*domain.SiteCredential, error) {
	if err := m.store.UpdateRegistrationFlowStatus(ctx, flow.ID, domain.FlowRegistering, ""); err != nil {
		return nil, err
	}

	payload := domain.SubmissionPayload{Email: flow.Email, Password: flow.Password}
	if req.Profile != nil {
		payload = req.Profile.Payload()
		payload.Email = flow.Email
		payload.Password = flow.Password
	}

	result, err := m.runTask(ctx, req, flow, payload)
	if err != nil {
		return nil, err
	}

	// One retry with a payload augmented from the knowledge base or
	// the human, when the engine reported unfillable fields.
	if missing := missingFields(result); len(missing) > 0 {
		m.logger.Info("registration reported missing fields",
			"flow_id", flow.ID, "fields", missing)
		if err := m.fillGaps(ctx, req, flow, &payload, missing); err != nil {
			return nil, err
		}
		if result, err = m.runTask(ctx, req, flow, payload); err != nil {
			return nil, err
		}
	}

	outcome := automation.ClassifyResult(result)
	if outcome.MagicLink {
		return nil, ErrMagicLinkSite
	}
	if result.Status != automation.TaskCompleted {
		return nil, fmt.Errorf("registration task %s: %s", result.Status, result.FailureReason)
	}
	if ok, reported := result.ExtractedBool("registration_successful"); reported && !ok {
		return nil, fmt.Errorf("registration did not complete: %s", result.ExtractedString("error_message"))
	}

	if err := m.verify(ctx, req, flow, result); err != nil {
		return nil, err
	}

	cred := &domain.SiteCredential{
		SiteDomain: req.SiteDomain,
		SiteName:   flow.SiteName,
		Email:      flow.Email,
		Password:   flow.Password,
		Status:     domain.CredentialActive,
	}

	// The engine keeps its own credential vault; registering there is
	// optional and failure is tolerated.
	if engineID, err := m.engine.RegisterCredential(ctx, flow.SiteDomain, flow.Email, flow.Password); err != nil {
		m.logger.Warn("engine credential registration failed",
			"site_domain", req.SiteDomain, "error", err)
	} else {
		cred.EngineCredentialID.String, cred.EngineCredentialID.Valid = engineID, true
	}

	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return nil, err
	}
	if err := m.store.UpdateRegistrationFlowStatus(ctx, flow.ID, domain.FlowCompleted, ""); err != nil {
		m.logger.Error("failed to mark flow completed", "flow_id", flow.ID, "error", err)
	}

	// Unblock the application that was waiting on this flow.
	if req.ApplicationID != "" {
		switch err := m.store.RequeueApplication(ctx, req.ApplicationID); {
		case err == nil:
			if m.publisher != nil {
				body, _ := json.Marshal(map[string]string{"application_id": req.ApplicationID})
				if err := m.publisher.Publish(ctx, body, "application/json"); err != nil {
					m.logger.Warn("wake publish after re-queue failed",
						"application_id", req.ApplicationID, "error", err)
				}
			}
		case !errors.Is(err, domain.ErrNotFound):
			m.logger.Warn("failed to re-queue application after registration",
				"application_id", req.ApplicationID, "error", err)
		}
	}

	m.logger.Info("registration completed",
		"flow_id", flow.ID, "site_domain", req.SiteDomain)

	return cred, nil
}

func (m *Manager) runTask(ctx context.Context, req Request, flow *domain.RegistrationFlow, payload domain.SubmissionPayload) (*automation.TaskResult, error) {
	params := automation.GoalParams{
		SiteName: flow.SiteName,
		Email:    flow.Email,
		Password: flow.Password,
	}
	if req.Profile != nil {
		params.FullName = req.Profile.FullName
		params.FirstName = req.Profile.FirstName()
		params.LastName = req.Profile.LastName()
		params.Phone = req.Profile.Phone
		params.Country = req.Profile.Country
	}

	goal, err := m.goals.RegistrationGoal(classify.DetectSiteType(req.SiteDomain), params)
	if err != nil {
		return nil, err
	}

	taskID, err := m.engine.Submit(ctx, &automation.TaskRequest{
		URL:                  req.RegistrationURL,
		NavigationGoal:       goal,
		NavigationPayload:    payload.Flatten(),
		DataExtractionGoal:   "Determine whether the account was created and what verification is required.",
		DataExtractionSchema: automation.RegistrationExtractionSchema(),
		ErrorCodeMapping:     automation.ErrorCodeMapping(),
		MaxSteps:             m.cfg.RegistrationSteps,
	})
	if err != nil {
		return nil, err
	}
	if err := m.store.SetRegistrationFlowTask(ctx, flow.ID, taskID); err != nil {
		m.logger.Warn("failed to record flow task", "flow_id", flow.ID, "error", err)
	}

	return m.waiter.Wait(ctx, taskID, automation.WaitOptions{
		Secrets: []string{flow.Password},
	})
}

// fillGaps resolves each missing field from the knowledge base first,
// then from the human.
func (m *Manager) fillGaps(ctx context.Context, req Request, flow *domain.RegistrationFlow, payload *domain.SubmissionPayload, fields []string) error {
	for _, field := range fields {
		if value, err := m.store.LookupKnowledgeBase(ctx, req.UserID, field); err == nil && value != "" {
			payload.Set(field, value)
			continue
		} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		answer, err := m.asker.AskQuestion(ctx, flow.ID, req.ChatID, field, "text",
			fmt.Sprintf("%s needs a value for %q to finish registration. What should I enter?",
				flow.SiteName, field), nil)
		if err != nil {
			return err
		}
		if answer == "" {
			return fmt.Errorf("no value provided for required field %q", field)
		}

		payload.Set(field, answer)
		if err := m.store.AppendFlowQA(ctx, flow.ID, domain.QAEntry{
			FieldName:  field,
			Question:   fmt.Sprintf("value for %s", field),
			Answer:     answer,
			AnsweredAt: time.Now(),
		}); err != nil {
			m.logger.Warn("failed to record qa entry", "flow_id", flow.ID, "error", err)
		}
	}
	return nil
}

// verify waits for the human to relay the verification code or
// confirm the link click. An unanswered verification fails the flow.
func (m *Manager) verify(ctx context.Context, req Request, flow *domain.RegistrationFlow, result *automation.TaskResult) error {
	needsEmail, _ := result.ExtractedBool("needs_email_verification")
	needsSMS, _ := result.ExtractedBool("needs_sms_verification")
	if !needsEmail && !needsSMS {
		return nil
	}

	status := domain.FlowEmailVerification
	prompt := fmt.Sprintf("%s sent a verification email to %s. Open it and reply with the code, or reply 'done' after clicking the link.",
		flow.SiteName, flow.Email)
	if needsSMS {
		status = domain.FlowSMSVerification
		prompt = fmt.Sprintf("%s sent an SMS verification code. Reply with the code.", flow.SiteName)
	}
	if err := m.store.UpdateRegistrationFlowStatus(ctx, flow.ID, status, ""); err != nil {
		return err
	}

	// The code may already be on the flow row if the inbound webhook
	// beat us here.
	if code, err := m.store.ReadVerificationCode(ctx, flow.ID); err == nil && code != "" {
		m.logger.Info("verification code already received", "flow_id", flow.ID)
		return nil
	}

	answer, err := m.asker.AskQuestionTimeout(ctx, flow.ID, req.ChatID,
		"verification_code", "text", prompt, nil, m.cfg.VerificationTimeout)
	if err != nil {
		return err
	}
	if answer == "" {
		return fmt.Errorf("verification was skipped")
	}

	return nil
}

func missingFields(result *automation.TaskResult) []string {
	raw, ok := result.Extracted["missing_fields"].([]any)
	if !ok {
		return nil
	}
	fields := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			fields = append(fields, s)
		}
	}
	return fields
}
