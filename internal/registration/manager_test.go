package registration

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soknadhub/applyd/internal/automation"
	"github.com/soknadhub/applyd/internal/domain"
)

type fakeStore struct {
	credentials map[string]*domain.SiteCredential
	activeFlow  *domain.RegistrationFlow
	flows       map[string]*domain.RegistrationFlow
	knowledge   map[string]string
	storedCode  string
	requeued    []string
	statuses    []string
	lastReason  string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		credentials: make(map[string]*domain.SiteCredential),
		flows:       make(map[string]*domain.RegistrationFlow),
		knowledge:   make(map[string]string),
	}
}

func (f *fakeStore) GetCredential(_ context.Context, siteDomain string) (*domain.SiteCredential, error) {
	if cred, ok := f.credentials[siteDomain]; ok {
		return cred, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeStore) SaveCredential(_ context.Context, cred *domain.SiteCredential) error {
	f.credentials[cred.SiteDomain] = cred
	return nil
}

func (f *fakeStore) GetActiveRegistrationFlow(_ context.Context, _ string) (*domain.RegistrationFlow, error) {
	if f.activeFlow != nil {
		return f.activeFlow, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeStore) CreateRegistrationFlow(_ context.Context, flow *domain.RegistrationFlow) error {
	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}
	flow.Status = domain.FlowPending
	f.flows[flow.ID] = flow
	return nil
}

func (f *fakeStore) UpdateRegistrationFlowStatus(_ context.Context, id, status, reason string) error {
	f.statuses = append(f.statuses, status)
	f.lastReason = reason
	if flow, ok := f.flows[id]; ok {
		flow.Status = status
	}
	return nil
}

func (f *fakeStore) SetRegistrationFlowTask(_ context.Context, _, _ string) error { return nil }

func (f *fakeStore) AppendFlowQA(_ context.Context, _ string, _ domain.QAEntry) error { return nil }

func (f *fakeStore) LookupKnowledgeBase(_ context.Context, _, field string) (string, error) {
	if v, ok := f.knowledge[field]; ok {
		return v, nil
	}
	return "", domain.ErrNotFound
}

func (f *fakeStore) ReadVerificationCode(_ context.Context, _ string) (string, error) {
	return f.storedCode, nil
}

func (f *fakeStore) RequeueApplication(_ context.Context, id string) error {
	f.requeued = append(f.requeued, id)
	return nil
}

type fakeAsker struct {
	answers map[string]string
	errs    map[string]error
	asked   []string
}

func (a *fakeAsker) AskQuestion(_ context.Context, _, _, fieldName, _, _ string, _ []string) (string, error) {
	a.asked = append(a.asked, fieldName)
	if err, ok := a.errs[fieldName]; ok {
		return "", err
	}
	return a.answers[fieldName], nil
}

func (a *fakeAsker) AskQuestionTimeout(ctx context.Context, flowID, chatID, fieldName, fieldType, text string, options []string, _ time.Duration) (string, error) {
	return a.AskQuestion(ctx, flowID, chatID, fieldName, fieldType, text, options)
}

type fakeEngine struct {
	submits     []*automation.TaskRequest
	results     []*automation.TaskResult
	credentials int
}

func (e *fakeEngine) Submit(_ context.Context, req *automation.TaskRequest) (string, error) {
	e.submits = append(e.submits, req)
	return "tsk_reg", nil
}

func (e *fakeEngine) RegisterCredential(_ context.Context, _, _, _ string) (string, error) {
	e.credentials++
	return "cred_1", nil
}

func (e *fakeEngine) Wait(_ context.Context, _ string, _ automation.WaitOptions) (*automation.TaskResult, error) {
	result := e.results[0]
	if len(e.results) > 1 {
		e.results = e.results[1:]
	}
	return result, nil
}

func testManager(store *fakeStore, asker *fakeAsker, engine *fakeEngine) *Manager {
	goals, _ := automation.LoadLibrary("")
	return New(store, asker, engine, engine, goals, Config{
		DefaultEmail: "apply@soknadhub.no",
	}, slog.New(slog.DiscardHandler))
}

func testRequest() Request {
	return Request{
		ApplicationID:   "app-1",
		UserID:          "user-1",
		SiteDomain:      "acme-careers.no",
		RegistrationURL: "https://acme-careers.no/register",
		ChatID:          "123",
		Profile:         &domain.Profile{FullName: "Kari Nordmann", Email: "kari@x.no", Phone: "90012345"},
	}
}

func TestEnsureCredentialsReturnsActive(t *testing.T) {
	store := newFakeStore()
	store.credentials["acme-careers.no"] = &domain.SiteCredential{
		SiteDomain: "acme-careers.no", Status: domain.CredentialActive, Email: "a@b.no",
	}

	cred, err := testManager(store, &fakeAsker{}, &fakeEngine{}).
		EnsureCredentials(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "a@b.no", cred.Email)
}

func TestEnsureCredentialsRejectsMagicLinkSite(t *testing.T) {
	store := newFakeStore()
	store.credentials["acme-careers.no"] = &domain.SiteCredential{
		SiteDomain: "acme-careers.no", Status: domain.CredentialMagicLink,
	}

	_, err := testManager(store, &fakeAsker{}, &fakeEngine{}).
		EnsureCredentials(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrMagicLinkSite)
}

func TestEnsureCredentialsReusesActiveFlow(t *testing.T) {
	store := newFakeStore()
	store.activeFlow = &domain.RegistrationFlow{ID: "flow-9", Status: domain.FlowRegistering}

	_, err := testManager(store, &fakeAsker{}, &fakeEngine{}).
		EnsureCredentials(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrFlowInProgress)
}

func TestEnsureCredentialsCollectsExistingAccount(t *testing.T) {
	store := newFakeStore()
	asker := &fakeAsker{answers: map[string]string{
		"has_account": "Yes",
		"email":       "kari@login.no",
		"password":    "hemmelig123",
	}}

	cred, err := testManager(store, asker, &fakeEngine{}).
		EnsureCredentials(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "kari@login.no", cred.Email)
	assert.Equal(t, domain.CredentialActive, cred.Status)
	assert.Equal(t, []string{"has_account", "email", "password"}, asker.asked)
	assert.Contains(t, store.credentials, "acme-careers.no")
}

func TestEnsureCredentialsRegistersNewAccount(t *testing.T) {
	store := newFakeStore()
	asker := &fakeAsker{answers: map[string]string{"has_account": "No"}}
	engine := &fakeEngine{results: []*automation.TaskResult{{
		TaskID: "tsk_reg", Status: automation.TaskCompleted,
		Extracted: map[string]any{"registration_successful": true},
	}}}

	cred, err := testManager(store, asker, engine).
		EnsureCredentials(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "apply@soknadhub.no", cred.Email)
	assert.GreaterOrEqual(t, len(cred.Password), MinPasswordLength)
	assert.Equal(t, domain.CredentialActive, cred.Status)
	assert.Equal(t, "cred_1", cred.EngineCredentialID.String)
	assert.Equal(t, []string{"app-1"}, store.requeued)
	assert.Contains(t, store.statuses, domain.FlowRegistering)
	assert.Contains(t, store.statuses, domain.FlowCompleted)

	require.Len(t, engine.submits, 1)
	assert.Equal(t, "https://acme-careers.no/register", engine.submits[0].URL)
	assert.Equal(t, cred.Password, engine.submits[0].NavigationPayload["password"])
}

type fakePublisher struct {
	bodies []string
}

func (p *fakePublisher) Publish(_ context.Context, body []byte, _ string) error {
	p.bodies = append(p.bodies, string(body))
	return nil
}

func TestCompletedRegistrationPublishesWakeForRequeuedApplication(t *testing.T) {
	store := newFakeStore()
	asker := &fakeAsker{answers: map[string]string{"has_account": "No"}}
	engine := &fakeEngine{results: []*automation.TaskResult{{
		Status:    automation.TaskCompleted,
		Extracted: map[string]any{"registration_successful": true},
	}}}

	publisher := &fakePublisher{}
	m := testManager(store, asker, engine)
	m.SetWakePublisher(publisher)

	_, err := m.EnsureCredentials(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, []string{"app-1"}, store.requeued)
	require.Len(t, publisher.bodies, 1)
	assert.JSONEq(t, `{"application_id":"app-1"}`, publisher.bodies[0])
}

func TestRegistrationVerificationTimeoutFailsFlow(t *testing.T) {
	store := newFakeStore()
	asker := &fakeAsker{
		answers: map[string]string{"has_account": "No"},
		errs:    map[string]error{"verification_code": domain.ErrHumanTimeout},
	}
	engine := &fakeEngine{results: []*automation.TaskResult{{
		Status: automation.TaskCompleted,
		Extracted: map[string]any{
			"registration_successful":  true,
			"needs_email_verification": true,
		},
	}}}

	_, err := testManager(store, asker, engine).
		EnsureCredentials(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrRegistrationFailed)

	assert.Contains(t, store.statuses, domain.FlowEmailVerification)
	assert.Contains(t, store.statuses, domain.FlowFailed)
	assert.Equal(t, "verification timeout", store.lastReason)
	assert.Empty(t, store.requeued)
}

func TestRegistrationSkipsQuestionWhenCodeAlreadyStored(t *testing.T) {
	store := newFakeStore()
	store.storedCode = "482913"
	asker := &fakeAsker{answers: map[string]string{"has_account": "No"}}
	engine := &fakeEngine{results: []*automation.TaskResult{{
		Status: automation.TaskCompleted,
		Extracted: map[string]any{
			"registration_successful":  true,
			"needs_email_verification": true,
		},
	}}}

	_, err := testManager(store, asker, engine).
		EnsureCredentials(context.Background(), testRequest())
	require.NoError(t, err)

	assert.NotContains(t, asker.asked, "verification_code")
	assert.Contains(t, store.statuses, domain.FlowCompleted)
}

func TestRegistrationRetriesOnceWithGapFilledPayload(t *testing.T) {
	store := newFakeStore()
	store.knowledge["birth_year"] = "1990"
	asker := &fakeAsker{answers: map[string]string{
		"has_account": "No",
		"shoe_size":   "42",
	}}
	engine := &fakeEngine{results: []*automation.TaskResult{
		{
			Status: automation.TaskCompleted,
			Extracted: map[string]any{
				"registration_successful": false,
				"missing_fields":          []any{"birth_year", "shoe_size"},
			},
		},
		{
			Status:    automation.TaskCompleted,
			Extracted: map[string]any{"registration_successful": true},
		},
	}}

	_, err := testManager(store, asker, engine).
		EnsureCredentials(context.Background(), testRequest())
	require.NoError(t, err)

	require.Len(t, engine.submits, 2)
	retry := engine.submits[1].NavigationPayload
	assert.Equal(t, "1990", retry["birth_year"])
	assert.Equal(t, "42", retry["shoe_size"])
	assert.Contains(t, asker.asked, "shoe_size")
	assert.NotContains(t, asker.asked, "birth_year")
}

func TestRegistrationMagicLinkDetection(t *testing.T) {
	store := newFakeStore()
	asker := &fakeAsker{answers: map[string]string{"has_account": "No"}}
	engine := &fakeEngine{results: []*automation.TaskResult{{
		Status:    automation.TaskTerminated,
		Extracted: map[string]any{"magic_link_detected": true},
	}}}

	_, err := testManager(store, asker, engine).
		EnsureCredentials(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrRegistrationFailed)
	assert.Contains(t, store.statuses, domain.FlowFailed)
}
