package dispatcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soknadhub/applyd/internal/automation"
	"github.com/soknadhub/applyd/internal/confirm"
	"github.com/soknadhub/applyd/internal/domain"
	"github.com/soknadhub/applyd/internal/notify"
	"github.com/soknadhub/applyd/internal/registration"
)

type fakeStore struct {
	mu           sync.Mutex
	apps         map[string]*domain.Application
	jobs         map[string]*domain.Job
	profiles     map[string]*domain.Profile
	chatIDs      map[string]string
	credentials  map[string]*domain.SiteCredential
	magicMarked  []string
	claims       map[string]string
	authRequests int
	heartbeats   []domain.Heartbeat
	reaped       []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		apps:        make(map[string]*domain.Application),
		jobs:        make(map[string]*domain.Job),
		profiles:    make(map[string]*domain.Profile),
		chatIDs:     make(map[string]string),
		credentials: make(map[string]*domain.SiteCredential),
		claims:      make(map[string]string),
	}
}

func (f *fakeStore) addApp(id, userID, jobID string) {
	f.apps[id] = &domain.Application{
		ID: id, UserID: userID, JobID: jobID,
		Status: domain.StatusSending, CoverLetter: "Søknadstekst",
	}
}

func (f *fakeStore) ListSendingApplications(context.Context) ([]domain.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Application
	for _, app := range f.apps {
		if app.Status == domain.StatusSending {
			out = append(out, *app)
		}
	}
	return out, nil
}

func (f *fakeStore) GetApplication(_ context.Context, id string) (*domain.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *app
	return &cp, nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (f *fakeStore) ClaimApplication(_ context.Context, id, workerID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if owner, claimed := f.claims[id]; claimed && owner != workerID {
		return domain.ErrAlreadyClaimed
	}
	f.claims[id] = workerID
	return nil
}

func (f *fakeStore) ReleaseApplication(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claims, id)
	return nil
}

func (f *fakeStore) UpdateApplicationStatus(_ context.Context, id, status, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.apps[id]
	if !ok {
		return domain.ErrNotFound
	}
	app.Status = status
	app.ErrorReason = sql.NullString{String: reason, Valid: reason != ""}
	return nil
}

func (f *fakeStore) SetApplicationTask(_ context.Context, id, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apps[id].TaskID = sql.NullString{String: taskID, Valid: true}
	return nil
}

func (f *fakeStore) ReapStaleApplications(context.Context, time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reaped, nil
}

func (f *fakeStore) UpsertHeartbeat(_ context.Context, hb *domain.Heartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, *hb)
	return nil
}

func (f *fakeStore) GetActiveProfile(_ context.Context, userID string) (*domain.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) KnowledgeBase(context.Context, string) (map[string]string, error) {
	return nil, nil
}

func (f *fakeStore) GetUserChatID(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.chatIDs[userID]; ok {
		return id, nil
	}
	return "", domain.ErrNotFound
}

func (f *fakeStore) GetCredential(_ context.Context, siteDomain string) (*domain.SiteCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := f.credentials[siteDomain]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cred, nil
}

func (f *fakeStore) MarkSiteMagicLink(_ context.Context, siteDomain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.magicMarked = append(f.magicMarked, siteDomain)
	return nil
}

func (f *fakeStore) CreateAuthRequest(context.Context, string, string, string, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authRequests++
	return nil
}

func (f *fakeStore) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.apps[id].Status
}

func (f *fakeStore) reason(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.apps[id].ErrorReason.String
}

type fakeClassifier struct{}

func (fakeClassifier) Classify(_ context.Context, job *domain.Job) domain.Flow {
	if job.FormType.Valid {
		return domain.Flow(job.FormType.String)
	}
	return domain.FlowExternalForm
}

func (fakeClassifier) TargetURL(job *domain.Job) string {
	if job.ExternalApplyURL.Valid {
		return job.ExternalApplyURL.String
	}
	return job.URL
}

type fakeConfirmer struct {
	outcome confirm.Outcome
}

func (c *fakeConfirmer) decision(payload domain.SubmissionPayload) (*confirm.Decision, error) {
	outcome := c.outcome
	if outcome == "" {
		outcome = confirm.OutcomeConfirmed
	}
	return &confirm.Decision{Outcome: outcome, Payload: payload}, nil
}

func (c *fakeConfirmer) Confirm(_ context.Context, _, _ string, payload domain.SubmissionPayload, _ string) (*confirm.Decision, error) {
	return c.decision(payload)
}

func (c *fakeConfirmer) ConfirmPreview(_ context.Context, _, _ string, payload domain.SubmissionPayload, _ string) (*confirm.Decision, error) {
	return c.decision(payload)
}

type fakeRegistrar struct {
	cred *domain.SiteCredential
	err  error
}

func (r *fakeRegistrar) EnsureCredentials(context.Context, registration.Request) (*domain.SiteCredential, error) {
	return r.cred, r.err
}

type fakeEngine struct {
	mu       sync.Mutex
	result   *automation.TaskResult
	submits  []*automation.TaskRequest
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (e *fakeEngine) Submit(_ context.Context, req *automation.TaskRequest) (string, error) {
	e.mu.Lock()
	e.submits = append(e.submits, req)
	n := len(e.submits)
	e.mu.Unlock()
	return fmt.Sprintf("tsk_%d", n), nil
}

func (e *fakeEngine) Health(context.Context) error { return nil }

func (e *fakeEngine) CreateBrowserSession(context.Context, time.Duration) (string, error) {
	return "pbs_1", nil
}

func (e *fakeEngine) CloseBrowserSession(context.Context, string) error { return nil }

func (e *fakeEngine) Wait(_ context.Context, taskID string, _ automation.WaitOptions) (*automation.TaskResult, error) {
	cur := e.inflight.Add(1)
	for {
		prev := e.peak.Load()
		if cur <= prev || e.peak.CompareAndSwap(prev, cur) {
			break
		}
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	e.inflight.Add(-1)

	if e.result != nil {
		result := *e.result
		result.TaskID = taskID
		return &result, nil
	}
	return &automation.TaskResult{TaskID: taskID, Status: automation.TaskCompleted}, nil
}

func testDispatcher(store *fakeStore, confirmer *fakeConfirmer, registrar *fakeRegistrar, engine *fakeEngine, maxTenants int) *Dispatcher {
	goals, _ := automation.LoadLibrary("")
	return New(store, fakeClassifier{}, confirmer, registrar, engine, engine, goals,
		notify.NewNoop(slog.New(slog.DiscardHandler)),
		Config{WorkerID: "worker-1", MaxTenants: maxTenants, PollInterval: time.Second},
		slog.New(slog.DiscardHandler))
}

func externalJob(id string) *domain.Job {
	return &domain.Job{
		ID: id, Title: "Utvikler", Company: "Acme",
		URL: "https://careers.acme.no/jobs/1",
	}
}

func TestCycleSubmitsExternalFormApplication(t *testing.T) {
	store := newFakeStore()
	store.addApp("app-1", "user-1", "job-1")
	store.jobs["job-1"] = externalJob("job-1")
	store.profiles["user-1"] = &domain.Profile{FullName: "Kari Nordmann", Email: "kari@x.no"}

	engine := &fakeEngine{result: &automation.TaskResult{
		Status:    automation.TaskCompleted,
		Extracted: map[string]any{"application_sent": true},
	}}
	d := testDispatcher(store, &fakeConfirmer{}, &fakeRegistrar{}, engine, 2)

	d.runCycle(context.Background())

	assert.Equal(t, domain.StatusSent, store.status("app-1"))
	require.Len(t, engine.submits, 1)
	assert.Equal(t, "https://careers.acme.no/jobs/1", engine.submits[0].URL)
	assert.Equal(t, "Søknadstekst", engine.submits[0].NavigationPayload["cover_letter"])
}

func TestCycleFinnEasyEndsSent(t *testing.T) {
	store := newFakeStore()
	store.addApp("app-1", "user-1", "job-1")
	store.jobs["job-1"] = &domain.Job{
		ID: "job-1", Title: "Sykepleier", Company: "Oslo kommune",
		URL:      "https://www.finn.no/job/fulltime/12345678",
		FormType: sql.NullString{String: "finn_easy", Valid: true},
	}
	store.profiles["user-1"] = &domain.Profile{FullName: "Kari Nordmann", Email: "kari@x.no"}
	store.chatIDs["user-1"] = "123"
	store.credentials["finn.no"] = &domain.SiteCredential{
		SiteDomain: "finn.no", Email: "kari@x.no", Password: "pw",
		Status: domain.CredentialActive,
	}

	engine := &fakeEngine{result: &automation.TaskResult{
		Status:    automation.TaskCompleted,
		Extracted: map[string]any{"application_sent": true},
	}}
	d := testDispatcher(store, &fakeConfirmer{}, &fakeRegistrar{}, engine, 2)

	d.runCycle(context.Background())

	assert.Equal(t, domain.StatusSent, store.status("app-1"))
	assert.Equal(t, 1, store.authRequests)
	require.Len(t, engine.submits, 1)
	assert.Equal(t, "https://www.finn.no/job/apply?adId=12345678", engine.submits[0].URL)
	assert.Equal(t, "kari@x.no", engine.submits[0].TOTPIdentifier)
}

func finnJob(id, finnkode string) *domain.Job {
	return &domain.Job{
		ID: id, Title: "Sykepleier", Company: "Oslo kommune",
		URL:      "https://www.finn.no/job/fulltime/" + finnkode,
		FormType: sql.NullString{String: "finn_easy", Valid: true},
	}
}

func TestFinnBatchSkipsLoginOnlyAfterFirstSuccess(t *testing.T) {
	store := newFakeStore()
	store.addApp("app-1", "user-1", "job-1")
	store.addApp("app-2", "user-1", "job-2")
	store.jobs["job-1"] = finnJob("job-1", "11111111")
	store.jobs["job-2"] = finnJob("job-2", "22222222")
	store.profiles["user-1"] = &domain.Profile{FullName: "Kari Nordmann", Email: "kari@x.no"}
	store.credentials["finn.no"] = &domain.SiteCredential{
		SiteDomain: "finn.no", Email: "kari@x.no", Password: "pw",
		Status: domain.CredentialActive,
	}

	engine := &fakeEngine{result: &automation.TaskResult{
		Status:    automation.TaskCompleted,
		Extracted: map[string]any{"application_sent": true},
	}}
	d := testDispatcher(store, &fakeConfirmer{}, &fakeRegistrar{}, engine, 2)

	d.runCycle(context.Background())

	require.Len(t, engine.submits, 2)
	assert.NotContains(t, engine.submits[0].NavigationGoal, "already logged in")
	assert.Contains(t, engine.submits[1].NavigationGoal, "already logged in")
	assert.Equal(t, "pbs_1", engine.submits[1].BrowserSessionID)
}

func TestFinnBatchRetriesLoginWhenFirstTaskFails(t *testing.T) {
	store := newFakeStore()
	store.addApp("app-1", "user-1", "job-1")
	store.addApp("app-2", "user-1", "job-2")
	store.jobs["job-1"] = finnJob("job-1", "11111111")
	store.jobs["job-2"] = finnJob("job-2", "22222222")
	store.profiles["user-1"] = &domain.Profile{FullName: "Kari Nordmann", Email: "kari@x.no"}
	store.credentials["finn.no"] = &domain.SiteCredential{
		SiteDomain: "finn.no", Email: "kari@x.no", Password: "pw",
		Status: domain.CredentialActive,
	}

	// Every task fails its login; no submission ever goes through.
	engine := &fakeEngine{result: &automation.TaskResult{
		Status:        automation.TaskFailed,
		FailureReason: "login_failed",
	}}
	d := testDispatcher(store, &fakeConfirmer{}, &fakeRegistrar{}, engine, 2)

	d.runCycle(context.Background())

	require.Len(t, engine.submits, 2)
	for _, req := range engine.submits {
		assert.NotContains(t, req.NavigationGoal, "already logged in")
	}
	assert.Equal(t, domain.StatusFailed, store.status("app-1"))
	assert.Equal(t, domain.StatusFailed, store.status("app-2"))
}

func TestFinnWithoutCredentialGoesToManualReview(t *testing.T) {
	store := newFakeStore()
	store.addApp("app-1", "user-1", "job-1")
	store.jobs["job-1"] = &domain.Job{
		ID: "job-1", Title: "Kokk", Company: "X",
		URL:      "https://www.finn.no/job/12345678",
		FormType: sql.NullString{String: "finn_easy", Valid: true},
	}
	store.profiles["user-1"] = &domain.Profile{FullName: "Ola"}

	d := testDispatcher(store, &fakeConfirmer{}, &fakeRegistrar{}, &fakeEngine{}, 2)
	d.runCycle(context.Background())

	assert.Equal(t, domain.StatusManualReview, store.status("app-1"))
	assert.Contains(t, store.reason("app-1"), "FINN login")
}

func TestConfirmationCancelledRevertsToDraft(t *testing.T) {
	store := newFakeStore()
	store.addApp("app-1", "user-1", "job-1")
	store.jobs["job-1"] = externalJob("job-1")
	store.profiles["user-1"] = &domain.Profile{FullName: "Kari"}

	d := testDispatcher(store, &fakeConfirmer{outcome: confirm.OutcomeCancelled},
		&fakeRegistrar{}, &fakeEngine{}, 2)
	d.runCycle(context.Background())

	assert.Equal(t, domain.StatusDraft, store.status("app-1"))
	assert.NotEqual(t, domain.StatusFailed, store.status("app-1"))
}

func TestConfirmationTimeoutRevertsToDraft(t *testing.T) {
	store := newFakeStore()
	store.addApp("app-1", "user-1", "job-1")
	store.jobs["job-1"] = externalJob("job-1")
	store.profiles["user-1"] = &domain.Profile{FullName: "Kari"}

	d := testDispatcher(store, &fakeConfirmer{outcome: confirm.OutcomeTimeout},
		&fakeRegistrar{}, &fakeEngine{}, 2)
	d.runCycle(context.Background())

	assert.Equal(t, domain.StatusDraft, store.status("app-1"))
}

func TestRegistrationFailureParksInManualReview(t *testing.T) {
	store := newFakeStore()
	store.addApp("app-1", "user-1", "job-1")
	store.jobs["job-1"] = &domain.Job{
		ID: "job-1", Title: "Utvikler", Company: "Acme",
		URL:      "https://acme-careers.no/jobs/1",
		FormType: sql.NullString{String: "external_registration", Valid: true},
	}
	store.profiles["user-1"] = &domain.Profile{FullName: "Kari"}

	registrar := &fakeRegistrar{err: fmt.Errorf("%w: verification timeout",
		registration.ErrRegistrationFailed)}
	d := testDispatcher(store, &fakeConfirmer{}, registrar, &fakeEngine{}, 2)
	d.runCycle(context.Background())

	assert.Equal(t, domain.StatusManualReview, store.status("app-1"))
	assert.Contains(t, store.reason("app-1"), "verification timeout")
}

func TestMagicLinkOutcomeMarksSite(t *testing.T) {
	store := newFakeStore()
	store.addApp("app-1", "user-1", "job-1")
	store.jobs["job-1"] = externalJob("job-1")
	store.profiles["user-1"] = &domain.Profile{FullName: "Kari"}

	engine := &fakeEngine{result: &automation.TaskResult{
		Status:    automation.TaskTerminated,
		Extracted: map[string]any{"magic_link_detected": true},
	}}
	d := testDispatcher(store, &fakeConfirmer{}, &fakeRegistrar{}, engine, 2)
	d.runCycle(context.Background())

	assert.Equal(t, domain.StatusManualReview, store.status("app-1"))
	assert.Equal(t, []string{"careers.acme.no"}, store.magicMarked)
}

func TestOutOfBandApprovalLeavesStatusAlone(t *testing.T) {
	store := newFakeStore()
	store.addApp("app-1", "user-1", "job-1")
	store.jobs["job-1"] = externalJob("job-1")
	store.profiles["user-1"] = &domain.Profile{FullName: "Kari"}

	engine := &fakeEngine{result: &automation.TaskResult{Status: automation.TaskCancelled}}
	d := testDispatcher(store, &fakeConfirmer{}, &fakeRegistrar{}, engine, 2)

	// The human flips the application to approved mid-flight.
	store.apps["app-1"].Status = domain.StatusApproved
	app := domain.Application{ID: "app-1", UserID: "user-1", JobID: "job-1",
		Status: domain.StatusSending}
	d.processOne(context.Background(), app, "")

	assert.Equal(t, domain.StatusApproved, store.status("app-1"))
}

func TestErrorIsolationAcrossTenantApplications(t *testing.T) {
	store := newFakeStore()
	store.addApp("app-bad", "user-1", "missing-job")
	store.addApp("app-good", "user-1", "job-1")
	store.jobs["job-1"] = externalJob("job-1")
	store.profiles["user-1"] = &domain.Profile{FullName: "Kari"}

	engine := &fakeEngine{result: &automation.TaskResult{
		Status:    automation.TaskCompleted,
		Extracted: map[string]any{"application_sent": true},
	}}
	d := testDispatcher(store, &fakeConfirmer{}, &fakeRegistrar{}, engine, 2)
	d.runCycle(context.Background())

	assert.Equal(t, domain.StatusFailed, store.status("app-bad"))
	assert.Equal(t, domain.StatusSent, store.status("app-good"))
}

func TestTenantConcurrencyNeverExceedsCeiling(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 8; i++ {
		user := fmt.Sprintf("user-%d", i)
		jobID := fmt.Sprintf("job-%d", i)
		store.addApp(fmt.Sprintf("app-%d", i), user, jobID)
		store.jobs[jobID] = externalJob(jobID)
		store.profiles[user] = &domain.Profile{FullName: "Ola"}
	}

	engine := &fakeEngine{
		delay: 10 * time.Millisecond,
		result: &automation.TaskResult{Status: automation.TaskCompleted,
			Extracted: map[string]any{"application_sent": true}},
	}
	d := testDispatcher(store, &fakeConfirmer{}, &fakeRegistrar{}, engine, 3)
	d.runCycle(context.Background())

	assert.LessOrEqual(t, engine.peak.Load(), int32(3))
	for i := 0; i < 8; i++ {
		assert.Equal(t, domain.StatusSent, store.status(fmt.Sprintf("app-%d", i)))
	}
}

func TestAlreadyClaimedApplicationIsSkipped(t *testing.T) {
	store := newFakeStore()
	store.addApp("app-1", "user-1", "job-1")
	store.jobs["job-1"] = externalJob("job-1")
	store.profiles["user-1"] = &domain.Profile{FullName: "Kari"}
	store.claims["app-1"] = "other-worker"

	engine := &fakeEngine{}
	d := testDispatcher(store, &fakeConfirmer{}, &fakeRegistrar{}, engine, 2)
	d.runCycle(context.Background())

	assert.Empty(t, engine.submits)
	assert.Equal(t, domain.StatusSending, store.status("app-1"))
}

func TestTransientErrorMapsToServiceUnavailable(t *testing.T) {
	store := newFakeStore()
	store.addApp("app-1", "user-1", "job-1")
	store.jobs["job-1"] = externalJob("job-1")
	store.profiles["user-1"] = &domain.Profile{FullName: "Kari"}

	d := testDispatcher(store, &fakeConfirmer{}, &fakeRegistrar{}, &fakeEngine{}, 2)
	app := domain.Application{ID: "app-1", UserID: "user-1", JobID: "job-1"}
	d.applyError(context.Background(), &app,
		domain.NewTransientError(errors.New("connection refused")))

	assert.Equal(t, domain.StatusFailed, store.status("app-1"))
	assert.Equal(t, "service unavailable", store.reason("app-1"))
}

func TestWakeCoalesces(t *testing.T) {
	d := testDispatcher(newFakeStore(), &fakeConfirmer{}, &fakeRegistrar{}, &fakeEngine{}, 2)
	d.Wake()
	d.Wake()
	d.Wake()

	select {
	case <-d.wake:
	default:
		t.Fatal("expected a pending wake-up")
	}
	select {
	case <-d.wake:
		t.Fatal("wake-ups should coalesce into one")
	default:
	}
}
