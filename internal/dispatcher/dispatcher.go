package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soknadhub/applyd/internal/automation"
	"github.com/soknadhub/applyd/internal/confirm"
	"github.com/soknadhub/applyd/internal/domain"
	"github.com/soknadhub/applyd/internal/notify"
	"github.com/soknadhub/applyd/internal/registration"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	ListSendingApplications(ctx context.Context) ([]domain.Application, error)
	GetApplication(ctx context.Context, id string) (*domain.Application, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ClaimApplication(ctx context.Context, id, workerID string, leaseTTL time.Duration) error
	ReleaseApplication(ctx context.Context, id, workerID string) error
	UpdateApplicationStatus(ctx context.Context, id, status, reason string) error
	SetApplicationTask(ctx context.Context, id, taskID string) error
	ReapStaleApplications(ctx context.Context, threshold time.Duration) ([]string, error)
	UpsertHeartbeat(ctx context.Context, hb *domain.Heartbeat) error

	GetActiveProfile(ctx context.Context, userID string) (*domain.Profile, error)
	GetUserChatID(ctx context.Context, userID string) (string, error)
	KnowledgeBase(ctx context.Context, userID string) (map[string]string, error)
	GetCredential(ctx context.Context, siteDomain string) (*domain.SiteCredential, error)
	MarkSiteMagicLink(ctx context.Context, siteDomain string) error
	CreateAuthRequest(ctx context.Context, userID, chatID, identifier string, ttl time.Duration) error
}

// FlowClassifier decides how an application must be submitted.
type FlowClassifier interface {
	Classify(ctx context.Context, job *domain.Job) domain.Flow
	TargetURL(job *domain.Job) string
}

// Confirmer gates submissions on human approval.
type Confirmer interface {
	Confirm(ctx context.Context, applicationID, chatID string, payload domain.SubmissionPayload, text string) (*confirm.Decision, error)
	ConfirmPreview(ctx context.Context, applicationID, chatID string, payload domain.SubmissionPayload, text string) (*confirm.Decision, error)
}

// Registrar ensures site credentials exist.
type Registrar interface {
	EnsureCredentials(ctx context.Context, req registration.Request) (*domain.SiteCredential, error)
}

// Engine is the subset of the automation client the dispatcher uses
// directly.
type Engine interface {
	Submit(ctx context.Context, req *automation.TaskRequest) (string, error)
	Health(ctx context.Context) error
	CreateBrowserSession(ctx context.Context, timeout time.Duration) (string, error)
	CloseBrowserSession(ctx context.Context, sessionID string) error
}

// TaskWaiter polls a task to completion.
type TaskWaiter interface {
	Wait(ctx context.Context, taskID string, opts automation.WaitOptions) (*automation.TaskResult, error)
}

// Config holds dispatcher cadence and bounds.
type Config struct {
	WorkerID          string
	PollInterval      time.Duration
	MaxTenants        int
	StaleThreshold    time.Duration
	ReaperInterval    time.Duration
	HeartbeatInterval time.Duration
	LeaseTTL          time.Duration
}

// Dispatcher discovers ready applications, partitions them by tenant,
// bounds concurrency, reaps stuck work, and emits heartbeats.
type Dispatcher struct {
	store      Store
	classifier FlowClassifier
	confirmer  Confirmer
	registrar  Registrar
	engine     Engine
	waiter     TaskWaiter
	goals      *automation.Library
	channel    notify.Channel
	cfg        Config
	logger     *slog.Logger

	// wake receives advisory nudges from the message queue; a full
	// cycle still runs on every poll tick regardless.
	wake chan struct{}

	// sessions tracks which shared browser sessions already hold a
	// login, so batch followers skip the login phase.
	mu       sync.Mutex
	sessions map[string]bool

	cycles    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

func New(store Store, classifier FlowClassifier, confirmer Confirmer, registrar Registrar,
	engine Engine, waiter TaskWaiter, goals *automation.Library, channel notify.Channel,
	cfg Config, logger *slog.Logger) *Dispatcher {

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxTenants <= 0 {
		cfg.MaxTenants = 4
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 30 * time.Minute
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 5 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Minute
	}

	return &Dispatcher{
		store:      store,
		classifier: classifier,
		confirmer:  confirmer,
		registrar:  registrar,
		engine:     engine,
		waiter:     waiter,
		goals:      goals,
		channel:    channel,
		cfg:        cfg,
		logger:     logger.With("component", "dispatcher", "worker_id", cfg.WorkerID),
		wake:       make(chan struct{}, 1),
		sessions:   make(map[string]bool),
	}
}

func (d *Dispatcher) sessionLoggedIn(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[sessionID]
}

func (d *Dispatcher) markSessionLoggedIn(sessionID string) {
	if sessionID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[sessionID] = true
}

// Wake requests an immediate cycle. Non-blocking; coalesces with any
// pending wake-up.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drives the dispatcher until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting",
		"poll_interval", d.cfg.PollInterval, "max_tenants", d.cfg.MaxTenants)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.reaperLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.heartbeatLoop(ctx)
	}()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.runCycle(ctx)

		select {
		case <-ctx.Done():
			wg.Wait()
			d.logger.Info("dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-d.wake:
			d.logger.Debug("woken by queue message")
		}
	}
}

// runCycle processes one discovery round: every sending application,
// grouped by tenant, tenants concurrent up to the ceiling.
func (d *Dispatcher) runCycle(ctx context.Context) {
	d.cycles.Add(1)

	apps, err := d.store.ListSendingApplications(ctx)
	if err != nil {
		d.logger.Error("failed to list applications", "error", err)
		return
	}
	if len(apps) == 0 {
		return
	}

	d.logger.Info("cycle started", "applications", len(apps))

	byTenant := make(map[string][]domain.Application)
	order := make([]string, 0)
	for _, app := range apps {
		if _, seen := byTenant[app.UserID]; !seen {
			order = append(order, app.UserID)
		}
		byTenant[app.UserID] = append(byTenant[app.UserID], app)
	}

	sem := make(chan struct{}, d.cfg.MaxTenants)
	var wg sync.WaitGroup
	for _, tenant := range order {
		tenantApps := byTenant[tenant]

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(tenant string, apps []domain.Application) {
			defer wg.Done()
			defer func() { <-sem }()
			d.processTenant(ctx, tenant, apps)
		}(tenant, tenantApps)
	}
	wg.Wait()
}

// processTenant runs one tenant's applications strictly sequentially,
// partitioned by flow so the 2FA-gated FINN batch does not starve
// unrelated flows of error isolation.
func (d *Dispatcher) processTenant(ctx context.Context, tenant string, apps []domain.Application) {
	var finn, other []domain.Application
	for _, app := range apps {
		job, err := d.store.GetJob(ctx, app.JobID)
		if err != nil {
			d.failApplication(ctx, app.ID, "job lookup failed: "+err.Error())
			continue
		}
		if d.classifier.Classify(ctx, job) == domain.FlowFinnEasy {
			finn = append(finn, app)
		} else {
			other = append(other, app)
		}
	}

	d.processFinnBatch(ctx, tenant, finn)

	for _, app := range other {
		d.processOne(ctx, app, "")
	}
}

// processFinnBatch shares one browser session across a tenant's FINN
// applications so the 2FA login happens once.
func (d *Dispatcher) processFinnBatch(ctx context.Context, tenant string, apps []domain.Application) {
	if len(apps) == 0 {
		return
	}

	var sessionID string
	if len(apps) > 1 {
		var err error
		sessionID, err = d.engine.CreateBrowserSession(ctx, time.Hour)
		if err != nil {
			d.logger.Warn("browser session creation failed, processing without batch session",
				"tenant", tenant, "error", err)
			sessionID = ""
		} else {
			defer func() {
				d.mu.Lock()
				delete(d.sessions, sessionID)
				d.mu.Unlock()
				if err := d.engine.CloseBrowserSession(context.WithoutCancel(ctx), sessionID); err != nil {
					d.logger.Warn("failed to close browser session", "session_id", sessionID, "error", err)
				}
			}()
		}
	}

	for _, app := range apps {
		d.processOne(ctx, app, sessionID)
	}
}

// failApplication marks one application failed without aborting the
// group.
func (d *Dispatcher) failApplication(ctx context.Context, id, reason string) {
	d.failed.Add(1)
	if err := d.store.UpdateApplicationStatus(ctx, id, domain.StatusFailed, reason); err != nil {
		d.logger.Error("failed to mark application failed",
			"application_id", id, "error", err)
	}
}

func (d *Dispatcher) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reaped, err := d.store.ReapStaleApplications(ctx, d.cfg.StaleThreshold)
		if err != nil {
			d.logger.Error("reaper scan failed", "error", err)
			continue
		}
		for _, id := range reaped {
			d.logger.Warn("reaped stale application",
				"application_id", id, "threshold", d.cfg.StaleThreshold)
		}
	}
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		healthy := d.engine.Health(ctx) == nil
		hb := &domain.Heartbeat{
			WorkerID:          d.cfg.WorkerID,
			AutomationHealthy: healthy,
			Cycles:            d.cycles.Load(),
			Processed:         d.processed.Load(),
			Failed:            d.failed.Load(),
		}
		if err := d.store.UpsertHeartbeat(ctx, hb); err != nil {
			d.logger.Error("heartbeat write failed", "error", err)
		}
	}
}
