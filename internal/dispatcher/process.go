package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soknadhub/applyd/internal/automation"
	"github.com/soknadhub/applyd/internal/classify"
	"github.com/soknadhub/applyd/internal/confirm"
	"github.com/soknadhub/applyd/internal/domain"
	"github.com/soknadhub/applyd/internal/registration"
)

// processOne drives a single application end to end. No error or
// panic from one application may reach the cycle loop.
func (d *Dispatcher) processOne(ctx context.Context, app domain.Application, sessionID string) {
	logger := d.logger.With("application_id", app.ID, "tenant", app.UserID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing application", "panic", r)
			d.failApplication(ctx, app.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := d.store.ClaimApplication(ctx, app.ID, d.cfg.WorkerID, d.cfg.LeaseTTL); err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			logger.Debug("application claimed by another worker")
			return
		}
		logger.Error("claim failed", "error", err)
		return
	}
	defer func() {
		if err := d.store.ReleaseApplication(context.WithoutCancel(ctx), app.ID, d.cfg.WorkerID); err != nil {
			logger.Warn("lease release failed", "error", err)
		}
	}()

	d.processed.Add(1)

	if err := d.process(ctx, &app, sessionID); err != nil {
		d.applyError(ctx, &app, err)
	}
}

func (d *Dispatcher) process(ctx context.Context, app *domain.Application, sessionID string) error {
	logger := d.logger.With("application_id", app.ID)

	job, err := d.store.GetJob(ctx, app.JobID)
	if err != nil {
		return fmt.Errorf("job lookup failed: %w", err)
	}

	chatID, err := d.store.GetUserChatID(ctx, app.UserID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	profile, err := d.store.GetActiveProfile(ctx, app.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return d.review(ctx, app, chatID, job, "no active CV profile; add one and re-queue")
		}
		return err
	}

	payload := profile.Payload()

	// Saved answers to previously-asked form questions ride along so
	// generic forms can be filled without re-asking.
	if kb, err := d.store.KnowledgeBase(ctx, app.UserID); err == nil {
		payload.Merge(kb)
	}

	payload.CoverLetter = app.CoverLetterText()

	flow := d.classifier.Classify(ctx, job)
	logger.Info("processing application",
		"flow", flow, "job_title", job.Title, "company", job.Company)

	switch flow {
	case domain.FlowFinnEasy:
		return d.processFinn(ctx, app, job, chatID, payload, sessionID)
	case domain.FlowExternalForm:
		return d.processExternal(ctx, app, job, chatID, payload, nil)
	case domain.FlowExternalRegistration:
		return d.processRegistrationGated(ctx, app, job, chatID, payload, profile)
	case domain.FlowEmail:
		return d.review(ctx, app, chatID, job, "this posting accepts applications by email only; send it manually")
	default:
		return d.review(ctx, app, chatID, job, "could not determine how to submit this application")
	}
}

// processFinn drives a FINN Enkel Søknad submission.
func (d *Dispatcher) processFinn(ctx context.Context, app *domain.Application, job *domain.Job, chatID string, payload domain.SubmissionPayload, sessionID string) error {
	finnkode := classify.ExtractFinnkode(job.URL)
	if finnkode == "" {
		return d.review(ctx, app, chatID, job, "could not extract the FINN ad code from the job URL")
	}

	cred, err := d.store.GetCredential(ctx, "finn.no")
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return d.review(ctx, app, chatID, job, "no FINN login is configured; add credentials and re-queue")
		}
		return err
	}
	if cred.Status != domain.CredentialActive {
		return d.review(ctx, app, chatID, job, "the stored FINN login is not usable")
	}

	decision, err := d.confirmer.Confirm(ctx, app.ID, chatID, payload,
		fmt.Sprintf("Ready to send your application for %q at %s via FINN Enkel Søknad. Send it?", job.Title, job.Company))
	if err != nil {
		return err
	}
	if done, err := d.applyDecision(ctx, app, decision); done {
		return err
	}
	payload = decision.Payload
	payload.Email = cred.Email
	payload.Password = cred.Password

	// Pre-create the 2FA request so the engine's code webhook can
	// resolve it the moment FINN sends the code.
	if err := d.store.CreateAuthRequest(ctx, app.UserID, chatID, cred.Email, 10*time.Minute); err != nil {
		d.logger.Warn("auth request pre-creation failed", "application_id", app.ID, "error", err)
	}

	loggedIn := sessionID != "" && d.sessionLoggedIn(sessionID)
	goal, err := d.goals.ApplicationGoal(domain.SiteFinn, automation.GoalParams{
		FullName: payload.FullName,
		Email:    cred.Email,
		Phone:    payload.Phone,
		LoggedIn: loggedIn,
	})
	if err != nil {
		return err
	}

	taskID, err := d.engine.Submit(ctx, &automation.TaskRequest{
		URL:                  automation.FinnApplyURL(finnkode),
		NavigationGoal:       goal,
		NavigationPayload:    payload.Flatten(),
		DataExtractionGoal:   "Determine whether the application was submitted.",
		DataExtractionSchema: automation.SubmissionExtractionSchema(),
		ErrorCodeMapping:     automation.ErrorCodeMapping(),
		TOTPIdentifier:       cred.Email,
		BrowserSessionID:     sessionID,
	})
	if err != nil {
		return err
	}
	return d.finishTask(ctx, app, job, chatID, taskID, "finn.no", sessionID, []string{cred.Password})
}

// processExternal submits to an external form, optionally logged in.
func (d *Dispatcher) processExternal(ctx context.Context, app *domain.Application, job *domain.Job, chatID string, payload domain.SubmissionPayload, cred *domain.SiteCredential) error {
	targetURL := d.classifier.TargetURL(job)
	siteDomain := classify.ExtractDomain(targetURL)

	decision, err := d.confirmer.ConfirmPreview(ctx, app.ID, chatID, payload,
		fmt.Sprintf("About to apply for %q at %s on %s. Review the details, edit if needed, then confirm.",
			job.Title, job.Company, classify.SiteName(siteDomain)))
	if err != nil {
		return err
	}
	if done, err := d.applyDecision(ctx, app, decision); done {
		return err
	}
	payload = decision.Payload

	params := automation.GoalParams{
		SiteName:  classify.SiteName(siteDomain),
		FullName:  payload.FullName,
		Email:     payload.Email,
		Phone:     payload.Phone,
		ResumeURL: payload.ResumeURL,
	}
	var secrets []string
	if cred != nil {
		params.HasCredentials = true
		params.Email = cred.Email
		payload.Email = cred.Email
		payload.Password = cred.Password
		secrets = append(secrets, cred.Password)
	}

	goal, err := d.goals.ApplicationGoal(classify.DetectSiteType(siteDomain), params)
	if err != nil {
		return err
	}

	taskID, err := d.engine.Submit(ctx, &automation.TaskRequest{
		URL:                  targetURL,
		NavigationGoal:       goal,
		NavigationPayload:    payload.Flatten(),
		DataExtractionGoal:   "Determine whether the application was submitted.",
		DataExtractionSchema: automation.SubmissionExtractionSchema(),
		ErrorCodeMapping:     automation.ErrorCodeMapping(),
	})
	if err != nil {
		return err
	}

	return d.finishTask(ctx, app, job, chatID, taskID, siteDomain, "", secrets)
}

// processRegistrationGated ensures credentials exist, then submits.
func (d *Dispatcher) processRegistrationGated(ctx context.Context, app *domain.Application, job *domain.Job, chatID string, payload domain.SubmissionPayload, profile *domain.Profile) error {
	targetURL := d.classifier.TargetURL(job)
	siteDomain := classify.ExtractDomain(targetURL)

	cred, err := d.registrar.EnsureCredentials(ctx, registration.Request{
		ApplicationID:   app.ID,
		UserID:          app.UserID,
		SiteDomain:      siteDomain,
		RegistrationURL: targetURL,
		ChatID:          chatID,
		Profile:         profile,
	})
	if err != nil {
		return err
	}

	return d.processExternal(ctx, app, job, chatID, payload, cred)
}

// finishTask records the task, waits it out, and applies the
// classified outcome.
func (d *Dispatcher) finishTask(ctx context.Context, app *domain.Application, job *domain.Job, chatID, taskID, siteDomain, sessionID string, secrets []string) error {
	if err := d.store.SetApplicationTask(ctx, app.ID, taskID); err != nil {
		return err
	}

	result, err := d.waiter.Wait(ctx, taskID, automation.WaitOptions{
		CancelRequested: func(ctx context.Context) (bool, error) {
			cur, err := d.store.GetApplication(ctx, app.ID)
			if err != nil {
				return false, err
			}
			return cur.Status == domain.StatusApproved, nil
		},
		Progress: func(ctx context.Context, summary string) {
			if chatID == "" {
				return
			}
			if _, err := d.channel.Send(ctx, chatID, summary, nil); err != nil {
				d.logger.Debug("progress send failed", "application_id", app.ID, "error", err)
			}
		},
		Secrets: secrets,
	})
	if err != nil {
		return err
	}

	if result.Status == automation.TaskCancelled {
		cur, err := d.store.GetApplication(ctx, app.ID)
		if err == nil && cur.Status == domain.StatusApproved {
			// The human took over; their status stands.
			d.logger.Info("task cancelled after user takeover", "application_id", app.ID)
			return nil
		}
	}

	outcome := automation.ClassifyResult(result)
	return d.applyOutcome(ctx, app, job, chatID, siteDomain, sessionID, outcome)
}

// applyOutcome writes the classified status and notifies the human.
func (d *Dispatcher) applyOutcome(ctx context.Context, app *domain.Application, job *domain.Job, chatID, siteDomain, sessionID string, outcome automation.Outcome) error {
	// A shared session only counts as logged in once a submission
	// actually went through on it. A failed login must not make batch
	// followers skip the login phase.
	if outcome.Status == domain.StatusSent {
		d.markSessionLoggedIn(sessionID)
	}

	if outcome.MagicLink && siteDomain != "" {
		// Guarded upsert: an existing active credential wins.
		if err := d.store.MarkSiteMagicLink(ctx, siteDomain); err != nil {
			d.logger.Warn("failed to mark magic-link site",
				"site_domain", siteDomain, "error", err)
		}
	}

	if err := d.store.UpdateApplicationStatus(ctx, app.ID, outcome.Status, outcome.Detail); err != nil {
		return err
	}
	if outcome.Status == domain.StatusFailed {
		d.failed.Add(1)
	}

	d.logger.Info("application resolved",
		"application_id", app.ID, "status", outcome.Status,
		"code", outcome.Code, "detail", outcome.Detail)

	d.notifyOutcome(ctx, app, job, chatID, outcome)
	return nil
}

func (d *Dispatcher) notifyOutcome(ctx context.Context, app *domain.Application, job *domain.Job, chatID string, outcome automation.Outcome) {
	if chatID == "" {
		return
	}

	var text string
	switch outcome.Status {
	case domain.StatusSent:
		text = fmt.Sprintf("✅ Application for %q at %s was submitted.", job.Title, job.Company)
	case domain.StatusManualReview:
		text = fmt.Sprintf("⚠️ Application for %q at %s needs your attention: %s",
			job.Title, job.Company, outcome.Detail)
	case domain.StatusFailed:
		text = fmt.Sprintf("❌ Application for %q at %s failed: %s",
			job.Title, job.Company, outcome.Detail)
	default:
		return
	}

	if _, err := d.channel.Send(ctx, chatID, text, nil); err != nil {
		d.logger.Warn("outcome notification failed", "application_id", app.ID, "error", err)
	}
}

// applyDecision handles a non-confirmed confirmation decision.
// Returns done=true when the application reached a resting state and
// processing must stop.
func (d *Dispatcher) applyDecision(ctx context.Context, app *domain.Application, decision *confirm.Decision) (bool, error) {
	switch decision.Outcome {
	case confirm.OutcomeConfirmed:
		return false, nil
	case confirm.OutcomeCancelled:
		// Back to draft, not failed: the user declined this attempt,
		// the application itself is still viable.
		return true, d.store.UpdateApplicationStatus(ctx, app.ID, domain.StatusDraft,
			"cancelled before submission")
	case confirm.OutcomeTimeout:
		return true, d.store.UpdateApplicationStatus(ctx, app.ID, domain.StatusDraft,
			"confirmation timed out")
	}
	return true, fmt.Errorf("unexpected confirmation outcome %q", decision.Outcome)
}

// review parks an application in manual_review with a human-readable
// reason and tells the user what manual action remains.
func (d *Dispatcher) review(ctx context.Context, app *domain.Application, chatID string, job *domain.Job, reason string) error {
	if err := d.store.UpdateApplicationStatus(ctx, app.ID, domain.StatusManualReview, reason); err != nil {
		return err
	}
	if chatID != "" {
		text := fmt.Sprintf("⚠️ Application for %q at %s needs your attention: %s",
			job.Title, job.Company, reason)
		if _, err := d.channel.Send(ctx, chatID, text, nil); err != nil {
			d.logger.Warn("review notification failed", "application_id", app.ID, "error", err)
		}
	}
	return nil
}

// applyError maps a processing error onto the application per the
// error taxonomy.
func (d *Dispatcher) applyError(ctx context.Context, app *domain.Application, err error) {
	logger := d.logger.With("application_id", app.ID)

	switch {
	case errors.Is(err, context.Canceled):
		// Shutdown mid-flight; the lease expiry and reaper recover it.
		logger.Info("processing interrupted by shutdown")

	case errors.Is(err, registration.ErrMagicLinkSite):
		d.setStatus(ctx, app.ID, domain.StatusManualReview,
			"the site only supports passwordless login; apply manually")

	case errors.Is(err, registration.ErrFlowInProgress):
		d.setStatus(ctx, app.ID, domain.StatusManualReview,
			"account registration for this site is already in progress")

	case errors.Is(err, registration.ErrRegistrationFailed):
		d.setStatus(ctx, app.ID, domain.StatusManualReview, err.Error())

	case errors.Is(err, domain.ErrHumanTimeout):
		// Terminal for the attempt, but the application reverts to a
		// pre-submission state so it can be retried later.
		d.setStatus(ctx, app.ID, domain.StatusDraft, "waiting on you timed out")

	case errors.Is(err, confirm.ErrNoDestination):
		d.setStatus(ctx, app.ID, domain.StatusManualReview,
			"a question needed your answer but no messaging channel is linked")

	case domain.IsTransient(err):
		logger.Error("transient infrastructure failure", "error", err)
		d.failApplication(ctx, app.ID, "service unavailable")

	default:
		logger.Error("processing failed", "error", err)
		d.failApplication(ctx, app.ID, err.Error())
	}
}

func (d *Dispatcher) setStatus(ctx context.Context, id, status, reason string) {
	if err := d.store.UpdateApplicationStatus(ctx, id, status, reason); err != nil {
		d.logger.Error("status update failed", "application_id", id, "error", err)
	}
}
