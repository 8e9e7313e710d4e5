package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/soknadhub/applyd/internal/notify"
)

// WaitOptions tune one polling wait.
type WaitOptions struct {
	// CancelRequested is checked every poll tick. When it reports
	// true the task is cancelled best-effort and the wait returns a
	// cancelled result immediately.
	CancelRequested func(ctx context.Context) (bool, error)
	// Progress, when set, receives a condensed step summary each time
	// new steps complete. Secrets are masked before the summary is
	// built.
	Progress func(ctx context.Context, summary string)
	Secrets  []string
}

// Poller drives a task to completion by re-reading its status on a
// fixed interval. There is no orchestrator-side hard timeout; the
// stale-application reaper is the backstop.
type Poller struct {
	client   *Client
	interval time.Duration
	logger   *slog.Logger
}

func NewPoller(client *Client, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		client:   client,
		interval: interval,
		logger:   logger.With("component", "automation"),
	}
}

// Wait blocks until the task reaches a terminal status, the owner
// requests cancellation, or ctx is cancelled.
func (p *Poller) Wait(ctx context.Context, taskID string, opts WaitOptions) (*TaskResult, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	reported := 0
	for {
		if opts.CancelRequested != nil {
			requested, err := opts.CancelRequested(ctx)
			if err != nil {
				p.logger.Warn("cancellation check failed", "task_id", taskID, "error", err)
			} else if requested {
				if err := p.client.Cancel(ctx, taskID); err != nil {
					p.logger.Warn("best-effort cancel failed", "task_id", taskID, "error", err)
				}
				return &TaskResult{TaskID: taskID, Status: TaskCancelled}, nil
			}
		}

		result, err := p.client.Get(ctx, taskID)
		if err != nil {
			// Transient poll errors just skip a tick.
			p.logger.Warn("task poll failed", "task_id", taskID, "error", err)
		} else if result.Terminal() {
			p.logger.Info("task finished",
				"task_id", taskID, "status", result.Status)
			return result, nil
		} else if opts.Progress != nil {
			reported = p.reportProgress(ctx, taskID, reported, opts)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) reportProgress(ctx context.Context, taskID string, reported int, opts WaitOptions) int {
	steps, err := p.client.ListSteps(ctx, taskID)
	if err != nil {
		p.logger.Debug("step listing failed", "task_id", taskID, "error", err)
		return reported
	}
	if len(steps) <= reported {
		return reported
	}

	var sb strings.Builder
	for _, step := range steps[reported:] {
		fmt.Fprintf(&sb, "step %d: %s\n", step.Order+1, step.Status)
	}
	summary := notify.MaskSecrets(strings.TrimSpace(sb.String()), opts.Secrets...)
	opts.Progress(ctx, summary)

	return len(steps)
}
