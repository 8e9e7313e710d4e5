package automation

import (
	"strings"

	"github.com/soknadhub/applyd/internal/domain"
)

// Structured error codes a task can come back with. CodeStepBudget is
// emitted by the engine itself when it runs out of steps; the rest are
// the custom taxonomy handed to the engine via ErrorCodeMapping.
const (
	CodeStepBudget           = "max_steps_exceeded"
	CodePositionClosed       = "position_closed"
	CodeRegistrationRequired = "registration_required"
	CodeFileUploadRequired   = "file_upload_required"
	CodeCaptchaBlocked       = "captcha_blocked"
	CodeLoginFailed          = "login_failed"
	Code2FATimeout           = "2fa_timeout"
	CodeMagicLink            = "magic_link"
)

// ErrorCodeMapping is handed to the engine on submission so its
// terminate reasons come back as taxonomy codes instead of prose.
func ErrorCodeMapping() map[string]string {
	return map[string]string{
		CodePositionClosed:       "The position is closed or no longer accepts applications",
		CodeRegistrationRequired: "The site requires creating an account before applying",
		CodeFileUploadRequired:   "A file upload was required and could not be completed",
		CodeCaptchaBlocked:       "A CAPTCHA or bot check blocked progress",
		CodeLoginFailed:          "Login with the provided credentials failed",
		Code2FATimeout:           "A two-factor code was required but never arrived",
		CodeMagicLink:            "The site only offers passwordless email-link login",
	}
}

// Outcome is a classified task result mapped onto the application
// lifecycle.
type Outcome struct {
	Status string // domain application status
	Code   string
	Detail string
	// MagicLink marks the site as passwordless so future attempts
	// short-circuit. Subject to the active-credential guard.
	MagicLink bool
}

// ClassifyResult maps a terminal task result onto an application
// status, in priority order: magic-link detection, extraction-verified
// submission, structured error codes, keyword fallback.
func ClassifyResult(result *TaskResult) Outcome {
	if flagged, ok := result.ExtractedBool("magic_link_detected"); ok && flagged {
		return Outcome{
			Status:    domain.StatusManualReview,
			Code:      CodeMagicLink,
			Detail:    "site uses passwordless magic-link login",
			MagicLink: true,
		}
	}

	switch result.Status {
	case TaskCancelled:
		return Outcome{Status: domain.StatusCancelled, Detail: "cancelled by user"}

	case TaskCompleted:
		if sent, ok := result.ExtractedBool("application_sent"); ok && !sent {
			detail := result.ExtractedString("error_message")
			if detail == "" {
				detail = "task completed but submission was not confirmed"
			}
			return Outcome{Status: domain.StatusManualReview, Detail: detail}
		}
		return Outcome{Status: domain.StatusSent, Detail: result.ExtractedString("confirmation_message")}

	case TaskFailed, TaskTerminated:
		return classifyFailure(result)
	}

	return Outcome{Status: domain.StatusFailed, Detail: "unexpected task status: " + result.Status}
}

func classifyFailure(result *TaskResult) Outcome {
	codes := make(map[string]bool, len(result.Errors))
	for _, e := range result.Errors {
		codes[e.Code] = true
	}

	// A blown step budget makes any custom code reported on the same
	// run a likely false positive: the engine gave up mid-flight, it
	// did not actually hit the condition. Discard them.
	if codes[CodeStepBudget] {
		return Outcome{
			Status: domain.StatusManualReview,
			Code:   CodeStepBudget,
			Detail: stepBudgetHint(result.FailureReason),
		}
	}

	known := []struct {
		code    string
		outcome Outcome
	}{
		{CodeMagicLink, Outcome{Status: domain.StatusManualReview,
			Detail: "site uses passwordless magic-link login", MagicLink: true}},
		{CodePositionClosed, Outcome{Status: domain.StatusFailed, Detail: "position is closed"}},
		{CodeRegistrationRequired, Outcome{Status: domain.StatusManualReview, Detail: "site requires an account"}},
		{CodeFileUploadRequired, Outcome{Status: domain.StatusManualReview, Detail: "file upload could not be completed"}},
		{CodeCaptchaBlocked, Outcome{Status: domain.StatusManualReview, Detail: "blocked by CAPTCHA"}},
		{CodeLoginFailed, Outcome{Status: domain.StatusFailed, Detail: "login failed"}},
		{Code2FATimeout, Outcome{Status: domain.StatusFailed, Detail: "two-factor code never arrived"}},
	}
	for _, entry := range known {
		if codes[entry.code] {
			outcome := entry.outcome
			outcome.Code = entry.code
			return outcome
		}
	}

	return classifyByKeywords(result.FailureReason)
}

// stepBudgetHint derives a coarse cause from free text when the step
// budget ran out.
func stepBudgetHint(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "valid"):
		return "step budget exhausted, likely a form validation error"
	case strings.Contains(lower, "upload") || strings.Contains(lower, "file"):
		return "step budget exhausted, likely a file upload problem"
	default:
		return "step budget exhausted before the form was submitted"
	}
}

func classifyByKeywords(reason string) Outcome {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "magic link") || strings.Contains(lower, "passwordless"):
		return Outcome{Status: domain.StatusManualReview, Code: CodeMagicLink,
			Detail: "site uses passwordless magic-link login", MagicLink: true}
	case strings.Contains(lower, "closed") || strings.Contains(lower, "no longer available"):
		return Outcome{Status: domain.StatusFailed, Code: CodePositionClosed, Detail: reason}
	case strings.Contains(lower, "captcha"):
		return Outcome{Status: domain.StatusManualReview, Code: CodeCaptchaBlocked, Detail: reason}
	case strings.Contains(lower, "upload"):
		return Outcome{Status: domain.StatusManualReview, Code: CodeFileUploadRequired, Detail: reason}
	case strings.Contains(lower, "register") || strings.Contains(lower, "create an account"):
		return Outcome{Status: domain.StatusManualReview, Code: CodeRegistrationRequired, Detail: reason}
	case strings.Contains(lower, "login") || strings.Contains(lower, "log in"):
		return Outcome{Status: domain.StatusFailed, Code: CodeLoginFailed, Detail: reason}
	case strings.Contains(lower, "manual"):
		return Outcome{Status: domain.StatusManualReview, Detail: reason}
	}

	if reason == "" {
		reason = "task failed without a reason"
	}
	return Outcome{Status: domain.StatusFailed, Detail: reason}
}
