package classify

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/soknadhub/applyd/internal/domain"
)

// CredentialChecker reports whether an active credential exists for a
// site domain. The store satisfies this.
type CredentialChecker interface {
	HasCredential(ctx context.Context, siteDomain string) (bool, error)
}

// Classifier decides which submission flow applies to an application.
type Classifier struct {
	credentials CredentialChecker
	logger      *slog.Logger
}

func New(credentials CredentialChecker, logger *slog.Logger) *Classifier {
	return &Classifier{
		credentials: credentials,
		logger:      logger.With("component", "classifier"),
	}
}

// registrationDomains are redirect targets known to require a site
// account before the application form is reachable.
var registrationDomains = []string{
	"webcruiter.no", "webcruiter.com",
	"easycruit.com",
	"jobylon.com",
	"teamtailor.com",
	"lever.co",
	"recman.no", "recman.page",
	"reachmee.com",
	"varbi.com",
	"hrmanager.no",
	"cvpartner.com",
}

// Classify picks the flow for an application. Precedence: explicit
// form-type marker, then URL pattern, then credential presence, then
// external_form as the most general automatable default.
func (c *Classifier) Classify(ctx context.Context, job *domain.Job) domain.Flow {
	formType := strings.ToLower(strings.TrimSpace(job.FormType.String))
	targetURL := c.TargetURL(job)

	// Explicit markers win. finn_easy additionally requires a FINN
	// job page to click the apply button on.
	if strings.Contains(job.URL, "finn.no") &&
		(job.HasEasyApply || formType == string(domain.FlowFinnEasy)) {
		return domain.FlowFinnEasy
	}
	switch formType {
	case string(domain.FlowExternalForm):
		return domain.FlowExternalForm
	case string(domain.FlowExternalRegistration):
		return domain.FlowExternalRegistration
	case string(domain.FlowEmail):
		return domain.FlowEmail
	}

	siteDomain := ExtractDomain(targetURL)
	for _, known := range registrationDomains {
		if strings.Contains(siteDomain, known) {
			return domain.FlowExternalRegistration
		}
	}

	if c.credentials != nil && siteDomain != "" {
		has, err := c.credentials.HasCredential(ctx, siteDomain)
		if err != nil {
			c.logger.Warn("credential lookup failed during classification",
				"site_domain", siteDomain, "error", err)
		} else if has {
			return domain.FlowExternalRegistration
		}
	}

	if targetURL == "" {
		return domain.FlowUnknown
	}

	return domain.FlowExternalForm
}

// TargetURL returns the URL automation should open, preferring the
// external apply redirect over the listing page.
func (c *Classifier) TargetURL(job *domain.Job) string {
	if job.ExternalApplyURL.Valid && job.ExternalApplyURL.String != "" {
		return job.ExternalApplyURL.String
	}
	return job.URL
}

// ExtractDomain returns the lowercased host of a URL without a
// leading www prefix. Returns the input unchanged when it does not
// parse as a URL.
func ExtractDomain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	host := strings.ToLower(parsed.Host)
	return strings.TrimPrefix(host, "www.")
}

// DetectSiteType maps a domain to a known recruitment platform. More
// specific patterns are tried first.
func DetectSiteType(siteDomain string) domain.SiteType {
	d := strings.ToLower(siteDomain)

	switch {
	case strings.Contains(d, "webcruiter.no"), strings.Contains(d, "webcruiter.com"):
		return domain.SiteWebcruiter
	case strings.Contains(d, "easycruit.com"):
		return domain.SiteEasycruit
	case strings.Contains(d, "jobylon.com"):
		return domain.SiteJobylon
	case strings.Contains(d, "teamtailor.com"):
		return domain.SiteTeamtailor
	case strings.Contains(d, "lever.co"), strings.HasPrefix(d, "jobs.lever."):
		return domain.SiteLever
	case strings.Contains(d, "recman.no"), strings.Contains(d, "recman.page"):
		return domain.SiteRecman
	case strings.Contains(d, "cvpartner.com"):
		return domain.SiteCVPartner
	case strings.Contains(d, "reachmee.com"):
		return domain.SiteReachmee
	case strings.Contains(d, "varbi.com"):
		return domain.SiteVarbi
	case strings.Contains(d, "hrmanager.no"):
		return domain.SiteHRManager
	case strings.Contains(d, "finn.no"):
		return domain.SiteFinn
	case strings.Contains(d, "nav.no"), strings.Contains(d, "arbeidsplassen"):
		return domain.SiteNav
	default:
		return domain.SiteGeneric
	}
}

var siteNames = map[string]string{
	"webcruiter.no":        "Webcruiter",
	"webcruiter.com":       "Webcruiter",
	"easycruit.com":        "Easycruit",
	"reachmee.com":         "ReachMee",
	"attract.reachmee.com": "ReachMee",
	"jobylon.com":          "Jobylon",
	"teamtailor.com":       "Teamtailor",
	"lever.co":             "Lever",
	"recman.no":            "Recman",
	"cvpartner.com":        "CV Partner",
	"varbi.com":            "Varbi",
	"hrmanager.no":         "HR Manager",
	"finn.no":              "FINN",
	"nav.no":               "NAV",
}

// SiteName returns a human-readable site name for notifications.
func SiteName(siteDomain string) string {
	if name, ok := siteNames[siteDomain]; ok {
		return name
	}
	base, _, _ := strings.Cut(siteDomain, ".")
	if base == "" {
		return siteDomain
	}
	return strings.ToUpper(base[:1]) + base[1:]
}

// FINN ad codes appear in several URL shapes accumulated over years of
// finn.no redesigns.
var finnkodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`[?&]finnkode=(\d+)`),
	regexp.MustCompile(`/job/(\d{8,})(?:\.html|\?|$)`),
	regexp.MustCompile(`/ad[/.](\d{8,})(?:\?|$)`),
	regexp.MustCompile(`/(\d{8,})(?:\?|$)`),
	regexp.MustCompile(`/job/[^/]+/(\d{8,})(?:\?|$)`),
}

// ExtractFinnkode pulls the FINN ad code out of a finn.no URL.
// Returns "" when the URL is not a FINN URL or carries no code.
func ExtractFinnkode(rawURL string) string {
	if rawURL == "" || !strings.Contains(rawURL, "finn.no") {
		return ""
	}
	for _, pattern := range finnkodePatterns {
		if m := pattern.FindStringSubmatch(rawURL); m != nil {
			return m[1]
		}
	}
	return ""
}
