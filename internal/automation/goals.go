package automation

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/soknadhub/applyd/internal/domain"
)

// GoalParams feed the navigation-goal templates.
type GoalParams struct {
	SiteName    string
	Email       string
	Password    string
	FullName    string
	FirstName   string
	LastName    string
	Phone       string
	Country     string
	CoverLetter string
	ResumeURL   string
	// LoggedIn skips the login phase when a browser session from an
	// earlier task in the batch is still authenticated.
	LoggedIn       bool
	HasCredentials bool
}

// GoalSet holds the prose goals for one site type.
type GoalSet struct {
	Application  string `yaml:"application"`
	Registration string `yaml:"registration"`
}

// Library holds navigation goals keyed by site type. Goals are
// configuration data loaded at startup, optionally overridden from a
// YAML file, never assembled ad hoc at call sites.
type Library struct {
	goals map[domain.SiteType]GoalSet
}

// LoadLibrary builds the library from defaults, merged with overrides
// from path when it is non-empty.
func LoadLibrary(path string) (*Library, error) {
	lib := &Library{goals: defaultGoals()}

	if path == "" {
		return lib, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read goals file: %w", err)
	}

	var overrides map[domain.SiteType]GoalSet
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse goals file: %w", err)
	}

	for site, set := range overrides {
		base := lib.goals[site]
		if set.Application != "" {
			base.Application = set.Application
		}
		if set.Registration != "" {
			base.Registration = set.Registration
		}
		lib.goals[site] = base
	}

	return lib, nil
}

// ApplicationGoal renders the submission goal for a site.
func (l *Library) ApplicationGoal(site domain.SiteType, params GoalParams) (string, error) {
	return l.render(site, "application", l.lookup(site).Application, params)
}

// RegistrationGoal renders the account-creation goal for a site.
func (l *Library) RegistrationGoal(site domain.SiteType, params GoalParams) (string, error) {
	return l.render(site, "registration", l.lookup(site).Registration, params)
}

func (l *Library) lookup(site domain.SiteType) GoalSet {
	set, ok := l.goals[site]
	if !ok || (set.Application == "" && set.Registration == "") {
		return l.goals[domain.SiteGeneric]
	}
	// Fall back per slot so a partial override still works.
	generic := l.goals[domain.SiteGeneric]
	if set.Application == "" {
		set.Application = generic.Application
	}
	if set.Registration == "" {
		set.Registration = generic.Registration
	}
	return set
}

func (l *Library) render(site domain.SiteType, kind, text string, params GoalParams) (string, error) {
	tmpl, err := template.New(string(site) + "_" + kind).Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s goal for %s: %w", kind, site, err)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, params); err != nil {
		return "", fmt.Errorf("failed to render %s goal for %s: %w", kind, site, err)
	}

	return strings.TrimSpace(sb.String()), nil
}

// FinnApplyURL builds the direct application URL for a FINN ad. The
// apply page is reachable directly, bypassing the listing page's
// shadow-DOM button.
func FinnApplyURL(finnkode string) string {
	return "https://www.finn.no/job/apply?adId=" + finnkode
}

// SubmissionExtractionSchema asks the engine to report whether the
// application was actually sent.
func SubmissionExtractionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"application_sent":     map[string]any{"type": "boolean", "description": "True if the application was submitted"},
			"confirmation_message": map[string]any{"type": "string"},
			"error_message":        map[string]any{"type": "string"},
			"magic_link_detected":  map[string]any{"type": "boolean", "description": "True if the site only offers passwordless email-link login"},
		},
	}
}

// RegistrationExtractionSchema asks the engine to report registration
// outcome and any fields it could not fill.
func RegistrationExtractionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"registration_successful":  map[string]any{"type": "boolean"},
			"needs_email_verification": map[string]any{"type": "boolean"},
			"needs_sms_verification":   map[string]any{"type": "boolean"},
			"magic_link_detected":      map[string]any{"type": "boolean", "description": "True if the site only offers passwordless email-link login"},
			"missing_fields":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"error_message":            map[string]any{"type": "string"},
		},
	}
}
