package domain

import (
	"encoding/json"
	"fmt"
)

// SubmissionPayload is the typed candidate data handed to the
// automation engine. Site-specific values that have no fixed key go in
// Extra.
type SubmissionPayload struct {
	FullName    string `json:"full_name,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Address     string `json:"address,omitempty"`
	City        string `json:"city,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`
	Country     string `json:"country,omitempty"`
	CoverLetter string `json:"cover_letter,omitempty"`
	ResumeURL   string `json:"resume_url,omitempty"`
	Password    string `json:"password,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// Validate checks the keys a submission cannot proceed without.
func (p *SubmissionPayload) Validate(required ...string) error {
	for _, key := range required {
		if p.Get(key) == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, key)
		}
	}
	return nil
}

// Get returns the value for a payload key, checking fixed fields before
// the overflow map.
func (p *SubmissionPayload) Get(key string) string {
	switch key {
	case "full_name":
		return p.FullName
	case "first_name":
		return p.FirstName
	case "last_name":
		return p.LastName
	case "email":
		return p.Email
	case "phone":
		return p.Phone
	case "address":
		return p.Address
	case "city":
		return p.City
	case "postal_code":
		return p.PostalCode
	case "country":
		return p.Country
	case "cover_letter":
		return p.CoverLetter
	case "resume_url":
		return p.ResumeURL
	case "password":
		return p.Password
	}
	return p.Extra[key]
}

// Set writes a payload key, routing unknown keys to the overflow map.
func (p *SubmissionPayload) Set(key, value string) {
	switch key {
	case "full_name":
		p.FullName = value
	case "first_name":
		p.FirstName = value
	case "last_name":
		p.LastName = value
	case "email":
		p.Email = value
	case "phone":
		p.Phone = value
	case "address":
		p.Address = value
	case "city":
		p.City = value
	case "postal_code":
		p.PostalCode = value
	case "country":
		p.Country = value
	case "cover_letter":
		p.CoverLetter = value
	case "resume_url":
		p.ResumeURL = value
	case "password":
		p.Password = value
	default:
		if p.Extra == nil {
			p.Extra = make(map[string]string)
		}
		p.Extra[key] = value
	}
}

// Merge applies edited-field deltas on top of the payload. Used when a
// confirmation comes back with edits.
func (p *SubmissionPayload) Merge(deltas map[string]string) {
	for key, value := range deltas {
		p.Set(key, value)
	}
}

// Flatten returns a single-level map for the engine's navigation
// payload, with Extra keys alongside the fixed ones.
func (p *SubmissionPayload) Flatten() map[string]string {
	out := make(map[string]string, 12+len(p.Extra))
	for key, value := range p.Extra {
		out[key] = value
	}
	for _, key := range []string{
		"full_name", "first_name", "last_name", "email", "phone",
		"address", "city", "postal_code", "country", "cover_letter",
		"resume_url", "password",
	} {
		if v := p.Get(key); v != "" {
			out[key] = v
		}
	}
	return out
}

// DecodeDeltas parses the JSON edited-field column of a confirmation
// request.
func DecodeDeltas(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var deltas map[string]string
	if err := json.Unmarshal([]byte(raw), &deltas); err != nil {
		return nil, fmt.Errorf("failed to decode edited fields: %w", err)
	}
	return deltas, nil
}
