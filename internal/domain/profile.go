package domain

import "strings"

// Profile is the active CV profile's contact data, produced by an
// upstream extractor and read here only to fill forms.
type Profile struct {
	ID         string `db:"id"`
	UserID     string `db:"user_id"`
	FullName   string `db:"full_name"`
	Email      string `db:"email"`
	Phone      string `db:"phone"`
	Address    string `db:"address"`
	City       string `db:"city"`
	PostalCode string `db:"postal_code"`
	Country    string `db:"country"`
	Summary    string `db:"summary"`
	ResumeURL  string `db:"resume_url"`
}

// FirstName returns the leading name component.
func (p *Profile) FirstName() string {
	first, _, _ := strings.Cut(p.FullName, " ")
	return first
}

// LastName returns everything after the first name component.
func (p *Profile) LastName() string {
	_, last, _ := strings.Cut(p.FullName, " ")
	return last
}

// Payload builds the base submission payload from profile data.
func (p *Profile) Payload() SubmissionPayload {
	return SubmissionPayload{
		FullName:   p.FullName,
		FirstName:  p.FirstName(),
		LastName:   p.LastName(),
		Email:      p.Email,
		Phone:      p.Phone,
		Address:    p.Address,
		City:       p.City,
		PostalCode: p.PostalCode,
		Country:    p.Country,
		ResumeURL:  p.ResumeURL,
	}
}
