package automation

import "github.com/soknadhub/applyd/internal/domain"

// Built-in navigation goals. Prose is intentionally imperative and
// Norwegian-aware since most target sites localize their buttons.
func defaultGoals() map[domain.SiteType]GoalSet {
	return map[domain.SiteType]GoalSet{
		domain.SiteFinn: {
			Application: finnApplicationGoal,
		},
		domain.SiteWebcruiter: {
			Application:  webcruiterApplicationGoal,
			Registration: webcruiterRegistrationGoal,
		},
		domain.SiteEasycruit: {
			Registration: easycruitRegistrationGoal,
		},
		domain.SiteGeneric: {
			Application:  genericApplicationGoal,
			Registration: genericRegistrationGoal,
		},
	}
}

const finnApplicationGoal = `
GOAL: Submit a job application on FINN.no Enkel Søknad.
{{if .LoggedIn}}
NOTE: You are already logged in from a previous task in this session.
{{else}}
PHASE 1: LOGIN
- Accept any cookie popup (click "Godta alle").
- Enter email: {{.Email}}
- Click "Neste" or "Continue".
- Enter the password from navigation_payload and click "Logg inn".
- If a 2FA code is requested, wait - it will be provided automatically.
{{end}}
PHASE 2: APPLICATION FORM
- Fill the form:
  - Name/Navn: {{.FullName}}
  - Email/E-post: {{.Email}}
  - Phone/Telefon: {{.Phone}}
  - Message/Søknadstekst: use cover_letter from navigation_payload.

PHASE 3: SUBMIT
- Check any required checkboxes (GDPR, terms).
- Click "Send søknad" and wait for the confirmation message.
`

const webcruiterApplicationGoal = `
GOAL: Submit a job application on Webcruiter.

PHASE 1: COOKIES AND LOGIN
- Accept cookie popups ("Godta alle", "Aksepter").
{{if .HasCredentials}}- Log in with email {{.Email}} and the password from navigation_payload.{{end}}

PHASE 2: APPLICATION FORM
- Find and open the application form ("Søk her", "Søk på stillingen").
- Fill name, email, phone from navigation_payload.
- Paste the cover letter into the motivation field.
- Upload the CV from resume_url if an upload field exists.

PHASE 3: SUBMIT
- Check required checkboxes and click "Send søknad".
- Wait for confirmation.
`

const webcruiterRegistrationGoal = `
GOAL: Register a new account on Webcruiter.

IMPORTANT RULES:
1. Fill ONLY fields that have data provided. DO NOT guess or invent information.
2. If a required field has no data, STOP and report it in missing_fields.
3. Phone numbers should include country code (+47 for Norway).

REGISTRATION DATA:
- Email: {{.Email}}
- Password: {{.Password}}
- First Name: {{.FirstName}}
- Last Name: {{.LastName}}
- Phone: {{.Phone}}

PHASE 1: Accept cookie popups ("Godta alle").
PHASE 2: Find "Opprett bruker", "Ny bruker" or "Registrer deg som arbeidssøker" and open the form.
PHASE 3: Fill email, password (twice if confirmed), first name (Fornavn), last name (Etternavn), phone (Telefon).
PHASE 4: Check the terms and GDPR checkboxes.
PHASE 5: Click "Registrer" or "Opprett bruker" and wait for the result.

REPORT whether the account was created and whether email verification is required.
`

const easycruitRegistrationGoal = `
GOAL: Register a new account on Easycruit.

REGISTRATION DATA:
- Email: {{.Email}}
- Password: {{.Password}}
- Name: {{.FullName}}
- Phone: {{.Phone}}

PHASE 1: Accept any cookie popup.
PHASE 2: Look for "Register", "Create profile" or "Registrer deg" and open the form.
PHASE 3: Fill the fields with the data above. Do not invent values for fields without data.
PHASE 4: Accept terms, submit, and report whether email verification is required.
`

const genericApplicationGoal = `
GOAL: Submit a job application on this recruitment website.

APPLICATION DATA:
- Full Name: {{.FullName}}
- Email: {{.Email}}
- Phone: {{.Phone}}
- Resume URL: {{if .ResumeURL}}{{.ResumeURL}}{{else}}Not provided{{end}}

PHASE 1: Accept cookies ("Godta alle", "Accept", "OK") and close popups.
{{if .HasCredentials}}
PHASE 2: If a login form appears, log in with email {{.Email}} and the password from navigation_payload.
{{else}}
PHASE 2: If login is strictly required to continue, terminate and report that registration is required.
{{end}}
PHASE 3: Find the apply button ("Apply", "Søk", "Send søknad", "Søk på stillingen") and open the form.
PHASE 4: Fill all fields from navigation_payload. Paste the cover letter into the motivation field.
         Upload the CV from resume_url if an upload field exists.
PHASE 5: Check required checkboxes, click submit, and wait for confirmation.
`

const genericRegistrationGoal = `
GOAL: Register a new account on this recruitment website.

IMPORTANT: This is a generic flow. Adapt to what you see, but never invent data.

REGISTRATION DATA:
- Email: {{.Email}}
- Password: {{.Password}}
- Full Name: {{.FullName}}
- First Name: {{.FirstName}}
- Last Name: {{.LastName}}
- Phone: {{.Phone}}
- Country: {{if .Country}}{{.Country}}{{else}}Norge{{end}}

PHASE 1: Accept any cookie popup.
PHASE 2: Find the registration entry ("Register", "Sign up", "Registrer deg", "Opprett konto", "Ny bruker").
         If only a login page is visible, look for a registration link below the login form.
PHASE 3: Fill the form with the data above. Confirm the password if a second field exists.
         Select "Norge" or "Norway" in any country dropdown.
PHASE 4: Check required checkboxes (terms, GDPR) and submit.
PHASE 5: Report the result: registration_successful, needs_email_verification, needs_sms_verification,
         and list any required fields that could not be filled in missing_fields.
`
