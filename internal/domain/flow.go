package domain

// Flow classifies how an application must be submitted.
type Flow string

const (
	FlowFinnEasy             Flow = "finn_easy"
	FlowExternalForm         Flow = "external_form"
	FlowExternalRegistration Flow = "external_registration"
	FlowEmail                Flow = "email"
	FlowUnknown              Flow = "unknown"
)

// SiteType identifies a known recruitment platform. Navigation goal
// templates are keyed by site type.
type SiteType string

const (
	SiteFinn       SiteType = "finn"
	SiteNav        SiteType = "nav"
	SiteWebcruiter SiteType = "webcruiter"
	SiteEasycruit  SiteType = "easycruit"
	SiteJobylon    SiteType = "jobylon"
	SiteTeamtailor SiteType = "teamtailor"
	SiteLever      SiteType = "lever"
	SiteRecman     SiteType = "recman"
	SiteReachmee   SiteType = "reachmee"
	SiteVarbi      SiteType = "varbi"
	SiteHRManager  SiteType = "hrmanager"
	SiteCVPartner  SiteType = "cvpartner"
	SiteGeneric    SiteType = "generic"
)
