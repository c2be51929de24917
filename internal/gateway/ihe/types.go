package ihe

// ---------------------------------------------------------------------------
// Caller identity
// ---------------------------------------------------------------------------

// Code is a coded value with its human readable display.
type Code struct {
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// SamlAttributes is the caller identity asserted in a request's security
// header. It is produced once per inbound message and never mutated.
type SamlAttributes struct {
	SubjectID       string `json:"subjectId" validate:"required"`
	SubjectRole     Code   `json:"subjectRole"`
	Organization    string `json:"organization" validate:"required"`
	OrganizationID  string `json:"organizationId" validate:"required"`
	HomeCommunityID string `json:"homeCommunityId" validate:"required"`
	PurposeOfUse    string `json:"purposeOfUse" validate:"required"`
	PrincipalOID    string `json:"principalOid,omitempty"`
}

// IsDelegated reports whether the request claims to act for another
// organization.
func (s SamlAttributes) IsDelegated() bool {
	return s.PrincipalOID != ""
}

// ---------------------------------------------------------------------------
// Demographics
// ---------------------------------------------------------------------------

// HumanName is one name of a patient. Given names keep their order.
type HumanName struct {
	Family string   `json:"family"`
	Given  []string `json:"given,omitempty"`
}

// Address is a postal address; every field is optional.
type Address struct {
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

// IsEmpty reports whether no field is set.
func (a Address) IsEmpty() bool {
	return len(a.Line) == 0 && a.City == "" && a.State == "" && a.PostalCode == "" && a.Country == ""
}

// ContactPoint is a phone number or e-mail address.
type ContactPoint struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value"`
}

// Identifier is an (assigning authority, value) pair.
type Identifier struct {
	System string `json:"system"`
	Value  string `json:"value"`
}

// PatientResource is the IHE-side projection of a patient's demographics.
// BirthDate is a day precision date formatted YYYY-MM-DD.
type PatientResource struct {
	Name       []HumanName    `json:"name" validate:"required,min=1,dive"`
	Gender     string         `json:"gender,omitempty" validate:"omitempty,oneof=male female"`
	BirthDate  string         `json:"birthDate,omitempty"`
	Address    []Address      `json:"address,omitempty"`
	Telecom    []ContactPoint `json:"telecom,omitempty"`
	Identifier []Identifier   `json:"identifier,omitempty"`
}

// XCPDPatientID is the remote gateway's own identifier for a patient. It is
// opaque and passed through unchanged in both directions.
type XCPDPatientID struct {
	ID     string `json:"id" validate:"required"`
	System string `json:"system" validate:"required"`
}

// ---------------------------------------------------------------------------
// Patient discovery outcome
// ---------------------------------------------------------------------------

// OutcomeKind is the three-way classification of a discovery exchange. The
// zero value is OutcomeError so that anything unclassified degrades to an
// explicit error.
type OutcomeKind int

const (
	OutcomeError OutcomeKind = iota
	OutcomeMatch
	OutcomeNoMatch
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeMatch:
		return "match"
	case OutcomeNoMatch:
		return "no-match"
	default:
		return "error"
	}
}

// DiscoveryOutcome is one of DiscoveryMatch, DiscoveryNoMatch or
// DiscoveryError.
type DiscoveryOutcome interface {
	Kind() OutcomeKind
	isDiscoveryOutcome()
}

// DiscoveryMatch carries the matched patient.
type DiscoveryMatch struct {
	PatientID              string
	ExternalGatewayPatient XCPDPatientID
	PatientResource        PatientResource
}

// DiscoveryNoMatch signals that no patient matched.
type DiscoveryNoMatch struct{}

// DiscoveryError carries the reason the exchange failed.
type DiscoveryError struct {
	OperationOutcome OperationOutcome
}

func (DiscoveryMatch) Kind() OutcomeKind   { return OutcomeMatch }
func (DiscoveryNoMatch) Kind() OutcomeKind { return OutcomeNoMatch }
func (DiscoveryError) Kind() OutcomeKind   { return OutcomeError }

func (DiscoveryMatch) isDiscoveryOutcome()   {}
func (DiscoveryNoMatch) isDiscoveryOutcome() {}
func (DiscoveryError) isDiscoveryOutcome()   {}

// ---------------------------------------------------------------------------
// Operation outcome
// ---------------------------------------------------------------------------

// Coding is a single code from a code system.
type Coding struct {
	System string `json:"system,omitempty"`
	Code   string `json:"code"`
}

// Issue is one problem reported by a collaborator or a peer.
type Issue struct {
	Severity string  `json:"severity"`
	Code     string  `json:"code"`
	Text     string  `json:"text,omitempty"`
	Coding   *Coding `json:"coding,omitempty"`
}

// OperationOutcome groups the issues of a failed exchange.
type OperationOutcome struct {
	ID     string  `json:"id,omitempty"`
	Issues []Issue `json:"issue"`
}

// NewOperationOutcome returns an outcome holding a single error issue.
func NewOperationOutcome(id, code, text string) OperationOutcome {
	return OperationOutcome{
		ID:     id,
		Issues: []Issue{{Severity: "error", Code: code, Text: text}},
	}
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

// DocumentReference identifies a document across communities. The three
// identifiers are required together.
type DocumentReference struct {
	HomeCommunityID    string `json:"homeCommunityId" validate:"required"`
	DocUniqueID        string `json:"docUniqueId" validate:"required"`
	RepositoryUniqueID string `json:"repositoryUniqueId" validate:"required"`

	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Title       string `json:"title,omitempty"`
	Creation    string `json:"creation,omitempty"`
	Language    string `json:"language,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	URL         string `json:"url,omitempty"`
}

// RetrievedDocument is a document body paired with its reference.
type RetrievedDocument struct {
	Reference DocumentReference
	MimeType  string
	Content   []byte
}

// RegistryError is one entry of an ebXML RegistryErrorList.
type RegistryError struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Text     string `json:"text"`
}

// RegistryOutcome is either RegistrySuccess or RegistryFailure.
type RegistryOutcome interface {
	Succeeded() bool
	isRegistryOutcome()
}

// RegistrySuccess holds pre-serialized ExtrinsicObject fragments for a query
// or retrieved documents for a retrieval.
type RegistrySuccess struct {
	ExtrinsicObjects []string
	Documents        []RetrievedDocument
}

// RegistryFailure holds the errors reported for a query or retrieval.
type RegistryFailure struct {
	RegistryErrors []RegistryError
}

func (RegistrySuccess) Succeeded() bool { return true }
func (RegistryFailure) Succeeded() bool { return false }

func (RegistrySuccess) isRegistryOutcome() {}
func (RegistryFailure) isRegistryOutcome() {}

// RegistryErrorsFromOutcome maps operation outcome issues onto registry
// errors. The error code comes from the issue's coding when present, then
// from the issue code, and falls back to XDSRegistryError.
func RegistryErrorsFromOutcome(oo OperationOutcome) []RegistryError {
	out := make([]RegistryError, 0, len(oo.Issues))
	for _, issue := range oo.Issues {
		code := issue.Code
		if issue.Coding != nil && issue.Coding.Code != "" {
			code = issue.Coding.Code
		}
		if code == "" {
			code = ErrorCodeRegistry
		}
		out = append(out, RegistryError{
			Code:     code,
			Severity: registrySeverity(issue.Severity),
			Text:     issue.Text,
		})
	}
	return out
}

func registrySeverity(s string) string {
	switch statusName(s) {
	case "warning", "information":
		return SeverityWarning
	default:
		return SeverityError
	}
}

// ---------------------------------------------------------------------------
// Remote gateways
// ---------------------------------------------------------------------------

// Gateway is a remote responding gateway targeted by an outbound request.
type Gateway struct {
	ID              string `json:"id,omitempty"`
	OID             string `json:"oid" validate:"required"`
	URL             string `json:"url" validate:"required,url"`
	HomeCommunityID string `json:"homeCommunityId,omitempty"`
	// OmitURNPrefix emits unprefixed HL7 element names for peers whose
	// parsers reject the urn: prefix.
	OmitURNPrefix bool `json:"omitUrnPrefix,omitempty"`
}
