// Package ihe holds the protocol table, domain model and error taxonomy
// shared by every Carequality/IHE translator in the gateway.
package ihe

import "strings"

// XML namespaces used when building envelopes. Parsing never depends on
// them; xmlcodec strips prefixes on the way in.
const (
	NSSoap   = "http://schemas.xmlsoap.org/soap/envelope/"
	NSSoap12 = "http://www.w3.org/2003/05/soap-envelope"
	NSWSA    = "http://www.w3.org/2005/08/addressing"
	NSWSSE   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	NSWSU    = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	NSWSSE11 = "http://docs.oasis-open.org/wss/oasis-wss-wssecurity-secext-1.1.xsd"
	NSDS     = "http://www.w3.org/2000/09/xmldsig#"
	NSSAML2  = "urn:oasis:names:tc:SAML:2.0:assertion"
	NSXSD    = "http://www.w3.org/2001/XMLSchema"
	NSXSI    = "http://www.w3.org/2001/XMLSchema-instance"
	NSHL7    = "urn:hl7-org:v3"
	NSQuery  = "urn:oasis:names:tc:ebxml-regrep:xsd:query:3.0"
	NSRim    = "urn:oasis:names:tc:ebxml-regrep:xsd:rim:3.0"
	NSRS     = "urn:oasis:names:tc:ebxml-regrep:xsd:rs:3.0"
	NSXDS    = "urn:ihe:iti:xds-b:2007"
)

// SOAP actions. Request and response actions for one transaction are kept
// side by side so the pairs cannot drift apart.
const (
	ActionXCPDRequest  = "urn:hl7-org:v3:PRPA_IN201305UV02:CrossGatewayPatientDiscovery"
	ActionXCPDResponse = "urn:hl7-org:v3:PRPA_IN201306UV02:CrossGatewayPatientDiscovery"
	ActionDQRequest    = "urn:ihe:iti:2007:CrossGatewayQuery"
	ActionDQResponse   = "urn:ihe:iti:2007:CrossGatewayQueryResponse"
	ActionDRRequest    = "urn:ihe:iti:2007:CrossGatewayRetrieve"
	ActionDRResponse   = "urn:ihe:iti:2007:CrossGatewayRetrieveResponse"
)

// HL7v3 acknowledgement and query response codes.
const (
	AckAccept = "AA"
	AckError  = "AE"

	QueryResponseOK       = "OK"
	QueryResponseNotFound = "NF"
	QueryResponseError    = "AE"
)

// HL7v3 interaction identifiers and code systems.
const (
	InteractionRoot            = "2.16.840.1.113883.1.6"
	InteractionXCPDRequest     = "PRPA_IN201305UV02"
	InteractionXCPDResponse    = "PRPA_IN201306UV02"
	TriggerXCPDRequest         = "PRPA_TE201305UV02"
	TriggerXCPDResponse        = "PRPA_TE201306UV02"
	AdministrativeGenderSystem = "2.16.840.1.113883.5.1"
	NPIRoot                    = "2.16.840.1.113883.4.6"
	SNOMEDSystem               = "2.16.840.1.113883.6.96"
	NHINPurposeSystem          = "2.16.840.1.113883.3.18.7.1"
	HealthDataLocatorSystem    = "1.3.6.1.4.1.19376.1.2.27.2"
	NotHealthDataLocatorCode   = "NotHealthDataLocator"
)

// ebXML registry statuses, severities and error codes.
const (
	StatusSuccess        = "urn:oasis:names:tc:ebxml-regrep:ResponseStatusType:Success"
	StatusFailure        = "urn:oasis:names:tc:ebxml-regrep:ResponseStatusType:Failure"
	StatusPartialSuccess = "urn:ihe:iti:2007:ResponseStatusType:PartialSuccess"

	SeverityError   = "urn:oasis:names:tc:ebxml-regrep:ErrorSeverityType:Error"
	SeverityWarning = "urn:oasis:names:tc:ebxml-regrep:ErrorSeverityType:Warning"

	ErrorCodeRegistry         = "XDSRegistryError"
	ErrorCodeRepository       = "XDSRepositoryError"
	ErrorCodeUnknownPatientID = "XDSUnknownPatientId"
	ErrorCodeDocumentUniqueID = "XDSDocumentUniqueIdError"
)

// XDS document entry query parameters and classification schemes.
const (
	FindDocumentsQueryID = "urn:uuid:14d4debf-8f97-4251-9a74-a90016b0af0d"
	AdhocQueryLID        = "urn:oasis:names:tc:ebxml-regrep:query:AdhocQueryRequest"
	ApprovedStatus       = "urn:oasis:names:tc:ebxml-regrep:StatusType:Approved"
	StableDocumentType   = "urn:uuid:7edca82f-054d-47f2-a032-9b2a5b5186c1"
	OnDemandDocumentType = "urn:uuid:34268e47-fdf5-41a6-ba33-82133c465248"

	SlotPatientID             = "$XDSDocumentEntryPatientId"
	SlotStatus                = "$XDSDocumentEntryStatus"
	SlotClassCode             = "$XDSDocumentEntryClassCode"
	SlotPracticeSettingCode   = "$XDSDocumentEntryPracticeSettingCode"
	SlotFacilityTypeCode      = "$XDSDocumentEntryHealthcareFacilityTypeCode"
	SlotServiceStartTimeFrom  = "$XDSDocumentEntryServiceStartTimeFrom"
	SlotServiceStartTimeTo    = "$XDSDocumentEntryServiceStartTimeTo"
	SlotCreationTimeFrom      = "$XDSDocumentEntryCreationTimeFrom"
	SlotCreationTimeTo        = "$XDSDocumentEntryCreationTimeTo"
	SlotDocumentEntryType     = "$XDSDocumentEntryType"
	SchemeDocumentUniqueID    = "urn:uuid:2e82c1f6-a085-4c72-9da3-8640a32e42ab"
	SchemeDocumentPatientID   = "urn:uuid:58a6f841-87b3-4a3e-92fd-a8ffeff98427"
	SchemeDocumentClassCode   = "urn:uuid:41a5887f-8865-4c09-adf7-e362475b143a"
	ResponseReturnTypeLeaf    = "LeafClass"
	ResponseComposedObjectsOn = "true"
)

// SAML attribute names carried in the AttributeStatement.
const (
	AttrSubjectID       = "urn:oasis:names:tc:xspa:1.0:subject:subject-id"
	AttrOrganization    = "urn:oasis:names:tc:xspa:1.0:subject:organization"
	AttrOrganizationID  = "urn:oasis:names:tc:xspa:1.0:subject:organization-id"
	AttrHomeCommunityID = "urn:nhin:names:saml:homeCommunityId"
	AttrRole            = "urn:oasis:names:tc:xacml:2.0:subject:role"
	AttrPurposeOfUse    = "urn:oasis:names:tc:xspa:1.0:subject:purposeofuse"
	AttrQueryGrantor    = "QueryAuthGrantor"

	NameFormatURI   = "urn:oasis:names:tc:SAML:2.0:attrname-format:uri"
	NameFormatBasic = "urn:oasis:names:tc:SAML:2.0:attrname-format:basic"
)

// Defaults applied when optional SAML attributes are absent.
const (
	DefaultSubjectID    = "unknown"
	DefaultRoleCode     = "224608005"
	DefaultRoleDisplay  = "Administrative AND/OR managerial worker"
	DefaultPurposeOfUse = "TREATMENT"
	GrantorValuePrefix  = "Organization/"
)

// purposeOfUseDisplay names the NHIN purpose of use codes.
var purposeOfUseDisplay = map[string]string{
	"TREATMENT":     "Treatment",
	"PAYMENT":       "Payment",
	"OPERATIONS":    "Healthcare Operations",
	"SYSADMIN":      "System Administration",
	"FRAUD":         "Fraud detection",
	"PSYCHOTHERAPY": "Use or disclosure of Psychotherapy Notes",
	"TRAINING":      "Use or disclosure by the covered entity for its own training programs",
	"LEGAL":         "Use or disclosure by the covered entity to defend itself in a legal action",
	"MARKETING":     "Marketing",
	"DIRECTORY":     "Use and disclosure for facility directories",
	"FAMILY":        "Disclose to a family member, other relative, or close personal friend of the individual",
	"PRESENCE":      "Uses and disclosures with the individual present",
	"EMERGENCY":     "Permission cannot practicably be provided because of the individual's incapacity or an emergency",
	"DISASTER":      "Use and disclosures for disaster relief purposes",
	"PUBLICHEALTH":  "Public health activities and reporting",
	"ABUSE":         "Report of Abuse, Neglect, or Domestic Violence",
	"OVERSIGHT":     "Health oversight activities",
	"JUDICIAL":      "Judicial and administrative proceedings",
	"LAW":           "Law Enforcement Purposes",
	"DECEASED":      "Uses and disclosures about decedents",
	"DONATION":      "Uses and disclosures for cadaveric organ, eye or tissue donation purposes",
	"RESEARCH":      "Uses and disclosures for research purposes",
	"THREAT":        "Uses and disclosures to avert a serious threat to health or safety",
	"GOVERNMENT":    "Specialized government functions",
	"WORKERSCOMP":   "Disclosures for workers' compensation",
	"COVERAGE":      "Use or disclosure to obtain insurance coverage or benefits",
	"REQUEST":       "Request of the Individual",
}

// PurposeOfUseDisplay returns the display name of an NHIN purpose of use
// code, or "" for codes outside the value set.
func PurposeOfUseDisplay(code string) string {
	return purposeOfUseDisplay[strings.ToUpper(strings.TrimSpace(code))]
}
