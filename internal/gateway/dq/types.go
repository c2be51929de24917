// Package dq translates Cross Gateway Query (ITI-38) messages.
package dq

import (
	"time"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
)

// DateRange bounds a registry time slot. Zero ends are open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// IsZero reports whether neither end is set.
func (r DateRange) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

// InboundRequest is a parsed FindDocuments AdhocQueryRequest.
type InboundRequest struct {
	ID                    string
	MessageID             string
	Timestamp             string
	SignatureConfirmation string
	SamlAttributes        ihe.SamlAttributes

	ExternalGatewayPatient ihe.XCPDPatientID

	Statuses             []string
	ClassCodes           []ihe.Coding
	PracticeSettingCodes []ihe.Coding
	FacilityTypeCodes    []ihe.Coding
	ServiceDate          DateRange
	DocumentCreationDate DateRange
}

// OutboundRequest is a document query we send to one remote gateway for a
// patient it returned during discovery.
type OutboundRequest struct {
	ID                     string            `validate:"required"`
	PatientID              string            `validate:"required"`
	Gateway                ihe.Gateway       `validate:"required"`
	ExternalGatewayPatient ihe.XCPDPatientID `validate:"required"`
	ClassCode              *ihe.Coding
	PracticeSettingCode    *ihe.Coding
	FacilityTypeCode       *ihe.Coding
	ServiceDate            DateRange
	DocumentCreationDate   DateRange
	PurposeOfUse           string
	QueryGrantorOID        string
	Timestamp              time.Time
}

// OutboundResponse is the interpretation of a peer's AdhocQueryResponse.
// Exactly one of DocumentReferences and OperationOutcome is set.
type OutboundResponse struct {
	ID                     string
	PatientID              string
	Gateway                ihe.Gateway
	ExternalGatewayPatient ihe.XCPDPatientID
	DocumentReferences     []ihe.DocumentReference
	OperationOutcome       *ihe.OperationOutcome
	ResponseTimestamp      time.Time
}
