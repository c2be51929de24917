// Package dr translates Cross Gateway Retrieve (ITI-39) messages and moves
// document bodies between peers and object storage.
package dr

import (
	"time"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
)

// DefaultConcurrency bounds parallel storage fetches when Options leaves it
// unset.
const DefaultConcurrency = 5

// InboundRequest is a parsed RetrieveDocumentSetRequest. DocumentReferences
// is never empty and keeps the peer's order.
type InboundRequest struct {
	ID                    string
	MessageID             string
	Timestamp             string
	SignatureConfirmation string
	SamlAttributes        ihe.SamlAttributes
	DocumentReferences    []ihe.DocumentReference
}

// InboundResponse is what the document locator decided to serve. With no
// references the response is a registry failure built from
// OperationOutcome. A reference's FileName, when set, is its storage key.
// PatientID, when known, is recorded in the accounting of disclosures.
type InboundResponse struct {
	ID                 string
	PatientID          string
	DocumentReferences []ihe.DocumentReference
	OperationOutcome   *ihe.OperationOutcome
}

// Options configures storage access for a response.
type Options struct {
	Bucket      string
	Concurrency int
}

// OutboundRequest retrieves documents found by an earlier query.
type OutboundRequest struct {
	ID                 string                  `validate:"required"`
	PatientID          string                  `validate:"required"`
	Gateway            ihe.Gateway             `validate:"required"`
	DocumentReferences []ihe.DocumentReference `validate:"required,min=1,dive"`
	PurposeOfUse       string
	QueryGrantorOID    string
	Timestamp          time.Time
}

// OutboundResponse holds the decoded documents of a peer's reply. Documents
// the peer failed to deliver, or that could not be decoded, are reported
// in OperationOutcome.
type OutboundResponse struct {
	ID                string
	PatientID         string
	Gateway           ihe.Gateway
	Documents         []ihe.RetrievedDocument
	OperationOutcome  *ihe.OperationOutcome
	ResponseTimestamp time.Time
}

// StoredDocument is the result of saving one retrieved document.
type StoredDocument struct {
	Reference ihe.DocumentReference
	Key       string
	New       bool
}
