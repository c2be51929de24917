// Package xcpd translates Cross-Community Patient Discovery (ITI-55)
// messages to and from the gateway's domain model.
package xcpd

import (
	"time"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
)

// InboundRequest is a parsed PRPA_IN201305UV02 from a remote gateway.
type InboundRequest struct {
	// ID is the HL7 message id/@extension. It is echoed in the response's
	// targetMessage and queryAck so the peer can correlate.
	ID     string
	IDRoot string
	// QueryID is queryByParameter/queryId/@extension.
	QueryID string

	MessageID             string
	Timestamp             string
	SignatureConfirmation string

	SamlAttributes           ihe.SamlAttributes
	PatientResource          ihe.PatientResource
	PrincipalCareProviderIDs []string
}

// OutboundRequest is a patient discovery we send to one remote gateway.
type OutboundRequest struct {
	// ID becomes both the HL7 message id and the WS-Addressing MessageID.
	ID                       string              `validate:"required"`
	PatientID                string              `validate:"required"`
	Gateway                  ihe.Gateway         `validate:"required"`
	PatientResource          ihe.PatientResource `validate:"required"`
	PrincipalCareProviderIDs []string
	PurposeOfUse             string
	// QueryGrantorOID is set when querying on behalf of another
	// organization.
	QueryGrantorOID string
	Timestamp       time.Time
}

// OutboundResponse is the interpretation of a remote gateway's answer.
type OutboundResponse struct {
	ID                string
	PatientID         string
	Gateway           ihe.Gateway
	Outcome           ihe.DiscoveryOutcome
	ResponseTimestamp time.Time
}
