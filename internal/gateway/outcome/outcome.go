// Package outcome classifies patient discovery acknowledgements.
package outcome

import (
	"strings"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
)

// Classify maps an acknowledgement type code and query response code onto
// a discovery outcome. It is total: any pair outside the table is an error.
//
//	AA, OK -> match
//	AA, NF -> no match
//	*      -> error
func Classify(ack, queryResponseCode string) ihe.OutcomeKind {
	ack = strings.ToUpper(strings.TrimSpace(ack))
	code := strings.ToUpper(strings.TrimSpace(queryResponseCode))
	if ack != ihe.AckAccept {
		return ihe.OutcomeError
	}
	switch code {
	case ihe.QueryResponseOK:
		return ihe.OutcomeMatch
	case ihe.QueryResponseNotFound:
		return ihe.OutcomeNoMatch
	default:
		return ihe.OutcomeError
	}
}

// Codes is the inverse of Classify, used when answering a request.
func Codes(kind ihe.OutcomeKind) (ack, queryResponseCode string) {
	switch kind {
	case ihe.OutcomeMatch:
		return ihe.AckAccept, ihe.QueryResponseOK
	case ihe.OutcomeNoMatch:
		return ihe.AckAccept, ihe.QueryResponseNotFound
	default:
		return ihe.AckError, ihe.QueryResponseError
	}
}

// Of returns the kind of o, treating a nil outcome as an error.
func Of(o ihe.DiscoveryOutcome) ihe.OutcomeKind {
	if o == nil {
		return ihe.OutcomeError
	}
	return o.Kind()
}
