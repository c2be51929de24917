package security

import (
	"time"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

// Requester describes this gateway when it initiates a request.
type Requester struct {
	HomeCommunityID string
	Organization    string
	// OrganizationID is the organization-id attribute; empty means
	// HomeCommunityID.
	OrganizationID string
	// SubjectID names the person or system on whose behalf we query.
	SubjectID   string
	Issuer      string
	SubjectName string
	ReplyTo     string
	Identity    *Identity
	Window      time.Duration
}

// Header builds the outbound security header for a request to gw.
// grantorOID is non-empty when querying on behalf of another organization.
func (r Requester) Header(now time.Time, gw ihe.Gateway, purposeOfUse, grantorOID string) (*xmlcodec.Node, error) {
	subject := r.SubjectID
	if subject == "" {
		subject = r.Organization
	}
	return BuildRequestHeader(r.Identity, RequestHeader{
		Now:             now,
		Window:          r.Window,
		ToURL:           gw.URL,
		GatewayOID:      gw.OID,
		Issuer:          r.Issuer,
		SubjectName:     r.SubjectName,
		SubjectID:       subject,
		Organization:    r.Organization,
		OrganizationID:  r.OrganizationID,
		HomeCommunityID: r.HomeCommunityID,
		PurposeOfUse:    purposeOfUse,
		QueryGrantorOID: grantorOID,
	})
}

// Responder describes this gateway when it answers a request.
type Responder struct {
	HomeCommunityID string
	Organization    string
	Window          time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Time returns the current time from r.Now, or the wall clock.
func (r Responder) Time() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Header builds the response security header echoing signatureConfirmation.
func (r Responder) Header(now time.Time, signatureConfirmation string) *xmlcodec.Node {
	return BuildResponseHeader(now, r.Window, signatureConfirmation)
}
