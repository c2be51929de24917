package security

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

// TimestampLayout matches the millisecond UTC form peers expect in
// wsu:Created and wsu:Expires.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// DefaultWindow is the lifetime of a header's timestamp.
const DefaultWindow = 5 * time.Minute

// basicNameFormatGateway rejects the uri NameFormat on subject-id while
// other gateways require it.
const basicNameFormatGateway = "1.3.6.1.4.1.41800.100"

// FormatTimestamp renders t for a WS-Security timestamp.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// BuildResponseHeader returns the wsse:Security block attached to every
// response. signatureConfirmation echoes the request's SignatureValue and is
// left out entirely when empty.
func BuildResponseHeader(now time.Time, window time.Duration, signatureConfirmation string) *xmlcodec.Node {
	if window <= 0 {
		window = DefaultWindow
	}
	sec := xmlcodec.El("wsse:Security",
		timestamp(now, window, ""),
	).Set("xmlns:wsse", ihe.NSWSSE).Set("xmlns:ds", ihe.NSDS).Set("xmlns:wsu", ihe.NSWSU)

	if signatureConfirmation != "" {
		sec.Add(xmlcodec.El("SignatureConfirmation",
			xmlcodec.TextEl("SignatureValue", signatureConfirmation),
		).Set("xmlns", ihe.NSWSSE11))
	}
	return sec
}

func timestamp(now time.Time, window time.Duration, id string) *xmlcodec.Node {
	return xmlcodec.El("wsu:Timestamp",
		xmlcodec.TextEl("wsu:Created", FormatTimestamp(now)),
		xmlcodec.TextEl("wsu:Expires", FormatTimestamp(now.Add(window))),
	).Set("wsu:Id", id)
}

// ---------------------------------------------------------------------------
// Outbound assertion
// ---------------------------------------------------------------------------

// Identity is the public half of the gateway's signing certificate as it is
// embedded in holder-of-key assertions.
type Identity struct {
	// Certificate is the base64 DER body of the certificate.
	Certificate string
	Modulus     string
	Exponent    string
}

// ErrNotRSA is returned for certificates without an RSA public key.
var ErrNotRSA = errors.New("security: certificate public key is not RSA")

// NewIdentity reads a PEM encoded certificate.
func NewIdentity(certPEM []byte) (*Identity, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("security: no CERTIFICATE block in PEM input")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("security: parse certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSA
	}
	return &Identity{
		Certificate: base64.StdEncoding.EncodeToString(block.Bytes),
		Modulus:     base64.StdEncoding.EncodeToString(pub.N.Bytes()),
		Exponent:    base64.StdEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}, nil
}

// RequestHeader carries what an outbound assertion states about us.
type RequestHeader struct {
	Now    time.Time
	Window time.Duration

	// ToURL is the remote endpoint, used as the assertion audience.
	ToURL string
	// GatewayOID selects the subject-id NameFormat some peers require.
	GatewayOID string

	Issuer          string
	SubjectName     string
	SubjectID       string
	Organization    string
	OrganizationID  string // defaults to HomeCommunityID
	HomeCommunityID string
	PurposeOfUse    string
	// QueryGrantorOID is set when querying on behalf of another
	// organization.
	QueryGrantorOID string
}

// BuildRequestHeader returns the wsse:Security block with a holder-of-key
// SAML 2.0 assertion for an outbound request. The assertion is not signed
// here.
func BuildRequestHeader(id *Identity, h RequestHeader) (*xmlcodec.Node, error) {
	if id == nil {
		return nil, fmt.Errorf("security: no identity configured for outbound requests")
	}
	if h.Window <= 0 {
		h.Window = DefaultWindow
	}
	if h.PurposeOfUse == "" {
		h.PurposeOfUse = ihe.DefaultPurposeOfUse
	}
	if h.OrganizationID == "" {
		h.OrganizationID = h.HomeCommunityID
	}
	created := FormatTimestamp(h.Now)
	expires := FormatTimestamp(h.Now.Add(h.Window))

	subjectFormat := ihe.NameFormatURI
	if h.GatewayOID == basicNameFormatGateway {
		subjectFormat = ihe.NameFormatBasic
	}

	attributes := xmlcodec.El("saml2:AttributeStatement",
		xmlcodec.El("saml2:Attribute",
			xmlcodec.TextEl("saml2:AttributeValue", h.SubjectID).Set("xsi:type", "xs:string"),
		).Set("Name", ihe.AttrSubjectID).Set("NameFormat", subjectFormat),
		textAttribute(ihe.AttrOrganization, h.Organization),
		textAttribute(ihe.AttrOrganizationID, ihe.WrapURNOID(h.OrganizationID)),
		textAttribute(ihe.AttrHomeCommunityID, ihe.WrapURNOID(h.HomeCommunityID)),
		xmlcodec.El("saml2:Attribute",
			xmlcodec.El("saml2:AttributeValue",
				xmlcodec.El("hl7:Role").
					Set("xmlns:hl7", ihe.NSHL7).
					Set("code", ihe.DefaultRoleCode).
					Set("codeSystem", ihe.SNOMEDSystem).
					Set("codeSystemName", "SNOMED_CT").
					Set("displayName", ihe.DefaultRoleDisplay),
			),
		).Set("Name", ihe.AttrRole),
		xmlcodec.El("saml2:Attribute",
			xmlcodec.El("saml2:AttributeValue",
				xmlcodec.El("hl7:PurposeOfUse").
					Set("xmlns:hl7", ihe.NSHL7).
					Set("xsi:type", "hl7:CE").
					Set("code", h.PurposeOfUse).
					Set("codeSystem", ihe.NHINPurposeSystem).
					Set("codeSystemName", "nhin-purpose").
					Set("displayName", ihe.PurposeOfUseDisplay(h.PurposeOfUse)),
			),
		).Set("Name", ihe.AttrPurposeOfUse),
	)
	if h.QueryGrantorOID != "" {
		attributes.Add(textAttribute(ihe.AttrQueryGrantor, ihe.GrantorValuePrefix+ihe.StripURNPrefix(h.QueryGrantorOID)))
	}

	assertion := xmlcodec.El("saml2:Assertion",
		xmlcodec.TextEl("saml2:Issuer", h.Issuer).Set("Format", "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"),
		xmlcodec.El("saml2:Subject",
			xmlcodec.TextEl("saml2:NameID", h.SubjectName).Set("Format", "urn:oasis:names:tc:SAML:1.1:nameid-format:X509SubjectName"),
			xmlcodec.El("saml2:SubjectConfirmation",
				xmlcodec.El("saml2:SubjectConfirmationData",
					xmlcodec.El("ds:KeyInfo",
						xmlcodec.El("ds:KeyValue",
							xmlcodec.El("ds:RSAKeyValue",
								xmlcodec.TextEl("ds:Modulus", id.Modulus),
								xmlcodec.TextEl("ds:Exponent", id.Exponent),
							),
						),
						xmlcodec.El("ds:X509Data", xmlcodec.TextEl("ds:X509Certificate", id.Certificate)),
					),
				),
			).Set("Method", "urn:oasis:names:tc:SAML:2.0:cm:holder-of-key"),
		),
		xmlcodec.El("saml2:Conditions",
			xmlcodec.El("saml2:AudienceRestriction", xmlcodec.TextEl("saml2:Audience", h.ToURL)),
		).Set("NotBefore", created).Set("NotOnOrAfter", expires),
		xmlcodec.El("saml2:AuthnStatement",
			xmlcodec.El("saml2:SubjectLocality").Set("Address", "127.0.0.1").Set("DNSName", "localhost"),
			xmlcodec.El("saml2:AuthnContext",
				xmlcodec.TextEl("saml2:AuthnContextClassRef", "urn:oasis:names:tc:SAML:2.0:ac:classes:X509"),
			),
		).Set("AuthnInstant", created),
		attributes,
	).
		Set("xmlns:saml2", ihe.NSSAML2).
		Set("xmlns:xs", ihe.NSXSD).
		Set("xmlns:xsi", ihe.NSXSI).
		Set("ID", "_"+uuid.NewString()).
		Set("IssueInstant", created).
		Set("Version", "2.0")

	return xmlcodec.El("wsse:Security",
		timestamp(h.Now, h.Window, "TS-"+uuid.NewString()),
		assertion,
	).Set("xmlns:wsse", ihe.NSWSSE).Set("xmlns:ds", ihe.NSDS).Set("xmlns:wsu", ihe.NSWSU), nil
}

func textAttribute(name, value string) *xmlcodec.Node {
	return xmlcodec.El("saml2:Attribute",
		xmlcodec.TextEl("saml2:AttributeValue", value),
	).Set("Name", name).Set("NameFormat", ihe.NameFormatURI)
}
