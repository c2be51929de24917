// Package security decodes the SAML assertion carried in an inbound
// WS-Security header and builds the headers attached to outgoing requests
// and responses.
package security

import (
	"strings"
	"time"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

// ValueKind tells which wire shape an AttributeValue had.
type ValueKind int

const (
	// ValueText is a plain string, with or without attributes on the
	// AttributeValue element.
	ValueText ValueKind = iota
	// ValueRole is an hl7:Role coded element.
	ValueRole
	// ValuePurposeOfUse is an hl7:PurposeOfUse coded element.
	ValuePurposeOfUse
)

// AttributeValue is one decoded saml2:AttributeValue.
type AttributeValue struct {
	Kind       ValueKind
	Text       string
	Code       string
	CodeSystem string
	Display    string
}

// String returns the code for coded values and the text otherwise.
func (v AttributeValue) String() string {
	if v.Kind == ValueText {
		return v.Text
	}
	return v.Code
}

// DecodeAttributeValue picks the variant from the element's content. Peers
// send text either bare or wrapped with type attributes; both end up as the
// element's character data and decode the same way.
func DecodeAttributeValue(n *xmlcodec.Node) AttributeValue {
	if role := n.First("Role"); role != nil {
		return codedValue(ValueRole, role)
	}
	if pou := n.First("PurposeOfUse"); pou != nil {
		return codedValue(ValuePurposeOfUse, pou)
	}
	return AttributeValue{Kind: ValueText, Text: strings.TrimSpace(n.TextValue())}
}

func codedValue(kind ValueKind, n *xmlcodec.Node) AttributeValue {
	return AttributeValue{
		Kind:       kind,
		Code:       n.Attr("code"),
		CodeSystem: n.Attr("codeSystem"),
		Display:    n.Attr("displayName"),
	}
}

// attributeStatement finds the AttributeStatement from either the SOAP
// header or the Security block itself.
func attributeStatement(header *xmlcodec.Node) *xmlcodec.Node {
	return securityBlock(header).Find("Assertion", "AttributeStatement")
}

// Attributes returns every attribute of the assertion keyed by name. Only
// the first AttributeValue of each attribute is kept.
func Attributes(header *xmlcodec.Node) map[string]AttributeValue {
	out := make(map[string]AttributeValue)
	for _, attr := range attributeStatement(header).All("Attribute") {
		name := attr.Attr("Name")
		if name == "" {
			continue
		}
		if _, seen := out[name]; seen {
			continue
		}
		values := attr.All("AttributeValue")
		if len(values) == 0 {
			continue
		}
		out[name] = DecodeAttributeValue(values[0])
	}
	return out
}

// ExtractAttributes reads the caller identity from the SAML assertion in
// header. Organization, organization id and home community id are
// mandatory; the other attributes fall back to defaults.
func ExtractAttributes(header *xmlcodec.Node) (ihe.SamlAttributes, error) {
	const op = "security.ExtractAttributes"

	if attributeStatement(header) == nil {
		return ihe.SamlAttributes{}, ihe.Errorf(ihe.ErrMissingRequiredAttribute, op, "no AttributeStatement in security header")
	}
	attrs := Attributes(header)

	text := func(name string) string {
		return strings.TrimSpace(attrs[name].String())
	}

	out := ihe.SamlAttributes{
		SubjectID:       text(ihe.AttrSubjectID),
		Organization:    text(ihe.AttrOrganization),
		OrganizationID:  ihe.StripURNPrefix(text(ihe.AttrOrganizationID)),
		HomeCommunityID: ihe.StripURNPrefix(text(ihe.AttrHomeCommunityID)),
		PurposeOfUse:    text(ihe.AttrPurposeOfUse),
		PrincipalOID:    grantorOID(text(ihe.AttrQueryGrantor)),
	}

	var missing []string
	if out.Organization == "" {
		missing = append(missing, ihe.AttrOrganization)
	}
	if out.OrganizationID == "" {
		missing = append(missing, ihe.AttrOrganizationID)
	}
	if out.HomeCommunityID == "" {
		missing = append(missing, ihe.AttrHomeCommunityID)
	}
	if len(missing) > 0 {
		return ihe.SamlAttributes{}, ihe.Errorf(ihe.ErrMissingRequiredAttribute, op, "%s", strings.Join(missing, ", "))
	}

	if out.SubjectID == "" {
		out.SubjectID = ihe.DefaultSubjectID
	}
	if out.PurposeOfUse == "" {
		out.PurposeOfUse = ihe.DefaultPurposeOfUse
	}

	role, ok := attrs[ihe.AttrRole]
	switch {
	case ok && role.Kind == ValueRole && role.Code != "":
		out.SubjectRole = ihe.Code{Code: role.Code, Display: role.Display}
	case ok && role.Kind == ValueText && role.Text != "":
		out.SubjectRole = ihe.Code{Code: role.Text, Display: role.Text}
	default:
		out.SubjectRole = ihe.Code{Code: ihe.DefaultRoleCode, Display: ihe.DefaultRoleDisplay}
	}
	return out, nil
}

// grantorOID accepts "Organization/<oid>", "urn:oid:<oid>" or a bare OID.
func grantorOID(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, ihe.GrantorValuePrefix)
	return ihe.StripURNPrefix(v)
}

// ExtractTimestamp returns the wsu:Created value of the security header.
func ExtractTimestamp(header *xmlcodec.Node) (string, error) {
	ts := securityBlock(header).Find("Timestamp", "Created").TextValue()
	if ts == "" {
		return "", ihe.Errorf(ihe.ErrSchemaValidation, "security.ExtractTimestamp", "no Timestamp/Created in security header")
	}
	return strings.TrimSpace(ts), nil
}

// ValidateTimestamp checks the wsu:Timestamp against now. A message is
// refused once Expires has passed or once Created is more than window
// old, so nothing outlives the replay guard's memory. Created may not lie
// more than window ahead of now. A non-positive window only applies the
// Expires check.
func ValidateTimestamp(header *xmlcodec.Node, now time.Time, window time.Duration) error {
	const op = "security.ValidateTimestamp"
	raw, err := ExtractTimestamp(header)
	if err != nil {
		return err
	}
	created, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return ihe.Errorf(ihe.ErrSchemaValidation, op, "invalid Created %q", raw)
	}

	var expires time.Time
	if v := strings.TrimSpace(securityBlock(header).Value("Timestamp", "Expires")); v != "" {
		if expires, err = time.Parse(time.RFC3339, v); err != nil {
			return ihe.Errorf(ihe.ErrSchemaValidation, op, "invalid Expires %q", v)
		}
	}

	switch {
	case !expires.IsZero() && expires.Before(now):
		return ihe.Errorf(ihe.ErrSchemaValidation, op, "security timestamp expired at %s", FormatTimestamp(expires))
	case window <= 0:
		return nil
	case created.After(now.Add(window)):
		return ihe.Errorf(ihe.ErrSchemaValidation, op, "security timestamp created in the future (%s)", FormatTimestamp(created))
	case now.After(created.Add(window)):
		return ihe.Errorf(ihe.ErrSchemaValidation, op, "security timestamp created at %s is older than %s", FormatTimestamp(created), window)
	}
	return nil
}

// ExtractSignatureValue returns the request's ds:SignatureValue, which a
// response echoes back as its SignatureConfirmation. Unsigned requests
// yield "".
func ExtractSignatureValue(header *xmlcodec.Node) string {
	sec := securityBlock(header)
	if v := sec.Value("Signature", "SignatureValue"); v != "" {
		return strings.TrimSpace(v)
	}
	// Some peers sign the assertion rather than the whole header.
	return strings.TrimSpace(sec.Value("Assertion", "Signature", "SignatureValue"))
}

func securityBlock(header *xmlcodec.Node) *xmlcodec.Node {
	if header != nil && xmlcodec.LocalName(header.Name) == "Security" {
		return header
	}
	return header.First("Security")
}
