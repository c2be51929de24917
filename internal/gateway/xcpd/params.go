package xcpd

import (
	"strings"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

// encoder prefixes HL7 element names. Most peers accept urn:, a few need
// the elements unqualified.
type encoder struct {
	prefix string
}

func (e encoder) el(name string, children ...*xmlcodec.Node) *xmlcodec.Node {
	return xmlcodec.El(e.prefix+name, children...)
}

func (e encoder) text(name, text string) *xmlcodec.Node {
	return xmlcodec.TextEl(e.prefix+name, text)
}

// parameter wraps values in a parameterList entry. Without values the
// entry is empty and dropped on build.
func (e encoder) parameter(name, semantics string, values ...*xmlcodec.Node) *xmlcodec.Node {
	p := e.el(name, values...)
	if p.IsEmpty() {
		return p
	}
	return p.Add(e.text("semanticsText", semantics))
}

func (e encoder) parameterList(pr ihe.PatientResource, providerIDs []string) *xmlcodec.Node {
	var names, addrs, telecoms, ids, providers []*xmlcodec.Node
	for _, n := range pr.Name {
		names = append(names, e.name("value", n))
	}
	for _, a := range pr.Address {
		if !a.IsEmpty() {
			addrs = append(addrs, e.addr("value", a))
		}
	}
	for _, t := range pr.Telecom {
		telecoms = append(telecoms, e.telecom("value", t))
	}
	for _, id := range pr.Identifier {
		ids = append(ids, e.el("value").Set("extension", id.Value).Set("root", id.System))
	}
	for _, p := range providerIDs {
		providers = append(providers, e.el("value").Set("extension", p).Set("root", ihe.NPIRoot))
	}

	return e.el("parameterList",
		e.parameter("livingSubjectAdministrativeGender", "LivingSubject.administrativeGender",
			e.el("value").Set("code", ihe.GenderToHL7(pr.Gender)).Set("codeSystem", ihe.AdministrativeGenderSystem)),
		e.parameter("livingSubjectBirthTime", "LivingSubject.birthTime",
			e.el("value").Set("value", ihe.HL7DateFromISO(pr.BirthDate))),
		e.parameter("livingSubjectId", "LivingSubject.id", ids...),
		e.parameter("livingSubjectName", "LivingSubject.name", names...),
		e.parameter("patientAddress", "Patient.addr", addrs...),
		e.parameter("patientTelecom", "Patient.telecom", telecoms...),
		e.parameter("principalCareProviderId", "AssignedProvider.id", providers...),
	)
}

func (e encoder) name(tag string, n ihe.HumanName) *xmlcodec.Node {
	out := e.el(tag)
	for _, g := range n.Given {
		out.Add(e.text("given", g))
	}
	return out.Add(e.text("family", n.Family))
}

func (e encoder) addr(tag string, a ihe.Address) *xmlcodec.Node {
	out := e.el(tag)
	for _, l := range a.Line {
		out.Add(e.text("streetAddressLine", l))
	}
	return out.Add(
		e.text("city", a.City),
		e.text("state", a.State),
		e.text("postalCode", a.PostalCode),
		e.text("country", a.Country),
	)
}

func (e encoder) telecom(tag string, t ihe.ContactPoint) *xmlcodec.Node {
	use := t.System
	if use == "" {
		use = "HP"
	}
	return e.el(tag).Set("use", use).Set("value", t.Value)
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

func decodeName(n *xmlcodec.Node) ihe.HumanName {
	out := ihe.HumanName{Family: strings.TrimSpace(n.Value("family"))}
	for _, g := range n.All("given") {
		if v := strings.TrimSpace(g.TextValue()); v != "" {
			out.Given = append(out.Given, v)
		}
	}
	return out
}

func decodeAddr(n *xmlcodec.Node) ihe.Address {
	out := ihe.Address{
		City:       strings.TrimSpace(n.Value("city")),
		State:      strings.TrimSpace(n.Value("state")),
		PostalCode: strings.TrimSpace(n.Value("postalCode")),
		Country:    strings.TrimSpace(n.Value("country")),
	}
	for _, l := range n.All("streetAddressLine") {
		if v := strings.TrimSpace(l.TextValue()); v != "" {
			out.Line = append(out.Line, v)
		}
	}
	return out
}

func decodeTelecom(n *xmlcodec.Node) ihe.ContactPoint {
	return ihe.ContactPoint{System: n.Attr("use"), Value: n.Attr("value")}
}

func decodeIdentifier(n *xmlcodec.Node) ihe.Identifier {
	return ihe.Identifier{System: n.Attr("root"), Value: n.Attr("extension")}
}

// decodeParameterList reads the demographics of a query. Only the name is
// required; every other parameter is optional.
func decodeParameterList(pl *xmlcodec.Node) (ihe.PatientResource, []string, error) {
	var pr ihe.PatientResource
	for _, p := range pl.All("livingSubjectName") {
		for _, v := range p.All("value") {
			n := decodeName(v)
			if n.Family != "" || len(n.Given) > 0 {
				pr.Name = append(pr.Name, n)
			}
		}
	}
	if len(pr.Name) == 0 {
		return ihe.PatientResource{}, nil, ihe.Errorf(ihe.ErrSchemaValidation, "xcpd.ParseInboundRequest", "livingSubjectName is missing")
	}

	pr.Gender = ihe.GenderFromHL7(pl.Value("livingSubjectAdministrativeGender", "value", "_code"))
	pr.BirthDate = ihe.ISODateFromHL7(pl.Value("livingSubjectBirthTime", "value", "_value"))

	for _, p := range pl.All("patientAddress") {
		for _, v := range p.All("value") {
			if a := decodeAddr(v); !a.IsEmpty() {
				pr.Address = append(pr.Address, a)
			}
		}
	}
	for _, p := range pl.All("patientTelecom") {
		for _, v := range p.All("value") {
			if t := decodeTelecom(v); t.Value != "" {
				pr.Telecom = append(pr.Telecom, t)
			}
		}
	}
	for _, p := range pl.All("livingSubjectId") {
		for _, v := range p.All("value") {
			if id := decodeIdentifier(v); id.Value != "" || id.System != "" {
				pr.Identifier = append(pr.Identifier, id)
			}
		}
	}

	var providers []string
	for _, p := range pl.All("principalCareProviderId") {
		for _, v := range p.All("value") {
			if ext := v.Attr("extension"); ext != "" {
				providers = append(providers, ext)
			}
		}
	}
	return pr, providers, nil
}

// decodePatientPerson reads the demographic snapshot a peer returns with a
// match.
func decodePatientPerson(pp *xmlcodec.Node) ihe.PatientResource {
	var pr ihe.PatientResource
	for _, n := range pp.All("name") {
		pr.Name = append(pr.Name, decodeName(n))
	}
	pr.Gender = ihe.GenderFromHL7(pp.Value("administrativeGenderCode", "_code"))
	pr.BirthDate = ihe.ISODateFromHL7(pp.Value("birthTime", "_value"))
	for _, a := range pp.All("addr") {
		addr := decodeAddr(a)
		if addr.City == "" && addr.State == "" && addr.PostalCode == "" {
			continue
		}
		pr.Address = append(pr.Address, addr)
	}
	for _, t := range pp.All("telecom") {
		tel := decodeTelecom(t)
		if tel.System == "" && tel.Value == "" {
			continue
		}
		pr.Telecom = append(pr.Telecom, tel)
	}
	for _, other := range pp.All("asOtherIDs") {
		for _, id := range other.All("id") {
			if ident := decodeIdentifier(id); ident.Value != "" || ident.System != "" {
				pr.Identifier = append(pr.Identifier, ident)
			}
		}
	}
	return pr
}
