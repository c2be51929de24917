package dq

import (
	"regexp"
	"strings"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

// patientIDPattern matches the CX composite once quotes are stripped:
// id^^^&system&ISO, or id^^^system:ISO as some peers send it.
var patientIDPattern = regexp.MustCompile(`^([^\^]+)\^\^\^&?([^&:\^]+)(?:[&:]ISO)?$`)

// ParsePatientID decodes a $XDSDocumentEntryPatientId value.
func ParsePatientID(v string) (ihe.XCPDPatientID, bool) {
	v = strings.Trim(strings.TrimSpace(v), `'"() `)
	v = strings.Replace(v, "^^^&urn:oid:", "^^^&", 1)
	v = strings.Replace(v, "^^^urn:oid:", "^^^", 1)
	m := patientIDPattern.FindStringSubmatch(v)
	if m == nil {
		return ihe.XCPDPatientID{}, false
	}
	id, system := strings.Trim(m[1], `'" `), strings.Trim(m[2], `'" `)
	if id == "" || system == "" {
		return ihe.XCPDPatientID{}, false
	}
	return ihe.XCPDPatientID{ID: id, System: system}, true
}

// FormatPatientID encodes p as 'id^^^&system&ISO'.
func FormatPatientID(p ihe.XCPDPatientID) string {
	return "'" + p.ID + "^^^&" + p.System + "&ISO'"
}

func unquote(v string) string {
	return strings.Trim(strings.TrimSpace(v), `'"`)
}

// listValues splits a multi-valued slot entry such as ('a','b') into its
// members.
func listValues(v string) []string {
	v = strings.TrimSpace(v)
	v = strings.TrimSuffix(strings.TrimPrefix(v, "("), ")")
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := unquote(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// codedValues reads code^^system members.
func codedValues(vals []string) []ihe.Coding {
	var out []ihe.Coding
	for _, v := range vals {
		for _, member := range listValues(v) {
			code, system, _ := strings.Cut(member, "^^")
			if code == "" {
				continue
			}
			out = append(out, ihe.Coding{Code: code, System: system})
		}
	}
	return out
}

func formatCoded(c *ihe.Coding) string {
	if c == nil || c.Code == "" || c.System == "" {
		return ""
	}
	return "('" + c.Code + "^^" + c.System + "')"
}

// slots indexes an AdhocQuery's Slot children by name.
type slots map[string][]string

func readSlots(query *xmlcodec.Node) slots {
	out := slots{}
	for _, s := range query.All("Slot") {
		name := s.Attr("name")
		for _, v := range s.Find("ValueList").All("Value") {
			if t := strings.TrimSpace(v.TextValue()); t != "" {
				out[name] = append(out[name], t)
			}
		}
	}
	return out
}

func (s slots) first(name string) string {
	if v := s[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (s slots) dateRange(from, to string) DateRange {
	var r DateRange
	if v := unquote(s.first(from)); v != "" {
		r.From, _ = ihe.ParseHL7Timestamp(v)
	}
	if v := unquote(s.first(to)); v != "" {
		r.To, _ = ihe.ParseHL7Timestamp(v)
	}
	return r
}

// slot builds an rim:Slot with one value, or nil when value is empty.
func slot(name, value string) *xmlcodec.Node {
	if value == "" {
		return nil
	}
	return xmlcodec.El("rim:Slot",
		xmlcodec.El("rim:ValueList", xmlcodec.TextEl("rim:Value", value)),
	).Set("name", name)
}
