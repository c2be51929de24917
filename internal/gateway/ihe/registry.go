package ihe

import (
	"strings"

	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

// RegistryErrorList builds an rs:RegistryErrorList. The caller declares
// the rs prefix on an enclosing element. An empty list yields nil.
func RegistryErrorList(errs []RegistryError) *xmlcodec.Node {
	if len(errs) == 0 {
		return nil
	}
	highest := SeverityWarning
	list := xmlcodec.El("rs:RegistryErrorList")
	for _, e := range errs {
		sev := registrySeverity(e.Severity)
		if sev == SeverityError {
			highest = SeverityError
		}
		code := e.Code
		if code == "" {
			code = ErrorCodeRegistry
		}
		list.Add(xmlcodec.El("rs:RegistryError").
			Set("codeContext", e.Text).
			Set("errorCode", code).
			Set("severity", sev))
	}
	return list.Set("highestSeverity", highest)
}

// ParseRegistryErrors reads every RegistryError under list.
func ParseRegistryErrors(list *xmlcodec.Node) []RegistryError {
	var out []RegistryError
	for _, e := range list.All("RegistryError") {
		text := e.Attr("codeContext")
		if text == "" {
			text = strings.TrimSpace(e.TextValue())
		}
		out = append(out, RegistryError{
			Code:     e.Attr("errorCode"),
			Severity: registrySeverity(e.Attr("severity")),
			Text:     text,
		})
	}
	return out
}

// OutcomeFromRegistryErrors turns a peer's registry errors into an
// operation outcome for request id.
func OutcomeFromRegistryErrors(id string, errs []RegistryError) OperationOutcome {
	oo := OperationOutcome{ID: id}
	for _, e := range errs {
		sev := "error"
		if e.Severity == SeverityWarning {
			sev = "warning"
		}
		issue := Issue{Severity: sev, Code: "processing", Text: e.Text}
		if e.Code != "" {
			issue.Coding = &Coding{Code: e.Code}
		}
		oo.Issues = append(oo.Issues, issue)
	}
	return oo
}

// ResponseStatusIs compares a registry status ignoring the urn namespace a
// peer chose, so "Success" matches StatusSuccess.
func ResponseStatusIs(status, want string) bool {
	return statusName(status) == statusName(want)
}

func statusName(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	return strings.ToLower(s)
}
