package ihe

import (
	"errors"
	"testing"
	"time"

	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

func TestStripURNPrefix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"urn:oid:2.16.840.1.113883.3.9621", "2.16.840.1.113883.3.9621"},
		{"URN:OID:1.2.3", "1.2.3"},
		{"urn:uuid:abc", "abc"},
		{"1.2.3", "1.2.3"},
		{"  urn:oid:1.2  ", "1.2"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := StripURNPrefix(tt.in); got != tt.want {
			t.Errorf("StripURNPrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWrapURN(t *testing.T) {
	if got := WrapURNOID("1.2.3"); got != "urn:oid:1.2.3" {
		t.Errorf("WrapURNOID = %q", got)
	}
	if got := WrapURNOID("urn:oid:1.2.3"); got != "urn:oid:1.2.3" {
		t.Errorf("WrapURNOID double-wrapped: %q", got)
	}
	if got := WrapURNUUID("abc"); got != "urn:uuid:abc" {
		t.Errorf("WrapURNUUID = %q", got)
	}
	if got := WrapURNOID(""); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestISODateFromHL7(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"19810712", "1981-07-12"},
		{"19810712083000", "1981-07-12"},
		{"19810712083000.123-0500", "1981-07-12"},
		{"1981-07-12", "1981-07-12"},
		{"1981", ""},
		{"1981AB12", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ISODateFromHL7(tt.in); got != tt.want {
			t.Errorf("ISODateFromHL7(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHL7DateFromISO(t *testing.T) {
	if got := HL7DateFromISO("1981-07-12"); got != "19810712" {
		t.Errorf("got %q", got)
	}
	if got := HL7DateFromISO("1981-07-12T10:00:00Z"); got != "19810712" {
		t.Errorf("got %q", got)
	}
}

func TestFormatHL7Timestamp(t *testing.T) {
	ts := time.Date(2024, 3, 9, 7, 5, 1, 0, time.FixedZone("x", 3600))
	if got := FormatHL7Timestamp(ts); got != "20240309060501" {
		t.Errorf("got %q", got)
	}
}

func TestParseHL7Timestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"20240315", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"20240315093000", time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)},
		{"20240315093000.123-0500", time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)},
		{"2024", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseHL7Timestamp(tt.in)
		if err != nil {
			t.Fatalf("ParseHL7Timestamp(%q): %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseHL7Timestamp(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	for _, bad := range []string{"", "2024031", "notadate"} {
		if _, err := ParseHL7Timestamp(bad); err == nil {
			t.Errorf("ParseHL7Timestamp(%q): expected error", bad)
		}
	}
}

func TestGender(t *testing.T) {
	if GenderFromHL7("M") != "male" || GenderFromHL7("f") != "female" {
		t.Error("expected M/F to map to male/female")
	}
	if GenderFromHL7("UN") != "" || GenderFromHL7("") != "" {
		t.Error("expected unknown codes to map to empty")
	}
	if GenderToHL7("female") != "F" || GenderToHL7("") != "UN" {
		t.Error("unexpected inverse mapping")
	}
}

func TestError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(ErrStorageFetch, "dr.fetch", cause)
	if !errors.Is(err, ErrStorageFetch) {
		t.Error("expected errors.Is to match the kind")
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
	if errors.Is(err, ErrSchemaValidation) {
		t.Error("did not expect a different kind to match")
	}
	var ie *Error
	if !errors.As(err, &ie) || ie.Op != "dr.fetch" {
		t.Errorf("expected *Error with op, got %v", err)
	}
}

func TestErrMalformedXMLIsCodecError(t *testing.T) {
	_, err := xmlcodec.Parse([]byte("<a>"))
	if !errors.Is(err, ErrMalformedXML) {
		t.Fatalf("expected codec error to match ErrMalformedXML, got %v", err)
	}
}

func TestIsClientError(t *testing.T) {
	if !IsClientError(Errorf(ErrSchemaValidation, "op", "x")) {
		t.Error("schema errors are client errors")
	}
	if IsClientError(Wrap(ErrStorageFetch, "op", errors.New("x"))) {
		t.Error("storage errors are not client errors")
	}
}

func TestRegistryErrorsFromOutcome(t *testing.T) {
	oo := OperationOutcome{Issues: []Issue{
		{Severity: "error", Code: "processing", Text: "boom", Coding: &Coding{Code: ErrorCodeUnknownPatientID}},
		{Severity: "warning", Code: "", Text: "meh"},
	}}
	got := RegistryErrorsFromOutcome(oo)
	if len(got) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(got))
	}
	if got[0].Code != ErrorCodeUnknownPatientID || got[0].Severity != SeverityError || got[0].Text != "boom" {
		t.Errorf("unexpected first error: %+v", got[0])
	}
	if got[1].Code != ErrorCodeRegistry || got[1].Severity != SeverityWarning {
		t.Errorf("unexpected second error: %+v", got[1])
	}
}

func TestOutcomeKindString(t *testing.T) {
	if OutcomeKind(42).String() != "error" {
		t.Error("unknown kinds should render as error")
	}
	var o DiscoveryOutcome = DiscoveryNoMatch{}
	if o.Kind() != OutcomeNoMatch {
		t.Error("expected no-match kind")
	}
}

func TestRegistryErrorList(t *testing.T) {
	if RegistryErrorList(nil) != nil {
		t.Fatal("empty list should build nothing")
	}

	list := RegistryErrorList([]RegistryError{
		{Severity: "Warning", Text: "partial"},
		{Code: ErrorCodeUnknownPatientID, Severity: SeverityError, Text: "no such patient"},
	})
	list.Set("xmlns:rs", "urn:oasis:names:tc:ebxml-regrep:xsd:rs:3.0")
	if got := list.Attr("highestSeverity"); got != SeverityError {
		t.Errorf("expected highest severity error, got %q", got)
	}

	data, err := xmlcodec.Build(list)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	parsed, err := xmlcodec.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	errs := ParseRegistryErrors(parsed)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(errs))
	}
	if errs[0].Code != ErrorCodeRegistry || errs[0].Severity != SeverityWarning {
		t.Errorf("unexpected first error: %+v", errs[0])
	}
	if errs[1].Code != ErrorCodeUnknownPatientID || errs[1].Text != "no such patient" {
		t.Errorf("unexpected second error: %+v", errs[1])
	}

	oo := OutcomeFromRegistryErrors("req-1", errs)
	if oo.ID != "req-1" || len(oo.Issues) != 2 {
		t.Fatalf("unexpected outcome: %+v", oo)
	}
	if oo.Issues[0].Severity != "warning" || oo.Issues[1].Coding == nil || oo.Issues[1].Coding.Code != ErrorCodeUnknownPatientID {
		t.Errorf("unexpected issues: %+v", oo.Issues)
	}
}

func TestResponseStatusIs(t *testing.T) {
	if !ResponseStatusIs("Success", StatusSuccess) {
		t.Error("bare status should match the urn form")
	}
	if !ResponseStatusIs("urn:oasis:names:tc:ebxml-regrep:ResponseStatusType:PartialSuccess", StatusPartialSuccess) {
		t.Error("PartialSuccess should match across namespaces")
	}
	if ResponseStatusIs(StatusFailure, StatusSuccess) {
		t.Error("failure is not success")
	}
}
