package dq

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/gateway/security"
	"github.com/ehr/ihegateway/internal/gateway/soap"
)

const ourHCID = "2.16.840.1.113883.3.777"

const securityHeader = `
    <wsa:MessageID>urn:uuid:7b0c0f6e-0000-4000-8000-000000000038</wsa:MessageID>
    <wsse:Security xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
                   xmlns:wsu="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">
      <wsu:Timestamp><wsu:Created>2024-05-01T10:00:00.000Z</wsu:Created></wsu:Timestamp>
      <saml2:Assertion xmlns:saml2="urn:oasis:names:tc:SAML:2.0:assertion">
        <saml2:AttributeStatement>
          <saml2:Attribute Name="urn:oasis:names:tc:xspa:1.0:subject:organization"><saml2:AttributeValue>Remote HIE</saml2:AttributeValue></saml2:Attribute>
          <saml2:Attribute Name="urn:oasis:names:tc:xspa:1.0:subject:organization-id"><saml2:AttributeValue>2.16.840.1.113883.3.9621</saml2:AttributeValue></saml2:Attribute>
          <saml2:Attribute Name="urn:nhin:names:saml:homeCommunityId"><saml2:AttributeValue>urn:oid:2.16.840.1.113883.3.9621</saml2:AttributeValue></saml2:Attribute>
        </saml2:AttributeStatement>
      </saml2:Assertion>
    </wsse:Security>`

func inboundRequest(patientSlot string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:wsa="http://www.w3.org/2005/08/addressing">
  <soap:Header>` + securityHeader + `
  </soap:Header>
  <soap:Body>
    <query:AdhocQueryRequest xmlns:query="urn:oasis:names:tc:ebxml-regrep:xsd:query:3.0" xmlns:rim="urn:oasis:names:tc:ebxml-regrep:xsd:rim:3.0">
      <query:ResponseOption returnComposedObjects="true" returnType="LeafClass"/>
      <rim:AdhocQuery id="urn:uuid:14d4debf-8f97-4251-9a74-a90016b0af0d">
        ` + patientSlot + `
        <rim:Slot name="$XDSDocumentEntryStatus"><rim:ValueList><rim:Value>('urn:oasis:names:tc:ebxml-regrep:StatusType:Approved')</rim:Value></rim:ValueList></rim:Slot>
        <rim:Slot name="$XDSDocumentEntryClassCode"><rim:ValueList><rim:Value>('34133-9^^2.16.840.1.113883.6.1','11506-3^^2.16.840.1.113883.6.1')</rim:Value></rim:ValueList></rim:Slot>
        <rim:Slot name="$XDSDocumentEntryCreationTimeFrom"><rim:ValueList><rim:Value>20230101</rim:Value></rim:ValueList></rim:Slot>
      </rim:AdhocQuery>
    </query:AdhocQueryRequest>
  </soap:Body>
</soap:Envelope>`
}

func patientSlot(value string) string {
	return `<rim:Slot name="$XDSDocumentEntryPatientId"><rim:ValueList><rim:Value>` + value + `</rim:Value></rim:ValueList></rim:Slot>`
}

var fixedNow = time.Date(2024, 5, 1, 10, 0, 1, 0, time.UTC)

func responder() security.Responder {
	return security.Responder{
		HomeCommunityID: ourHCID,
		Organization:    "Our Gateway",
		Now:             func() time.Time { return fixedNow },
	}
}

func requester() security.Requester {
	return security.Requester{
		HomeCommunityID: ourHCID,
		Organization:    "Our Gateway",
		ReplyTo:         "https://gateway.test/reply",
		Identity:        &security.Identity{Certificate: "MIIB", Modulus: "AQID", Exponent: "AQAB"},
	}
}

func parse(t *testing.T, doc []byte) (InboundRequest, error) {
	t.Helper()
	env, err := soap.Parse(doc)
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	return ParseInboundRequest(env)
}

func TestParsePatientID(t *testing.T) {
	want := ihe.XCPDPatientID{ID: "123", System: "2.16.840.1.113883.3"}
	for _, in := range []string{
		`'123^^^&2.16.840.1.113883.3&ISO'`,
		`123^^^2.16.840.1.113883.3:ISO`,
		`123^^^&2.16.840.1.113883.3&ISO`,
		` "123^^^&urn:oid:2.16.840.1.113883.3&ISO" `,
		`('123^^^&2.16.840.1.113883.3&ISO')`,
		`'123'^^^&2.16.840.1.113883.3&ISO'`,
		`"123"^^^&"2.16.840.1.113883.3"&ISO`,
	} {
		got, ok := ParsePatientID(in)
		if !ok || got != want {
			t.Errorf("ParsePatientID(%q) = %+v, %v", in, got, ok)
		}
	}
	for _, bad := range []string{"", "123", "^^^&1.2.3&ISO", "123^^^&&ISO"} {
		if _, ok := ParsePatientID(bad); ok {
			t.Errorf("ParsePatientID(%q): expected failure", bad)
		}
	}
}

func TestParseInboundRequest_BothPatientIDEncodings(t *testing.T) {
	for _, v := range []string{`'123^^^&amp;2.16.840.1.113883.3&amp;ISO'`, `123^^^2.16.840.1.113883.3:ISO`} {
		req, err := parse(t, []byte(inboundRequest(patientSlot(v))))
		if err != nil {
			t.Fatalf("%s: %v", v, err)
		}
		if req.ExternalGatewayPatient != (ihe.XCPDPatientID{ID: "123", System: "2.16.840.1.113883.3"}) {
			t.Errorf("%s: got %+v", v, req.ExternalGatewayPatient)
		}
	}
}

func TestParseInboundRequest_OptionalSlots(t *testing.T) {
	req, err := parse(t, []byte(inboundRequest(patientSlot(`'123^^^&amp;1.2.3&amp;ISO'`))))
	if err != nil {
		t.Fatal(err)
	}
	if req.MessageID != "urn:uuid:7b0c0f6e-0000-4000-8000-000000000038" || req.ID != req.MessageID {
		t.Errorf("unexpected ids %q %q", req.ID, req.MessageID)
	}
	if !reflect.DeepEqual(req.Statuses, []string{ihe.ApprovedStatus}) {
		t.Errorf("unexpected statuses %v", req.Statuses)
	}
	wantCodes := []ihe.Coding{
		{Code: "34133-9", System: "2.16.840.1.113883.6.1"},
		{Code: "11506-3", System: "2.16.840.1.113883.6.1"},
	}
	if !reflect.DeepEqual(req.ClassCodes, wantCodes) {
		t.Errorf("unexpected class codes %+v", req.ClassCodes)
	}
	if !req.DocumentCreationDate.From.Equal(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)) || !req.DocumentCreationDate.To.IsZero() {
		t.Errorf("unexpected creation range %+v", req.DocumentCreationDate)
	}
	if !req.ServiceDate.IsZero() {
		t.Errorf("service date should be open, got %+v", req.ServiceDate)
	}
	if req.SamlAttributes.HomeCommunityID != "2.16.840.1.113883.3.9621" {
		t.Errorf("unexpected caller %q", req.SamlAttributes.HomeCommunityID)
	}
}

func TestParseInboundRequest_Failures(t *testing.T) {
	valid := inboundRequest(patientSlot(`'123^^^&amp;1.2.3&amp;ISO'`))
	tests := map[string]struct {
		doc  string
		want error
	}{
		"no patient slot": {inboundRequest(""), ihe.ErrExternalGatewayPatientIDMissing},
		"garbled patient": {inboundRequest(patientSlot("123")), ihe.ErrExternalGatewayPatientIDMissing},
		"object refs": {
			strings.Replace(valid, `returnType="LeafClass"`, `returnType="ObjectRef"`, 1),
			ihe.ErrSchemaValidation,
		},
		"composed objects off": {
			strings.Replace(valid, `returnComposedObjects="true"`, `returnComposedObjects="false"`, 1),
			ihe.ErrSchemaValidation,
		},
		"no response option": {
			strings.Replace(valid, `<query:ResponseOption returnComposedObjects="true" returnType="LeafClass"/>`, "", 1),
			ihe.ErrSchemaValidation,
		},
		"missing organization": {
			strings.Replace(valid, `<saml2:Attribute Name="urn:oasis:names:tc:xspa:1.0:subject:organization"><saml2:AttributeValue>Remote HIE</saml2:AttributeValue></saml2:Attribute>`, "", 1),
			ihe.ErrMissingRequiredAttribute,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parse(t, []byte(tt.doc))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

const extrinsicObject = `<ExtrinsicObject xmlns="urn:oasis:names:tc:ebxml-regrep:xsd:rim:3.0" home="urn:oid:2.16.840.1.113883.3.777" id="urn:uuid:0001" mimeType="text/xml" objectType="urn:uuid:7edca82f-054d-47f2-a032-9b2a5b5186c1" status="urn:oasis:names:tc:ebxml-regrep:StatusType:Approved">` +
	`<Slot name="creationTime"><ValueList><Value>20240102030405</Value></ValueList></Slot>` +
	`<Slot name="languageCode"><ValueList><Value>en-US</Value></ValueList></Slot>` +
	`<Slot name="repositoryUniqueId"><ValueList><Value>2.16.840.1.113883.3.777.1</Value></ValueList></Slot>` +
	`<Slot name="size"><ValueList><Value>2048</Value></ValueList></Slot>` +
	`<Classification classificationScheme="urn:uuid:41a5887f-8865-4c09-adf7-e362475b143a" nodeRepresentation="34133-9"><Name><LocalizedString value="Summary of Episode Note"/></Name></Classification>` +
	`<ExternalIdentifier identificationScheme="urn:uuid:2e82c1f6-a085-4c72-9da3-8640a32e42ab" value="1.2.3.4.5"/>` +
	`</ExtrinsicObject>`

func TestBuildInboundResponse_Success(t *testing.T) {
	req, err := parse(t, []byte(inboundRequest(patientSlot(`'123^^^&amp;1.2.3&amp;ISO'`))))
	if err != nil {
		t.Fatal(err)
	}
	out, err := BuildInboundResponse(req, ihe.RegistrySuccess{ExtrinsicObjects: []string{extrinsicObject}}, responder())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), extrinsicObject) {
		t.Errorf("fragment not embedded verbatim:\n%s", out)
	}
	env, err := soap.Parse(out)
	if err != nil {
		t.Fatal(err)
	}
	if env.Action != ihe.ActionDQResponse || env.RelatesTo != req.MessageID {
		t.Errorf("unexpected addressing %q %q", env.Action, env.RelatesTo)
	}
	if env.Payload.Attr("status") != ihe.StatusSuccess {
		t.Errorf("unexpected status %q", env.Payload.Attr("status"))
	}
	if n := len(env.Payload.Find("RegistryObjectList").All("ExtrinsicObject")); n != 1 {
		t.Errorf("expected 1 extrinsic object, got %d", n)
	}
}

func TestBuildInboundResponse_Failure(t *testing.T) {
	req := InboundRequest{ID: "m1", MessageID: "m1"}
	o := ihe.RegistryFailure{RegistryErrors: []ihe.RegistryError{
		{Code: ihe.ErrorCodeUnknownPatientID, Severity: ihe.SeverityError, Text: "unknown patient"},
	}}
	out, err := BuildInboundResponse(req, o, responder())
	if err != nil {
		t.Fatal(err)
	}
	env, err := soap.Parse(out)
	if err != nil {
		t.Fatal(err)
	}
	if env.Payload.Attr("status") != ihe.StatusFailure {
		t.Errorf("unexpected status %q", env.Payload.Attr("status"))
	}
	if env.Payload.First("RegistryObjectList") != nil {
		t.Error("failure must not carry a RegistryObjectList")
	}
	e := env.Payload.Find("RegistryErrorList", "RegistryError")
	if e.Attr("errorCode") != ihe.ErrorCodeUnknownPatientID || e.Attr("codeContext") != "unknown patient" || e.Attr("severity") != ihe.SeverityError {
		t.Errorf("unexpected registry error %+v", e.Attrs)
	}

	out, err = BuildInboundResponse(req, nil, responder())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), ihe.StatusFailure) {
		t.Errorf("nil outcome should be a failure:\n%s", out)
	}
}

func outboundRequest() OutboundRequest {
	return OutboundRequest{
		ID:                     "0c6e1f5a-0000-4000-8000-000000000038",
		PatientID:              "pat-1",
		Gateway:                ihe.Gateway{OID: "1.2.3.4", URL: "https://peer.test/xca/iti38", HomeCommunityID: "1.2.3.4"},
		ExternalGatewayPatient: ihe.XCPDPatientID{ID: "P123", System: "1.2.3"},
		ClassCode:              &ihe.Coding{Code: "34133-9", System: "2.16.840.1.113883.6.1"},
		DocumentCreationDate:   DateRange{From: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)},
		Timestamp:              fixedNow,
	}
}

func TestBuildOutboundRequest_RoundTrip(t *testing.T) {
	sr, err := BuildOutboundRequest(outboundRequest(), requester())
	if err != nil {
		t.Fatal(err)
	}
	if sr.URL != "https://peer.test/xca/iti38" || sr.Action != ihe.ActionDQRequest {
		t.Errorf("unexpected request target %q %q", sr.URL, sr.Action)
	}
	if sr.MessageID != "urn:uuid:0c6e1f5a-0000-4000-8000-000000000038" {
		t.Errorf("unexpected message id %q", sr.MessageID)
	}
	req, err := parse(t, sr.Body)
	if err != nil {
		t.Fatalf("parse own request: %v\n%s", err, sr.Body)
	}
	if req.ExternalGatewayPatient != (ihe.XCPDPatientID{ID: "P123", System: "1.2.3"}) {
		t.Errorf("unexpected patient %+v", req.ExternalGatewayPatient)
	}
	if !reflect.DeepEqual(req.ClassCodes, []ihe.Coding{{Code: "34133-9", System: "2.16.840.1.113883.6.1"}}) {
		t.Errorf("unexpected class codes %+v", req.ClassCodes)
	}
	if !req.DocumentCreationDate.From.Equal(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected creation range %+v", req.DocumentCreationDate)
	}
	if req.SamlAttributes.HomeCommunityID != ourHCID {
		t.Errorf("unexpected caller %q", req.SamlAttributes.HomeCommunityID)
	}
	if strings.Contains(string(sr.Body), ihe.SlotPracticeSettingCode) {
		t.Error("unset practice setting code should not be sent")
	}
}

func TestBuildOutboundRequest_Validation(t *testing.T) {
	req := outboundRequest()
	req.ExternalGatewayPatient = ihe.XCPDPatientID{}
	if _, err := BuildOutboundRequest(req, requester()); !errors.Is(err, ihe.ErrSchemaValidation) {
		t.Fatalf("expected schema validation error, got %v", err)
	}
}

func queryResponse(inner string, status string) []byte {
	return []byte(`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"><s:Header/><s:Body>` +
		`<AdhocQueryResponse xmlns="urn:oasis:names:tc:ebxml-regrep:xsd:query:3.0" status="` + status + `">` + inner +
		`</AdhocQueryResponse></s:Body></s:Envelope>`)
}

func TestParseOutboundResponse_Documents(t *testing.T) {
	body := queryResponse(`<RegistryObjectList xmlns="urn:oasis:names:tc:ebxml-regrep:xsd:rim:3.0">`+extrinsicObject+`</RegistryObjectList>`, ihe.StatusSuccess)
	resp := ParseOutboundResponse(outboundRequest(), soap.Result{Body: body})
	if resp.OperationOutcome != nil {
		t.Fatalf("unexpected outcome %+v", resp.OperationOutcome)
	}
	want := []ihe.DocumentReference{{
		HomeCommunityID:    "2.16.840.1.113883.3.777",
		DocUniqueID:        "1.2.3.4.5",
		RepositoryUniqueID: "2.16.840.1.113883.3.777.1",
		ContentType:        "text/xml",
		Size:               2048,
		Title:              "Summary of Episode Note",
		Creation:           "2024-01-02T03:04:05Z",
		Language:           "en-US",
	}}
	if !reflect.DeepEqual(resp.DocumentReferences, want) {
		t.Errorf("unexpected refs:\n got  %+v\n want %+v", resp.DocumentReferences, want)
	}
}

func TestParseOutboundResponse_PartialSuccess(t *testing.T) {
	body := queryResponse(`<RegistryObjectList>`+extrinsicObject+`</RegistryObjectList>`, "urn:ihe:iti:2007:ResponseStatusType:PartialSuccess")
	resp := ParseOutboundResponse(outboundRequest(), soap.Result{Body: body})
	if len(resp.DocumentReferences) != 1 {
		t.Fatalf("expected 1 document, got %+v", resp)
	}
}

func TestParseOutboundResponse_Errors(t *testing.T) {
	registryErrors := queryResponse(`<RegistryErrorList xmlns="urn:oasis:names:tc:ebxml-regrep:xsd:rs:3.0">`+
		`<RegistryError errorCode="XDSUnknownPatientId" codeContext="patient unknown" severity="urn:oasis:names:tc:ebxml-regrep:ErrorSeverityType:Error"/>`+
		`</RegistryErrorList>`, ihe.StatusFailure)

	fault := []byte(`<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body><soap:Fault>` +
		`<faultcode>soap:Server</faultcode><faultstring>down</faultstring></soap:Fault></soap:Body></soap:Envelope>`)

	tests := map[string]struct {
		res      soap.Result
		wantCode string
		wantText string
	}{
		"registry error": {soap.Result{Body: registryErrors}, "processing", "patient unknown"},
		"empty":          {soap.Result{Body: queryResponse("", ihe.StatusSuccess)}, "not-found", "no documents"},
		"transport":      {soap.Result{Err: errors.New("dial tcp: refused")}, "exception", "dial tcp: refused"},
		"garbage":        {soap.Result{Body: []byte("<html>")}, "structure", ""},
		"status with fault": {
			soap.Result{Err: &soap.StatusError{StatusCode: http.StatusInternalServerError, Body: fault}, Body: fault},
			"exception", "soap fault soap:Server: down",
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			resp := ParseOutboundResponse(outboundRequest(), tt.res)
			if resp.OperationOutcome == nil || len(resp.DocumentReferences) != 0 {
				t.Fatalf("expected an operation outcome, got %+v", resp)
			}
			issue := resp.OperationOutcome.Issues[0]
			if issue.Code != tt.wantCode {
				t.Errorf("unexpected code %q", issue.Code)
			}
			if tt.wantText != "" && issue.Text != tt.wantText {
				t.Errorf("unexpected text %q", issue.Text)
			}
			if resp.OperationOutcome.ID != outboundRequest().ID {
				t.Errorf("outcome id not echoed: %q", resp.OperationOutcome.ID)
			}
		})
	}
}
