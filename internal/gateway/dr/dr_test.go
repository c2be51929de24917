package dr

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/gateway/security"
	"github.com/ehr/ihegateway/internal/gateway/soap"
	"github.com/ehr/ihegateway/internal/platform/blobstore"
)

const (
	ourHCID = "2.16.840.1.113883.3.777"
	bucket  = "documents"
)

func inboundRequest(documentRequests string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope" xmlns:wsa="http://www.w3.org/2005/08/addressing">
  <soap:Header>
    <wsa:MessageID>urn:uuid:9e1d0000-0000-4000-8000-000000000039</wsa:MessageID>
    <wsse:Security xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
                   xmlns:wsu="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">
      <wsu:Timestamp><wsu:Created>2024-05-01T10:00:00.000Z</wsu:Created></wsu:Timestamp>
      <saml2:Assertion xmlns:saml2="urn:oasis:names:tc:SAML:2.0:assertion">
        <saml2:AttributeStatement>
          <saml2:Attribute Name="urn:oasis:names:tc:xspa:1.0:subject:organization"><saml2:AttributeValue>Remote HIE</saml2:AttributeValue></saml2:Attribute>
          <saml2:Attribute Name="urn:oasis:names:tc:xspa:1.0:subject:organization-id"><saml2:AttributeValue>2.16.840.1.113883.3.9621</saml2:AttributeValue></saml2:Attribute>
          <saml2:Attribute Name="urn:nhin:names:saml:homeCommunityId"><saml2:AttributeValue>2.16.840.1.113883.3.9621</saml2:AttributeValue></saml2:Attribute>
        </saml2:AttributeStatement>
      </saml2:Assertion>
      <ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#"><ds:SignatureValue>c2ln</ds:SignatureValue></ds:Signature>
    </wsse:Security>
  </soap:Header>
  <soap:Body>
    <RetrieveDocumentSetRequest xmlns="urn:ihe:iti:xds-b:2007">` + documentRequests + `</RetrieveDocumentSetRequest>
  </soap:Body>
</soap:Envelope>`
}

func documentRequest(home, repo, doc string) string {
	return `<DocumentRequest><HomeCommunityId>` + home + `</HomeCommunityId><RepositoryUniqueId>` + repo +
		`</RepositoryUniqueId><DocumentUniqueId>` + doc + `</DocumentUniqueId></DocumentRequest>`
}

func ref(doc string) ihe.DocumentReference {
	return ihe.DocumentReference{HomeCommunityID: ourHCID, RepositoryUniqueID: ourHCID + ".1", DocUniqueID: doc}
}

var fixedNow = time.Date(2024, 5, 1, 10, 0, 1, 0, time.UTC)

func responder() security.Responder {
	return security.Responder{HomeCommunityID: ourHCID, Organization: "Our Gateway", Now: func() time.Time { return fixedNow }}
}

func parse(t *testing.T, doc string) (InboundRequest, error) {
	t.Helper()
	env, err := soap.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	return ParseInboundRequest(env)
}

// countingStore wraps an ObjectStore, counting calls and failing GetObject
// for keys in fail.
type countingStore struct {
	blobstore.ObjectStore
	calls atomic.Int32
	fail  map[string]bool

	mu    sync.Mutex
	peak  int
	inUse int
}

func (s *countingStore) GetObject(ctx context.Context, b, key string) ([]byte, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.inUse++
	if s.inUse > s.peak {
		s.peak = s.inUse
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inUse--
		s.mu.Unlock()
	}()

	time.Sleep(5 * time.Millisecond)
	if s.fail[key] {
		return nil, errors.New("s3: internal error")
	}
	return s.ObjectStore.GetObject(ctx, b, key)
}

func (s *countingStore) ListObjects(ctx context.Context, b, prefix string) ([]blobstore.ObjectInfo, error) {
	s.calls.Add(1)
	return s.ObjectStore.ListObjects(ctx, b, prefix)
}

func seededStore(t *testing.T, docs map[string]string) *countingStore {
	t.Helper()
	mem := blobstore.NewInMemoryStore()
	for key, content := range docs {
		if _, err := mem.PutObject(context.Background(), bucket, key, []byte(content), ""); err != nil {
			t.Fatal(err)
		}
	}
	return &countingStore{ObjectStore: mem, fail: map[string]bool{}}
}

func TestParseInboundRequest(t *testing.T) {
	req, err := parse(t, inboundRequest(
		documentRequest("urn:oid:"+ourHCID, ourHCID+".1", "1.2.3.1")+
			documentRequest(ourHCID, ourHCID+".1", "1.2.3.2"),
	))
	if err != nil {
		t.Fatal(err)
	}
	if len(req.DocumentReferences) != 2 {
		t.Fatalf("expected 2 refs, got %d", len(req.DocumentReferences))
	}
	if req.DocumentReferences[0] != ref("1.2.3.1") || req.DocumentReferences[1] != ref("1.2.3.2") {
		t.Errorf("unexpected refs %+v", req.DocumentReferences)
	}
	if req.MessageID != "urn:uuid:9e1d0000-0000-4000-8000-000000000039" || req.SignatureConfirmation != "c2ln" {
		t.Errorf("unexpected envelope fields %q %q", req.MessageID, req.SignatureConfirmation)
	}
}

func TestParseInboundRequest_EmptyListRejectedBeforeStorage(t *testing.T) {
	store := seededStore(t, nil)
	_, err := parse(t, inboundRequest(""))
	if !errors.Is(err, ihe.ErrSchemaValidation) {
		t.Fatalf("expected schema validation error, got %v", err)
	}
	if n := store.calls.Load(); n != 0 {
		t.Errorf("storage touched %d times", n)
	}
}

func TestParseInboundRequest_IncompleteEntry(t *testing.T) {
	_, err := parse(t, inboundRequest(documentRequest(ourHCID, "", "1.2.3.1")))
	if !errors.Is(err, ihe.ErrSchemaValidation) {
		t.Fatalf("expected schema validation error, got %v", err)
	}
}

func TestBuildInboundResponse_Success(t *testing.T) {
	store := seededStore(t, map[string]string{
		"1.2.3.1":     "<ClinicalDocument>one</ClinicalDocument>",
		"1.2.3.2.pdf": "%PDF-two",
		"1.2.3.3":     "three",
	})
	req := InboundRequest{MessageID: "urn:uuid:req", SignatureConfirmation: "c2ln"}
	refs := []ihe.DocumentReference{ref("1.2.3.1"), ref("1.2.3.2"), ref("1.2.3.3")}
	refs[0].ContentType = "text/xml"

	out, err := BuildInboundResponse(context.Background(), req, InboundResponse{DocumentReferences: refs}, store, Options{Bucket: bucket, Concurrency: 2}, responder())
	if err != nil {
		t.Fatal(err)
	}
	env, err := soap.Parse(out)
	if err != nil {
		t.Fatalf("parse response: %v\n%s", err, out)
	}
	if env.Action != ihe.ActionDRResponse || env.RelatesTo != "urn:uuid:req" {
		t.Errorf("unexpected addressing %q %q", env.Action, env.RelatesTo)
	}
	if got := env.Payload.Value("RegistryResponse", "_status"); got != ihe.StatusSuccess {
		t.Errorf("unexpected status %q", got)
	}

	entries := env.Payload.All("DocumentResponse")
	if len(entries) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(entries))
	}
	wantContent := []string{"<ClinicalDocument>one</ClinicalDocument>", "%PDF-two", "three"}
	wantMime := []string{"text/xml", "application/pdf", "application/octet-stream"}
	for i, e := range entries {
		if e.Value("DocumentUniqueId") != refs[i].DocUniqueID {
			t.Errorf("entry %d out of order: %s", i, e.Value("DocumentUniqueId"))
		}
		if e.Value("HomeCommunityId") != "urn:oid:"+ourHCID {
			t.Errorf("entry %d home %q", i, e.Value("HomeCommunityId"))
		}
		raw, err := base64.StdEncoding.DecodeString(e.Value("Document"))
		if err != nil || string(raw) != wantContent[i] {
			t.Errorf("entry %d content %q (%v)", i, raw, err)
		}
		if e.Value("mimeType") != wantMime[i] {
			t.Errorf("entry %d mime %q, want %q", i, e.Value("mimeType"), wantMime[i])
		}
	}
	if store.peak > 2 {
		t.Errorf("concurrency limit exceeded: %d", store.peak)
	}
}

func TestBuildInboundResponse_PrefersExactKey(t *testing.T) {
	store := seededStore(t, map[string]string{
		"1.2.3.1":     "exact",
		"1.2.3.1.xml": "longer",
	})
	docs, err := Fetch(context.Background(), store, bucket, []ihe.DocumentReference{ref("1.2.3.1")}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(docs[0].Content) != "exact" {
		t.Errorf("expected exact key, got %q", docs[0].Content)
	}
}

func TestFetch_NeverServesAnotherDocument(t *testing.T) {
	store := seededStore(t, map[string]string{"1.2.3.10": "another patient"})
	docs, err := Fetch(context.Background(), store, bucket, []ihe.DocumentReference{ref("1.2.3.1")}, 0)
	if !errors.Is(err, ihe.ErrStorageFetch) || !errors.Is(err, blobstore.ErrObjectNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if docs != nil {
		t.Fatalf("expected no documents, got %d", len(docs))
	}
}

func TestBuildInboundResponse_AllOrNothing(t *testing.T) {
	store := seededStore(t, map[string]string{"1.2.3.1": "one", "1.2.3.2": "two", "1.2.3.3": "three"})
	store.fail["1.2.3.2"] = true
	req := InboundRequest{MessageID: "urn:uuid:req"}
	resp := InboundResponse{DocumentReferences: []ihe.DocumentReference{ref("1.2.3.1"), ref("1.2.3.2"), ref("1.2.3.3")}}

	out, err := BuildInboundResponse(context.Background(), req, resp, store, Options{Bucket: bucket}, responder())
	if !errors.Is(err, ihe.ErrStorageFetch) {
		t.Fatalf("expected storage fetch error, got %v", err)
	}
	if out != nil {
		t.Fatalf("no partial document set may be returned:\n%s", out)
	}

	out, err = BuildFailureResponse(req, ihe.NewOperationOutcome("", "exception", err.Error()), responder())
	if err != nil {
		t.Fatal(err)
	}
	env, _ := soap.Parse(out)
	if got := env.Payload.Value("RegistryResponse", "_status"); got != ihe.StatusFailure {
		t.Errorf("unexpected status %q", got)
	}
	if n := len(env.Payload.All("DocumentResponse")); n != 0 {
		t.Errorf("failure carries %d documents", n)
	}
	if env.Payload.Find("RegistryResponse", "RegistryErrorList", "RegistryError") == nil {
		t.Error("expected a registry error")
	}
}

func TestBuildInboundResponse_MissingDocument(t *testing.T) {
	store := seededStore(t, nil)
	_, err := BuildInboundResponse(context.Background(), InboundRequest{}, InboundResponse{DocumentReferences: []ihe.DocumentReference{ref("9.9")}}, store, Options{Bucket: bucket}, responder())
	if !errors.Is(err, ihe.ErrStorageFetch) || !errors.Is(err, blobstore.ErrObjectNotFound) {
		t.Fatalf("expected storage fetch of a missing object, got %v", err)
	}
}

func TestBuildInboundResponse_NoReferences(t *testing.T) {
	store := seededStore(t, nil)
	oo := ihe.NewOperationOutcome("x", "not-found", "no such document")
	oo.Issues[0].Coding = &ihe.Coding{Code: ihe.ErrorCodeDocumentUniqueID}

	out, err := BuildInboundResponse(context.Background(), InboundRequest{MessageID: "m"}, InboundResponse{OperationOutcome: &oo}, store, Options{Bucket: bucket}, responder())
	if err != nil {
		t.Fatal(err)
	}
	if n := store.calls.Load(); n != 0 {
		t.Errorf("storage touched %d times", n)
	}
	env, _ := soap.Parse(out)
	e := env.Payload.Find("RegistryResponse", "RegistryErrorList", "RegistryError")
	if e.Attr("errorCode") != ihe.ErrorCodeDocumentUniqueID || e.Attr("codeContext") != "no such document" {
		t.Errorf("unexpected registry error %+v", e.Attrs)
	}
}

func outboundRequest() OutboundRequest {
	return OutboundRequest{
		ID:                 "3f2b0000-0000-4000-8000-000000000039",
		PatientID:          "pat-1",
		Gateway:            ihe.Gateway{OID: "1.2.3.4", URL: "https://peer.test/xca/iti39", HomeCommunityID: "1.2.3.4"},
		DocumentReferences: []ihe.DocumentReference{ref("1.2.3.1"), ref("1.2.3.2")},
		Timestamp:          fixedNow,
	}
}

func TestBuildOutboundRequest_RoundTrip(t *testing.T) {
	me := security.Requester{
		HomeCommunityID: ourHCID,
		Organization:    "Our Gateway",
		Identity:        &security.Identity{Certificate: "MIIB", Modulus: "AQID", Exponent: "AQAB"},
	}
	sr, err := BuildOutboundRequest(outboundRequest(), me)
	if err != nil {
		t.Fatal(err)
	}
	if sr.Action != ihe.ActionDRRequest || sr.MessageID != "urn:uuid:3f2b0000-0000-4000-8000-000000000039" {
		t.Errorf("unexpected request %q %q", sr.Action, sr.MessageID)
	}
	req, err := parse(t, string(sr.Body))
	if err != nil {
		t.Fatalf("parse own request: %v", err)
	}
	if len(req.DocumentReferences) != 2 || req.DocumentReferences[1] != ref("1.2.3.2") {
		t.Errorf("unexpected refs %+v", req.DocumentReferences)
	}
}

func TestBuildOutboundRequest_Validation(t *testing.T) {
	req := outboundRequest()
	req.DocumentReferences = nil
	if _, err := BuildOutboundRequest(req, security.Requester{}); !errors.Is(err, ihe.ErrSchemaValidation) {
		t.Fatalf("expected schema validation error, got %v", err)
	}
	req = outboundRequest()
	req.DocumentReferences[0].RepositoryUniqueID = ""
	if _, err := BuildOutboundRequest(req, security.Requester{}); !errors.Is(err, ihe.ErrSchemaValidation) {
		t.Fatalf("expected schema validation error for incomplete ref, got %v", err)
	}
}

func retrieveResponse(status, inner string) []byte {
	return []byte(`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"><s:Body>` +
		`<RetrieveDocumentSetResponse xmlns="urn:ihe:iti:xds-b:2007">` +
		`<RegistryResponse xmlns="urn:oasis:names:tc:ebxml-regrep:xsd:rs:3.0" status="` + status + `"/>` + inner +
		`</RetrieveDocumentSetResponse></s:Body></s:Envelope>`)
}

func documentResponse(doc, mime, content string) string {
	return `<DocumentResponse><HomeCommunityId>urn:oid:1.2.3.4</HomeCommunityId><RepositoryUniqueId>1.2.3.4.1</RepositoryUniqueId>` +
		`<DocumentUniqueId>` + doc + `</DocumentUniqueId><mimeType>` + mime + `</mimeType><Document>` + content + `</Document></DocumentResponse>`
}

func TestParseOutboundResponse_Documents(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("<ClinicalDocument/>"))
	wrapped := encoded[:8] + "\n  " + encoded[8:]
	body := retrieveResponse(ihe.StatusSuccess, documentResponse("1.2.3.1", "text/xml", wrapped))

	resp := ParseOutboundResponse(outboundRequest(), soap.Result{Body: body})
	if resp.OperationOutcome != nil {
		t.Fatalf("unexpected outcome %+v", resp.OperationOutcome)
	}
	if len(resp.Documents) != 1 {
		t.Fatalf("expected 1 document, got %d", len(resp.Documents))
	}
	d := resp.Documents[0]
	if string(d.Content) != "<ClinicalDocument/>" || d.MimeType != "text/xml" {
		t.Errorf("unexpected document %q %q", d.Content, d.MimeType)
	}
	if d.Reference.HomeCommunityID != "1.2.3.4" || d.Reference.DocUniqueID != "1.2.3.1" || d.Reference.Size != int64(len("<ClinicalDocument/>")) {
		t.Errorf("unexpected reference %+v", d.Reference)
	}
}

func TestParseOutboundResponse_PartialWithMTOM(t *testing.T) {
	ok := documentResponse("1.2.3.1", "text/xml", base64.StdEncoding.EncodeToString([]byte("a")))
	mtom := `<DocumentResponse><DocumentUniqueId>1.2.3.2</DocumentUniqueId><Document><xop:Include xmlns:xop="http://www.w3.org/2004/08/xop/include" href="cid:1"/></Document></DocumentResponse>`
	resp := ParseOutboundResponse(outboundRequest(), soap.Result{Body: retrieveResponse(ihe.StatusPartialSuccess, ok+mtom)})

	if len(resp.Documents) != 1 {
		t.Fatalf("expected 1 document, got %d", len(resp.Documents))
	}
	if resp.OperationOutcome == nil || !strings.Contains(resp.OperationOutcome.Issues[0].Text, "MTOM") {
		t.Errorf("expected an MTOM issue, got %+v", resp.OperationOutcome)
	}
}

func TestParseOutboundResponse_Failures(t *testing.T) {
	registryError := `<RegistryErrorList xmlns="urn:oasis:names:tc:ebxml-regrep:xsd:rs:3.0"><RegistryError errorCode="XDSDocumentUniqueIdError" codeContext="gone" severity="urn:oasis:names:tc:ebxml-regrep:ErrorSeverityType:Error"/></RegistryErrorList>`
	failure := []byte(`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"><s:Body>` +
		`<RetrieveDocumentSetResponse xmlns="urn:ihe:iti:xds-b:2007">` +
		`<RegistryResponse xmlns="urn:oasis:names:tc:ebxml-regrep:xsd:rs:3.0" status="` + ihe.StatusFailure + `">` + registryError + `</RegistryResponse>` +
		`</RetrieveDocumentSetResponse></s:Body></s:Envelope>`)

	tests := map[string]struct {
		res      soap.Result
		wantText string
	}{
		"registry error": {soap.Result{Body: failure}, "gone"},
		"empty":          {soap.Result{Body: retrieveResponse(ihe.StatusSuccess, "")}, "no documents"},
		"transport":      {soap.Result{Err: errors.New("timeout")}, "timeout"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			resp := ParseOutboundResponse(outboundRequest(), tt.res)
			if len(resp.Documents) != 0 || resp.OperationOutcome == nil {
				t.Fatalf("expected failure, got %+v", resp)
			}
			if resp.OperationOutcome.Issues[0].Text != tt.wantText {
				t.Errorf("unexpected text %q", resp.OperationOutcome.Issues[0].Text)
			}
		})
	}
}

func TestStoreRetrieved_SkipsExisting(t *testing.T) {
	mem := blobstore.NewInMemoryStore()
	docs := []ihe.RetrievedDocument{
		{Reference: ref("1.2.3.1"), MimeType: "application/pdf", Content: []byte("%PDF-1")},
		{Reference: ref("urn:oid:1.2.3.2"), MimeType: "application/pdf", Content: []byte("%PDF-2")},
	}
	existing := DocumentKey("pat-1", docs[0].Reference, docs[0].MimeType)
	if _, err := mem.PutObject(context.Background(), bucket, existing, []byte("old"), "application/pdf"); err != nil {
		t.Fatal(err)
	}

	stored, err := StoreRetrieved(context.Background(), mem, bucket, "pat-1", docs)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 results, got %d", len(stored))
	}
	if stored[0].New || !stored[1].New {
		t.Errorf("unexpected New flags %v %v", stored[0].New, stored[1].New)
	}
	if !strings.HasPrefix(stored[1].Key, "pat-1/1.2.3.2") {
		t.Errorf("unexpected key %q", stored[1].Key)
	}
	if stored[1].Reference.FileName != stored[1].Key || stored[1].Reference.URL != "s3://"+bucket+"/"+stored[1].Key {
		t.Errorf("reference not updated: %+v", stored[1].Reference)
	}

	old, _ := mem.GetObject(context.Background(), bucket, existing)
	if string(old) != "old" {
		t.Errorf("existing object overwritten: %q", old)
	}
	fresh, err := mem.GetObject(context.Background(), bucket, stored[1].Key)
	if err != nil || string(fresh) != "%PDF-2" {
		t.Errorf("new object not stored: %q %v", fresh, err)
	}
}
