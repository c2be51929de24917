package dr

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/gateway/security"
	"github.com/ehr/ihegateway/internal/gateway/soap"
	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

// BuildOutboundRequest builds the ITI-39 request for req's documents.
func BuildOutboundRequest(req OutboundRequest, me security.Requester) (soap.Request, error) {
	const op = "dr.BuildOutboundRequest"
	if err := ihe.Validate(op, req); err != nil {
		return soap.Request{}, err
	}
	now := req.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	gw := req.Gateway
	messageID := ihe.WrapURNUUID(req.ID)

	body := xmlcodec.El("xds:RetrieveDocumentSetRequest").Set("xmlns:xds", ihe.NSXDS)
	for _, ref := range req.DocumentReferences {
		body.Add(xmlcodec.El("xds:DocumentRequest",
			xmlcodec.TextEl("xds:HomeCommunityId", ihe.WrapURNOID(ref.HomeCommunityID)),
			xmlcodec.TextEl("xds:RepositoryUniqueId", ref.RepositoryUniqueID),
			xmlcodec.TextEl("xds:DocumentUniqueId", ref.DocUniqueID),
		))
	}

	sec, err := me.Header(now, gw, req.PurposeOfUse, req.QueryGrantorOID)
	if err != nil {
		return soap.Request{}, fmt.Errorf("%s: %w", op, err)
	}
	out, err := soap.Build(soap.Header{
		Action:    ihe.ActionDRRequest,
		To:        gw.URL,
		MessageID: messageID,
		ReplyTo:   me.ReplyTo,
		Security:  sec,
	}, body)
	if err != nil {
		return soap.Request{}, fmt.Errorf("%s: %w", op, err)
	}
	return soap.Request{URL: gw.URL, Action: ihe.ActionDRRequest, MessageID: messageID, Body: out}, nil
}

// ParseOutboundResponse decodes the inline documents of a peer's
// RetrieveDocumentSetResponse. MTOM attachments are not supported and are
// reported as issues.
func ParseOutboundResponse(req OutboundRequest, res soap.Result) OutboundResponse {
	resp := OutboundResponse{
		ID:                req.ID,
		PatientID:         req.PatientID,
		Gateway:           req.Gateway,
		ResponseTimestamp: time.Now(),
	}
	fail := func(code, text string) OutboundResponse {
		oo := ihe.NewOperationOutcome(req.ID, code, text)
		resp.OperationOutcome = &oo
		return resp
	}

	if res.Err != nil {
		var se *soap.StatusError
		if !errors.As(res.Err, &se) || len(se.Body) == 0 {
			return fail("exception", res.Err.Error())
		}
	}
	env, err := soap.Parse(res.Body)
	if err != nil {
		if res.Err != nil {
			return fail("exception", res.Err.Error())
		}
		return fail("structure", err.Error())
	}
	if f := env.Fault(); f != nil {
		return fail("exception", fmt.Sprintf("soap fault %s: %s", f.Code, f.String))
	}
	body := env.Payload
	if body.Name != "RetrieveDocumentSetResponse" {
		return fail("structure", "response body is not RetrieveDocumentSetResponse")
	}

	rr := body.First("RegistryResponse")
	status := rr.Attr("status")
	entries := body.All("DocumentResponse")
	ok := ihe.ResponseStatusIs(status, ihe.StatusSuccess) || ihe.ResponseStatusIs(status, ihe.StatusPartialSuccess)

	var oo ihe.OperationOutcome
	if ok {
		fallback := req.Gateway.HomeCommunityID
		if fallback == "" {
			fallback = req.Gateway.OID
		}
		for _, e := range entries {
			doc, err := decodeDocument(e, fallback)
			if err != nil {
				oo.Issues = append(oo.Issues, ihe.Issue{Severity: "error", Code: "processing", Text: err.Error()})
				continue
			}
			resp.Documents = append(resp.Documents, doc)
		}
	}
	if errs := ihe.ParseRegistryErrors(rr.First("RegistryErrorList")); len(errs) > 0 {
		oo.Issues = append(oo.Issues, ihe.OutcomeFromRegistryErrors(req.ID, errs).Issues...)
	}
	if len(resp.Documents) == 0 && len(oo.Issues) == 0 {
		return fail("not-found", "no documents")
	}
	if len(oo.Issues) > 0 {
		oo.ID = req.ID
		resp.OperationOutcome = &oo
	}
	return resp
}

func decodeDocument(e *xmlcodec.Node, fallbackHome string) (ihe.RetrievedDocument, error) {
	ref := ihe.DocumentReference{
		HomeCommunityID:    ihe.StripURNPrefix(e.Value("HomeCommunityId")),
		RepositoryUniqueID: ihe.StripURNPrefix(e.Value("RepositoryUniqueId")),
		DocUniqueID:        strings.TrimSpace(e.Value("DocumentUniqueId")),
		ContentType:        strings.TrimSpace(e.Value("mimeType")),
	}
	if ref.HomeCommunityID == "" {
		ref.HomeCommunityID = fallbackHome
	}
	if ref.RepositoryUniqueID == "" {
		ref.RepositoryUniqueID = ref.HomeCommunityID
	}
	if ref.DocUniqueID == "" {
		return ihe.RetrievedDocument{}, fmt.Errorf("document response without DocumentUniqueId")
	}

	doc := e.First("Document")
	if doc.First("Include") != nil {
		return ihe.RetrievedDocument{}, fmt.Errorf("document %s: MTOM attachments are not supported", ref.DocUniqueID)
	}
	encoded := strings.Join(strings.Fields(doc.TextValue()), "")
	if encoded == "" {
		return ihe.RetrievedDocument{}, fmt.Errorf("document %s: empty content", ref.DocUniqueID)
	}
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ihe.RetrievedDocument{}, fmt.Errorf("document %s: %w", ref.DocUniqueID, err)
	}
	ref.Size = int64(len(content))

	mt := ref.ContentType
	if mt == "" {
		mt = defaultMimeType
	}
	return ihe.RetrievedDocument{Reference: ref, MimeType: mt, Content: content}, nil
}
