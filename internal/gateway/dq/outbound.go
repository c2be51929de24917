package dq

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/gateway/security"
	"github.com/ehr/ihegateway/internal/gateway/soap"
	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

// BuildOutboundRequest builds the ITI-38 FindDocuments query for
// req.ExternalGatewayPatient at req.Gateway.
func BuildOutboundRequest(req OutboundRequest, me security.Requester) (soap.Request, error) {
	const op = "dq.BuildOutboundRequest"
	if err := ihe.Validate(op, req); err != nil {
		return soap.Request{}, err
	}
	now := req.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	gw := req.Gateway
	messageID := ihe.WrapURNUUID(req.ID)
	home := gw.HomeCommunityID
	if home == "" {
		home = gw.OID
	}

	query := xmlcodec.El("rim:AdhocQuery",
		slot(ihe.SlotPatientID, FormatPatientID(req.ExternalGatewayPatient)).Set("slotType", "rim:StringValueType"),
		slot(ihe.SlotStatus, "('"+ihe.ApprovedStatus+"')"),
		slot(ihe.SlotClassCode, formatCoded(req.ClassCode)),
		slot(ihe.SlotPracticeSettingCode, formatCoded(req.PracticeSettingCode)),
		slot(ihe.SlotFacilityTypeCode, formatCoded(req.FacilityTypeCode)),
		slot(ihe.SlotServiceStartTimeFrom, hl7Time(req.ServiceDate.From)),
		slot(ihe.SlotServiceStartTimeTo, hl7Time(req.ServiceDate.To)),
		slot(ihe.SlotCreationTimeFrom, hl7Time(req.DocumentCreationDate.From)),
		slot(ihe.SlotCreationTimeTo, hl7Time(req.DocumentCreationDate.To)),
		slot(ihe.SlotDocumentEntryType, "("+ihe.StableDocumentType+","+ihe.OnDemandDocumentType+")"),
	).
		Set("home", ihe.WrapURNOID(home)).
		Set("id", ihe.FindDocumentsQueryID).
		Set("lid", ihe.AdhocQueryLID)

	body := xmlcodec.El("query:AdhocQueryRequest",
		xmlcodec.El("query:ResponseOption").
			Set("returnComposedObjects", ihe.ResponseComposedObjectsOn).
			Set("returnType", ihe.ResponseReturnTypeLeaf),
		query,
	).
		Set("xmlns:query", ihe.NSQuery).
		Set("xmlns:rim", ihe.NSRim).
		Set("federated", "false").
		Set("id", messageID).
		Set("maxResults", "-1").
		Set("startIndex", "0")

	sec, err := me.Header(now, gw, req.PurposeOfUse, req.QueryGrantorOID)
	if err != nil {
		return soap.Request{}, fmt.Errorf("%s: %w", op, err)
	}
	out, err := soap.Build(soap.Header{
		Action:    ihe.ActionDQRequest,
		To:        gw.URL,
		MessageID: messageID,
		ReplyTo:   me.ReplyTo,
		Security:  sec,
	}, body)
	if err != nil {
		return soap.Request{}, fmt.Errorf("%s: %w", op, err)
	}
	return soap.Request{URL: gw.URL, Action: ihe.ActionDQRequest, MessageID: messageID, Body: out}, nil
}

func hl7Time(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return ihe.FormatHL7Timestamp(t)
}

// ParseOutboundResponse interprets a peer's AdhocQueryResponse. Transport
// errors, faults and unreadable bodies become an operation outcome.
func ParseOutboundResponse(req OutboundRequest, res soap.Result) OutboundResponse {
	resp := OutboundResponse{
		ID:                     req.ID,
		PatientID:              req.PatientID,
		Gateway:                req.Gateway,
		ExternalGatewayPatient: req.ExternalGatewayPatient,
		ResponseTimestamp:      time.Now(),
	}
	refs, oo := interpret(req, res)
	if oo != nil {
		resp.OperationOutcome = oo
		return resp
	}
	resp.DocumentReferences = refs
	return resp
}

func interpret(req OutboundRequest, res soap.Result) ([]ihe.DocumentReference, *ihe.OperationOutcome) {
	fail := func(code, text string) ([]ihe.DocumentReference, *ihe.OperationOutcome) {
		oo := ihe.NewOperationOutcome(req.ID, code, text)
		return nil, &oo
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
	if body.Name != "AdhocQueryResponse" {
		return fail("structure", "response body is not AdhocQueryResponse")
	}

	status := body.Attr("status")
	objects := body.Find("RegistryObjectList").All("ExtrinsicObject")
	ok := ihe.ResponseStatusIs(status, ihe.StatusSuccess) || ihe.ResponseStatusIs(status, ihe.StatusPartialSuccess)
	if ok && len(objects) > 0 {
		fallbackHome := req.Gateway.HomeCommunityID
		if fallbackHome == "" {
			fallbackHome = req.Gateway.OID
		}
		var refs []ihe.DocumentReference
		for _, eo := range objects {
			if ref, ok := documentReference(eo, fallbackHome); ok {
				refs = append(refs, ref)
			}
		}
		if len(refs) > 0 {
			return refs, nil
		}
	}
	if errs := ihe.ParseRegistryErrors(body.First("RegistryErrorList")); len(errs) > 0 {
		oo := ihe.OutcomeFromRegistryErrors(req.ID, errs)
		return nil, &oo
	}
	return fail("not-found", "no documents")
}

// documentReference reads one ExtrinsicObject. Objects without a document
// unique id are skipped.
func documentReference(eo *xmlcodec.Node, fallbackHome string) (ihe.DocumentReference, bool) {
	s := map[string]string{}
	for _, sl := range eo.All("Slot") {
		if v := strings.TrimSpace(sl.Value("ValueList", "Value")); v != "" {
			s[sl.Attr("name")] = v
		}
	}
	var docID string
	for _, ei := range eo.All("ExternalIdentifier") {
		if ei.Attr("identificationScheme") == ihe.SchemeDocumentUniqueID {
			docID = ihe.StripURNPrefix(ei.Attr("value"))
			break
		}
	}
	if docID == "" {
		return ihe.DocumentReference{}, false
	}

	home := ihe.StripURNPrefix(eo.Attr("home"))
	if home == "" {
		home = fallbackHome
	}
	repo := s["repositoryUniqueId"]
	if repo == "" {
		repo = home
	}
	ref := ihe.DocumentReference{
		HomeCommunityID:    home,
		DocUniqueID:        docID,
		RepositoryUniqueID: ihe.StripURNPrefix(repo),
		ContentType:        eo.Attr("mimeType"),
		Language:           s["languageCode"],
		Title:              title(eo),
		Creation:           isoTime(s["creationTime"], s["serviceStartTime"], s["serviceStopTime"]),
	}
	if size, err := strconv.ParseInt(s["size"], 10, 64); err == nil {
		ref.Size = size
	}
	return ref, true
}

func title(eo *xmlcodec.Node) string {
	for _, c := range eo.All("Classification") {
		if c.Attr("classificationScheme") == ihe.SchemeDocumentClassCode {
			if v := c.Value("Name", "LocalizedString", "_value"); v != "" {
				return v
			}
		}
	}
	return eo.Value("Name", "LocalizedString", "_value")
}

// isoTime renders the first parsable HL7 timestamp as RFC 3339.
func isoTime(candidates ...string) string {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if t, err := ihe.ParseHL7Timestamp(c); err == nil {
			return t.Format(time.RFC3339)
		}
	}
	return ""
}
