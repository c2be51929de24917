package dq

import (
	"github.com/google/uuid"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/gateway/security"
	"github.com/ehr/ihegateway/internal/gateway/soap"
	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

// ParseInboundRequest reads a FindDocuments query from env. Only leaf
// class responses with composed objects are served.
func ParseInboundRequest(env *soap.Envelope) (InboundRequest, error) {
	const op = "dq.ParseInboundRequest"

	body := env.Payload
	if body == nil || body.Name != "AdhocQueryRequest" {
		return InboundRequest{}, ihe.Errorf(ihe.ErrSchemaValidation, op, "body is not AdhocQueryRequest")
	}
	opt := body.First("ResponseOption")
	if opt.Attr("returnComposedObjects") != ihe.ResponseComposedObjectsOn || opt.Attr("returnType") != ihe.ResponseReturnTypeLeaf {
		return InboundRequest{}, ihe.Errorf(ihe.ErrSchemaValidation, op,
			"ResponseOption must be returnComposedObjects=true returnType=LeafClass, got %q/%q",
			opt.Attr("returnComposedObjects"), opt.Attr("returnType"))
	}
	query := body.First("AdhocQuery")
	if query == nil {
		return InboundRequest{}, ihe.Errorf(ihe.ErrSchemaValidation, op, "AdhocQuery is missing")
	}

	attrs, err := security.ExtractAttributes(env.Header)
	if err != nil {
		return InboundRequest{}, err
	}
	ts, err := security.ExtractTimestamp(env.Header)
	if err != nil {
		return InboundRequest{}, err
	}

	s := readSlots(query)
	raw := s.first(ihe.SlotPatientID)
	if raw == "" {
		return InboundRequest{}, ihe.Errorf(ihe.ErrExternalGatewayPatientIDMissing, op, "%s slot is missing", ihe.SlotPatientID)
	}
	patient, ok := ParsePatientID(raw)
	if !ok {
		return InboundRequest{}, ihe.Errorf(ihe.ErrExternalGatewayPatientIDMissing, op, "cannot decode %q", raw)
	}

	id := env.MessageID
	if id == "" {
		id = body.Attr("id")
	}
	req := InboundRequest{
		ID:                     id,
		MessageID:              env.MessageID,
		Timestamp:              ts,
		SignatureConfirmation:  security.ExtractSignatureValue(env.Header),
		SamlAttributes:         attrs,
		ExternalGatewayPatient: patient,
		ClassCodes:             codedValues(s[ihe.SlotClassCode]),
		PracticeSettingCodes:   codedValues(s[ihe.SlotPracticeSettingCode]),
		FacilityTypeCodes:      codedValues(s[ihe.SlotFacilityTypeCode]),
		ServiceDate:            s.dateRange(ihe.SlotServiceStartTimeFrom, ihe.SlotServiceStartTimeTo),
		DocumentCreationDate:   s.dateRange(ihe.SlotCreationTimeFrom, ihe.SlotCreationTimeTo),
	}
	for _, v := range s[ihe.SlotStatus] {
		req.Statuses = append(req.Statuses, listValues(v)...)
	}
	return req, nil
}

// BuildInboundResponse answers req. A success embeds each pre-serialized
// ExtrinsicObject unchanged; a failure, or a nil outcome, carries a
// RegistryErrorList.
func BuildInboundResponse(req InboundRequest, o ihe.RegistryOutcome, r security.Responder) ([]byte, error) {
	now := r.Time()

	body := xmlcodec.El("query:AdhocQueryResponse").
		Set("xmlns:query", ihe.NSQuery).
		Set("xmlns:rim", ihe.NSRim).
		Set("xmlns:rs", ihe.NSRS)

	switch v := o.(type) {
	case ihe.RegistrySuccess:
		list := xmlcodec.El("rim:RegistryObjectList")
		for _, frag := range v.ExtrinsicObjects {
			list.Add(xmlcodec.Raw(frag))
		}
		body.Set("status", ihe.StatusSuccess).Add(list)
	case ihe.RegistryFailure:
		errs := v.RegistryErrors
		if len(errs) == 0 {
			errs = []ihe.RegistryError{{Code: ihe.ErrorCodeRegistry, Severity: ihe.SeverityError, Text: "query failed"}}
		}
		body.Set("status", ihe.StatusFailure).Add(ihe.RegistryErrorList(errs))
	default:
		body.Set("status", ihe.StatusFailure).Add(ihe.RegistryErrorList([]ihe.RegistryError{{
			Code: ihe.ErrorCodeRegistry, Severity: ihe.SeverityError, Text: "no outcome",
		}}))
	}

	return soap.Build(soap.Header{
		Action:    ihe.ActionDQResponse,
		MessageID: ihe.WrapURNUUID(uuid.NewString()),
		RelatesTo: req.MessageID,
		Security:  r.Header(now, req.SignatureConfirmation),
	}, body)
}
