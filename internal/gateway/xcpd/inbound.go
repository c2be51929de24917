package xcpd

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/gateway/outcome"
	"github.com/ehr/ihegateway/internal/gateway/security"
	"github.com/ehr/ihegateway/internal/gateway/soap"
	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

// ParseInboundRequest reads a patient discovery request from env. The
// envelope must carry a PRPA_IN201305UV02 with a parameter list and a
// SAML assertion identifying the caller.
func ParseInboundRequest(env *soap.Envelope) (InboundRequest, error) {
	const op = "xcpd.ParseInboundRequest"

	body := env.Payload
	if body == nil || body.Name != ihe.InteractionXCPDRequest {
		return InboundRequest{}, ihe.Errorf(ihe.ErrSchemaValidation, op, "body is not %s", ihe.InteractionXCPDRequest)
	}
	id := strings.TrimSpace(body.Value("id", "_extension"))
	if id == "" {
		return InboundRequest{}, ihe.Errorf(ihe.ErrSchemaValidation, op, "message id/@extension is missing")
	}
	query := body.Find("controlActProcess", "queryByParameter")
	params := query.First("parameterList")
	if params == nil {
		return InboundRequest{}, ihe.Errorf(ihe.ErrSchemaValidation, op, "controlActProcess/queryByParameter/parameterList is missing")
	}

	attrs, err := security.ExtractAttributes(env.Header)
	if err != nil {
		return InboundRequest{}, err
	}
	ts, err := security.ExtractTimestamp(env.Header)
	if err != nil {
		return InboundRequest{}, err
	}

	pr, providers, err := decodeParameterList(params)
	if err != nil {
		return InboundRequest{}, err
	}

	return InboundRequest{
		ID:                       id,
		IDRoot:                   body.Value("id", "_root"),
		QueryID:                  query.Value("queryId", "_extension"),
		MessageID:                env.MessageID,
		Timestamp:                ts,
		SignatureConfirmation:    security.ExtractSignatureValue(env.Header),
		SamlAttributes:           attrs,
		PatientResource:          pr,
		PrincipalCareProviderIDs: providers,
	}, nil
}

// BuildInboundResponse answers req with a PRPA_IN201306UV02. The subject
// subtree is only present for a match; the request id is echoed in both
// the acknowledgement and the query ack.
func BuildInboundResponse(req InboundRequest, o ihe.DiscoveryOutcome, r security.Responder) ([]byte, error) {
	now := r.Time()
	kind := outcome.Of(o)
	ack, code := outcome.Codes(kind)

	var subject *xmlcodec.Node
	if m, ok := o.(ihe.DiscoveryMatch); ok {
		if m.ExternalGatewayPatient.ID == "" || m.ExternalGatewayPatient.System == "" {
			return nil, ihe.Errorf(ihe.ErrExternalGatewayPatientIDMissing, "xcpd.BuildInboundResponse", "match without a patient id")
		}
		subject = matchSubject(m, r.HomeCommunityID)
	}

	var detail *xmlcodec.Node
	if e, ok := o.(ihe.DiscoveryError); ok {
		detail = acknowledgementDetail(e.OperationOutcome)
	} else if o == nil {
		detail = xmlcodec.El("acknowledgementDetail", xmlcodec.TextEl("text", "no outcome")).Set("typeCode", "E")
	}

	requester := req.SamlAttributes.HomeCommunityID
	queryID := req.QueryID
	if queryID == "" {
		queryID = req.ID
	}
	plain := encoder{}

	body := xmlcodec.El(ihe.InteractionXCPDResponse,
		xmlcodec.El("id").Set("root", uuid.NewString()),
		xmlcodec.El("creationTime").Set("value", ihe.FormatHL7Timestamp(now)),
		xmlcodec.El("interactionId").Set("extension", ihe.InteractionXCPDResponse).Set("root", ihe.InteractionRoot),
		xmlcodec.El("processingCode").Set("code", "P"),
		xmlcodec.El("processingModeCode").Set("code", "T"),
		xmlcodec.El("acceptAckCode").Set("code", "AL"),
		device("receiver", "RCV", requester, ""),
		device("sender", "SND", r.HomeCommunityID, r.Organization),
		xmlcodec.El("acknowledgement",
			xmlcodec.El("typeCode").Set("code", ack),
			xmlcodec.El("targetMessage",
				xmlcodec.El("id").Set("extension", req.ID).Set("root", requester),
			),
			detail,
		),
		xmlcodec.El("controlActProcess",
			xmlcodec.El("code").Set("code", ihe.TriggerXCPDResponse).Set("codeSystem", ihe.InteractionRoot),
			xmlcodec.El("authorOrPerformer",
				xmlcodec.El("assignedDevice",
					xmlcodec.El("id").Set("root", r.HomeCommunityID),
				).Set("classCode", "ASSIGNED"),
			).Set("typeCode", "AUT"),
			subject,
			xmlcodec.El("queryAck",
				xmlcodec.El("queryId").Set("extension", req.ID).Set("root", requester),
				xmlcodec.El("statusCode").Set("code", "deliveredResponse"),
				xmlcodec.El("queryResponseCode").Set("code", code),
			),
			xmlcodec.El("queryByParameter",
				xmlcodec.El("queryId").Set("extension", queryID).Set("root", requester),
				xmlcodec.El("statusCode").Set("code", "new"),
				xmlcodec.El("responseModalityCode").Set("code", "R"),
				xmlcodec.El("responsePriorityCode").Set("code", "I"),
				plain.parameterList(req.PatientResource, req.PrincipalCareProviderIDs),
			),
		).Set("classCode", "CACT").Set("moodCode", "EVN"),
	).
		Set("xmlns", ihe.NSHL7).
		Set("xmlns:xsd", ihe.NSXSD).
		Set("xmlns:xsi", ihe.NSXSI).
		Set("ITSVersion", "XML_1.0")

	relatesTo := req.MessageID
	if relatesTo == "" {
		relatesTo = req.ID
	}
	return soap.Build(soap.Header{
		Action:    ihe.ActionXCPDResponse,
		MessageID: ihe.WrapURNUUID(uuid.NewString()),
		RelatesTo: relatesTo,
		Security:  r.Header(now, req.SignatureConfirmation),
	}, body)
}

func device(tag, typeCode, oid, orgName string) *xmlcodec.Node {
	if oid == "" {
		return nil
	}
	return xmlcodec.El(tag,
		xmlcodec.El("device",
			xmlcodec.El("id").Set("root", oid),
			xmlcodec.El("asAgent",
				xmlcodec.El("representedOrganization",
					xmlcodec.El("id").Set("root", oid),
					xmlcodec.TextEl("name", orgName),
				).Set("classCode", "ORG").Set("determinerCode", "INSTANCE"),
			).Set("classCode", "AGNT"),
		).Set("classCode", "DEV").Set("determinerCode", "INSTANCE"),
	).Set("typeCode", typeCode)
}

func acknowledgementDetail(oo ihe.OperationOutcome) *xmlcodec.Node {
	d := xmlcodec.El("acknowledgementDetail").Set("typeCode", "E")
	if len(oo.Issues) == 0 {
		return d.Add(xmlcodec.TextEl("text", "internal error"))
	}
	issue := oo.Issues[0]
	if issue.Coding != nil && issue.Coding.Code != "" {
		d.Add(xmlcodec.El("code").Set("code", issue.Coding.Code).Set("codeSystem", issue.Coding.System))
	}
	text := issue.Text
	if text == "" {
		text = issue.Code
	}
	return d.Add(xmlcodec.TextEl("text", text))
}

func matchSubject(m ihe.DiscoveryMatch, homeCommunityID string) *xmlcodec.Node {
	pr := m.PatientResource
	plain := encoder{}

	person := xmlcodec.El("patientPerson")
	for _, n := range pr.Name {
		person.Add(plain.name("name", n))
	}
	for _, t := range pr.Telecom {
		person.Add(plain.telecom("telecom", t))
	}
	person.Add(
		xmlcodec.El("administrativeGenderCode").Set("code", ihe.GenderToHL7(pr.Gender)),
		xmlcodec.El("birthTime").Set("value", ihe.HL7DateFromISO(pr.BirthDate)),
	)
	for _, a := range pr.Address {
		if !a.IsEmpty() {
			person.Add(plain.addr("addr", a))
		}
	}
	for _, id := range pr.Identifier {
		person.Add(xmlcodec.El("asOtherIDs",
			xmlcodec.El("id").Set("extension", id.Value).Set("root", id.System),
		).Set("classCode", "PAT"))
	}
	person.Set("classCode", "PSN").Set("determinerCode", "INSTANCE")

	return xmlcodec.El("subject",
		xmlcodec.El("registrationEvent",
			xmlcodec.El("statusCode").Set("code", "active"),
			xmlcodec.El("subject1",
				xmlcodec.El("patient",
					xmlcodec.El("id").
						Set("extension", m.ExternalGatewayPatient.ID).
						Set("root", m.ExternalGatewayPatient.System),
					xmlcodec.El("statusCode").Set("code", "active"),
					person,
				).Set("classCode", "PAT"),
			).Set("typeCode", "SBJ"),
			xmlcodec.El("custodian",
				xmlcodec.El("assignedEntity",
					xmlcodec.El("id").Set("root", homeCommunityID),
					xmlcodec.El("code").
						Set("code", ihe.NotHealthDataLocatorCode).
						Set("codeSystem", ihe.HealthDataLocatorSystem),
				).Set("classCode", "ASSIGNED"),
			).Set("typeCode", "CST"),
		).Set("classCode", "REG").Set("moodCode", "EVN"),
	).Set("typeCode", "SBJ").Set("contextConductionInd", "false")
}
