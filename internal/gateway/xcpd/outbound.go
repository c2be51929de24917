package xcpd

import (
	"errors"
	"fmt"
	"time"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/gateway/outcome"
	"github.com/ehr/ihegateway/internal/gateway/security"
	"github.com/ehr/ihegateway/internal/gateway/soap"
	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

// BuildOutboundRequest builds the PRPA_IN201305UV02 envelope asking gw
// whether it knows the patient in req.
func BuildOutboundRequest(req OutboundRequest, me security.Requester) (soap.Request, error) {
	const op = "xcpd.BuildOutboundRequest"
	if err := ihe.Validate(op, req); err != nil {
		return soap.Request{}, err
	}
	now := req.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	gw := req.Gateway
	messageID := ihe.WrapURNUUID(req.ID)

	e := encoder{prefix: "urn:"}
	if gw.OmitURNPrefix {
		e.prefix = ""
	}

	body := xmlcodec.El("urn:"+ihe.InteractionXCPDRequest,
		e.el("id").Set("extension", messageID).Set("root", me.HomeCommunityID),
		e.el("creationTime").Set("value", ihe.FormatHL7Timestamp(now)),
		e.el("interactionId").Set("extension", ihe.InteractionXCPDRequest).Set("root", ihe.InteractionRoot),
		e.el("processingCode").Set("code", "P"),
		e.el("processingModeCode").Set("code", "T"),
		e.el("acceptAckCode").Set("code", "AL"),
		e.el("receiver",
			e.el("device",
				e.el("id").Set("root", gw.OID),
				e.el("telecom").Set("value", gw.URL),
				e.el("asAgent",
					e.el("representedOrganization",
						e.el("id").Set("root", gw.OID),
					).Set("classCode", "ORG").Set("determinerCode", "INSTANCE"),
				).Set("classCode", "AGNT"),
			).Set("classCode", "DEV").Set("determinerCode", "INSTANCE"),
		).Set("typeCode", "RCV"),
		e.el("sender",
			e.el("device",
				e.el("id").Set("root", me.HomeCommunityID),
				e.el("asAgent",
					e.el("representedOrganization",
						e.el("id").Set("root", me.HomeCommunityID),
						e.text("name", me.Organization),
					).Set("classCode", "ORG").Set("determinerCode", "INSTANCE"),
				).Set("classCode", "AGNT"),
			).Set("classCode", "DEV").Set("determinerCode", "INSTANCE"),
		).Set("typeCode", "SND"),
		e.el("controlActProcess",
			e.el("code").Set("code", ihe.TriggerXCPDRequest).Set("codeSystem", ihe.InteractionRoot),
			e.el("queryByParameter",
				e.el("queryId").Set("extension", messageID).Set("root", me.HomeCommunityID),
				e.el("statusCode").Set("code", "new"),
				e.el("responseModalityCode").Set("code", "R"),
				e.el("responsePriorityCode").Set("code", "I"),
				e.parameterList(req.PatientResource, req.PrincipalCareProviderIDs),
			),
		).Set("classCode", "CACT").Set("moodCode", "EVN"),
	).Set("xmlns:urn", ihe.NSHL7).Set("ITSVersion", "XML_1.0")

	sec, err := me.Header(now, gw, req.PurposeOfUse, req.QueryGrantorOID)
	if err != nil {
		return soap.Request{}, fmt.Errorf("%s: %w", op, err)
	}
	out, err := soap.Build(soap.Header{
		Action:    ihe.ActionXCPDRequest,
		To:        gw.URL,
		MessageID: messageID,
		ReplyTo:   me.ReplyTo,
		Security:  sec,
	}, body)
	if err != nil {
		return soap.Request{}, fmt.Errorf("%s: %w", op, err)
	}
	return soap.Request{URL: gw.URL, Action: ihe.ActionXCPDRequest, MessageID: messageID, Body: out}, nil
}

// ParseOutboundResponse interprets a peer's reply to req. It never fails:
// transport errors, faults and unreadable bodies all become an error
// outcome carrying the reason.
func ParseOutboundResponse(req OutboundRequest, res soap.Result) OutboundResponse {
	resp := OutboundResponse{
		ID:                req.ID,
		PatientID:         req.PatientID,
		Gateway:           req.Gateway,
		ResponseTimestamp: time.Now(),
	}
	resp.Outcome = classifyResult(req.ID, res)
	return resp
}

func classifyResult(id string, res soap.Result) ihe.DiscoveryOutcome {
	if res.Err != nil {
		var se *soap.StatusError
		if !errors.As(res.Err, &se) || len(se.Body) == 0 {
			return errorOutcome(id, "exception", res.Err.Error())
		}
	}

	env, err := soap.Parse(res.Body)
	if err != nil {
		if res.Err != nil {
			return errorOutcome(id, "exception", res.Err.Error())
		}
		return errorOutcome(id, "structure", err.Error())
	}
	if f := env.Fault(); f != nil {
		return errorOutcome(id, "exception", fmt.Sprintf("soap fault %s: %s", f.Code, f.String))
	}

	body := env.Payload
	if body.Name != ihe.InteractionXCPDResponse {
		return errorOutcome(id, "structure", "response body is not "+ihe.InteractionXCPDResponse)
	}
	ack := body.Value("acknowledgement", "typeCode", "_code")
	code := body.Value("controlActProcess", "queryAck", "queryResponseCode", "_code")

	switch outcome.Classify(ack, code) {
	case ihe.OutcomeMatch:
		patient := body.Find("controlActProcess", "subject", "registrationEvent", "subject1", "patient")
		ext, root := patient.Value("id", "_extension"), patient.Value("id", "_root")
		if ext == "" || root == "" {
			return errorOutcome(id, "structure", "match without subject1/patient/id")
		}
		return ihe.DiscoveryMatch{
			ExternalGatewayPatient: ihe.XCPDPatientID{ID: ext, System: root},
			PatientResource:        decodePatientPerson(patient.First("patientPerson")),
		}
	case ihe.OutcomeNoMatch:
		return ihe.DiscoveryNoMatch{}
	default:
		return peerError(id, body, ack, code)
	}
}

func peerError(id string, body *xmlcodec.Node, ack, code string) ihe.DiscoveryError {
	oo := ihe.OperationOutcome{ID: id}
	for _, d := range body.First("acknowledgement").All("acknowledgementDetail") {
		issue := ihe.Issue{Severity: "error", Code: "processing", Text: d.Value("text")}
		if c := d.Value("code", "_code"); c != "" {
			issue.Coding = &ihe.Coding{Code: c, System: d.Value("code", "_codeSystem")}
		}
		oo.Issues = append(oo.Issues, issue)
	}
	if len(oo.Issues) == 0 {
		oo.Issues = []ihe.Issue{{
			Severity: "error",
			Code:     "processing",
			Text:     fmt.Sprintf("ack %q with query response code %q", ack, code),
		}}
	}
	return ihe.DiscoveryError{OperationOutcome: oo}
}

func errorOutcome(id, code, text string) ihe.DiscoveryError {
	return ihe.DiscoveryError{OperationOutcome: ihe.NewOperationOutcome(id, code, text)}
}
