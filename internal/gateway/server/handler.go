// Package server exposes the responding gateway: the ITI-55, ITI-38 and
// ITI-39 SOAP endpoints a remote community calls.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ihegateway/internal/gateway/dq"
	"github.com/ehr/ihegateway/internal/gateway/dr"
	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/gateway/outcome"
	"github.com/ehr/ihegateway/internal/gateway/security"
	"github.com/ehr/ihegateway/internal/gateway/soap"
	"github.com/ehr/ihegateway/internal/gateway/xcpd"
	"github.com/ehr/ihegateway/internal/platform/blobstore"
	"github.com/ehr/ihegateway/internal/platform/hipaa"
	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

// Deps are the collaborators of a Handler. Authorizer, Replay and
// Disclosures are optional.
type Deps struct {
	Matcher     PatientMatcher
	Index       DocumentIndex
	Locator     DocumentLocator
	Authorizer  Authorizer
	Replay      ReplayChecker
	Store       blobstore.ObjectStore
	Retrieval   dr.Options
	Responder   security.Responder
	Disclosures hipaa.DisclosureStore
	Logger      zerolog.Logger
}

type Handler struct {
	matcher     PatientMatcher
	index       DocumentIndex
	locator     DocumentLocator
	authz       Authorizer
	replay      ReplayChecker
	store       blobstore.ObjectStore
	retrieval   dr.Options
	responder   security.Responder
	disclosures hipaa.DisclosureStore
	logger      zerolog.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		matcher:     d.Matcher,
		index:       d.Index,
		locator:     d.Locator,
		authz:       d.Authorizer,
		replay:      d.Replay,
		store:       d.Store,
		retrieval:   d.Retrieval,
		responder:   d.Responder,
		disclosures: d.Disclosures,
		logger:      d.Logger,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/xcpd/iti55", h.PatientDiscovery)
	g.POST("/xca/iti38", h.DocumentQuery)
	g.POST("/xca/iti39", h.DocumentRetrieve)
}

// PatientDiscovery answers an ITI-55 request. A matcher failure is reported
// to the peer as an AE acknowledgement, not as a fault.
func (h *Handler) PatientDiscovery(c echo.Context) error {
	env, err := h.envelope(c, ihe.ActionXCPDRequest)
	if err != nil {
		return h.fault(c, err, relatesTo(env))
	}
	req, err := xcpd.ParseInboundRequest(env)
	if err != nil {
		return h.fault(c, err, env.MessageID)
	}
	log := h.messageLogger(ihe.ActionXCPDRequest, req.MessageID, req.SamlAttributes)
	if err := h.authorize(req.SamlAttributes); err != nil {
		log.Warn().Err(err).Msg("delegated request refused")
		return h.fault(c, err, req.MessageID)
	}

	o, err := h.matcher.Match(c.Request().Context(), req)
	if err != nil {
		log.Error().Err(err).Msg("patient match failed")
		o = ihe.DiscoveryError{OperationOutcome: ihe.NewOperationOutcome(req.ID, "processing", err.Error())}
	}
	body, err := xcpd.BuildInboundResponse(req, o, h.responder)
	if err != nil {
		log.Error().Err(err).Msg("building discovery response")
		return h.fault(c, err, req.MessageID)
	}
	log.Info().Str("outcome", outcome.Of(o).String()).Msg("patient discovery answered")
	return c.Blob(http.StatusOK, soap.ContentType, body)
}

// DocumentQuery answers an ITI-38 request.
func (h *Handler) DocumentQuery(c echo.Context) error {
	env, err := h.envelope(c, ihe.ActionDQRequest)
	if err != nil {
		return h.fault(c, err, relatesTo(env))
	}
	req, err := dq.ParseInboundRequest(env)
	if err != nil {
		return h.fault(c, err, env.MessageID)
	}
	log := h.messageLogger(ihe.ActionDQRequest, req.MessageID, req.SamlAttributes)
	if err := h.authorize(req.SamlAttributes); err != nil {
		log.Warn().Err(err).Msg("delegated request refused")
		return h.fault(c, err, req.MessageID)
	}

	ctx := c.Request().Context()
	o, err := h.index.Query(ctx, req)
	if err != nil {
		log.Error().Err(err).Msg("document query failed")
		o = ihe.RegistryFailure{RegistryErrors: []ihe.RegistryError{{
			Code: ihe.ErrorCodeRegistry, Severity: ihe.SeverityError, Text: err.Error(),
		}}}
	}
	body, err := dq.BuildInboundResponse(req, o, h.responder)
	if err != nil {
		log.Error().Err(err).Msg("building query response")
		return h.fault(c, err, req.MessageID)
	}

	if s, ok := o.(ihe.RegistrySuccess); ok && len(s.ExtrinsicObjects) > 0 {
		h.recordDisclosure(ctx, log, &hipaa.Disclosure{
			PatientID:   req.ExternalGatewayPatient.ID,
			Transaction: hipaa.TransactionDocumentQuery,
			DocumentIDs: documentIDs(s.ExtrinsicObjects),
			MessageID:   req.MessageID,
		}, req.SamlAttributes)
	}
	log.Info().Bool("success", o != nil && o.Succeeded()).Msg("document query answered")
	return c.Blob(http.StatusOK, soap.ContentType, body)
}

// DocumentRetrieve answers an ITI-39 request. When storage fails the peer
// receives a registry failure rather than a fault.
func (h *Handler) DocumentRetrieve(c echo.Context) error {
	env, err := h.envelope(c, ihe.ActionDRRequest)
	if err != nil {
		return h.fault(c, err, relatesTo(env))
	}
	req, err := dr.ParseInboundRequest(env)
	if err != nil {
		return h.fault(c, err, env.MessageID)
	}
	log := h.messageLogger(ihe.ActionDRRequest, req.MessageID, req.SamlAttributes)
	if err := h.authorize(req.SamlAttributes); err != nil {
		log.Warn().Err(err).Msg("delegated request refused")
		return h.fault(c, err, req.MessageID)
	}

	ctx := c.Request().Context()
	resp, err := h.locator.Locate(ctx, req)
	if err != nil {
		log.Error().Err(err).Msg("document lookup failed")
		oo := ihe.NewOperationOutcome(req.ID, ihe.ErrorCodeRepository, err.Error())
		resp = dr.InboundResponse{ID: req.ID, OperationOutcome: &oo}
	}

	body, err := dr.BuildInboundResponse(ctx, req, resp, h.store, h.retrieval, h.responder)
	switch {
	case errors.Is(err, ihe.ErrStorageFetch):
		log.Error().Err(err).Msg("document fetch failed")
		oo := ihe.NewOperationOutcome(req.ID, ihe.ErrorCodeRepository, "documents could not be retrieved")
		if body, err = dr.BuildFailureResponse(req, oo, h.responder); err != nil {
			return h.fault(c, err, req.MessageID)
		}
		resp.DocumentReferences = nil
	case err != nil:
		log.Error().Err(err).Msg("building retrieve response")
		return h.fault(c, err, req.MessageID)
	}

	if len(resp.DocumentReferences) > 0 {
		ids := make([]string, 0, len(resp.DocumentReferences))
		for _, ref := range resp.DocumentReferences {
			ids = append(ids, ref.DocUniqueID)
		}
		h.recordDisclosure(ctx, log, &hipaa.Disclosure{
			PatientID:   resp.PatientID,
			Transaction: hipaa.TransactionDocumentRetrieve,
			DocumentIDs: ids,
			MessageID:   req.MessageID,
		}, req.SamlAttributes)
	}
	log.Info().Int("documents", len(resp.DocumentReferences)).Msg("document retrieve answered")
	return c.Blob(http.StatusOK, soap.ContentType, body)
}

// envelope reads and parses the request body, then rejects stale
// timestamps and replays. The returned envelope is nil only when parsing
// failed.
func (h *Handler) envelope(c echo.Context, action string) (*soap.Envelope, error) {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fmt.Errorf("reading request: %w", err)
	}
	env, err := soap.Parse(data)
	if err != nil {
		return nil, err
	}
	if env.Action != "" && env.Action != action {
		return env, &soap.Fault{Code: soap.FaultClient, String: fmt.Sprintf("unexpected action %q", env.Action)}
	}
	if err := security.ValidateTimestamp(env.Header, h.responder.Time(), h.responder.Window); err != nil {
		h.logger.Warn().Err(err).Str("action", action).Str("message_id", env.MessageID).Msg("stale security timestamp refused")
		return env, err
	}
	if h.replay != nil {
		if err := h.replay.Check(env.MessageID); err != nil {
			h.logger.Warn().Str("action", action).Str("message_id", env.MessageID).Msg("replayed message refused")
			return env, &soap.Fault{Code: soap.FaultClient, String: err.Error()}
		}
	}
	return env, nil
}

func relatesTo(env *soap.Envelope) string {
	if env == nil {
		return ""
	}
	return env.MessageID
}

func (h *Handler) authorize(attrs ihe.SamlAttributes) error {
	if h.authz == nil {
		return nil
	}
	if err := h.authz.Authorize(attrs); err != nil {
		return &soap.Fault{Code: soap.FaultClient, String: "not authorized: " + err.Error()}
	}
	return nil
}

// fault answers with a SOAP 1.1 fault, which travels with HTTP 500.
func (h *Handler) fault(c echo.Context, err error, relatesTo string) error {
	f := soap.FaultFor(err)
	body, berr := soap.BuildFault(f, ihe.WrapURNUUID(uuid.NewString()), relatesTo)
	if berr != nil {
		h.logger.Error().Err(berr).Msg("building fault")
		return echo.NewHTTPError(http.StatusInternalServerError, f.String)
	}
	return c.Blob(http.StatusInternalServerError, soap.ContentType, body)
}

func (h *Handler) messageLogger(action, messageID string, attrs ihe.SamlAttributes) zerolog.Logger {
	return h.logger.With().
		Str("action", action).
		Str("message_id", messageID).
		Str("home_community_id", attrs.HomeCommunityID).
		Logger()
}

// recordDisclosure accounts for PHI released to the requesting community.
// Failures are logged; the peer still receives its response.
func (h *Handler) recordDisclosure(ctx context.Context, log zerolog.Logger, d *hipaa.Disclosure, attrs ihe.SamlAttributes) {
	if h.disclosures == nil {
		return
	}
	if d.PatientID == "" {
		log.Warn().Msg("disclosure not recorded: patient unknown")
		return
	}
	d.DisclosedTo = attrs.HomeCommunityID
	d.DisclosedToName = attrs.Organization
	d.Purpose = attrs.PurposeOfUse
	d.DisclosedBy = attrs.SubjectID
	if err := h.disclosures.Record(ctx, d); err != nil {
		log.Error().Err(err).Msg("recording disclosure")
	}
}

// documentIDs reads the XDSDocumentEntry.uniqueId of each fragment.
func documentIDs(fragments []string) []string {
	var ids []string
	for _, frag := range fragments {
		eo, err := xmlcodec.Parse([]byte(frag))
		if err != nil {
			continue
		}
		for _, ei := range eo.All("ExternalIdentifier") {
			if ei.Attr("identificationScheme") == ihe.SchemeDocumentUniqueID {
				ids = append(ids, ei.Attr("value"))
			}
		}
	}
	return ids
}
