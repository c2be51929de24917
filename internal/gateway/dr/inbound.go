package dr

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/gateway/security"
	"github.com/ehr/ihegateway/internal/gateway/soap"
	"github.com/ehr/ihegateway/internal/platform/blobstore"
	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

// ParseInboundRequest reads the document list of a retrieve request. An
// empty list, or an entry missing one of its three identifiers, is a
// schema violation.
func ParseInboundRequest(env *soap.Envelope) (InboundRequest, error) {
	const op = "dr.ParseInboundRequest"

	body := env.Payload
	if body == nil || body.Name != "RetrieveDocumentSetRequest" {
		return InboundRequest{}, ihe.Errorf(ihe.ErrSchemaValidation, op, "body is not RetrieveDocumentSetRequest")
	}
	entries := body.All("DocumentRequest")
	if len(entries) == 0 {
		return InboundRequest{}, ihe.Errorf(ihe.ErrSchemaValidation, op, "no DocumentRequest")
	}

	refs := make([]ihe.DocumentReference, 0, len(entries))
	for i, e := range entries {
		ref := ihe.DocumentReference{
			HomeCommunityID:    ihe.StripURNPrefix(e.Value("HomeCommunityId")),
			RepositoryUniqueID: ihe.StripURNPrefix(e.Value("RepositoryUniqueId")),
			DocUniqueID:        strings.TrimSpace(e.Value("DocumentUniqueId")),
		}
		if ref.HomeCommunityID == "" || ref.RepositoryUniqueID == "" || ref.DocUniqueID == "" {
			return InboundRequest{}, ihe.Errorf(ihe.ErrSchemaValidation, op, "DocumentRequest %d lacks an identifier", i+1)
		}
		refs = append(refs, ref)
	}

	attrs, err := security.ExtractAttributes(env.Header)
	if err != nil {
		return InboundRequest{}, err
	}
	ts, err := security.ExtractTimestamp(env.Header)
	if err != nil {
		return InboundRequest{}, err
	}
	return InboundRequest{
		ID:                    env.MessageID,
		MessageID:             env.MessageID,
		Timestamp:             ts,
		SignatureConfirmation: security.ExtractSignatureValue(env.Header),
		SamlAttributes:        attrs,
		DocumentReferences:    refs,
	}, nil
}

// BuildInboundResponse fetches every document resp names and returns the
// RetrieveDocumentSetResponse. Without references it answers with a
// registry failure built from resp.OperationOutcome. Storage failures are
// returned as ihe.ErrStorageFetch with no body; see BuildFailureResponse.
func BuildInboundResponse(ctx context.Context, req InboundRequest, resp InboundResponse, store blobstore.ObjectStore, opts Options, r security.Responder) ([]byte, error) {
	if len(resp.DocumentReferences) == 0 {
		oo := ihe.OperationOutcome{ID: resp.ID}
		if resp.OperationOutcome != nil {
			oo = *resp.OperationOutcome
		}
		return BuildFailureResponse(req, oo, r)
	}

	docs, err := Fetch(ctx, store, opts.Bucket, resp.DocumentReferences, opts.Concurrency)
	if err != nil {
		return nil, err
	}

	body := responseBody(ihe.StatusSuccess, nil)
	for _, d := range docs {
		body.Add(xmlcodec.El("xds:DocumentResponse",
			xmlcodec.TextEl("xds:HomeCommunityId", ihe.WrapURNOID(d.Reference.HomeCommunityID)),
			xmlcodec.TextEl("xds:RepositoryUniqueId", d.Reference.RepositoryUniqueID),
			xmlcodec.TextEl("xds:DocumentUniqueId", d.Reference.DocUniqueID),
			xmlcodec.TextEl("xds:mimeType", d.MimeType),
			xmlcodec.TextEl("xds:Document", base64.StdEncoding.EncodeToString(d.Content)),
		))
	}
	return build(req, body, r)
}

// BuildFailureResponse answers req with a registry failure listing the
// issues of oo.
func BuildFailureResponse(req InboundRequest, oo ihe.OperationOutcome, r security.Responder) ([]byte, error) {
	errs := ihe.RegistryErrorsFromOutcome(oo)
	if len(errs) == 0 {
		errs = []ihe.RegistryError{{Code: ihe.ErrorCodeRepository, Severity: ihe.SeverityError, Text: "no documents to return"}}
	}
	return build(req, responseBody(ihe.StatusFailure, ihe.RegistryErrorList(errs)), r)
}

func responseBody(status string, errs *xmlcodec.Node) *xmlcodec.Node {
	return xmlcodec.El("xds:RetrieveDocumentSetResponse",
		xmlcodec.El("rs:RegistryResponse", errs).Set("status", status),
	).
		Set("xmlns:xds", ihe.NSXDS).
		Set("xmlns:rs", ihe.NSRS)
}

func build(req InboundRequest, body *xmlcodec.Node, r security.Responder) ([]byte, error) {
	return soap.Build(soap.Header{
		Action:    ihe.ActionDRResponse,
		MessageID: ihe.WrapURNUUID(uuid.NewString()),
		RelatesTo: req.MessageID,
		Security:  r.Header(r.Time(), req.SignatureConfirmation),
	}, body)
}
