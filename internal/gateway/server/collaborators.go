package server

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/ihegateway/internal/gateway/dq"
	"github.com/ehr/ihegateway/internal/gateway/dr"
	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/gateway/xcpd"
	"github.com/ehr/ihegateway/internal/platform/blobstore"
	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

// PatientMatcher resolves an inbound patient discovery request against the
// local master patient index.
type PatientMatcher interface {
	Match(ctx context.Context, req xcpd.InboundRequest) (ihe.DiscoveryOutcome, error)
}

// DocumentIndex answers an inbound document query with registry metadata.
type DocumentIndex interface {
	Query(ctx context.Context, req dq.InboundRequest) (ihe.RegistryOutcome, error)
}

// DocumentLocator decides which stored documents an inbound retrieve
// request may receive.
type DocumentLocator interface {
	Locate(ctx context.Context, req dr.InboundRequest) (dr.InboundResponse, error)
}

// Authorizer checks the delegation claims of a request's SAML assertion.
type Authorizer interface {
	Authorize(attrs ihe.SamlAttributes) error
}

// ReplayChecker rejects a MessageID seen before.
type ReplayChecker interface {
	Check(messageID string) error
}

// NoMatch answers every discovery request with no match. It stands in when
// no patient index is attached.
type NoMatch struct{}

func (NoMatch) Match(context.Context, xcpd.InboundRequest) (ihe.DiscoveryOutcome, error) {
	return ihe.DiscoveryNoMatch{}, nil
}

// StorageIndex serves document queries from the documents bucket. Objects
// are laid out as <patient id>/<document>, the same layout retrieved
// documents are stored under, and the object key is advertised as the
// document unique id.
type StorageIndex struct {
	Store           blobstore.ObjectStore
	Bucket          string
	HomeCommunityID string
}

func (s StorageIndex) Query(ctx context.Context, req dq.InboundRequest) (ihe.RegistryOutcome, error) {
	patient := req.ExternalGatewayPatient.ID
	objects, err := s.Store.ListObjects(ctx, s.Bucket, patient+"/")
	if err != nil {
		return nil, fmt.Errorf("list documents for %s: %w", patient, err)
	}

	var fragments []string
	for _, o := range objects {
		if !inRange(req.DocumentCreationDate, o) {
			continue
		}
		frag, err := xmlcodec.Build(s.extrinsicObject(req, o))
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, string(frag))
	}
	if len(fragments) == 0 {
		return ihe.RegistryFailure{RegistryErrors: []ihe.RegistryError{{
			Code:     ihe.ErrorCodeUnknownPatientID,
			Severity: ihe.SeverityError,
			Text:     "no documents found for patient " + patient,
		}}}, nil
	}
	return ihe.RegistrySuccess{ExtrinsicObjects: fragments}, nil
}

func inRange(r dq.DateRange, o blobstore.ObjectInfo) bool {
	if !r.From.IsZero() && o.LastModified.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && o.LastModified.After(r.To) {
		return false
	}
	return true
}

func (s StorageIndex) extrinsicObject(req dq.InboundRequest, o blobstore.ObjectInfo) *xmlcodec.Node {
	id := ihe.WrapURNUUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(s.Bucket+"/"+o.Key)).String())
	home := ihe.WrapURNOID(s.HomeCommunityID)
	patientID := strings.Trim(dq.FormatPatientID(req.ExternalGatewayPatient), "'")
	mimeType := o.ContentType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return xmlcodec.El("rim:ExtrinsicObject",
		valueSlot("creationTime", ihe.FormatHL7Timestamp(o.LastModified)),
		valueSlot("repositoryUniqueId", s.HomeCommunityID),
		valueSlot("size", strconv.FormatInt(o.Size, 10)),
		valueSlot("hash", o.ETag),
		xmlcodec.El("rim:Name",
			xmlcodec.El("rim:LocalizedString").Set("value", path.Base(o.Key)),
		),
		xmlcodec.El("rim:ExternalIdentifier",
			xmlcodec.El("rim:Name", xmlcodec.El("rim:LocalizedString").Set("value", "XDSDocumentEntry.patientId")),
		).Set("id", id+"-pid").
			Set("registryObject", id).
			Set("identificationScheme", ihe.SchemeDocumentPatientID).
			Set("value", patientID),
		xmlcodec.El("rim:ExternalIdentifier",
			xmlcodec.El("rim:Name", xmlcodec.El("rim:LocalizedString").Set("value", "XDSDocumentEntry.uniqueId")),
		).Set("id", id+"-uid").
			Set("registryObject", id).
			Set("identificationScheme", ihe.SchemeDocumentUniqueID).
			Set("value", o.Key),
	).
		Set("id", id).
		Set("home", home).
		Set("mimeType", mimeType).
		Set("objectType", ihe.StableDocumentType).
		Set("status", ihe.ApprovedStatus)
}

func valueSlot(name, value string) *xmlcodec.Node {
	if value == "" {
		return nil
	}
	return xmlcodec.El("rim:Slot",
		xmlcodec.El("rim:ValueList", xmlcodec.TextEl("rim:Value", value)),
	).Set("name", name)
}

// StorageLocator serves retrieve requests for documents advertised by
// StorageIndex: the document unique id is the object key. Requests naming
// another repository are refused.
type StorageLocator struct {
	HomeCommunityID string
}

func (l StorageLocator) Locate(_ context.Context, req dr.InboundRequest) (dr.InboundResponse, error) {
	resp := dr.InboundResponse{ID: req.ID}
	var refused []ihe.Issue
	for _, ref := range req.DocumentReferences {
		if ref.RepositoryUniqueID != l.HomeCommunityID {
			refused = append(refused, ihe.Issue{
				Severity: "error",
				Code:     ihe.ErrorCodeRepository,
				Text:     "unknown repository " + ref.RepositoryUniqueID,
			})
			continue
		}
		ref.FileName = ref.DocUniqueID
		resp.DocumentReferences = append(resp.DocumentReferences, ref)
		if resp.PatientID == "" {
			resp.PatientID = patientOf(ref.DocUniqueID)
		}
	}
	if len(refused) > 0 {
		resp.DocumentReferences = nil
		resp.OperationOutcome = &ihe.OperationOutcome{ID: req.ID, Issues: refused}
	}
	return resp, nil
}

func patientOf(key string) string {
	if dir := path.Dir(key); dir != "." && dir != "/" {
		return dir
	}
	return ""
}
