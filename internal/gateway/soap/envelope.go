// Package soap reads and writes the SOAP envelopes exchanged with remote
// gateways: WS-Addressing headers, the body payload and SOAP 1.1 faults.
package soap

import (
	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

// ContentType is sent on every envelope written by this package.
const ContentType = `text/xml; charset=utf-8`

// Envelope is a parsed SOAP message. Header and Payload keep the parsed
// element trees; the addressing fields are lifted out for correlation.
type Envelope struct {
	Header  *xmlcodec.Node
	Payload *xmlcodec.Node

	MessageID string
	RelatesTo string
	Action    string
	To        string
}

// Security returns the wsse:Security header block, or nil.
func (e *Envelope) Security() *xmlcodec.Node {
	return e.Header.First("Security")
}

// Fault returns the body fault, or nil when the payload is not a fault.
func (e *Envelope) Fault() *Fault {
	if e.Payload == nil || xmlcodec.LocalName(e.Payload.Name) != "Fault" {
		return nil
	}
	f := &Fault{
		Code:   e.Payload.Value("faultcode"),
		String: e.Payload.Value("faultstring"),
		Actor:  e.Payload.Value("faultactor"),
		Detail: e.Payload.Value("detail"),
	}
	if f.Code == "" {
		// SOAP 1.2 nests the code and reason.
		f.Code = e.Payload.Value("Code", "Value")
		f.String = e.Payload.Value("Reason", "Text")
	}
	return f
}

// Parse decodes a SOAP envelope. It accepts SOAP 1.1 and 1.2 since element
// names are matched without namespace. A document that is not an envelope
// or whose body is empty fails with ihe.ErrSchemaValidation.
func Parse(data []byte) (*Envelope, error) {
	root, err := xmlcodec.Parse(data)
	if err != nil {
		return nil, err
	}
	if root.Name != "Envelope" {
		return nil, ihe.Errorf(ihe.ErrSchemaValidation, "soap.Parse", "root element is %q, want Envelope", root.Name)
	}
	body := root.First("Body")
	if body == nil || len(body.Children) == 0 {
		return nil, ihe.Errorf(ihe.ErrSchemaValidation, "soap.Parse", "envelope has no body payload")
	}

	header := root.First("Header")
	return &Envelope{
		Header:    header,
		Payload:   body.Children[0],
		MessageID: header.Value("MessageID"),
		RelatesTo: header.Value("RelatesTo"),
		Action:    header.Value("Action"),
		To:        header.Value("To"),
	}, nil
}

// Header describes the addressing block of an envelope to build. Empty
// fields are left out.
type Header struct {
	Action    string
	To        string
	MessageID string
	ReplyTo   string
	RelatesTo string
	Security  *xmlcodec.Node
}

// Build wraps payload in a SOAP 1.1 envelope. Body namespace declarations
// belong to the payload node.
func Build(h Header, payload *xmlcodec.Node) ([]byte, error) {
	return xmlcodec.BuildDocument(Wrap(h, payload))
}

// Wrap returns the envelope tree without serializing it.
func Wrap(h Header, payload *xmlcodec.Node) *xmlcodec.Node {
	header := xmlcodec.El("soap:Header", h.Security)
	if h.Action != "" {
		header.Add(xmlcodec.TextEl("wsa:Action", h.Action).Set("soap:mustUnderstand", "1"))
	}
	if h.To != "" {
		header.Add(xmlcodec.TextEl("wsa:To", h.To).Set("soap:mustUnderstand", "1"))
	}
	header.Add(xmlcodec.TextEl("wsa:MessageID", h.MessageID))
	if h.ReplyTo != "" {
		header.Add(xmlcodec.El("wsa:ReplyTo", xmlcodec.TextEl("wsa:Address", h.ReplyTo)).Set("soap:mustUnderstand", "1"))
	}
	header.Add(xmlcodec.TextEl("wsa:RelatesTo", h.RelatesTo))

	return xmlcodec.El("soap:Envelope",
		header,
		xmlcodec.El("soap:Body", payload),
	).Set("xmlns:soap", ihe.NSSoap).Set("xmlns:wsa", ihe.NSWSA)
}
