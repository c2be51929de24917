package soap

import (
	"errors"

	"github.com/ehr/ihegateway/internal/gateway/ihe"
	"github.com/ehr/ihegateway/internal/platform/xmlcodec"
)

// Fault codes defined by SOAP 1.1.
const (
	FaultClient = "soap:Client"
	FaultServer = "soap:Server"
)

// Fault is a SOAP 1.1 fault. It satisfies error so a peer's fault can be
// returned directly from a call.
type Fault struct {
	Code   string
	String string
	Actor  string
	Detail string
}

func (f *Fault) Error() string {
	return f.String
}

// FaultFor maps a translation error onto a fault. Errors caused by the
// request content are the client's fault; anything else is ours.
func FaultFor(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	code := FaultServer
	if ihe.IsClientError(err) {
		code = FaultClient
	}
	return &Fault{Code: code, String: err.Error()}
}

// BuildFault serializes f as a complete envelope. relatesTo may be empty
// when the request could not be parsed far enough to read its MessageID.
func BuildFault(f *Fault, messageID, relatesTo string) ([]byte, error) {
	body := xmlcodec.El("soap:Fault",
		xmlcodec.TextEl("faultcode", f.Code),
		xmlcodec.TextEl("faultstring", f.String),
		xmlcodec.TextEl("faultactor", f.Actor),
		xmlcodec.TextEl("detail", f.Detail),
	)
	return Build(Header{
		Action:    "http://www.w3.org/2005/08/addressing/soap/fault",
		MessageID: messageID,
		RelatesTo: relatesTo,
	}, body)
}
