package soap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// maxResponseBytes caps how much of a peer's reply is read into memory.
const maxResponseBytes = 64 << 20

// StatusError is returned when a peer answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("soap: peer returned HTTP %d", e.StatusCode)
}

// Client posts envelopes to remote gateways. Timeouts and retries are the
// responsibility of the supplied http.Client.
type Client struct {
	http   *http.Client
	logger zerolog.Logger
}

// NewClient returns a Client. A nil httpClient uses http.DefaultClient.
func NewClient(httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient, logger: logger}
}

// Call sends envelope to url with the given SOAP action and returns the raw
// response body. A non-2xx reply returns the body together with a
// *StatusError so callers can still read a fault from it.
func (c *Client) Call(ctx context.Context, url, action string, envelope []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("soap: build request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("SOAPAction", action)

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", url).Str("action", action).Msg("soap call failed")
		return nil, fmt.Errorf("soap: post %s: %w", url, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("soap: read response: %w", err)
	}

	c.logger.Debug().
		Str("url", url).
		Str("action", action).
		Int("status", res.StatusCode).
		Dur("latency", time.Since(start)).
		Int("bytes", len(body)).
		Msg("soap call")

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return body, &StatusError{StatusCode: res.StatusCode, Body: body}
	}
	return body, nil
}

// Request is a serialized outbound envelope and its destination.
type Request struct {
	URL       string
	Action    string
	MessageID string
	Body      []byte
}

// Result is the outcome of sending a Request. Err is set for transport
// failures and non-2xx replies; Body may still hold a fault in the latter
// case.
type Result struct {
	Body []byte
	Err  error
}

// Send posts req and packages the reply as a Result.
func (c *Client) Send(ctx context.Context, req Request) Result {
	body, err := c.Call(ctx, req.URL, req.Action, req.Body)
	return Result{Body: body, Err: err}
}
