package exchange

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/calder-labs/unicex/common"
	"github.com/calder-labs/unicex/exchanges/errs"
	"github.com/calder-labs/unicex/exchanges/request"
)

// BodyEncoding fixes how a venue carries request parameters on methods that
// take a body
type BodyEncoding uint8

// Parameter carriage modes. A venue declares exactly one; GET and DELETE
// always use the query string.
const (
	// QueryEncoding sends parameters in the URL query string for every
	// method
	QueryEncoding BodyEncoding = iota
	// JSONEncoding sends the request body as JSON on POST, PUT and PATCH
	JSONEncoding
	// FormEncoding sends parameters URL encoded in the body on POST, PUT and
	// PATCH
	FormEncoding
)

// Request is one canonical operation translated to the venue's wire shape,
// ready for the shared pipeline
type Request struct {
	// Method defaults to GET when empty
	Method string
	// Path is the endpoint path without the host
	Path string
	// Params are the operation parameters. They travel as the query string,
	// or as the form body under FormEncoding.
	Params url.Values
	// Body is the JSON payload for venues that take structured bodies
	Body any
	// Signed routes the request through the venue signer and private host
	Signed bool
	// Endpoint selects the weighted rate limit bucket
	Endpoint request.EndpointLimit
	// Result receives the unwrapped response payload when non-nil
	Result any
}

// SignedRequest is the signature material a venue signer returns
type SignedRequest struct {
	// Params replace the request parameters, typically extended with
	// timestamp, nonce or signature fields. Venues that sign an exact query
	// string compose Path instead and leave Params nil.
	Params url.Values
	// Headers carry the authentication headers
	Headers map[string]string
	// Path replaces the request path when set, including any query string
	// the signature covers
	Path string
	// Body replaces the encoded body when the venue signs altered bytes
	Body []byte
}

// SendRequest drives one REST operation through the venue pipeline:
// throttle, sign, dispatch, header inspection, status classification,
// envelope unwrap and decode. Signing runs after the rate limiter grants
// capacity so timestamps do not go stale in the queue.
func (b *Base) SendRequest(ctx context.Context, r *Request) error {
	if b == nil || r == nil {
		return fmt.Errorf("send request: %w", common.ErrNilPointer)
	}
	hooks := b.Hooks
	if hooks == nil {
		return fmt.Errorf("%s: %w", b.Name, errHooksUnset)
	}

	auth := request.UnauthenticatedRequest
	if r.Signed {
		if _, err := b.GetCredentials(); err != nil {
			return err
		}
		auth = request.AuthenticatedRequest
	}

	generate := func() (*request.Item, error) {
		return b.buildItem(hooks, r)
	}
	return b.Requester.SendPayload(ctx, r.Endpoint, generate, auth)
}

func (b *Base) buildItem(hooks Hooks, r *Request) (*request.Item, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	hasBody := method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch

	params := make(url.Values, len(r.Params))
	for k, v := range r.Params {
		params[k] = v
	}

	var body []byte
	var contentType string
	if r.Body != nil && hasBody {
		var err error
		if body, err = json.Marshal(r.Body); err != nil {
			return nil, fmt.Errorf("%s failed to marshal request body: %w", b.Name, err)
		}
		contentType = "application/json"
	}

	path := r.Path
	headers := make(map[string]string)
	if r.Signed {
		s, err := hooks.Sign(method, path, params, body)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, fmt.Errorf("%s signer returned no request", b.Name)
		}
		params = s.Params
		if s.Path != "" {
			path = s.Path
		}
		for k, v := range s.Headers {
			headers[k] = v
		}
		if s.Body != nil {
			body = s.Body
		}
	}

	if len(params) > 0 {
		if hasBody && b.Encoding == FormEncoding {
			body = []byte(params.Encode())
			contentType = "application/x-www-form-urlencoded"
		} else {
			sep := "?"
			if strings.Contains(path, "?") {
				sep = "&"
			}
			path += sep + params.Encode()
		}
	}

	base := hooks.BaseURL(r.Signed)
	if !strings.HasPrefix(base, "http") {
		return nil, fmt.Errorf("%s: %w", b.Name, errEndpointUnset)
	}
	if contentType != "" && headers["Content-Type"] == "" {
		headers["Content-Type"] = contentType
	}

	item := &request.Item{
		Method:  method,
		Path:    base + path,
		Headers: headers,
		Verbose: b.Verbose,
		HandleResponse: func(resp *request.Response) error {
			return b.handleResponse(hooks, r, resp)
		},
	}
	if len(body) > 0 {
		item.Body = bytes.NewReader(body)
	}
	return item, nil
}

// handleResponse runs the response side of the pipeline. Explicit rate
// limit statuses short circuit before the venue error hook sees them.
func (b *Base) handleResponse(hooks Hooks, r *Request, resp *request.Response) error {
	hooks.OnHeaders(resp.Headers)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		e := errs.New(b.Name, errs.ErrRateLimitExceeded, snippet(resp.Body)).WithHTTP(resp.StatusCode)
		if ra := retryAfter(resp.Headers); ra > 0 {
			e = e.WithRetryAfter(ra)
		}
		return e
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		if err := hooks.OnHTTPError(resp.StatusCode, resp.Body); err != nil {
			return err
		}
		// The hook declined to classify; a failed status must never pass
		return errs.New(b.Name, errs.KindFromHTTPStatus(resp.StatusCode), snippet(resp.Body)).WithHTTP(resp.StatusCode)
	}

	payload, err := hooks.Unwrap(resp.Body)
	if err != nil {
		return err
	}
	if r.Result == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, r.Result); err != nil {
		return errs.New(b.Name, errs.ErrExchange, "undecodable response: "+snippet(payload)).WithCause(err)
	}
	return nil
}

// BaseURL returns the venue's spot REST host for both public and signed
// traffic. Venues with a separate private host override this.
func (b *Base) BaseURL(bool) string {
	return b.EndpointURL(RestSpot)
}

// Sign rejects private traffic. Venues with private endpoints override it
// with their signing scheme.
func (b *Base) Sign(string, string, url.Values, []byte) (*SignedRequest, error) {
	return nil, b.NotSupported("sign")
}

// OnHeaders does nothing. Venues exposing usage counters override it to
// resynchronise their buckets and report pressure.
func (b *Base) OnHeaders(http.Header) {}

// OnHTTPError classifies failed statuses by HTTP convention for venues
// without an error code table
func (b *Base) OnHTTPError(status int, body []byte) error {
	return errs.New(b.Name, errs.KindFromHTTPStatus(status), snippet(body)).WithHTTP(status)
}

// Unwrap passes raw JSON bodies through untouched for venues without a
// response envelope
func (b *Base) Unwrap(body []byte) ([]byte, error) {
	return body, nil
}

// snippet trims a response body down to something an error message can
// carry
func snippet(b []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// retryAfter parses the venue's requested back off from response headers,
// accepting both delta seconds and HTTP date forms
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
