package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/brokersync/internal/domain"
)

// maxErrorBody caps how much of an error response is read before discarding.
const maxErrorBody = 64 << 10

// HTTPClient is the JSON-over-HTTP helper shared by REST adapters.
type HTTPClient struct {
	platform   domain.Platform
	baseURL    string
	httpClient *http.Client
	throttle   Throttle
}

// NewHTTPClient creates a client rooted at baseURL. A nil hc gets a client
// with a 30 second timeout.
func NewHTTPClient(platform domain.Platform, baseURL string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		platform:   platform,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: hc,
	}
}

// SetThrottle makes every request wait for t first.
func (c *HTTPClient) SetThrottle(t Throttle) {
	c.throttle = t
}

// Request describes one API call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   any
	// Op names the call in error text.
	Op string
}

// Do performs req and decodes a JSON response into out when out is non-nil.
// Failures are classified into domain.TransientError and
// domain.CredentialError; response bodies never appear in error text.
func (c *HTTPClient) Do(ctx context.Context, req Request, out any) error {
	op := req.Op
	if op == "" {
		op = req.Method + " " + req.Path
	}
	op = string(c.platform) + ": " + op

	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("%s: marshal request body: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	fullURL := c.baseURL + req.Path
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	if c.throttle != nil {
		if err := c.throttle.Wait(ctx, c.platform); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classifyTransport(ctx, op, err)
	}
	defer resp.Body.Close()

	if err := CheckStatus(c.platform, op, resp); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, stripJSONDetail(err))
	}
	return nil
}

func classifyTransport(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		// url.Error text repeats the full URL, which may carry tokens.
		err = uerr.Err
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &domain.TransientError{Op: op, Err: fmt.Errorf("timeout: %w", err)}
	}
	return &domain.TransientError{Op: op, Err: err}
}

// stripJSONDetail drops decoder messages that quote payload fragments.
func stripJSONDetail(err error) error {
	var se *json.SyntaxError
	if errors.As(err, &se) {
		return fmt.Errorf("invalid JSON at offset %d", se.Offset)
	}
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) {
		return fmt.Errorf("unexpected %s for field %q", te.Value, te.Field)
	}
	return err
}

// CheckStatus maps non-2xx responses onto the failure taxonomy: 401 and 403
// are credential failures, 404 means the account is unknown, 408, 429 and
// 5xx are transient.
func CheckStatus(p domain.Platform, op string, resp *http.Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &domain.CredentialError{Platform: p, Reason: fmt.Sprintf("%s: HTTP %d", op, code)}
	case code == http.StatusNotFound:
		return &domain.CredentialError{Platform: p, Reason: fmt.Sprintf("%s: account not found", op)}
	case code == http.StatusTooManyRequests:
		return &domain.TransientError{
			Op:         op,
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        domain.ErrRateLimited,
		}
	case code == http.StatusRequestTimeout || code >= 500:
		return &domain.TransientError{
			Op:         op,
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        fmt.Errorf("HTTP %d", code),
		}
	default:
		return fmt.Errorf("%s: HTTP %d", op, code)
	}
}

// ParseRetryAfter reads a Retry-After header given as delay-seconds or an
// HTTP date. It returns zero when the header is absent or unparseable.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
