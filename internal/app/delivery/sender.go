package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/r3e-network/integration-gateway/internal/app/gatewayerr"
	"github.com/r3e-network/integration-gateway/pkg/config"
)

// maxResponseBodySnippet bounds how much of a response body is retained on
// the ExecutionLog (spec §3: "truncated snippet, not the full body").
const maxResponseBodySnippet = 4096

// Sender performs the outbound HTTP request for one delivery attempt and
// classifies the outcome into the gatewayerr taxonomy (spec §4.5 step 5).
type Sender struct {
	client *http.Client
	cfg    config.HTTPClientConfig
}

// NewSender builds an *http.Client honouring cfg's configurable timeout
// (clamped here to 500-60000ms, the range config.Validate accepts) and
// max-redirect bound.
func NewSender(cfg config.HTTPClientConfig) *Sender {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs < 500 {
		timeoutMs = 500
	}
	if timeoutMs > 60000 {
		timeoutMs = 60000
	}
	maxRedirects := cfg.MaxRedirects
	client := &http.Client{
		Timeout: time.Duration(timeoutMs) * time.Millisecond,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	return &Sender{client: client, cfg: cfg}
}

// Outcome is the classified result of one send.
type Outcome struct {
	StatusCode  int
	Body        string
	Headers     map[string]string
	DurationMs  int64
	Err         *gatewayerr.Error // nil on a 2xx response
	RetryAfter  time.Duration     // honoured from a 429/503 Retry-After header
}

// Send issues method/targetURL with body and headers, returning a classified
// Outcome. A non-2xx response is not a Go error from http.Client's
// perspective, so classification happens here rather than being inferred
// from client.Do's returned error alone.
func (s *Sender) Send(ctx context.Context, method, targetURL string, headers map[string]string, body []byte) (Outcome, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, gatewayerr.Wrap(gatewayerr.Config, "invalid_request", "failed to build outbound request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		return Outcome{DurationMs: duration, Err: classifyTransportError(err)}, nil
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySnippet))
	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	outcome := Outcome{
		StatusCode: resp.StatusCode,
		Body:       string(snippet),
		Headers:    respHeaders,
		DurationMs: duration,
	}
	outcome.Err = classifyStatus(resp.StatusCode, resp.Header.Get("Retry-After"), &outcome.RetryAfter)
	return outcome, nil
}

// classifyTransportError maps network-level failures (DNS, connect,
// timeout) into the taxonomy; timeouts and connection resets are treated as
// transient since a retry is likely to succeed once the peer recovers.
func classifyTransportError(err error) *gatewayerr.Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gatewayerr.Wrap(gatewayerr.Transient, "request_timeout", "outbound request timed out", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return gatewayerr.Wrap(gatewayerr.Transient, "dns_error", "failed to resolve target host", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return gatewayerr.Wrap(gatewayerr.Transient, "connection_error", "failed to connect to target", err)
	}
	return gatewayerr.Wrap(gatewayerr.Transient, "transport_error", "outbound request failed", err)
}

// classifyStatus maps an HTTP status code to the taxonomy per spec §4.5
// step 5, writing any honoured Retry-After delay into retryAfter. Returns
// nil for 2xx (success, no error).
func classifyStatus(status int, retryAfterHeader string, retryAfter *time.Duration) *gatewayerr.Error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		if d, ok := parseRetryAfter(retryAfterHeader); ok {
			*retryAfter = d
		}
		return gatewayerr.New(gatewayerr.RateLimited, "rate_limited", fmt.Sprintf("target responded %d", status))
	case status == http.StatusServiceUnavailable:
		if d, ok := parseRetryAfter(retryAfterHeader); ok {
			*retryAfter = d
		}
		return gatewayerr.New(gatewayerr.Transient, "service_unavailable", fmt.Sprintf("target responded %d", status))
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout || status == http.StatusBadGateway:
		return gatewayerr.New(gatewayerr.Transient, "upstream_unavailable", fmt.Sprintf("target responded %d", status))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return gatewayerr.New(gatewayerr.Permanent, "unauthorized", fmt.Sprintf("target responded %d", status))
	case status >= 400 && status < 500:
		return gatewayerr.New(gatewayerr.Permanent, "client_error", fmt.Sprintf("target responded %d", status))
	case status >= 500:
		return gatewayerr.New(gatewayerr.Transient, "server_error", fmt.Sprintf("target responded %d", status))
	default:
		return gatewayerr.New(gatewayerr.Permanent, "unexpected_status", fmt.Sprintf("target responded %d", status))
	}
}

func parseRetryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second, true
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}

// marshalPayload serialises a transformed payload map for the request body.
func marshalPayload(payload map[string]any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Config, "payload_marshal_failed", "failed to marshal delivery payload", err)
	}
	return body, nil
}
