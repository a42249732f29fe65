package avrio

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
	"strings"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// RequestOption allows for functional overrides on individual requests
type RequestOption func(*http.Request)

// Client serves as the factory and network configuration provider.
// Its embedded Session is the default session.
type Client struct {
	Session

	httpClient     *http.Client
	serverURL      *url.URL
	auth           Authentication
	forceHTTPS     bool
	requestTimeout time.Duration

	maxAttempts     int
	maxAuthAttempts int
	backoff         backoff.Config

	registerer prometheus.Registerer
	metrics    *clientMetrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client. Its Timeout takes precedence over
// WithRequestTimeout.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithAuthentication sets the strategy attached to every request.
func WithAuthentication(auth Authentication) ClientOption {
	return func(c *Client) { c.auth = auth }
}

// WithMaxAttempts bounds attempts for transient failures.
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) { c.maxAttempts = n }
}

// WithMaxAuthAttempts bounds how many 401 challenges one request may answer.
func WithMaxAuthAttempts(n int) ClientOption {
	return func(c *Client) { c.maxAuthAttempts = n }
}

// WithRequestTimeout sets the per-call timeout of the default HTTP client.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.requestTimeout = d }
}

// WithBackoff sets the pause bounds between retries.
func WithBackoff(minBackoff, maxBackoff time.Duration) ClientOption {
	return func(c *Client) {
		c.backoff.MinBackoff = minBackoff
		c.backoff.MaxBackoff = maxBackoff
	}
}

// WithRegisterer registers the client metrics with reg.
func WithRegisterer(reg prometheus.Registerer) ClientOption {
	return func(c *Client) { c.registerer = reg }
}

// WithForceHTTPS rewrites http URLs, nextUri included, to https.
func WithForceHTTPS(force bool) ClientOption {
	return func(c *Client) { c.forceHTTPS = force }
}

// --- Initialization & Lifecycle ---

// NewClient initializes the client and links its embedded session to itself.
func NewClient(serverURL string, opts ...ClientOption) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q: scheme and host are required", serverURL)
	}

	c := &Client{
		serverURL:       parsedURL,
		requestTimeout:  DefaultRequestTimeout,
		maxAttempts:     DefaultMaxAttempts,
		maxAuthAttempts: DefaultMaxAuthAttempts,
		backoff: backoff.Config{
			MinBackoff: DefaultMinBackoff,
			MaxBackoff: DefaultMaxBackoff,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.requestTimeout}
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	c.backoff.MaxRetries = c.maxAttempts
	c.metrics = newClientMetrics(c.registerer)

	// Link the embedded session to the client
	c.Session.init(c)

	return c, nil
}

// NewSession creates a new, isolated session using the client's current
// connection settings.
func (c *Client) NewSession() *Session {
	return c.Session.Clone()
}

// ServerURL returns the coordinator base URL.
func (c *Client) ServerURL() *url.URL {
	u := *c.serverURL
	return &u
}

// Authentication returns the configured strategy, nil when there is none.
func (c *Client) Authentication() Authentication {
	return c.auth
}

// --- Request Lifecycle ---

// NewRequest builds an http.Request carrying the session headers. Relative
// URLs are resolved against the server URL, absolute ones are kept verbatim.
func (s *Session) NewRequest(method, urlStr string, body any, options ...RequestOption) (*http.Request, error) {
	u, err := s.client.prepareURL(urlStr)
	if err != nil {
		return nil, err
	}

	bodyReader, contentType, err := prepareRequestBody(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	s.applyHeaders(req)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	// Apply functional options for specific request overrides
	for _, opt := range options {
		opt(req)
	}

	return req, nil
}

// Do sends req and decodes a successful JSON body into v.
//
// Transport failures and 502/503/504 responses are retried with backoff up
// to the configured attempts; after that the last failure is returned. A
// 401 is offered to the Authentication strategy, bounded by the configured
// auth attempts, and retried right away when the strategy handled it. The
// session-affecting headers of a 2xx response are applied before the body
// is decoded.
func (s *Session) Do(ctx context.Context, req *http.Request, v any) (*http.Response, error) {
	c := s.client
	req = req.WithContext(ctx)

	// Buffer the request body so it can be replayed on retries.
	if req.Body != nil && req.GetBody == nil {
		bodyBytes, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body.Close()
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(bodyBytes)), nil
		}
	}

	var (
		lastErr      error
		authAttempts int
	)
	boff := backoff.New(ctx, c.backoff)
attempts:
	for boff.Ongoing() {
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to reset request body: %w", err)
			}
			req.Body = body
		}
		if c.auth != nil {
			if err := c.auth.Attach(req); err != nil {
				return nil, &AuthenticationError{Message: "attaching credentials", Err: err}
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Retry on transient network errors, but not once the caller gave up
			if ctx.Err() != nil || !isRetryableNetError(err) {
				return nil, &ConnectionError{Err: err}
			}
			lastErr = &ConnectionError{Err: err}
			c.metrics.retries.WithLabelValues("network").Inc()
			if c.lastAttempt(boff) {
				break attempts
			}
			log.Debug().Err(err).Int("attempt", boff.NumRetries()+1).Str("url", req.URL.String()).Msg("retrying on connection error")
			boff.Wait()
			continue
		}
		c.metrics.observeRequest(req.Method, resp.StatusCode)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			s.applyResponseHeaders(resp.Header)
			return resp, decodeResponseBody(resp, v)

		case resp.StatusCode == http.StatusUnauthorized:
			if c.auth == nil || authAttempts >= c.maxAuthAttempts {
				c.metrics.authChallenges.WithLabelValues("exhausted").Inc()
				return resp, newProtocolError(resp)
			}
			authAttempts++
			handled, err := c.auth.Challenge(ctx, resp)
			if err != nil {
				discardBody(resp)
				c.metrics.authChallenges.WithLabelValues("failed").Inc()
				return resp, err
			}
			if !handled {
				c.metrics.authChallenges.WithLabelValues("unhandled").Inc()
				return resp, newProtocolError(resp)
			}
			discardBody(resp)
			c.metrics.authChallenges.WithLabelValues("handled").Inc()
			log.Debug().Int("auth_attempt", authAttempts).Str("url", req.URL.String()).Msg("retrying after authentication challenge")

		case isRetryableStatus(resp.StatusCode):
			discardBody(resp)
			lastErr = &ProtocolError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode), Response: resp}
			c.metrics.retries.WithLabelValues("status").Inc()
			if c.lastAttempt(boff) {
				break attempts
			}
			log.Debug().Int("status_code", resp.StatusCode).Int("attempt", boff.NumRetries()+1).Msg("retrying on server status")
			boff.Wait()

		default:
			return resp, newProtocolError(resp)
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &ConnectionError{Err: boff.Err()}
}

// lastAttempt reports whether the attempt that just failed used up the budget,
// in which case there is nothing left to wait for.
func (c *Client) lastAttempt(boff *backoff.Backoff) bool {
	return boff.NumRetries()+1 >= c.maxAttempts
}

// isRetryableNetError returns true for transient network errors that warrant
// a retry (connection refused, DNS failures, connection reset, timeouts).
func isRetryableNetError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func discardBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	if err := resp.Body.Close(); err != nil {
		log.Debug().Err(err).Msg("failed to close response body")
	}
}

// --- Client Networking Utilities ---

func (c *Client) prepareURL(urlStr string) (*url.URL, error) {
	u, err := c.serverURL.Parse(urlStr)
	if err != nil {
		return nil, err
	}
	if c.forceHTTPS && u.Scheme == "http" {
		u.Scheme = "https"
	}
	return u, nil
}

func prepareRequestBody(body any) (io.Reader, string, error) {
	if body == nil {
		return nil, "", nil
	}
	if s, ok := body.(string); ok {
		return strings.NewReader(s), "text/plain", nil
	}
	jsonBuf := &bytes.Buffer{}
	if err := json.NewEncoder(jsonBuf).Encode(body); err != nil {
		return nil, "", err
	}
	return jsonBuf, "application/json", nil
}

func decodeResponseBody(resp *http.Response, v any) (err error) {
	// Ensure the main response body is always closed
	defer func() {
		closeErr := resp.Body.Close()
		if err == nil {
			err = closeErr
		}
	}()

	if v == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}

	if w, ok := v.(io.Writer); ok {
		_, err = io.Copy(w, resp.Body)
		return err
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err = dec.Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return &ProtocolError{Message: fmt.Sprintf("malformed response body: %v", err), Response: resp}
	}
	return nil
}
