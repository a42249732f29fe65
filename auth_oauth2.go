package avrio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrTokenPollExhausted is returned when the token endpoint stops
	// answering for a challenge, typically with 404 after its attempts ran out.
	// A caller may start a new flow by re-issuing the statement.
	ErrTokenPollExhausted = errors.New("avrio: oauth2 token polling exhausted")

	// ErrNoTokenServer is returned for Bearer challenges without x_token_server.
	ErrNoTokenServer = errors.New("avrio: oauth2 challenge has no token server")
)

const (
	DefaultTokenPollInterval = time.Second
	DefaultRedirectTimeout   = 30 * time.Second

	wwwAuthenticateHeader    = "WWW-Authenticate"
	challengeRedirectServer  = "x_redirect_server"
	challengeTokenServer     = "x_token_server"
	bearerChallengePrefix    = "bearer"
	oauth2TokenResponseLimit = 1 << 20
)

var challengeParamPattern = regexp.MustCompile(`(\w+)\s*=\s*"([^"]*)"`)

// RedirectHandler is invoked with the URL the user must visit to complete
// the OAuth2 flow, e.g. to open a browser or print the URL.
type RedirectHandler func(redirectURL string) error

// Challenge is one authentication handshake issued by the coordinator.
// Each challenge is polled independently of any other.
type Challenge struct {
	ID          string
	RedirectURI string
	TokenURI    string

	// Polls counts token endpoint requests made so far.
	Polls int
}

// parseChallenge extracts a Bearer challenge from WWW-Authenticate values.
// ok is false when none of the values is a Bearer challenge.
func parseChallenge(values []string) (*Challenge, bool) {
	for _, v := range values {
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(v)), bearerChallengePrefix) {
			continue
		}
		c := &Challenge{}
		for _, m := range challengeParamPattern.FindAllStringSubmatch(v, -1) {
			switch strings.ToLower(m[1]) {
			case challengeRedirectServer:
				c.RedirectURI = m[2]
			case challengeTokenServer:
				c.TokenURI = m[2]
			}
		}
		if c.TokenURI != "" {
			c.ID = path.Base(c.TokenURI)
		}
		return c, true
	}
	return nil, false
}

// tokenResponse is the body returned by the token endpoint.
type tokenResponse struct {
	Token   string `json:"token"`
	NextURI string `json:"nextUri"`
	Error   string `json:"error"`
}

// OAuth2Authentication implements the coordinator's OAuth2 challenge flow:
// on a Bearer challenge it hands the redirect URL to a RedirectHandler and
// polls the token endpoint until a token is issued. Tokens are cached per
// host, so a single instance shared by several connections acts as a shared
// token cache.
type OAuth2Authentication struct {
	redirectHandler RedirectHandler
	httpClient      *http.Client
	pollInterval    time.Duration
	redirectTimeout time.Duration

	mu     sync.RWMutex
	tokens map[string]string
}

var _ Authentication = (*OAuth2Authentication)(nil)

// OAuth2Option configures an OAuth2Authentication.
type OAuth2Option func(*OAuth2Authentication)

// WithOAuth2HTTPClient sets the client used to poll the token endpoint.
func WithOAuth2HTTPClient(c *http.Client) OAuth2Option {
	return func(a *OAuth2Authentication) { a.httpClient = c }
}

// WithTokenPollInterval sets the pause between two token endpoint polls.
func WithTokenPollInterval(d time.Duration) OAuth2Option {
	return func(a *OAuth2Authentication) { a.pollInterval = d }
}

// WithRedirectTimeout bounds how long polling waits for the redirect handler
// before it starts anyway.
func WithRedirectTimeout(d time.Duration) OAuth2Option {
	return func(a *OAuth2Authentication) { a.redirectTimeout = d }
}

// NewOAuth2Authentication creates the OAuth2 challenge strategy. handler may be
// nil, in which case redirect URLs are only logged.
func NewOAuth2Authentication(handler RedirectHandler, opts ...OAuth2Option) *OAuth2Authentication {
	a := &OAuth2Authentication{
		redirectHandler: handler,
		httpClient:      &http.Client{Timeout: DefaultRequestTimeout},
		pollInterval:    DefaultTokenPollInterval,
		redirectTimeout: DefaultRedirectTimeout,
		tokens:          make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Attach sets the cached token for the request host, if there is one.
func (a *OAuth2Authentication) Attach(req *http.Request) error {
	a.mu.RLock()
	token, ok := a.tokens[req.URL.Host]
	a.mu.RUnlock()
	if ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// Token returns the cached token for host.
func (a *OAuth2Authentication) Token(host string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	token, ok := a.tokens[host]
	return token, ok
}

// Challenge runs the redirect + token polling flow for a Bearer challenge.
func (a *OAuth2Authentication) Challenge(ctx context.Context, resp *http.Response) (bool, error) {
	challenge, ok := parseChallenge(resp.Header.Values(wwwAuthenticateHeader))
	if !ok {
		return false, nil
	}
	if challenge.TokenURI == "" {
		return false, &AuthenticationError{Message: "invalid challenge", Err: ErrNoTokenServer}
	}

	host := resp.Request.URL.Host

	// A previous challenge may already have produced a token that this
	// request did not carry yet.
	sent := strings.TrimPrefix(resp.Request.Header.Get("Authorization"), "Bearer ")
	if token, ok := a.Token(host); ok && token != sent {
		return true, nil
	}

	log.Debug().Str("challenge_id", challenge.ID).Str("token_server", challenge.TokenURI).Msg("received oauth2 challenge")

	var pending <-chan error
	if challenge.RedirectURI != "" {
		var err error
		if pending, err = a.redirect(ctx, challenge.RedirectURI); err != nil {
			return false, err
		}
	}

	token, err := a.pollToken(ctx, challenge, pending)
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	a.tokens[host] = token
	a.mu.Unlock()
	return true, nil
}

// redirect runs the redirect handler without letting it block polling for
// longer than the redirect timeout. Handler errors are authentication failures.
// When the handler outlives the timeout, the returned channel delivers its
// result so polling can still abort on a late failure.
func (a *OAuth2Authentication) redirect(ctx context.Context, redirectURL string) (<-chan error, error) {
	if a.redirectHandler == nil {
		log.Info().Str("url", redirectURL).Msg("open the url to authenticate")
		return nil, nil
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("redirect handler panicked: %v", r)
			}
		}()
		done <- a.redirectHandler(redirectURL)
	}()

	timer := time.NewTimer(a.redirectTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return nil, redirectFailed(err)
		}
		return nil, nil
	case <-timer.C:
		log.Debug().Str("url", redirectURL).Msg("redirect handler still running, polling for token")
		return done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func redirectFailed(err error) error {
	return &AuthenticationError{Message: "redirect handler failed", Err: err}
}

// pollToken follows the token endpoint chain of one challenge. nextUri values
// are followed verbatim. A failure reported on handler, the still running
// redirect handler, ends polling.
func (a *OAuth2Authentication) pollToken(ctx context.Context, c *Challenge, handler <-chan error) (string, error) {
	tokenURI := c.TokenURI
	for {
		select {
		case err := <-handler:
			if err != nil {
				return "", redirectFailed(err)
			}
			handler = nil
		default:
		}

		c.Polls++
		tr, err := a.getToken(ctx, tokenURI)
		if err != nil {
			return "", err
		}
		switch {
		case tr.Error != "":
			return "", &AuthenticationError{Message: "token server returned an error: " + tr.Error}
		case tr.Token != "":
			log.Debug().Str("challenge_id", c.ID).Int("polls", c.Polls).Msg("oauth2 token issued")
			return tr.Token, nil
		case tr.NextURI != "":
			tokenURI = tr.NextURI
		default:
			return "", &AuthenticationError{Message: "token server response has neither token nor nextUri"}
		}

		if a.pollInterval > 0 {
			timer := time.NewTimer(a.pollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case err := <-handler:
				timer.Stop()
				if err != nil {
					return "", redirectFailed(err)
				}
				handler = nil
			case <-timer.C:
			}
		}
	}
}

func (a *OAuth2Authentication) getToken(ctx context.Context, tokenURI string) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURI, nil)
	if err != nil {
		return nil, &AuthenticationError{Message: "invalid token server url", Err: err}
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &AuthenticationError{Message: "token server unreachable", Err: &ConnectionError{Err: err}}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &AuthenticationError{
			Message: fmt.Sprintf("token server returned status %d", resp.StatusCode),
			Err:     ErrTokenPollExhausted,
		}
	}

	tr := new(tokenResponse)
	if err := json.NewDecoder(io.LimitReader(resp.Body, oauth2TokenResponseLimit)).Decode(tr); err != nil {
		return nil, &AuthenticationError{Message: "malformed token server response", Err: err}
	}
	return tr, nil
}

func (a *OAuth2Authentication) RecoverableErrors() []error {
	return []error{ErrTokenPollExhausted}
}
