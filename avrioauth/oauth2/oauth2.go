// Package oauth2 provides authentication backed by golang.org/x/oauth2
// token sources: static tokens, the client credentials flow, and any custom
// oauth2.TokenSource. It is a separate package to keep the oauth2
// dependency opt-in.
package oauth2

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/avrioproductionsupport/avrio-go"
)

// ErrTokenUnavailable is returned when the token source cannot produce a token.
var ErrTokenUnavailable = errors.New("oauth2: token unavailable")

// Authentication attaches tokens from an oauth2.TokenSource. Caching and
// refresh are up to the token source.
type Authentication struct {
	ts oauth2.TokenSource
}

var _ avrio.Authentication = (*Authentication)(nil)

// TokenSource wraps ts as an avrio.Authentication. Use this when you have a
// custom token source (e.g., from a token file, metadata service, or custom
// refresh logic).
func TokenSource(ts oauth2.TokenSource) *Authentication {
	return &Authentication{ts: oauth2.ReuseTokenSource(nil, ts)}
}

// StaticToken returns an Authentication that always sends token. Use this
// for pre-obtained JWTs or long-lived access tokens.
func StaticToken(token string) *Authentication {
	return &Authentication{ts: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})}
}

// Attach sets the Authorization header from the current token.
func (a *Authentication) Attach(req *http.Request) error {
	token, err := a.ts.Token()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTokenUnavailable, err)
	}
	token.SetAuthHeader(req)
	return nil
}

// Challenge never intercepts: the token source decides when to refresh.
func (a *Authentication) Challenge(context.Context, *http.Response) (bool, error) {
	return false, nil
}

func (a *Authentication) RecoverableErrors() []error {
	return []error{ErrTokenUnavailable}
}

// --- Client Credentials Flow ---

// Config holds OAuth2 client credentials configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string   // Token endpoint URL
	Scopes       []string // Optional scopes
}

// validate checks that required fields are set.
func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("oauth2: ClientID is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("oauth2: ClientSecret is required")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("oauth2: TokenURL is required")
	}
	return nil
}

// ClientCredentials creates an Authentication that obtains and refreshes
// tokens with the client credentials flow. Tokens are fetched lazily with
// ctx, so ctx must outlive the returned value.
func ClientCredentials(ctx context.Context, cfg Config) (*Authentication, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ccCfg := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	return &Authentication{ts: ccCfg.TokenSource(ctx)}, nil
}

// --- DSN Integration ---

// DSN parameter names for OAuth2 configuration.
const (
	dsnAccessToken  = "access_token"
	dsnClientID     = "oauth2_client_id"
	dsnClientSecret = "oauth2_client_secret"
	dsnTokenURL     = "oauth2_token_url"
	dsnScopes       = "oauth2_scopes"
)

var oauth2DSNParams = []string{
	dsnAccessToken, dsnClientID, dsnClientSecret, dsnTokenURL, dsnScopes,
}

// parseDSN extracts OAuth2 parameters from a DSN and returns the matching
// Authentication and the DSN without them. It supports two modes:
//
//  1. Static token: access_token=<token>
//  2. Client credentials: oauth2_client_id, oauth2_client_secret, oauth2_token_url
func parseDSN(dsn string) (*Authentication, string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("oauth2: invalid DSN: %w", err)
	}

	q := u.Query()
	accessToken := q.Get(dsnAccessToken)
	clientID := q.Get(dsnClientID)
	scopes := q.Get(dsnScopes)
	cfg := Config{
		ClientID:     clientID,
		ClientSecret: q.Get(dsnClientSecret),
		TokenURL:     q.Get(dsnTokenURL),
	}

	for _, key := range oauth2DSNParams {
		q.Del(key)
	}
	u.RawQuery = q.Encode()
	cleanDSN := u.String()

	switch {
	case accessToken != "":
		return StaticToken(accessToken), cleanDSN, nil
	case clientID != "":
		for _, s := range strings.Split(scopes, ",") {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				cfg.Scopes = append(cfg.Scopes, trimmed)
			}
		}
		auth, err := ClientCredentials(context.Background(), cfg)
		if err != nil {
			return nil, "", err
		}
		log.Debug().Str("token_url", cfg.TokenURL).Strs("scopes", cfg.Scopes).Msg("using oauth2 client credentials")
		return auth, cleanDSN, nil
	}
	return nil, cleanDSN, nil
}

// NewConnector creates a driver.Connector with OAuth2 authentication.
// It supports two modes via DSN parameters:
//
//  1. Static token: access_token=<token>
//  2. Client credentials: oauth2_client_id, oauth2_client_secret, oauth2_token_url
//
// OAuth2 parameters are stripped from the DSN before it reaches avrio.NewConnector.
func NewConnector(dsn string, opts ...avrio.ConnectorOption) (driver.Connector, error) {
	auth, cleanDSN, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if auth != nil {
		opts = append([]avrio.ConnectorOption{avrio.WithConnectorAuthentication(auth)}, opts...)
	}
	return avrio.NewConnector(cleanDSN, opts...)
}
