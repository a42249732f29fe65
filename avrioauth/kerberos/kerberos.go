// Package kerberos provides Kerberos/SPNEGO authentication for the avrio
// client. It is a separate package to keep the gokrb5 dependency tree
// opt-in for consumers that don't need Kerberos.
package kerberos

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/spnego"
	"github.com/rs/zerolog/log"

	"github.com/avrioproductionsupport/avrio-go"
)

// Config holds Kerberos authentication parameters.
type Config struct {
	KeytabPath string // Path to .keytab file
	Principal  string // e.g. "user@EXAMPLE.COM"
	Realm      string // e.g. "EXAMPLE.COM"
	ConfigPath string // Path to krb5.conf
	ServiceSPN string // Service principal name, defaults to "HTTP/<hostname>"
}

// validate checks that all required fields are set.
func (c *Config) validate() error {
	if c.KeytabPath == "" {
		return fmt.Errorf("kerberos: KeytabPath is required")
	}
	if c.Principal == "" {
		return fmt.Errorf("kerberos: Principal is required")
	}
	if c.Realm == "" {
		return fmt.Errorf("kerberos: Realm is required")
	}
	if c.ConfigPath == "" {
		return fmt.Errorf("kerberos: ConfigPath is required")
	}
	return nil
}

// principal splits the principal into username and realm. Without an "@"
// the configured realm applies.
func (c *Config) principal() (username, realm string) {
	if idx := strings.LastIndex(c.Principal, "@"); idx >= 0 {
		return c.Principal[:idx], c.Principal[idx+1:]
	}
	return c.Principal, c.Realm
}

// Authentication sets the SPNEGO Negotiate header on every request. A 401
// carrying a Negotiate challenge renews the ticket-granting ticket once per
// challenge before the request is retried.
type Authentication struct {
	serviceSPN string

	mu        sync.Mutex
	setHeader func(req *http.Request, spn string) error
	login     func() error
	destroy   func()
}

var (
	_ avrio.Authentication = (*Authentication)(nil)
	_ io.Closer            = (*Authentication)(nil)
)

// New logs in with the keytab and returns the Authentication. Close must be
// called to destroy the underlying Kerberos client when done.
func New(cfg Config) (*Authentication, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	kt, err := keytab.Load(cfg.KeytabPath)
	if err != nil {
		return nil, fmt.Errorf("kerberos: failed to load keytab %q: %w", cfg.KeytabPath, err)
	}

	krb5Conf, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("kerberos: failed to load config %q: %w", cfg.ConfigPath, err)
	}

	username, realm := cfg.principal()
	cl := client.NewWithKeytab(username, realm, kt, krb5Conf)
	if err := cl.Login(); err != nil {
		return nil, fmt.Errorf("kerberos: login failed: %w", err)
	}

	return &Authentication{
		serviceSPN: cfg.ServiceSPN,
		setHeader: func(req *http.Request, spn string) error {
			return spnego.SetSPNEGOHeader(cl, req, spn)
		},
		login:   cl.Login,
		destroy: cl.Destroy,
	}, nil
}

func (a *Authentication) spn(req *http.Request) string {
	if a.serviceSPN != "" {
		return a.serviceSPN
	}
	return "HTTP/" + req.URL.Hostname()
}

// Attach adds the Authorization: Negotiate header.
func (a *Authentication) Attach(req *http.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.setHeader(req, a.spn(req)); err != nil {
		return fmt.Errorf("kerberos: failed to set SPNEGO header: %w", err)
	}
	return nil
}

// Challenge renews the ticket when the coordinator asks to negotiate again.
func (a *Authentication) Challenge(_ context.Context, resp *http.Response) (bool, error) {
	negotiate := false
	for _, v := range resp.Header.Values("WWW-Authenticate") {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(v)), "negotiate") {
			negotiate = true
			break
		}
	}
	if !negotiate {
		return false, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	log.Debug().Str("url", resp.Request.URL.String()).Msg("renewing kerberos ticket after negotiate challenge")
	if err := a.login(); err != nil {
		return false, &avrio.AuthenticationError{Message: "kerberos login", Err: err}
	}
	return true, nil
}

func (a *Authentication) RecoverableErrors() []error {
	return nil
}

// Close destroys the Kerberos client.
func (a *Authentication) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroy != nil {
		a.destroy()
		a.destroy = nil
	}
	return nil
}

// DSN parameter names for Kerberos configuration.
const (
	dsnKeytab     = "kerberos_keytab"
	dsnPrincipal  = "kerberos_principal"
	dsnRealm      = "kerberos_realm"
	dsnConfig     = "kerberos_config"
	dsnServiceSPN = "kerberos_service_spn"
)

// kerberosDSNParams is the set of DSN query parameters consumed by this package.
var kerberosDSNParams = []string{
	dsnKeytab, dsnPrincipal, dsnRealm, dsnConfig, dsnServiceSPN,
}

// parseDSN extracts Kerberos parameters from a DSN URL and returns
// the Config and a cleaned DSN with Kerberos params removed.
func parseDSN(dsn string) (*Config, string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("kerberos: invalid DSN: %w", err)
	}

	q := u.Query()
	cfg := &Config{
		KeytabPath: q.Get(dsnKeytab),
		Principal:  q.Get(dsnPrincipal),
		Realm:      q.Get(dsnRealm),
		ConfigPath: q.Get(dsnConfig),
		ServiceSPN: q.Get(dsnServiceSPN),
	}

	for _, key := range kerberosDSNParams {
		q.Del(key)
	}
	u.RawQuery = q.Encode()

	return cfg, u.String(), nil
}

// NewConnector creates a driver.Connector with Kerberos/SPNEGO authentication.
// It parses Kerberos parameters from the DSN, strips them, and passes the
// cleaned DSN to avrio.NewConnector.
//
// The returned io.Closer must be called to destroy the Kerberos client
// (typically via defer). The connector remains usable until Close is called.
func NewConnector(dsn string, opts ...avrio.ConnectorOption) (driver.Connector, io.Closer, error) {
	cfg, cleanDSN, err := parseDSN(dsn)
	if err != nil {
		return nil, nil, err
	}

	auth, err := New(*cfg)
	if err != nil {
		return nil, nil, err
	}

	opts = append([]avrio.ConnectorOption{avrio.WithConnectorAuthentication(auth)}, opts...)
	connector, err := avrio.NewConnector(cleanDSN, opts...)
	if err != nil {
		auth.Close()
		return nil, nil, err
	}

	return connector, auth, nil
}
