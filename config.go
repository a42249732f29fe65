package avrio

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds everything needed to open a Connection. Zero values fall back
// to the package defaults.
type Config struct {
	Host string
	Port int
	// HTTPScheme is "http" or "https"; https is implied by port 443.
	HTTPScheme string

	User     string
	Password string
	Catalog  string
	Schema   string
	Source   string

	TimeZone          string
	ClientInfo        string
	ClientTags        []string
	Roles             map[string]string
	ExtraCredential   map[string]string
	SessionProperties map[string]string
	Headers           map[string]string

	// Auth takes precedence over AccessToken, which takes precedence over
	// Password.
	Auth        Authentication
	AccessToken string

	IsolationLevel           IsolationLevel
	LegacyPreparedStatements bool
	LegacyPrimitiveTypes     bool

	RequestTimeout time.Duration
	MaxAttempts    int
	HTTPClient     *http.Client
	Registerer     prometheus.Registerer

	// MetadataCache is shared by every connection configured with it. When
	// nil each connection gets its own cache of CacheCapacity entries living
	// CacheTTL.
	MetadataCache *TimeBoundLRUCache[string, []string]
	CacheCapacity int
	CacheTTL      time.Duration
}

func (cfg *Config) scheme() string {
	if cfg.HTTPScheme != "" {
		return cfg.HTTPScheme
	}
	if cfg.Port == DefaultTLSPort {
		return "https"
	}
	return "http"
}

func (cfg *Config) port() int {
	if cfg.Port != 0 {
		return cfg.Port
	}
	if cfg.HTTPScheme == "https" {
		return DefaultTLSPort
	}
	return DefaultPort
}

// ServerURL returns the coordinator base URL.
func (cfg *Config) ServerURL() string {
	return fmt.Sprintf("%s://%s", cfg.scheme(), net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.port())))
}

func (cfg *Config) authentication() Authentication {
	switch {
	case cfg.Auth != nil:
		return cfg.Auth
	case cfg.AccessToken != "":
		return NewStaticBearer(cfg.AccessToken)
	case cfg.Password != "":
		return BasicAuthentication{Username: cfg.User, Password: cfg.Password}
	}
	return nil
}

func (cfg *Config) clientOptions() []ClientOption {
	timeout, attempts := cfg.RequestTimeout, cfg.MaxAttempts
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	opts := []ClientOption{
		WithRequestTimeout(timeout),
		WithMaxAttempts(attempts),
		WithRegisterer(cfg.Registerer),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(cfg.HTTPClient))
	}
	if auth := cfg.authentication(); auth != nil {
		opts = append(opts, WithAuthentication(auth))
	}
	return opts
}

// applySession copies the session settings into s.
func (cfg *Config) applySession(s *Session) {
	if cfg.User != "" {
		s.User(cfg.User)
	}
	if cfg.Source != "" {
		s.Source(cfg.Source)
	}
	if cfg.Catalog != "" {
		s.Catalog(cfg.Catalog)
	}
	if cfg.Schema != "" {
		s.Schema(cfg.Schema)
	}
	if cfg.TimeZone != "" {
		s.TimeZone(cfg.TimeZone)
	}
	if cfg.ClientInfo != "" {
		s.ClientInfo(cfg.ClientInfo)
	}
	if len(cfg.ClientTags) > 0 {
		s.ClientTags(cfg.ClientTags...)
	}
	for catalog, role := range cfg.Roles {
		s.Role(catalog, role)
	}
	for k, v := range cfg.ExtraCredential {
		s.ExtraCredential(k, v)
	}
	for k, v := range cfg.SessionProperties {
		s.SessionProperty(k, v)
	}
	for k, v := range cfg.Headers {
		s.Header(k, v)
	}
}

// --- DSN Parsing ---

// ParseDSN parses a DSN into a Config.
//
// Format: trino://[user[:password]@]host[:port][/catalog[/schema]][?key=value&...]
//
//	avrio://...
//
// Query params: timezone, client_tags, client_info, source, roles,
// extra_credential, legacy_prepared_statements, legacy_primitive_types,
// isolation_level, access_token, request_timeout, max_attempts, ssl.
// roles and extra_credential take comma separated key:value pairs.
// Unrecognized params become session properties.
func ParseDSN(dsn string) (*Config, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN: %w", err)
	}

	switch u.Scheme {
	case "trino", "avrio":
	default:
		return nil, fmt.Errorf("unsupported scheme %q: must be trino or avrio", u.Scheme)
	}

	cfg := &Config{SessionProperties: make(map[string]string)}

	// User info
	if u.User != nil {
		cfg.User = u.User.Username()
		if p, ok := u.User.Password(); ok {
			cfg.Password = p
		}
	}

	// Host and port
	cfg.Host = u.Hostname()
	if cfg.Host == "" {
		return nil, fmt.Errorf("missing host in DSN")
	}
	if p := u.Port(); p != "" {
		if cfg.Port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("invalid port %q in DSN: %w", p, err)
		}
	}

	// Path: /catalog/schema
	path := strings.Trim(u.Path, "/")
	if path != "" {
		parts := strings.SplitN(path, "/", 2)
		cfg.Catalog = parts[0]
		if len(parts) > 1 {
			cfg.Schema = parts[1]
		}
	}

	// Query params
	for key, values := range u.Query() {
		val := values[0]
		switch key {
		case "timezone":
			cfg.TimeZone = val
		case "client_tags":
			cfg.ClientTags = strings.Split(val, ",")
		case "client_info":
			cfg.ClientInfo = val
		case "source":
			cfg.Source = val
		case "access_token":
			cfg.AccessToken = val
		case "roles":
			if cfg.Roles, err = parsePairs(key, val); err != nil {
				return nil, err
			}
		case "extra_credential":
			if cfg.ExtraCredential, err = parsePairs(key, val); err != nil {
				return nil, err
			}
		case "legacy_prepared_statements":
			if cfg.LegacyPreparedStatements, err = strconv.ParseBool(val); err != nil {
				return nil, fmt.Errorf("invalid %s %q: %w", key, val, err)
			}
		case "legacy_primitive_types":
			if cfg.LegacyPrimitiveTypes, err = strconv.ParseBool(val); err != nil {
				return nil, fmt.Errorf("invalid %s %q: %w", key, val, err)
			}
		case "isolation_level":
			if cfg.IsolationLevel, err = parseIsolationParam(val); err != nil {
				return nil, err
			}
		case "request_timeout":
			if cfg.RequestTimeout, err = time.ParseDuration(val); err != nil {
				return nil, fmt.Errorf("invalid %s %q: %w", key, val, err)
			}
		case "max_attempts":
			if cfg.MaxAttempts, err = strconv.Atoi(val); err != nil {
				return nil, fmt.Errorf("invalid %s %q: %w", key, val, err)
			}
		case "ssl":
			ssl, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("invalid %s %q: %w", key, val, err)
			}
			if ssl {
				cfg.HTTPScheme = "https"
			} else {
				cfg.HTTPScheme = "http"
			}
		default:
			cfg.SessionProperties[key] = val
		}
	}

	return cfg, nil
}

// parsePairs parses "a:x,b:y" into a map.
func parsePairs(param, val string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(val, ",") {
		k, v, ok := strings.Cut(pair, ":")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid %s entry %q: want key:value", param, pair)
		}
		out[k] = v
	}
	return out, nil
}

func parseIsolationParam(val string) (IsolationLevel, error) {
	if n, err := strconv.Atoi(val); err == nil {
		return CheckIsolationLevel(n)
	}
	return ParseIsolationLevel(val)
}
