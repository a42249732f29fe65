package avrio

import (
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
)

// Session represents an isolated execution context linked to a Client.
// It holds everything that is sent as X-Trino-* headers and is mutated by
// the session-affecting headers of successful responses.
type Session struct {
	client *Client // Link to the parent client for network transport

	user          string
	catalog       string
	schema        string
	source        string
	timezone      string
	clientInfo    string
	transactionID string
	clientTags    []string

	properties         map[string]string
	extraCredential    map[string]string
	roles              map[string]string
	preparedStatements map[string]string
	headers            map[string]string

	// mu protects session state during concurrent access
	mu sync.RWMutex
}

// SessionState is a point-in-time copy of a Session.
type SessionState struct {
	User               string
	Catalog            string
	Schema             string
	Source             string
	TimeZone           string
	ClientInfo         string
	TransactionID      string
	ClientTags         []string
	Properties         map[string]string
	ExtraCredential    map[string]string
	Roles              map[string]string
	PreparedStatements map[string]string
}

func (s *Session) init(c *Client) {
	s.client = c
	s.user = DefaultUser
	s.source = DefaultSource
	s.transactionID = NoTransaction
	s.properties = make(map[string]string)
	s.extraCredential = make(map[string]string)
	s.roles = make(map[string]string)
	s.preparedStatements = make(map[string]string)
	s.headers = make(map[string]string)
}

// Clone creates an isolated session copy that maintains the same client link.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &Session{
		client:             s.client,
		user:               s.user,
		catalog:            s.catalog,
		schema:             s.schema,
		source:             s.source,
		timezone:           s.timezone,
		clientInfo:         s.clientInfo,
		transactionID:      s.transactionID,
		clientTags:         slices.Clone(s.clientTags),
		properties:         maps.Clone(s.properties),
		extraCredential:    maps.Clone(s.extraCredential),
		roles:              maps.Clone(s.roles),
		preparedStatements: maps.Clone(s.preparedStatements),
		headers:            maps.Clone(s.headers),
	}
}

// State returns a snapshot of the session.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionState{
		User:               s.user,
		Catalog:            s.catalog,
		Schema:             s.schema,
		Source:             s.source,
		TimeZone:           s.timezone,
		ClientInfo:         s.clientInfo,
		TransactionID:      s.transactionID,
		ClientTags:         slices.Clone(s.clientTags),
		Properties:         maps.Clone(s.properties),
		ExtraCredential:    maps.Clone(s.extraCredential),
		Roles:              maps.Clone(s.roles),
		PreparedStatements: maps.Clone(s.preparedStatements),
	}
}

// Client returns the client the session sends its requests through.
func (s *Session) Client() *Client {
	return s.client
}

// --- Session Setters (Fluent API) ---

func (s *Session) User(user string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
	return s
}

func (s *Session) Catalog(catalog string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = catalog
	return s
}

func (s *Session) Schema(schema string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schema = schema
	return s
}

func (s *Session) Source(source string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = source
	return s
}

func (s *Session) TimeZone(tz string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timezone = tz
	return s
}

func (s *Session) ClientInfo(info string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientInfo = info
	return s
}

func (s *Session) ClientTags(tags ...string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientTags = tags
	return s
}

func (s *Session) AppendClientTag(tag string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientTags = append(s.clientTags, tag)
	return s
}

// SessionProperty sets or removes a session property. An empty value removes it.
func (s *Session) SessionProperty(key, value string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.properties, key)
	} else {
		s.properties[key] = value
	}
	return s
}

func (s *Session) ClearSessionProperties() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.properties = make(map[string]string)
	return s
}

// ExtraCredential sets a credential forwarded to connectors.
func (s *Session) ExtraCredential(key, value string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraCredential[key] = value
	return s
}

// Role sets the role for catalog. ALL and NONE are sent as is, any other
// value is sent as ROLE{value}.
func (s *Session) Role(catalog, role string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[catalog] = formatRole(role)
	return s
}

// Header sets an extra header sent with every request.
func (s *Session) Header(name, value string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers[name] = value
	return s
}

// TransactionID returns the active transaction id, NoTransaction when none.
func (s *Session) TransactionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transactionID
}

// SetTransactionID sets the transaction id. An empty id resets it to NoTransaction.
func (s *Session) SetTransactionID(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		id = NoTransaction
	}
	s.transactionID = id
	return s
}

func formatRole(role string) string {
	if role == "ALL" || role == "NONE" || strings.HasPrefix(role, "ROLE{") {
		return role
	}
	return "ROLE{" + role + "}"
}

// --- Header propagation ---

func (s *Session) applyHeaders(req *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for name, value := range s.headers {
		req.Header.Set(name, value)
	}

	// 1. Identity
	if s.user != "" {
		req.Header.Set(HeaderUser, s.user)
	}
	if s.source != "" {
		req.Header.Set(HeaderSource, s.source)
	}

	// 2. Contextual Headers
	if s.catalog != "" {
		req.Header.Set(HeaderCatalog, s.catalog)
	}
	if s.schema != "" {
		req.Header.Set(HeaderSchema, s.schema)
	}
	if s.timezone != "" {
		req.Header.Set(HeaderTimeZone, s.timezone)
	}
	if s.clientInfo != "" {
		req.Header.Set(HeaderClientInfo, s.clientInfo)
	}
	if len(s.clientTags) > 0 {
		req.Header.Set(HeaderClientTags, strings.Join(s.clientTags, ","))
	}
	req.Header.Set(HeaderClientCapabilities, ClientCapabilityParametricDatetime)

	// 3. State Headers
	req.Header.Set(HeaderTransaction, s.transactionID)
	if len(s.properties) > 0 {
		req.Header.Set(HeaderSession, encodeKeyValues(s.properties))
	}
	if len(s.extraCredential) > 0 {
		req.Header.Set(HeaderExtraCredential, encodeKeyValues(s.extraCredential))
	}
	if len(s.roles) > 0 {
		req.Header.Set(HeaderRole, encodeKeyValues(s.roles))
	}
	if len(s.preparedStatements) > 0 {
		req.Header.Set(HeaderPreparedStatement, encodeKeyValues(s.preparedStatements))
	}
}

// applyResponseHeaders folds the session-affecting headers of a successful
// response into the session. Header kinds are applied in a fixed order and
// the values of one kind in receipt order.
func (s *Session) applyResponseHeaders(h http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v := h.Get(HeaderSetCatalog); v != "" {
		s.catalog = v
	}
	if v := h.Get(HeaderSetSchema); v != "" {
		s.schema = v
	}
	for _, kv := range headerValues(h, HeaderSetSession) {
		if k, v, ok := decodeKeyValue(kv); ok {
			s.properties[k] = v
		}
	}
	for _, k := range headerValues(h, HeaderClearSession) {
		delete(s.properties, k)
	}
	for _, kv := range headerValues(h, HeaderSetRole) {
		if k, v, ok := decodeKeyValue(kv); ok {
			s.roles[k] = v
		}
	}
	for _, kv := range headerValues(h, HeaderAddedPrepare) {
		if k, v, ok := decodeKeyValue(kv); ok {
			s.preparedStatements[k] = v
		}
	}
	for _, k := range headerValues(h, HeaderDeallocatedPrepare) {
		delete(s.preparedStatements, k)
	}

	if id := h.Get(HeaderStartedTransaction); id != "" {
		s.transactionID = id
	} else if h.Get(HeaderClearTransaction) != "" {
		s.transactionID = NoTransaction
	}
}

// headerValues returns all comma separated values of a header, trimmed.
func headerValues(h http.Header, name string) []string {
	var out []string
	for _, line := range h.Values(name) {
		for _, v := range strings.Split(line, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// encodeKeyValues renders m as comma separated key=value pairs with
// url-encoded values, sorted by key.
func encodeKeyValues(m map[string]string) string {
	pairs := make([]string, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		pairs = append(pairs, k+"="+url.QueryEscape(m[k]))
	}
	return strings.Join(pairs, ",")
}

func decodeKeyValue(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok {
		return "", "", false
	}
	if unescaped, err := url.QueryUnescape(v); err == nil {
		v = unescaped
	}
	return strings.TrimSpace(k), v, true
}
