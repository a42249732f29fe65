// Package avriorest talks to the REST services that sit next to the query
// coordinator: identity sign-in, data product and data source discovery,
// and the query rewrite endpoint.
package avriorest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/avrioproductionsupport/avrio-go"
)

// REST endpoints, relative to the base URL.
const (
	SignInPath             = "/iam/security/signin"
	ModifiedQueryPath      = "/query-engine/dataDiscovery/getModifiedQuery/v2"
	DataProductDomainsPath = "/query-engine/dataDiscovery/dataProducts/domains"
	DataProductSubdomains  = "/query-engine/dataDiscovery/dataProducts/subDomains"
	DataProductTablesPath  = "/query-engine/dataDiscovery/dataProducts/tables"
	DataSourceSchemasPath  = "/query-engine/dataDiscovery/dataSources/schemas"
	DataSourceTablesPath   = "/query-engine/dataDiscovery/dataSources/tables"
)

// PlatformDataProducts selects data product semantics: schemas are domains
// and statements reference tables without their schema.
const PlatformDataProducts = "data_products"

// Client calls the REST services with a bearer token. It reuses the
// statement client transport, so retries, metrics and authentication
// challenges behave the same way.
type Client struct {
	client  *avrio.Client
	session *avrio.Session
}

// New creates a Client for baseURL authenticating with accessToken.
func New(baseURL, accessToken string, opts ...avrio.ClientOption) (*Client, error) {
	opts = append(slices.Clone(opts), avrio.WithAuthentication(avrio.NewStaticBearer(accessToken)))
	c, err := avrio.NewClient(baseURL, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{client: c, session: c.NewSession()}, nil
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Host     string `json:"host"`
}

type signInResponse struct {
	AccessToken string `json:"accessToken"`
}

// SignIn exchanges email and password for an access token at
// https://host/iam/security/signin.
func SignIn(ctx context.Context, host, email, password string, opts ...avrio.ClientOption) (string, error) {
	c, err := avrio.NewClient("https://"+host, opts...)
	if err != nil {
		return "", err
	}
	s := c.NewSession()
	req, err := s.NewRequest(http.MethodPost, SignInPath, signInRequest{Email: email, Password: password, Host: host})
	if err != nil {
		return "", err
	}

	out := new(signInResponse)
	if _, err := s.Do(ctx, req, out); err != nil {
		return "", &avrio.AuthenticationError{Message: "sign in to " + host, Err: err}
	}
	if out.AccessToken == "" {
		return "", &avrio.AuthenticationError{Message: "sign in to " + host, Err: errors.New("response carries no access token")}
	}
	log.Debug().Str("host", host).Str("email", email).Msg("signed in")
	return out.AccessToken, nil
}

// NewAuthentication signs in and returns a bearer authentication carrying
// the issued token.
func NewAuthentication(ctx context.Context, host, email, password string, opts ...avrio.ClientOption) (avrio.StaticBearer, error) {
	token, err := SignIn(ctx, host, email, password, opts...)
	if err != nil {
		return avrio.StaticBearer{}, err
	}
	return avrio.NewStaticBearer(token), nil
}

// get decodes the JSON response of GET path?params into v.
func (c *Client) get(ctx context.Context, path string, params any, v any) error {
	if query := EncodeQuery(params); query != "" {
		path += "?" + query
	}
	req, err := c.session.NewRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	_, err = c.session.Do(ctx, req, v)
	return err
}

type domainEntry struct {
	Domain string `json:"domain"`
}

type domainParams struct {
	Email     string `query:"email"`
	Domain    string `query:"domain,omitempty"`
	SubDomain string `query:"subDomain,omitempty"`
}

// DataProductDomains lists the data product domains visible to email. They
// play the role of catalogs.
func (c *Client) DataProductDomains(ctx context.Context, email string) ([]string, error) {
	var entries []domainEntry
	if err := c.get(ctx, DataProductDomainsPath, domainParams{Email: email}, &entries); err != nil {
		return nil, fmt.Errorf("listing data product domains: %w", err)
	}
	return domainNames(entries), nil
}

// DataProductSubdomains lists the subdomains of domain.
func (c *Client) DataProductSubdomains(ctx context.Context, email, domain string) ([]string, error) {
	var entries []domainEntry
	if err := c.get(ctx, DataProductSubdomains, domainParams{Email: email, Domain: domain}, &entries); err != nil {
		return nil, fmt.Errorf("listing subdomains of %s: %w", domain, err)
	}
	return domainNames(entries), nil
}

func domainNames(entries []domainEntry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Domain)
	}
	return names
}

// DataProductTables lists the tables of a subdomain. The service groups
// them by data product; the groups are flattened in key order.
func (c *Client) DataProductTables(ctx context.Context, email, domain, subDomain string) ([]string, error) {
	grouped := map[string][]string{}
	params := domainParams{Email: email, Domain: domain, SubDomain: subDomain}
	if err := c.get(ctx, DataProductTablesPath, params, &grouped); err != nil {
		return nil, fmt.Errorf("listing tables of %s.%s: %w", domain, subDomain, err)
	}
	var tables []string
	for _, key := range slices.Sorted(maps.Keys(grouped)) {
		tables = append(tables, grouped[key]...)
	}
	return tables, nil
}

type sourceParams struct {
	Email   string `query:"email"`
	Catalog string `query:"catalog"`
	Schema  string `query:"schema,omitempty"`
}

// DataSourceSchemas lists the schemas of a data source catalog.
func (c *Client) DataSourceSchemas(ctx context.Context, email, catalog string) ([]string, error) {
	var entries []struct {
		SchemaName string `json:"schemaName"`
	}
	if err := c.get(ctx, DataSourceSchemasPath, sourceParams{Email: email, Catalog: catalog}, &entries); err != nil {
		return nil, fmt.Errorf("listing schemas of %s: %w", catalog, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.SchemaName)
	}
	return names, nil
}

// DataSourceTables lists the tables of catalog.schema.
func (c *Client) DataSourceTables(ctx context.Context, email, catalog, schema string) ([]string, error) {
	var entries []struct {
		TableName string `json:"tableName"`
	}
	params := sourceParams{Email: email, Catalog: catalog, Schema: schema}
	if err := c.get(ctx, DataSourceTablesPath, params, &entries); err != nil {
		return nil, fmt.Errorf("listing tables of %s.%s: %w", catalog, schema, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.TableName)
	}
	return names, nil
}

type modifiedQueryRequest struct {
	InputQuerySQL string `json:"inputQuerySql"`
	Email         string `json:"email"`
	Catalog       string `json:"catalog"`
}

// ModifiedQueryResponse is the reply of the query rewrite endpoint.
type ModifiedQueryResponse struct {
	Success bool   `json:"success"`
	Data    string `json:"data"`
	Error   string `json:"error,omitempty"`
}

// RewriteError is returned when the rewrite endpoint rejects a statement.
type RewriteError struct {
	StatusCode int
	Message    string
}

func (e *RewriteError) Error() string {
	return fmt.Sprintf("avriorest: query rewrite failed: %s (status code: %d)", e.Message, e.StatusCode)
}

// ModifiedQuery asks the service to rewrite sql for email within catalog
// and returns the rewritten statement.
func (c *Client) ModifiedQuery(ctx context.Context, email, sql, catalog string) (string, error) {
	body := modifiedQueryRequest{InputQuerySQL: sql, Email: email, Catalog: catalog}
	req, err := c.session.NewRequest(http.MethodPost, ModifiedQueryPath, body)
	if err != nil {
		return "", err
	}

	out := new(ModifiedQueryResponse)
	if _, err := c.session.Do(ctx, req, out); err != nil {
		var protoErr *avrio.ProtocolError
		if errors.As(err, &protoErr) && protoErr.StatusCode != 0 {
			return "", &RewriteError{StatusCode: protoErr.StatusCode, Message: rewriteMessage(protoErr.Message)}
		}
		return "", err
	}
	if !out.Success {
		return "", &RewriteError{StatusCode: http.StatusOK, Message: out.Error}
	}
	return out.Data, nil
}

// PrepareQuery returns the statement to submit for sql. Compatibility
// probes pass through untouched. On the data products platform schema
// qualifiers are dropped before the statement is rewritten by the service.
func (c *Client) PrepareQuery(ctx context.Context, email, sql, catalog, platform string) (string, error) {
	if IsCompatibilityQuery(sql) {
		return sql, nil
	}
	return c.ModifiedQuery(ctx, email, RemoveSchemaFromQuery(sql, platform), catalog)
}
