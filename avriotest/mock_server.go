// Package avriotest provides an in-process mock coordinator for testing code
// built on the avrio client.
package avriotest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/avrioproductionsupport/avrio-go"
)

// --- Data Models ---

// QueryState represents the standard life-cycle stages of a query.
type QueryState string

const (
	// QueryStateQueued indicates the query is waiting for coordinator resources.
	QueryStateQueued QueryState = "QUEUED"
	// QueryStateRunning indicates the query is actively being processed by workers.
	QueryStateRunning QueryState = "RUNNING"
	// QueryStateCancelled indicates execution was terminated by the user.
	QueryStateCancelled QueryState = "CANCELLED"
	// QueryStateFinished indicates successful completion.
	QueryStateFinished QueryState = "FINISHED"
	// QueryStateFailed indicates an execution or planning error occurred.
	QueryStateFailed QueryState = "FAILED"
)

// String returns the string representation of the QueryState.
func (qs QueryState) String() string {
	return string(qs)
}

// generateSlug creates a random string to simulate the coordinator security slug.
func generateSlug() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// QueryTemplate defines the static result set and structure for a specific SQL string.
// It acts as an immutable blueprint from which active queries are created.
//
// Batching and Data Distribution:
// The server divides the static 'Data' slice into sequential windows (batches)
// based on the 'DataBatches' field.
//
//  1. Pre-calculated Batch Count:
//     DataBatches is adjusted during registration in AddQuery. If DataBatches is 10
//     but there are only 3 rows, it is capped at 3 to prevent empty polls.
//
//  2. Rows Per Batch Calculation:
//     rowsPerBatch = (totalRows + DataBatches - 1) / DataBatches.
//
//  3. Sequential Paging:
//     Each request (batchID > 0) returns rows [(batchID-1)*rowsPerBatch, batchID*rowsPerBatch).
type QueryTemplate struct {
	SQL          string            // The SQL query string used for template matching.
	DataBatches  int               // The number of data splits, capped by row count.
	QueueBatches int               // The number of batches it is in queue for. It should be at least 1.
	Columns      []avrio.Column    // Metadata describing the result set columns.
	Data         [][]any           // The full result set partitioned across batches.
	Error        *avrio.QueryError // Optional error to simulate a query failure.
	UpdateType   string            // Reported on every page.
	UpdateCount  *int64            // Reported on the last page.
	Warnings     []avrio.Warning   // Reported on the first page.
	Headers      map[string]string // Response headers of the submission.
	Latency      time.Duration     // Latency for the query execution.
}

// activeQuery represents a live execution instance of a template.
type activeQuery struct {
	ID        string
	Template  *QueryTemplate
	State     QueryState
	QueuedFor int // How many batches it has stayed in the "QUEUED" state.
}

// RecordedRequest is one request the server received.
type RecordedRequest struct {
	Method string
	Path   string
	Body   string
	Header http.Header
}

// OAuth2Config enables the OAuth2 challenge flow on the statement endpoints.
type OAuth2Config struct {
	// Attempts is the number of token endpoint polls per challenge, the last
	// of which returns the token. Further polls get 404.
	Attempts int
	// OmitRedirect leaves x_redirect_server out of the challenge.
	OmitRedirect bool
}

var typeParameters = regexp.MustCompile(`\([^()]*\)`)

// Column builds a column whose type signature carries the raw type only,
// e.g. Column("price", "decimal(10,2)") has raw type "decimal".
func Column(name, typeName string) avrio.Column {
	raw := strings.Join(strings.Fields(typeParameters.ReplaceAllString(strings.ToLower(typeName), "")), " ")
	return avrio.Column{Name: name, Type: typeName, TypeSignature: avrio.ClientTypeSignature{RawType: raw}}
}

type challenge struct {
	token    string
	attempts int
}

// --- Mock Server Implementation ---

// Server simulates a coordinator for integration testing.
type Server struct {
	server *httptest.Server

	// templates maps SQL strings to their registered QueryTemplate blueprints.
	templates map[string]*QueryTemplate

	// activeQueries maps unique execution IDs to their current state.
	activeQueries map[string]*activeQuery

	requests []RecordedRequest
	failures []int

	oauth2     *OAuth2Config
	challenges map[string]*challenge
	tokens     map[string]struct{}

	mu sync.RWMutex // Protects the fields above during concurrent test execution.

	// defaultLatency is the default fallback query latency if no template latency is defined.
	defaultLatency time.Duration

	queryIDCounter atomic.Int64
	txCounter      atomic.Int64
	today          string // Cached date string for optimized ID generation.
}

// Option configures a Server.
type Option func(*Server)

// WithOAuth2 protects the statement endpoints with OAuth2 challenges.
func WithOAuth2(cfg OAuth2Config) Option {
	return func(m *Server) {
		m.oauth2 = &cfg
	}
}

// WithDefaultLatency configures the fallback query latency.
func WithDefaultLatency(latency time.Duration) Option {
	return func(m *Server) {
		m.defaultLatency = latency
	}
}

// NewServer starts a new mock coordinator.
func NewServer(opts ...Option) *Server {
	mock := &Server{
		templates:     make(map[string]*QueryTemplate),
		activeQueries: make(map[string]*activeQuery),
		challenges:    make(map[string]*challenge),
		tokens:        make(map[string]struct{}),
		today:         time.Now().Format("20060102"),
	}
	for _, opt := range opts {
		opt(mock)
	}

	mux := http.NewServeMux()

	// POST /v1/statement: Initiates a new query with a server-generated ID.
	mux.HandleFunc("POST /v1/statement", mock.handleNewQuery)

	// GET /v1/statement/{status}/{queryId}/{batchId}: Polls for the next data batch.
	mux.HandleFunc("GET /v1/statement/{status}/{queryId}/{batchId}", mock.handleFetchNextBatch)

	// DELETE /v1/statement/{status}/{queryId}/{batchId}: Cancels a running query.
	mux.HandleFunc("DELETE /v1/statement/{status}/{queryId}/{batchId}", mock.handleCancelQuery)

	// OAuth2 redirect and token endpoints.
	mux.HandleFunc("GET /oauth2/initiate/{challengeId}", mock.handleRedirect)
	mux.HandleFunc("GET /oauth2/token/{challengeId}", mock.handleToken)

	mock.server = httptest.NewServer(mux)

	return mock
}

// AddQuery registers a SQL template and pre-calculates the valid DataBatches.
func (m *Server) AddQuery(tmpl *QueryTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if totalRows := len(tmpl.Data); totalRows < tmpl.DataBatches {
		tmpl.DataBatches = totalRows
	}
	if tmpl.DataBatches < 1 && len(tmpl.Data) > 0 {
		tmpl.DataBatches = 1
	}
	if tmpl.QueueBatches < 1 {
		tmpl.QueueBatches = 1
	}

	m.templates[tmpl.SQL] = tmpl
}

// FailNext makes the next len(statusCodes) statement requests fail with the
// given status codes, in order.
func (m *Server) FailNext(statusCodes ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, statusCodes...)
}

// Requests returns the statement requests received so far.
func (m *Server) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestsWithMethod returns the statement requests received with method.
func (m *Server) RequestsWithMethod(method string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range m.Requests() {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// Submitted returns the SQL text of every submitted statement in order.
func (m *Server) Submitted() []string {
	var out []string
	for _, r := range m.RequestsWithMethod(http.MethodPost) {
		out = append(out, r.Body)
	}
	return out
}

// Challenges returns the number of OAuth2 challenges issued.
func (m *Server) Challenges() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.challenges)
}

// --- Request Handlers ---

// intercept records the request and applies failure injection and the
// OAuth2 check. It reports whether a response was already written.
func (m *Server) intercept(w http.ResponseWriter, r *http.Request, body string) bool {
	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Body:   body,
		Header: r.Header.Clone(),
	})
	if len(m.failures) > 0 {
		code := m.failures[0]
		m.failures = m.failures[1:]
		m.mu.Unlock()
		writeJSON(w, code, map[string]string{"error": http.StatusText(code)})
		return true
	}
	if m.oauth2 == nil {
		m.mu.Unlock()
		return false
	}
	if _, ok := m.tokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]; ok {
		m.mu.Unlock()
		return false
	}

	id := uuid.NewString()
	m.challenges[id] = &challenge{token: uuid.NewString(), attempts: m.oauth2.Attempts}
	omitRedirect := m.oauth2.OmitRedirect
	m.mu.Unlock()

	tokenServer := fmt.Sprintf("%s/oauth2/token/%s", m.server.URL, id)
	value := fmt.Sprintf(`Bearer x_redirect_server="%s/oauth2/initiate/%s", x_token_server="%s"`, m.server.URL, id, tokenServer)
	if omitRedirect {
		value = fmt.Sprintf(`Bearer x_token_server="%s"`, tokenServer)
	}
	w.Header().Add("WWW-Authenticate", value)
	w.Header().Add("WWW-Authenticate", `Basic realm="Trino"`)
	w.WriteHeader(http.StatusUnauthorized)
	return true
}

// handleNewQuery matches the SQL and instantiates an active query.
func (m *Server) handleNewQuery(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	sql := string(body)
	if m.intercept(w, r, sql) {
		return
	}

	headers, key := m.controlHeaders(sql, r.Header)

	m.mu.RLock()
	template, exists := m.templates[key]
	m.mu.RUnlock()

	if !exists {
		template = &QueryTemplate{
			SQL:          key,
			DataBatches:  1,
			QueueBatches: 1,
			Columns:      []avrio.Column{Column("result", "varchar")},
			Data:         [][]any{{"Query template not found; default success"}},
		}
	}

	for k, v := range template.Headers {
		headers.Set(k, v)
	}
	for k, values := range headers {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}

	queryID := m.newQueryID()
	m.mu.Lock()
	m.activeQueries[queryID] = &activeQuery{
		ID:       queryID,
		Template: template,
		State:    QueryStateQueued,
	}
	m.mu.Unlock()

	m.sendQueryResponse(w, queryID, 0)
}

var (
	preparePattern    = regexp.MustCompile(`(?is)^PREPARE\s+(\w+)\s+FROM\s+(.*)$`)
	deallocatePattern = regexp.MustCompile(`(?i)^DEALLOCATE\s+PREPARE\s+(\w+)$`)
	executePattern    = regexp.MustCompile(`(?is)^EXECUTE\s+(\w+)(\s+USING\s+.*)?$`)
)

// controlHeaders returns the session headers the coordinator would send for
// transaction and prepared statement control statements, and the SQL text
// used to look up the template.
func (m *Server) controlHeaders(sql string, reqHeader http.Header) (http.Header, string) {
	h := make(http.Header)
	trimmed := strings.TrimSpace(sql)
	upper := strings.ToUpper(trimmed)

	switch {
	case strings.HasPrefix(upper, "START TRANSACTION"):
		h.Set(avrio.HeaderStartedTransaction, fmt.Sprintf("tx_%d", m.txCounter.Add(1)))
	case upper == "COMMIT" || upper == "ROLLBACK":
		h.Set(avrio.HeaderClearTransaction, "true")
	}
	if sm := preparePattern.FindStringSubmatch(trimmed); sm != nil {
		h.Set(avrio.HeaderAddedPrepare, sm[1]+"="+url.QueryEscape(sm[2]))
		return h, sql
	}
	if sm := deallocatePattern.FindStringSubmatch(trimmed); sm != nil {
		h.Set(avrio.HeaderDeallocatedPrepare, sm[1])
		return h, sql
	}
	if sm := executePattern.FindStringSubmatch(trimmed); sm != nil {
		if prepared, ok := preparedStatements(reqHeader)[sm[1]]; ok {
			return h, prepared
		}
	}
	return h, sql
}

// preparedStatements decodes the X-Trino-Prepared-Statement header.
func preparedStatements(h http.Header) map[string]string {
	out := make(map[string]string)
	for _, value := range h.Values(avrio.HeaderPreparedStatement) {
		for _, entry := range strings.Split(value, ",") {
			name, encoded, ok := strings.Cut(strings.TrimSpace(entry), "=")
			if !ok {
				continue
			}
			if sql, err := url.QueryUnescape(encoded); err == nil {
				out[name] = sql
			}
		}
	}
	return out
}

func (m *Server) handleFetchNextBatch(w http.ResponseWriter, r *http.Request) {
	if m.intercept(w, r, "") {
		return
	}
	batchID, _ := strconv.Atoi(r.PathValue("batchId"))
	m.sendQueryResponse(w, r.PathValue("queryId"), batchID)
}

func (m *Server) handleCancelQuery(w http.ResponseWriter, r *http.Request) {
	if m.intercept(w, r, "") {
		return
	}
	id := r.PathValue("queryId")
	m.mu.Lock()
	if q, ok := m.activeQueries[id]; ok {
		q.State = QueryStateCancelled
		delete(m.activeQueries, id)
	}
	m.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (m *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleToken counts down the polls of one challenge: nextUri while polls
// remain, then the token, then 404.
func (m *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("challengeId")

	m.mu.Lock()
	c, ok := m.challenges[id]
	if !ok {
		m.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{})
		return
	}
	c.attempts--
	attempts, token := c.attempts, c.token
	if attempts == 0 {
		m.tokens[token] = struct{}{}
	}
	m.mu.Unlock()

	switch {
	case attempts < 0:
		writeJSON(w, http.StatusNotFound, map[string]string{})
	case attempts == 0:
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"nextUri": m.server.URL + r.URL.Path})
	}
}

// --- Protocol Response Logic ---

// writeJSON encodes v as JSON and writes it to the response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// sendQueryResponse prepares a JSON payload and applies hierarchical latency.
func (m *Server) sendQueryResponse(w http.ResponseWriter, queryID string, batchID int) {
	m.mu.RLock()
	query, exists := m.activeQueries[queryID]
	if !exists {
		m.mu.RUnlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Query not found"})
		return
	}

	totalLatency := m.defaultLatency
	if query.Template.Latency > 0 {
		totalLatency = query.Template.Latency
	}

	// Calculate total lifecycle requests to distribute latency evenly.
	dataBatchCount := query.Template.DataBatches
	queueBatchCount := query.Template.QueueBatches
	totalRequests := dataBatchCount + queueBatchCount

	sleepDuration := totalLatency / time.Duration(totalRequests)
	m.mu.RUnlock()

	if sleepDuration > 0 {
		time.Sleep(sleepDuration)
	}

	m.mu.Lock()
	query, exists = m.activeQueries[queryID]
	if !exists {
		m.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Query removed during processing"})
		return
	}
	defer m.mu.Unlock()

	tmpl := query.Template

	// Logic for managing the "Queued" phase loop.
	if batchID == 0 {
		query.QueuedFor++
	}

	// Transition to RUNNING only after exiting the queue loop.
	if query.QueuedFor >= queueBatchCount && query.State == QueryStateQueued {
		query.State = QueryStateRunning
	}

	// Determine if more batches (either queue status or data) are expected.
	hasMore := query.QueuedFor < queueBatchCount || batchID < dataBatchCount
	if tmpl.Error != nil {
		hasMore = false
		query.State = QueryStateFailed
	}
	if !hasMore && query.State == QueryStateRunning {
		query.State = QueryStateFinished
	}

	resp := avrio.StatementResponse{
		ID:         queryID,
		InfoURI:    fmt.Sprintf("%s/ui/query.html?%s", m.server.URL, queryID),
		Columns:    tmpl.Columns,
		Error:      tmpl.Error,
		UpdateType: tmpl.UpdateType,
		Stats: avrio.StatementStats{
			State:           string(query.State),
			Queued:          query.State == QueryStateQueued,
			Scheduled:       query.State != QueryStateQueued,
			TotalSplits:     dataBatchCount,
			CompletedSplits: batchID,
		},
	}
	if batchID == 0 && query.QueuedFor == 1 {
		resp.Warnings = tmpl.Warnings
	}

	if hasMore {
		nextBatch := batchID + 1
		// If still in the queue loop, keep the client polling batch 0.
		if query.QueuedFor < queueBatchCount {
			nextBatch = 0
		}
		resp.NextURI = fmt.Sprintf("%s/v1/statement/%s/%s/%d?slug=%s",
			m.server.URL, strings.ToLower(string(query.State)), queryID, nextBatch, generateSlug())
	} else {
		resp.UpdateCount = tmpl.UpdateCount
	}

	// Data is delivered sequentially across DataBatches.
	if batchID > 0 && dataBatchCount > 0 && len(tmpl.Data) > 0 {
		rowsPerBatch := (len(tmpl.Data) + dataBatchCount - 1) / dataBatchCount
		start := (batchID - 1) * rowsPerBatch
		if start < len(tmpl.Data) {
			end := min(start+rowsPerBatch, len(tmpl.Data))
			resp.Data = tmpl.Data[start:end]
		}
	}

	if query.State == QueryStateFinished || query.State == QueryStateCancelled || query.State == QueryStateFailed {
		delete(m.activeQueries, queryID)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (m *Server) newQueryID() string {
	return fmt.Sprintf("%s_%d", m.today, m.queryIDCounter.Add(1))
}

// URL returns the base URL of the mock server.
func (m *Server) URL() string { return m.server.URL }

// Close shuts down the mock server.
func (m *Server) Close() { m.server.Close() }
