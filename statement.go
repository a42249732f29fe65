package avrio

import (
	"context"
	"net/http"
)

// StatementResponse is one page of the statement protocol. A page without
// NextURI terminates the chain.
type StatementResponse struct {
	// ID is the unique identifier for this query
	ID string `json:"id"`

	// InfoURI points to the query details page on the coordinator
	InfoURI string `json:"infoUri"`

	PartialCancelURI string `json:"partialCancelUri,omitempty"`

	// NextURI is the URI of the next page, empty on the last page
	NextURI string `json:"nextUri,omitempty"`

	// Columns is set once the output schema is known
	Columns []Column `json:"columns,omitempty"`

	// Data holds the rows of this page as decoded JSON values; numbers are
	// kept as json.Number
	Data [][]any `json:"data,omitempty"`

	Stats StatementStats `json:"stats"`

	Error *QueryError `json:"error,omitempty"`

	Warnings []Warning `json:"warnings"`

	// UpdateType indicates the kind of statement (e.g. INSERT, CREATE TABLE)
	UpdateType string `json:"updateType,omitempty"`

	// UpdateCount is the number of rows affected, nil when unknown
	UpdateCount *int64 `json:"updateCount,omitempty"`
}

// StatementStats reports the progress of a query.
type StatementStats struct {
	State              string  `json:"state"`
	Queued             bool    `json:"queued"`
	Scheduled          bool    `json:"scheduled"`
	Nodes              int     `json:"nodes"`
	TotalSplits        int     `json:"totalSplits"`
	QueuedSplits       int     `json:"queuedSplits"`
	RunningSplits      int     `json:"runningSplits"`
	CompletedSplits    int     `json:"completedSplits"`
	CPUTimeMillis      int64   `json:"cpuTimeMillis"`
	WallTimeMillis     int64   `json:"wallTimeMillis"`
	QueuedTimeMillis   int64   `json:"queuedTimeMillis"`
	ElapsedTimeMillis  int64   `json:"elapsedTimeMillis"`
	ProcessedRows      int64   `json:"processedRows"`
	ProcessedBytes     int64   `json:"processedBytes"`
	PhysicalInputBytes int64   `json:"physicalInputBytes"`
	PeakMemoryBytes    int64   `json:"peakMemoryBytes"`
	SpilledBytes       int64   `json:"spilledBytes"`
	ProgressPercentage float64 `json:"progressPercentage"`
}

// requestStatement executes an HTTP request and decodes the response as a
// StatementResponse. A server-reported error is returned as *DatabaseError
// together with the page that carried it.
func (s *Session) requestStatement(ctx context.Context, req *http.Request) (*StatementResponse, error) {
	sr := new(StatementResponse)
	if _, err := s.Do(ctx, req, sr); err != nil {
		return nil, err
	}
	if sr.Error != nil {
		return sr, &DatabaseError{QueryError: sr.Error}
	}
	return sr, nil
}

// Submit posts sql to the statement endpoint and returns the first page.
//
// Example:
//
//	resp, err := session.Submit(ctx, "SELECT * FROM my_table LIMIT 100")
//	if err != nil {
//	    return err
//	}
//	// Follow resp.NextURI with FetchNext...
func (s *Session) Submit(ctx context.Context, sql string, opts ...RequestOption) (*StatementResponse, error) {
	req, err := s.NewRequest(http.MethodPost, StatementPath, sql, opts...)
	if err != nil {
		return nil, err
	}
	return s.requestStatement(ctx, req)
}

// FetchNext retrieves the page behind nextURI. The URI is used verbatim.
func (s *Session) FetchNext(ctx context.Context, nextURI string, opts ...RequestOption) (*StatementResponse, error) {
	req, err := s.NewRequest(http.MethodGet, nextURI, nil, opts...)
	if err != nil {
		return nil, err
	}
	return s.requestStatement(ctx, req)
}

// CancelQuery asks the coordinator to stop the query behind nextURI.
func (s *Session) CancelQuery(ctx context.Context, nextURI string, opts ...RequestOption) error {
	req, err := s.NewRequest(http.MethodDelete, nextURI, nil, opts...)
	if err != nil {
		return err
	}
	_, err = s.Do(ctx, req, nil)
	return err
}
