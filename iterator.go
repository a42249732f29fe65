package avrio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// QueryIterator follows the nextUri chain of one statement and yields its
// rows one at a time. It owns the latest page and the rows of that page not
// yet handed out. Crossing a page boundary performs the blocking fetch of
// the next page. A QueryIterator is not restartable.
type QueryIterator struct {
	session   *Session
	sql       string
	legacy    bool
	converter *rowConverter

	mu       sync.Mutex
	current  *StatementResponse
	columns  []Column
	pending  [][]any
	nextURI  string
	finished bool

	closed atomic.Bool

	updateType  string
	updateCount *int64
	warnings    []Warning
}

// Execute submits sql through the session and returns an iterator positioned
// before the first row. It blocks until the first row is available or the
// query finished, so columns and update counts of short statements are
// known on return.
func (s *Session) Execute(ctx context.Context, sql string, opts ...ExecuteOption) (*QueryIterator, error) {
	var o executeOptions
	for _, opt := range opts {
		opt(&o)
	}

	resp, err := s.Submit(ctx, sql, o.requestOptions...)
	if err != nil {
		return nil, err
	}

	it := &QueryIterator{session: s, sql: sql, legacy: o.legacyPrimitiveTypes}
	if err := it.apply(resp); err != nil {
		return nil, err
	}
	if err := it.prime(ctx); err != nil {
		return nil, err
	}
	return it, nil
}

// ExecuteOption configures Session.Execute.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	legacyPrimitiveTypes bool
	requestOptions       []RequestOption
}

// WithLegacyPrimitiveTypes keeps row values as decoded JSON instead of
// converting them to Go types.
func WithLegacyPrimitiveTypes(legacy bool) ExecuteOption {
	return func(o *executeOptions) { o.legacyPrimitiveTypes = legacy }
}

// WithRequestOptions applies opts to the submission request.
func WithRequestOptions(opts ...RequestOption) ExecuteOption {
	return func(o *executeOptions) { o.requestOptions = append(o.requestOptions, opts...) }
}

// apply makes resp the current page. Callers hold mu or own the iterator
// exclusively.
func (it *QueryIterator) apply(resp *StatementResponse) error {
	it.current = resp
	if resp.Columns != nil && it.columns == nil {
		it.columns = resp.Columns
		it.converter = newRowConverter(resp.Columns, it.legacy)
	}
	if resp.UpdateType != "" {
		it.updateType = resp.UpdateType
	}
	if resp.UpdateCount != nil {
		it.updateCount = resp.UpdateCount
	}
	it.warnings = append(it.warnings, resp.Warnings...)

	for _, row := range resp.Data {
		if it.converter == nil {
			return &ProtocolError{Message: fmt.Sprintf("query %s returned data before columns", resp.ID)}
		}
		converted, err := it.converter.convert(row)
		if err != nil {
			return fmt.Errorf("converting row of query %s: %w", resp.ID, err)
		}
		it.pending = append(it.pending, converted)
	}

	it.nextURI = resp.NextURI
	if it.nextURI == "" {
		it.finished = true
	}
	return nil
}

// prime fetches pages until a row is pending or the chain ended.
func (it *QueryIterator) prime(ctx context.Context) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	for len(it.pending) == 0 && !it.finished && !it.closed.Load() {
		if err := it.fetchLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// fetchLocked retrieves the next page. When the caller's context is gone
// the query is canceled on the coordinator.
func (it *QueryIterator) fetchLocked(ctx context.Context) error {
	nextURI := it.nextURI
	resp, err := it.session.FetchNext(ctx, nextURI)
	if err != nil {
		it.finished = true
		if ctx.Err() != nil {
			// Use background context for cleanup to ensure it executes despite cancellation
			if cancelErr := it.session.CancelQuery(context.Background(), nextURI); cancelErr != nil {
				log.Debug().Err(cancelErr).Str("query_id", it.queryIDLocked()).Msg("failed to cancel query after context cancellation")
			}
			return fmt.Errorf("fetching next page of query %s interrupted: %w", it.queryIDLocked(), err)
		}
		var dbErr *DatabaseError
		if errors.As(err, &dbErr) {
			if resp != nil {
				it.current = resp
			}
			return err
		}
		return fmt.Errorf("fetching next page of query %s: %w", it.queryIDLocked(), err)
	}
	return it.apply(resp)
}

// Next returns the next row, or io.EOF once the chain is exhausted.
func (it *QueryIterator) Next(ctx context.Context) ([]any, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	for len(it.pending) == 0 {
		if it.closed.Load() {
			return nil, ErrClosed
		}
		if it.finished {
			return nil, io.EOF
		}
		if err := it.fetchLocked(ctx); err != nil {
			return nil, err
		}
	}
	row := it.pending[0]
	it.pending[0] = nil
	it.pending = it.pending[1:]
	return row, nil
}

// Close stops following the chain. A fetch already in flight completes but
// no further page is requested. A query that has not finished is canceled
// on the coordinator on a best effort basis.
func (it *QueryIterator) Close(ctx context.Context) error {
	if !it.closed.CompareAndSwap(false, true) {
		return nil
	}

	it.mu.Lock()
	it.pending = nil
	nextURI := it.nextURI
	finished := it.finished
	it.mu.Unlock()

	if finished || nextURI == "" {
		return nil
	}
	if err := it.session.CancelQuery(ctx, nextURI); err != nil {
		log.Debug().Err(err).Str("query_id", it.QueryID()).Msg("failed to cancel query on close")
	}
	return nil
}

// Finished reports whether the chain reached its last page.
func (it *QueryIterator) Finished() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.finished
}

// Columns returns the result columns, nil until the server reported them.
func (it *QueryIterator) Columns() []Column {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.columns
}

func (it *QueryIterator) QueryID() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.queryIDLocked()
}

func (it *QueryIterator) queryIDLocked() string {
	if it.current == nil {
		return ""
	}
	return it.current.ID
}

// SQL returns the statement text the iterator was created for.
func (it *QueryIterator) SQL() string {
	return it.sql
}

func (it *QueryIterator) InfoURI() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.current == nil {
		return ""
	}
	return it.current.InfoURI
}

// Stats returns the statistics of the latest page.
func (it *QueryIterator) Stats() StatementStats {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.current == nil {
		return StatementStats{}
	}
	return it.current.Stats
}

// Warnings returns the warnings of all pages received so far.
func (it *QueryIterator) Warnings() []Warning {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.warnings
}

func (it *QueryIterator) UpdateType() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.updateType
}

// UpdateCount returns the number of affected rows, nil when unknown.
func (it *QueryIterator) UpdateCount() *int64 {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.updateCount
}

// Drain consumes all remaining rows, calling handler for each when it is
// not nil.
func (it *QueryIterator) Drain(ctx context.Context, handler func(row []any) error) error {
	for {
		row, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if handler != nil {
			if err := handler(row); err != nil {
				return fmt.Errorf("row handler returned error for query %s: %w", it.QueryID(), err)
			}
		}
	}
}
