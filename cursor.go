package avrio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Cursor executes statements on a Connection and fetches their rows.
// Executing a new statement replaces the previous result set.
type Cursor struct {
	conn      *Connection
	session   *Session
	legacy    bool
	arraySize int

	// execMu serializes Execute calls. mu guards the fields below and is
	// never held across a network call.
	execMu sync.Mutex

	mu     sync.Mutex
	iter   *QueryIterator
	cancel context.CancelFunc
	closed bool
}

func newCursor(c *Connection) *Cursor {
	return &Cursor{
		conn:      c,
		session:   c.session,
		legacy:    c.cfg.LegacyPrimitiveTypes,
		arraySize: 1,
	}
}

// Connection returns the connection the cursor belongs to.
func (c *Cursor) Connection() *Connection {
	return c.conn
}

// Execute runs operation. params is nil, or a slice or array holding one
// value per ? placeholder. Without params the statement is sent verbatim.
// With params, legacy prepared statement mode runs PREPARE, EXECUTE ...
// USING and DEALLOCATE PREPARE; otherwise the statement travels in the
// X-Trino-Prepared-Statement header and only EXECUTE ... USING is sent.
func (c *Cursor) Execute(ctx context.Context, operation string, params any) error {
	values, err := paramValues(params)
	if err != nil {
		return err
	}

	c.execMu.Lock()
	defer c.execMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.iter
	c.iter = nil
	execCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	if prev != nil {
		if err := prev.Close(ctx); err != nil {
			log.Debug().Err(err).Msg("failed to close previous result set")
		}
	}

	var it *QueryIterator
	switch {
	case values == nil:
		it, err = c.session.Execute(execCtx, operation, c.executeOptions()...)
	case c.conn.cfg.LegacyPreparedStatements:
		it, err = c.executeLegacyPrepared(execCtx, operation, values)
	default:
		it, err = c.executePrepared(execCtx, operation, values)
	}

	c.mu.Lock()
	c.cancel = nil
	closed := c.closed
	if err == nil && !closed {
		c.iter = it
	}
	c.mu.Unlock()

	if closed {
		if it != nil {
			_ = it.Close(context.WithoutCancel(ctx))
		}
		return ErrClosed
	}
	return err
}

// paramValues accepts nil or any slice or array. Mappings are rejected.
func paramValues(params any) ([]any, error) {
	if params == nil {
		return nil, nil
	}
	var values []any
	if v, ok := params.([]any); ok {
		values = v
	} else {
		rv := reflect.ValueOf(params)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, &InputError{Message: "params must be a list or tuple containing the query parameter values"}
		}
		values = reflectElements(rv)
	}
	// An empty list means no parameters, so the statement is sent verbatim.
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}

func (c *Cursor) executeOptions(opts ...RequestOption) []ExecuteOption {
	return []ExecuteOption{WithLegacyPrimitiveTypes(c.legacy), WithRequestOptions(opts...)}
}

func newStatementName() string {
	return "st_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func executeUsing(name string, values []any) (string, error) {
	literals, err := formatParameters(values)
	if err != nil {
		return "", err
	}
	return "EXECUTE " + name + " USING " + strings.Join(literals, ", "), nil
}

func (c *Cursor) executeLegacyPrepared(ctx context.Context, operation string, values []any) (*QueryIterator, error) {
	name := newStatementName()
	sql, err := executeUsing(name, values)
	if err != nil {
		return nil, err
	}
	if err := c.prepare(ctx, name, operation); err != nil {
		return nil, err
	}
	defer c.deallocate(ctx, name)

	return c.session.Execute(ctx, sql, c.executeOptions()...)
}

// executePrepared sends the statement text with the request instead of a
// separate PREPARE round trip.
func (c *Cursor) executePrepared(ctx context.Context, operation string, values []any) (*QueryIterator, error) {
	name := newStatementName()
	sql, err := executeUsing(name, values)
	if err != nil {
		return nil, err
	}
	return c.session.Execute(ctx, sql, c.executeOptions(withPreparedStatement(name, operation))...)
}

// withPreparedStatement adds name=sql to the prepared statements the session
// already sends.
func withPreparedStatement(name, sql string) RequestOption {
	return func(req *http.Request) {
		entry := name + "=" + url.QueryEscape(sql)
		if existing := req.Header.Get(HeaderPreparedStatement); existing != "" {
			entry = existing + "," + entry
		}
		req.Header.Set(HeaderPreparedStatement, entry)
	}
}

func (c *Cursor) prepare(ctx context.Context, name, operation string) error {
	it, err := c.session.Execute(ctx, "PREPARE "+name+" FROM "+operation)
	if err != nil {
		return err
	}
	return it.Drain(ctx, nil)
}

// deallocate releases a prepared statement, also after the execute context
// was canceled. Failures are logged: the statement only lives as long as the
// session anyway.
func (c *Cursor) deallocate(ctx context.Context, name string) {
	ctx = context.WithoutCancel(ctx)
	it, err := c.session.Execute(ctx, "DEALLOCATE PREPARE "+name)
	if err == nil {
		err = it.Drain(ctx, nil)
	}
	if err != nil {
		log.Debug().Err(err).Str("statement", name).Msg("failed to deallocate prepared statement")
	}
}

// ExecuteMany runs operation once per parameter set. Every run but the
// last is drained and must report an update type.
func (c *Cursor) ExecuteMany(ctx context.Context, operation string, seqOfParams any) error {
	if seqOfParams == nil {
		return c.Execute(ctx, operation, nil)
	}
	rv := reflect.ValueOf(seqOfParams)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return &InputError{Message: "seq_of_params must be a list of parameter lists"}
	}
	if rv.Len() == 0 {
		return c.Execute(ctx, operation, nil)
	}

	for i := 0; i < rv.Len()-1; i++ {
		if err := c.Execute(ctx, operation, rv.Index(i).Interface()); err != nil {
			return err
		}
		if _, err := c.FetchAll(ctx); err != nil {
			return err
		}
		if c.UpdateType() == "" {
			return &NotSupportedError{Operation: "ExecuteMany of a statement without update type"}
		}
	}
	return c.Execute(ctx, operation, rv.Index(rv.Len()-1).Interface())
}

func (c *Cursor) iterator() (*QueryIterator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.iter == nil {
		return nil, ErrNoResultSet
	}
	return c.iter, nil
}

// FetchOne returns the next row, or nil once the result set is exhausted.
func (c *Cursor) FetchOne(ctx context.Context) ([]any, error) {
	it, err := c.iterator()
	if err != nil {
		return nil, err
	}
	row, err := it.Next(ctx)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	return row, err
}

// FetchMany returns up to n rows, ArraySize rows when n <= 0. Past the end
// it returns an empty slice.
func (c *Cursor) FetchMany(ctx context.Context, n int) ([][]any, error) {
	if n <= 0 {
		n = c.ArraySize()
	}
	it, err := c.iterator()
	if err != nil {
		return nil, err
	}
	rows := make([][]any, 0, n)
	for len(rows) < n {
		row, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FetchAll returns all remaining rows.
func (c *Cursor) FetchAll(ctx context.Context) ([][]any, error) {
	it, err := c.iterator()
	if err != nil {
		return nil, err
	}
	rows := [][]any{}
	err = it.Drain(ctx, func(row []any) error {
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Describe returns the output columns of sql without running it.
func (c *Cursor) Describe(ctx context.Context, sql string) ([]DescribeOutput, error) {
	name := newStatementName()
	if err := c.prepare(ctx, name, sql); err != nil {
		return nil, err
	}
	defer c.deallocate(ctx, name)

	it, err := c.session.Execute(ctx, "DESCRIBE OUTPUT "+name, c.executeOptions()...)
	if err != nil {
		return nil, err
	}
	var out []DescribeOutput
	err = it.Drain(ctx, func(row []any) error {
		d, err := DescribeOutputFromRow(row)
		if err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

// Description describes the columns of the current result set, nil when
// there is none or its columns are not known yet.
func (c *Cursor) Description() []ColumnDescription {
	it := c.current()
	if it == nil {
		return nil
	}
	columns := it.Columns()
	if columns == nil {
		return nil
	}
	out := make([]ColumnDescription, len(columns))
	for i, col := range columns {
		out[i] = NewColumnDescription(col)
	}
	return out
}

func (c *Cursor) current() *QueryIterator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iter
}

// RowCount returns the update count of the last statement, -1 when unknown.
func (c *Cursor) RowCount() int64 {
	if it := c.current(); it != nil {
		if n := it.UpdateCount(); n != nil {
			return *n
		}
	}
	return -1
}

func (c *Cursor) QueryID() string {
	if it := c.current(); it != nil {
		return it.QueryID()
	}
	return ""
}

// Query returns the SQL text sent for the last statement.
func (c *Cursor) Query() string {
	if it := c.current(); it != nil {
		return it.SQL()
	}
	return ""
}

func (c *Cursor) Stats() StatementStats {
	if it := c.current(); it != nil {
		return it.Stats()
	}
	return StatementStats{}
}

func (c *Cursor) Warnings() []Warning {
	if it := c.current(); it != nil {
		return it.Warnings()
	}
	return nil
}

func (c *Cursor) InfoURI() string {
	if it := c.current(); it != nil {
		return it.InfoURI()
	}
	return ""
}

func (c *Cursor) UpdateType() string {
	if it := c.current(); it != nil {
		return it.UpdateType()
	}
	return ""
}

// ArraySize is the default row count of FetchMany.
func (c *Cursor) ArraySize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.arraySize
}

func (c *Cursor) SetArraySize(n int) error {
	if n < 1 {
		return &InputError{Message: fmt.Sprintf("array size must be positive, got %d", n)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arraySize = n
	return nil
}

// SetInputSizes is not supported.
func (c *Cursor) SetInputSizes(sizes ...any) error {
	return &NotSupportedError{Operation: "SetInputSizes"}
}

// SetOutputSize is not supported.
func (c *Cursor) SetOutputSize(size int, column ...int) error {
	return &NotSupportedError{Operation: "SetOutputSize"}
}

// Cancel stops the running statement and cancels it on the coordinator.
func (c *Cursor) Cancel(ctx context.Context) error {
	it, err := c.iterator()
	if err != nil {
		return err
	}
	return it.Close(ctx)
}

// Close releases the current result set. A statement still running is
// canceled. Closing twice is a no-op.
func (c *Cursor) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	it := c.iter
	cancel := c.cancel
	c.mu.Unlock()

	// Stops an Execute still waiting for its first rows.
	if cancel != nil {
		cancel()
	}
	c.conn.forgetCursor(c)
	if it != nil {
		return it.Close(ctx)
	}
	return nil
}
