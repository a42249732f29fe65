package avrio

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func init() {
	sql.Register("avrio", &avrioDriver{})
}

// --- Driver Types ---

// avrioDriver implements driver.Driver and driver.DriverContext.
type avrioDriver struct{}

var _ driver.Driver = (*avrioDriver)(nil)
var _ driver.DriverContext = (*avrioDriver)(nil)

// Open implements driver.Driver. It parses the DSN and returns a new connection.
func (d *avrioDriver) Open(dsn string) (driver.Conn, error) {
	connector, err := NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	return connector.Connect(context.Background())
}

// OpenConnector implements driver.DriverContext.
func (d *avrioDriver) OpenConnector(dsn string) (driver.Connector, error) {
	return NewConnector(dsn)
}

// --- Connector ---

// ConnectorOption configures a connector.
type ConnectorOption func(*connector)

// WithSessionSetup registers a hook that is called on the session of every
// connection the connector opens.
func WithSessionSetup(fn func(*Session)) ConnectorOption {
	return func(c *connector) {
		c.sessionSetup = fn
	}
}

// WithConnectorAuthentication authenticates every request of the connector's
// connections with auth. It takes precedence over credentials in the DSN.
func WithConnectorAuthentication(auth Authentication) ConnectorOption {
	return func(c *connector) {
		c.cfg.Auth = auth
	}
}

// WithConfig lets the caller adjust the parsed configuration, for settings a
// DSN cannot carry such as the HTTP client or a metrics registerer.
func WithConfig(fn func(*Config)) ConnectorOption {
	return func(c *connector) {
		fn(&c.cfg)
	}
}

// connector implements driver.Connector. It creates a shared Client
// (via sync.Once) and opens a new Connection for each Connect call.
type connector struct {
	cfg          Config
	sessionSetup func(*Session)

	once   sync.Once
	client *Client
	err    error
}

var _ driver.Connector = (*connector)(nil)

// NewConnector creates a new driver.Connector from a DSN string.
// Use this with sql.OpenDB for connection pool management.
func NewConnector(dsn string, opts ...ConnectorOption) (driver.Connector, error) {
	cfg, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return NewConnectorFromConfig(*cfg, opts...)
}

// NewConnectorFromConfig creates a new driver.Connector from cfg.
func NewConnectorFromConfig(cfg Config, opts ...ConnectorOption) (driver.Connector, error) {
	c := &connector{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.Host == "" {
		return nil, &InputError{Message: "host is required"}
	}
	if _, err := CheckIsolationLevel(int(c.cfg.IsolationLevel)); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect implements driver.Connector.
func (c *connector) Connect(ctx context.Context) (driver.Conn, error) {
	c.once.Do(func() {
		c.client, c.err = NewClient(c.cfg.ServerURL(), c.cfg.clientOptions()...)
	})
	if c.err != nil {
		return nil, c.err
	}

	conn, err := newConnection(c.cfg, c.client)
	if err != nil {
		return nil, err
	}
	if c.sessionSetup != nil {
		c.sessionSetup(conn.Session())
	}
	return &avrioConn{conn: conn}, nil
}

// Driver implements driver.Connector.
func (c *connector) Driver() driver.Driver {
	return &avrioDriver{}
}

// --- Connection ---

// avrioConn implements driver.Conn on top of a Connection. Statements run
// on their own cursor; transactions are only started by BeginTx.
type avrioConn struct {
	conn *Connection
}

var _ driver.Conn = (*avrioConn)(nil)
var _ driver.QueryerContext = (*avrioConn)(nil)
var _ driver.ExecerContext = (*avrioConn)(nil)
var _ driver.ConnBeginTx = (*avrioConn)(nil)
var _ driver.NamedValueChecker = (*avrioConn)(nil)

// Prepare implements driver.Conn.
func (c *avrioConn) Prepare(query string) (driver.Stmt, error) {
	return &avrioStmt{conn: c, query: query}, nil
}

// Close implements driver.Conn.
func (c *avrioConn) Close() error {
	return c.conn.Close(context.Background())
}

// Begin implements driver.Conn. Use BeginTx instead.
func (c *avrioConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx implements driver.ConnBeginTx. sql.LevelDefault starts a
// transaction at the isolation level of the connection.
func (c *avrioConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if opts.ReadOnly {
		return nil, &NotSupportedError{Operation: "read-only transactions"}
	}
	level, err := isolationFromSQL(opts.Isolation, c.conn.IsolationLevel())
	if err != nil {
		return nil, err
	}
	if _, err := c.conn.beginTransaction(ctx, level); err != nil {
		return nil, err
	}
	return &avrioTx{conn: c.conn}, nil
}

func isolationFromSQL(level driver.IsolationLevel, fallback IsolationLevel) (IsolationLevel, error) {
	switch sql.IsolationLevel(level) {
	case sql.LevelDefault:
		return fallback, nil
	case sql.LevelReadUncommitted:
		return IsolationReadUncommitted, nil
	case sql.LevelReadCommitted:
		return IsolationReadCommitted, nil
	case sql.LevelRepeatableRead:
		return IsolationRepeatableRead, nil
	case sql.LevelSerializable:
		return IsolationSerializable, nil
	}
	return 0, &NotSupportedError{Operation: fmt.Sprintf("isolation level %s", sql.IsolationLevel(level))}
}

// CheckNamedValue implements driver.NamedValueChecker. Every value the
// parameter encoder understands is passed through unchanged; anything else
// goes through the default conversion, which also calls driver.Valuer.
func (c *avrioConn) CheckNamedValue(nv *driver.NamedValue) error {
	if nv.Name != "" {
		return &NotSupportedError{Operation: "named query parameters"}
	}
	if _, err := FormatParameter(nv.Value); err == nil {
		return nil
	}
	return driver.ErrSkip
}

// QueryContext implements driver.QueryerContext.
func (c *avrioConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	cur, err := c.execute(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return &avrioRows{cur: cur, ctx: ctx, columns: cur.current().Columns()}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *avrioConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	cur, err := c.execute(ctx, query, args)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	if _, err := cur.FetchAll(ctx); err != nil {
		return nil, err
	}
	return &avrioResult{rowCount: cur.RowCount()}, nil
}

// execute runs query on a fresh cursor. The cursor is closed on failure.
func (c *avrioConn) execute(ctx context.Context, query string, args []driver.NamedValue) (*Cursor, error) {
	cur, err := c.conn.openCursor(ctx, false)
	if err != nil {
		return nil, err
	}
	if err := cur.Execute(ctx, query, positional(args)); err != nil {
		cur.Close(ctx)
		return nil, err
	}
	return cur, nil
}

// positional returns the argument values in order, nil without arguments so
// the statement is sent verbatim.
func positional(args []driver.NamedValue) []any {
	if len(args) == 0 {
		return nil
	}
	values := make([]any, len(args))
	for i, arg := range args {
		values[i] = arg.Value
	}
	return values
}

// --- Result ---

// avrioResult implements driver.Result.
type avrioResult struct {
	rowCount int64
}

var _ driver.Result = (*avrioResult)(nil)

// LastInsertId implements driver.Result. Auto-increment IDs do not exist.
func (r *avrioResult) LastInsertId() (int64, error) {
	return 0, &NotSupportedError{Operation: "LastInsertId"}
}

// RowsAffected implements driver.Result. It is 0 when the server reported
// no update count.
func (r *avrioResult) RowsAffected() (int64, error) {
	if r.rowCount < 0 {
		return 0, nil
	}
	return r.rowCount, nil
}

// --- Rows ---

// avrioRows implements driver.Rows along with optional column type interfaces.
type avrioRows struct {
	cur     *Cursor
	ctx     context.Context
	columns []Column
}

var _ driver.Rows = (*avrioRows)(nil)
var _ driver.RowsColumnTypeDatabaseTypeName = (*avrioRows)(nil)
var _ driver.RowsColumnTypeScanType = (*avrioRows)(nil)
var _ driver.RowsColumnTypeLength = (*avrioRows)(nil)
var _ driver.RowsColumnTypePrecisionScale = (*avrioRows)(nil)

// Columns implements driver.Rows.
func (r *avrioRows) Columns() []string {
	names := make([]string, len(r.columns))
	for i, col := range r.columns {
		names[i] = col.Name
	}
	return names
}

// Close implements driver.Rows. A query still running is canceled.
func (r *avrioRows) Close() error {
	return r.cur.Close(context.Background())
}

// Next implements driver.Rows.
func (r *avrioRows) Next(dest []driver.Value) error {
	row, err := r.cur.FetchOne(r.ctx)
	if err != nil {
		return err
	}
	if row == nil {
		return io.EOF
	}
	for i := range dest {
		if i >= len(row) {
			dest[i] = nil
			continue
		}
		val, err := driverValue(row[i])
		if err != nil {
			return err
		}
		dest[i] = val
	}
	return nil
}

// ColumnTypeDatabaseTypeName implements driver.RowsColumnTypeDatabaseTypeName.
func (r *avrioRows) ColumnTypeDatabaseTypeName(index int) string {
	if index < 0 || index >= len(r.columns) {
		return ""
	}
	return strings.ToUpper(normalizeType(r.columns[index].Type))
}

// ColumnTypeScanType implements driver.RowsColumnTypeScanType.
func (r *avrioRows) ColumnTypeScanType(index int) reflect.Type {
	if index < 0 || index >= len(r.columns) {
		return reflect.TypeOf("")
	}
	return scanTypeForType(r.columns[index].Type)
}

// ColumnTypeLength implements driver.RowsColumnTypeLength for char and
// varchar columns.
func (r *avrioRows) ColumnTypeLength(index int) (int64, bool) {
	if index < 0 || index >= len(r.columns) {
		return 0, false
	}
	d := NewColumnDescription(r.columns[index])
	if d.InternalSize == nil {
		return 0, false
	}
	return *d.InternalSize, true
}

// ColumnTypePrecisionScale implements driver.RowsColumnTypePrecisionScale
// for decimal and temporal columns.
func (r *avrioRows) ColumnTypePrecisionScale(index int) (int64, int64, bool) {
	if index < 0 || index >= len(r.columns) {
		return 0, 0, false
	}
	d := NewColumnDescription(r.columns[index])
	if d.Precision == nil {
		return 0, 0, false
	}
	var scale int64
	if d.Scale != nil {
		scale = *d.Scale
	}
	return *d.Precision, scale, true
}

// scanTypeForType returns the reflect.Type that Scan should use for a given type.
func scanTypeForType(typeName string) reflect.Type {
	switch normalizeType(typeName) {
	case "bigint", "integer", "smallint", "tinyint":
		return reflect.TypeOf(int64(0))
	case "double", "real":
		return reflect.TypeOf(float64(0))
	case "boolean":
		return reflect.TypeOf(false)
	case "varbinary":
		return reflect.TypeOf([]byte(nil))
	case "date", "timestamp", "timestamp with time zone", "time", "time with time zone":
		return reflect.TypeOf(time.Time{})
	default:
		// varchar, decimal, uuid, json, array, map, row -> string
		return reflect.TypeOf("")
	}
}

// driverValue converts a row value into a driver.Value. Decimals and UUIDs
// become their canonical text, complex values become JSON text that
// NullSlice, NullMap and NullRow can scan.
func driverValue(v any) (driver.Value, error) {
	switch val := v.(type) {
	case nil, bool, int64, float64, string, []byte, time.Time:
		return val, nil
	case decimal.Decimal:
		return val.String(), nil
	case uuid.UUID:
		return val.String(), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		if f, err := val.Float64(); err == nil {
			return f, nil
		}
		return val.String(), nil
	case []any, map[any]any, map[string]any, RowValue:
		b, err := json.Marshal(jsonValue(val))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return v, nil
}

// jsonValue rewrites maps with non-string keys so encoding/json accepts them.
func jsonValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = jsonValue(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[stringValue(k)] = jsonValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = jsonValue(e)
		}
		return out
	case RowValue:
		values := make([]any, len(val.Values))
		for i, e := range val.Values {
			values[i] = jsonValue(e)
		}
		return RowValue{Names: val.Names, Values: values}
	}
	return v
}

// --- Statement ---

// avrioStmt implements driver.Stmt, driver.StmtQueryContext, and driver.StmtExecContext.
type avrioStmt struct {
	conn  *avrioConn
	query string
}

var _ driver.Stmt = (*avrioStmt)(nil)
var _ driver.StmtQueryContext = (*avrioStmt)(nil)
var _ driver.StmtExecContext = (*avrioStmt)(nil)

// Close implements driver.Stmt.
func (s *avrioStmt) Close() error {
	return nil
}

// NumInput implements driver.Stmt. Returns -1 to disable driver-side validation.
func (s *avrioStmt) NumInput() int {
	return -1
}

// Exec implements driver.Stmt.
func (s *avrioStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), namedValues(args))
}

// Query implements driver.Stmt.
func (s *avrioStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), namedValues(args))
}

// ExecContext implements driver.StmtExecContext.
func (s *avrioStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return s.conn.ExecContext(ctx, s.query, args)
}

// QueryContext implements driver.StmtQueryContext.
func (s *avrioStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return s.conn.QueryContext(ctx, s.query, args)
}

// namedValues converts positional args to NamedValue slice.
func namedValues(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

// --- Transaction ---

// avrioTx implements driver.Tx.
type avrioTx struct {
	conn *Connection
}

var _ driver.Tx = (*avrioTx)(nil)

// Commit implements driver.Tx.
func (tx *avrioTx) Commit() error {
	return tx.conn.Commit(context.Background())
}

// Rollback implements driver.Tx.
func (tx *avrioTx) Rollback() error {
	return tx.conn.Rollback(context.Background())
}
