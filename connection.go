package avrio

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Connection owns one session on the coordinator. Cursors created from it
// share that session, so catalog, schema and transaction changes made by one
// cursor are seen by the others.
type Connection struct {
	cfg     Config
	client  *Client
	session *Session

	cache       *TimeBoundLRUCache[string, []string]
	sharedCache bool

	mu          sync.Mutex
	transaction *Transaction
	cursors     map[*Cursor]struct{}
	closed      bool
}

// Connect creates a Connection. No request is sent until the first statement.
func Connect(cfg Config) (*Connection, error) {
	if cfg.Host == "" {
		return nil, &InputError{Message: "host is required"}
	}
	if _, err := CheckIsolationLevel(int(cfg.IsolationLevel)); err != nil {
		return nil, err
	}

	client, err := NewClient(cfg.ServerURL(), cfg.clientOptions()...)
	if err != nil {
		return nil, err
	}
	return newConnection(cfg, client)
}

func newConnection(cfg Config, client *Client) (*Connection, error) {
	session := client.NewSession()
	cfg.applySession(session)

	c := &Connection{
		cfg:     cfg,
		client:  client,
		session: session,
		cursors: make(map[*Cursor]struct{}),
	}

	if cfg.MetadataCache != nil {
		c.cache = cfg.MetadataCache
		c.sharedCache = true
	} else {
		capacity, ttl := cfg.CacheCapacity, cfg.CacheTTL
		if capacity <= 0 {
			capacity = DefaultCacheCapacity
		}
		if ttl <= 0 {
			ttl = DefaultCacheTTL
		}
		cache, err := NewTimeBoundLRUCache[string, []string](capacity, ttl)
		if err != nil {
			return nil, err
		}
		c.cache = cache
	}
	return c, nil
}

// Session returns the session shared by the connection's cursors.
func (c *Connection) Session() *Session {
	return c.session
}

// IsolationLevel returns the level new transactions start with.
func (c *Connection) IsolationLevel() IsolationLevel {
	return c.cfg.IsolationLevel
}

// Transaction returns the active transaction, nil when there is none.
func (c *Connection) Transaction() *Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transaction
}

// StartTransaction begins a transaction at the connection's isolation level.
func (c *Connection) StartTransaction(ctx context.Context) (*Transaction, error) {
	return c.beginTransaction(ctx, c.cfg.IsolationLevel)
}

func (c *Connection) beginTransaction(ctx context.Context, level IsolationLevel) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.startTransactionLocked(ctx, level)
}

func (c *Connection) startTransactionLocked(ctx context.Context, level IsolationLevel) (*Transaction, error) {
	if c.transaction != nil {
		return nil, &InputError{Message: fmt.Sprintf("transaction %s already active", c.transaction.ID())}
	}
	tx := NewTransaction(c.session, level)
	if err := tx.Begin(ctx); err != nil {
		return nil, err
	}
	c.transaction = tx
	return tx, nil
}

// Commit commits the active transaction. It is a no-op without one.
func (c *Connection) Commit(ctx context.Context) error {
	tx := c.takeTransaction()
	if tx == nil {
		return nil
	}
	return tx.Commit(ctx)
}

// Rollback rolls the active transaction back. It is a no-op without one.
func (c *Connection) Rollback(ctx context.Context) error {
	tx := c.takeTransaction()
	if tx == nil {
		return nil
	}
	return tx.Rollback(ctx)
}

func (c *Connection) takeTransaction() *Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx := c.transaction
	c.transaction = nil
	return tx
}

// Cursor creates a cursor. Unless the connection is in AUTOCOMMIT mode a
// transaction is started first when none is active.
func (c *Connection) Cursor(ctx context.Context) (*Cursor, error) {
	return c.openCursor(ctx, c.cfg.IsolationLevel != IsolationAutocommit)
}

func (c *Connection) openCursor(ctx context.Context, implicitTransaction bool) (*Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if implicitTransaction && c.transaction == nil {
		if _, err := c.startTransactionLocked(ctx, c.cfg.IsolationLevel); err != nil {
			return nil, err
		}
	}
	cur := newCursor(c)
	c.cursors[cur] = struct{}{}
	return cur, nil
}

func (c *Connection) forgetCursor(cur *Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cursors, cur)
}

// Close closes all cursors, which stops their polling, and rolls back an
// active transaction. Closing twice is a no-op.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cursors := make([]*Cursor, 0, len(c.cursors))
	for cur := range c.cursors {
		cursors = append(cursors, cur)
	}
	c.mu.Unlock()

	for _, cur := range cursors {
		if err := cur.Close(ctx); err != nil {
			log.Debug().Err(err).Msg("failed to close cursor")
		}
	}

	var err error
	if tx := c.takeTransaction(); tx != nil {
		err = tx.Rollback(ctx)
	}
	if !c.sharedCache {
		c.cache.Purge()
	}
	return err
}

// --- Metadata ---

// Catalogs lists the catalogs visible to the session user.
func (c *Connection) Catalogs(ctx context.Context) ([]string, error) {
	return c.cachedList(ctx, "SHOW CATALOGS", "catalogs")
}

// Schemas lists the schemas of catalog.
func (c *Connection) Schemas(ctx context.Context, catalog string) ([]string, error) {
	return c.cachedList(ctx, "SHOW SCHEMAS FROM "+QuoteIdentifier(catalog), "schemas", catalog)
}

// Tables lists the tables of catalog.schema.
func (c *Connection) Tables(ctx context.Context, catalog, schema string) ([]string, error) {
	sql := "SHOW TABLES FROM " + QuoteIdentifier(catalog) + "." + QuoteIdentifier(schema)
	return c.cachedList(ctx, sql, "tables", catalog, schema)
}

// cachedList runs a single-column listing statement through the metadata
// cache. The cache lock is never held while the statement runs.
func (c *Connection) cachedList(ctx context.Context, sql string, kind string, parts ...string) ([]string, error) {
	key := strings.Join(append([]string{c.client.ServerURL().String(), c.session.State().User, kind}, parts...), "\x00")
	if names, ok := c.cache.Get(key); ok {
		return slices.Clone(names), nil
	}

	cur, err := c.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	if err := cur.Execute(ctx, sql, nil); err != nil {
		return nil, err
	}
	rows, err := cur.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			return nil, errors.New("metadata listing returned an empty row")
		}
		names = append(names, stringValue(row[0]))
	}
	c.cache.Put(key, names)
	return slices.Clone(names), nil
}

// QuoteIdentifier quotes name as a SQL identifier.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
