package avrio

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/avrioproductionsupport/avrio-go/utils"
)

// IsolationLevel is the consistency mode of a transaction. AUTOCOMMIT
// means every statement runs in its own implicit transaction.
type IsolationLevel int

const (
	IsolationAutocommit IsolationLevel = iota
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

var isolationLevels = utils.MustBiMap(map[string]IsolationLevel{
	"AUTOCOMMIT":       IsolationAutocommit,
	"READ_UNCOMMITTED": IsolationReadUncommitted,
	"READ_COMMITTED":   IsolationReadCommitted,
	"REPEATABLE_READ":  IsolationRepeatableRead,
	"SERIALIZABLE":     IsolationSerializable,
})

// IsolationLevelNames returns the names of all isolation levels.
func IsolationLevelNames() []string {
	return isolationLevels.Keys()
}

// IsolationLevelValues returns all isolation levels in ascending order.
func IsolationLevelValues() []IsolationLevel {
	return isolationLevels.Values()
}

// CheckIsolationLevel returns v as an IsolationLevel, or an error when v
// is not one of the defined levels.
func CheckIsolationLevel(v int) (IsolationLevel, error) {
	level := IsolationLevel(v)
	if _, ok := isolationLevels.RLookup(level); !ok {
		return 0, &InputError{Message: fmt.Sprintf("invalid isolation level %d, must be one of %v", v, IsolationLevelValues())}
	}
	return level, nil
}

// ParseIsolationLevel accepts a level name, case-insensitively, with
// underscores or spaces between words.
func ParseIsolationLevel(name string) (IsolationLevel, error) {
	key := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
	level, ok := isolationLevels.Lookup(key)
	if !ok {
		return 0, &InputError{Message: fmt.Sprintf("invalid isolation level %q, must be one of %v", name, IsolationLevelNames())}
	}
	return level, nil
}

func (l IsolationLevel) String() string {
	if name, ok := isolationLevels.RLookup(l); ok {
		return name
	}
	return fmt.Sprintf("IsolationLevel(%d)", int(l))
}

// startStatement is the statement that opens a transaction at level l.
func (l IsolationLevel) startStatement() string {
	if l == IsolationAutocommit {
		return "START TRANSACTION"
	}
	return "START TRANSACTION ISOLATION LEVEL " + strings.ReplaceAll(l.String(), "_", " ")
}

// Transaction drives START TRANSACTION, COMMIT and ROLLBACK through a
// session. Its id is NoTransaction until Begin succeeds, and again after
// Commit or Rollback, whatever their outcome.
type Transaction struct {
	session *Session
	level   IsolationLevel

	mu sync.Mutex
	id string
}

// NewTransaction creates a transaction bound to session.
func NewTransaction(session *Session, level IsolationLevel) *Transaction {
	return &Transaction{session: session, level: level, id: NoTransaction}
}

// ID returns the server-issued transaction id, NoTransaction when inactive.
func (t *Transaction) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// Begin starts the transaction. The session picks up the id from the
// X-Trino-Started-Transaction-Id response header.
func (t *Transaction) Begin(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.session.SetTransactionID(NoTransaction)
	if err := t.run(ctx, t.level.startStatement()); err != nil {
		t.session.SetTransactionID(NoTransaction)
		return &DatabaseError{Message: "failed to start transaction", Err: err}
	}
	t.id = t.session.TransactionID()
	return nil
}

// Commit commits the transaction.
func (t *Transaction) Commit(ctx context.Context) error {
	return t.finish(ctx, "COMMIT")
}

// Rollback rolls the transaction back.
func (t *Transaction) Rollback(ctx context.Context) error {
	return t.finish(ctx, "ROLLBACK")
}

func (t *Transaction) finish(ctx context.Context, statement string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.id
	defer func() {
		t.id = NoTransaction
		t.session.SetTransactionID(NoTransaction)
	}()

	if err := t.run(ctx, statement); err != nil {
		return &DatabaseError{Message: fmt.Sprintf("failed to %s transaction %s", strings.ToLower(statement), id), Err: err}
	}
	return nil
}

func (t *Transaction) run(ctx context.Context, statement string) error {
	it, err := t.session.Execute(ctx, statement)
	if err != nil {
		return err
	}
	return it.Drain(ctx, nil)
}
