package avrio

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsolationLevel(t *testing.T) {
	assert.Equal(t, []IsolationLevel{
		IsolationAutocommit, IsolationReadUncommitted, IsolationReadCommitted, IsolationRepeatableRead, IsolationSerializable,
	}, IsolationLevelValues())
	assert.Len(t, IsolationLevelNames(), 5)
	assert.Equal(t, "REPEATABLE_READ", IsolationRepeatableRead.String())
	assert.Equal(t, "IsolationLevel(9)", IsolationLevel(9).String())

	level, err := ParseIsolationLevel(" read committed ")
	require.NoError(t, err)
	assert.Equal(t, IsolationReadCommitted, level)

	_, err = ParseIsolationLevel("SNAPSHOT")
	var inputErr *InputError
	assert.ErrorAs(t, err, &inputErr)

	level, err = CheckIsolationLevel(1)
	require.NoError(t, err)
	assert.Equal(t, IsolationReadUncommitted, level)

	_, err = CheckIsolationLevel(-1)
	assert.ErrorAs(t, err, &inputErr)

	assert.Equal(t, "START TRANSACTION", IsolationAutocommit.startStatement())
	assert.Equal(t, "START TRANSACTION ISOLATION LEVEL READ UNCOMMITTED", IsolationReadUncommitted.startStatement())
}

// transactionServer answers every statement in one page and records them.
type transactionServer struct {
	mu         sync.Mutex
	statements []string
	txHeaders  []string
	fail       string
}

func (ts *transactionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	sql := string(body)

	ts.mu.Lock()
	ts.statements = append(ts.statements, sql)
	ts.txHeaders = append(ts.txHeaders, r.Header.Get(HeaderTransaction))
	fail := ts.fail
	ts.mu.Unlock()

	if sql == fail {
		_, _ = w.Write([]byte(`{"id":"q","stats":{"state":"FAILED"},"error":{"message":"not allowed","errorName":"NOT_SUPPORTED","errorType":"USER_ERROR"}}`))
		return
	}
	switch {
	case sql == "COMMIT" || sql == "ROLLBACK":
		w.Header().Set(HeaderClearTransaction, "true")
	case len(sql) >= 17 && sql[:17] == "START TRANSACTION":
		w.Header().Set(HeaderStartedTransaction, "tx_1")
	}
	_, _ = w.Write([]byte(`{"id":"q","stats":{"state":"FINISHED"}}`))
}

func TestTransaction(t *testing.T) {
	t.Run("begin and commit", func(t *testing.T) {
		ts := &transactionServer{}
		srv := httptest.NewServer(ts)
		defer srv.Close()

		s := newTestClient(t, srv.URL).NewSession()
		tx := NewTransaction(s, IsolationRepeatableRead)
		assert.Equal(t, NoTransaction, tx.ID())

		require.NoError(t, tx.Begin(context.Background()))
		assert.Equal(t, "tx_1", tx.ID())
		assert.Equal(t, "tx_1", s.TransactionID())

		require.NoError(t, tx.Commit(context.Background()))
		assert.Equal(t, NoTransaction, tx.ID())
		assert.Equal(t, NoTransaction, s.TransactionID())

		assert.Equal(t, []string{"START TRANSACTION ISOLATION LEVEL REPEATABLE READ", "COMMIT"}, ts.statements)
		assert.Equal(t, []string{NoTransaction, "tx_1"}, ts.txHeaders)
	})

	t.Run("failed begin", func(t *testing.T) {
		ts := &transactionServer{fail: "START TRANSACTION"}
		srv := httptest.NewServer(ts)
		defer srv.Close()

		s := newTestClient(t, srv.URL).NewSession()
		tx := NewTransaction(s, IsolationAutocommit)

		err := tx.Begin(context.Background())
		var dbErr *DatabaseError
		require.ErrorAs(t, err, &dbErr)
		assert.Contains(t, err.Error(), "failed to start transaction")
		assert.Equal(t, NoTransaction, tx.ID())
		assert.Equal(t, NoTransaction, s.TransactionID())
	})

	t.Run("failed rollback still clears the id", func(t *testing.T) {
		ts := &transactionServer{fail: "ROLLBACK"}
		srv := httptest.NewServer(ts)
		defer srv.Close()

		s := newTestClient(t, srv.URL).NewSession()
		tx := NewTransaction(s, IsolationSerializable)
		require.NoError(t, tx.Begin(context.Background()))

		err := tx.Rollback(context.Background())
		var queryErr *QueryError
		require.ErrorAs(t, err, &queryErr)
		assert.Equal(t, "NOT_SUPPORTED", queryErr.ErrorName)
		assert.Contains(t, err.Error(), "failed to rollback transaction tx_1")
		assert.Equal(t, NoTransaction, tx.ID())
		assert.Equal(t, NoTransaction, s.TransactionID())
	})
}
