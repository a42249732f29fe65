// Package avrio provides a Go client library for Trino-compatible query
// coordinators.
//
// The client speaks the HTTP statement protocol: a statement is POSTed to
// /v1/statement and its results are read by following the nextUri chain
// until the coordinator reports the last page. Requests are retried with
// backoff on transient failures, and 401 challenges are handed to the
// configured Authentication before the request is sent again.
//
// # Getting Started
//
// Open a connection and run a query through a cursor:
//
//	conn, err := avrio.Connect(avrio.Config{
//	    Host:    "coordinator",
//	    User:    "alice",
//	    Catalog: "hive",
//	    Schema:  "default",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close(ctx)
//
//	cur, err := conn.Cursor(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cur.Execute(ctx, "SELECT * FROM orders WHERE id = ?", []any{42}); err != nil {
//	    log.Fatal(err)
//	}
//	rows, err := cur.FetchAll(ctx)
//
// # Sessions
//
// A Session holds the catalog, schema, user identity, transaction id and
// session properties sent with every request. The coordinator may change
// them through response headers, which are applied before any row of that
// response is returned. Sessions are safe for concurrent use and can be
// cloned:
//
//	s1 := client.NewSession().Catalog("hive").Schema("prod")
//	s2 := s1.Clone().Schema("staging")
//
// # Parameters
//
// Parameters are rendered as SQL literals by FormatParameter. By default
// the statement text travels in the X-Trino-Prepared-Statement header and
// only EXECUTE ... USING is submitted. Config.LegacyPreparedStatements
// switches to explicit PREPARE, EXECUTE and DEALLOCATE PREPARE statements.
//
// # Transactions
//
// Connections configured with an isolation level other than
// IsolationAutocommit start a transaction when a cursor is created. Commit
// and Rollback always reset the session to NoTransaction.
//
// # database/sql
//
// The package registers the "avrio" driver:
//
//	db, err := sql.Open("avrio", "trino://alice@coordinator:8080/hive/default")
//
// Complex values (ARRAY, MAP, ROW) are returned as JSON text and can be
// scanned into NullSlice, NullMap and NullRow.
package avrio
