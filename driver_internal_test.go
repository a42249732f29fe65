package avrio

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsolationFromSQL(t *testing.T) {
	tests := []struct {
		level driver.IsolationLevel
		want  IsolationLevel
	}{
		{driver.IsolationLevel(sql.LevelDefault), IsolationRepeatableRead},
		{driver.IsolationLevel(sql.LevelReadUncommitted), IsolationReadUncommitted},
		{driver.IsolationLevel(sql.LevelReadCommitted), IsolationReadCommitted},
		{driver.IsolationLevel(sql.LevelRepeatableRead), IsolationRepeatableRead},
		{driver.IsolationLevel(sql.LevelSerializable), IsolationSerializable},
	}
	for _, tt := range tests {
		t.Run(sql.IsolationLevel(tt.level).String(), func(t *testing.T) {
			got, err := isolationFromSQL(tt.level, IsolationRepeatableRead)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := isolationFromSQL(driver.IsolationLevel(sql.LevelLinearizable), IsolationReadCommitted)
	var nse *NotSupportedError
	require.ErrorAs(t, err, &nse)
	assert.Contains(t, nse.Operation, "Linearizable")
}

func TestScanTypeForType(t *testing.T) {
	tests := []struct {
		typeName string
		want     reflect.Type
	}{
		{"bigint", reflect.TypeOf(int64(0))},
		{"tinyint", reflect.TypeOf(int64(0))},
		{"real", reflect.TypeOf(float64(0))},
		{"boolean", reflect.TypeOf(false)},
		{"varbinary", reflect.TypeOf([]byte(nil))},
		{"date", reflect.TypeOf(time.Time{})},
		{"time(3) with time zone", reflect.TypeOf(time.Time{})},
		{"timestamp(6)", reflect.TypeOf(time.Time{})},
		{"varchar(10)", reflect.TypeOf("")},
		{"decimal(38,0)", reflect.TypeOf("")},
		{"array(integer)", reflect.TypeOf("")},
		{"row(x bigint)", reflect.TypeOf("")},
	}
	for _, tt := range tests {
		t.Run(tt.typeName, func(t *testing.T) {
			assert.Equal(t, tt.want, scanTypeForType(tt.typeName))
		})
	}
}

func TestDriverValue(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	id := uuid.MustParse("12151fd2-7586-11e9-8f9e-2a86e4085a59")

	tests := []struct {
		name string
		in   any
		want driver.Value
	}{
		{"nil", nil, nil},
		{"int64", int64(7), int64(7)},
		{"time", ts, ts},
		{"bytes", []byte{1, 2}, []byte{1, 2}},
		{"decimal", decimal.RequireFromString("10.50"), "10.5"},
		{"uuid", id, "12151fd2-7586-11e9-8f9e-2a86e4085a59"},
		{"json integer", json.Number("42"), int64(42)},
		{"json float", json.Number("1.5"), 1.5},
		{"array", []any{int64(1), nil, "x"}, `[1,null,"x"]`},
		{"map with integer keys", map[any]any{int64(1): "a"}, `{"1":"a"}`},
		{"nested", map[string]any{"k": []any{decimal.RequireFromString("2.5")}}, `{"k":["2.5"]}`},
		{"row", RowValue{Names: []string{"x", "y"}, Values: []any{int64(1), "b"}}, `{"x":1,"y":"b"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := driverValue(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckNamedValue(t *testing.T) {
	c := &avrioConn{}

	assert.NoError(t, c.CheckNamedValue(&driver.NamedValue{Ordinal: 1, Value: decimal.NewFromInt(3)}))
	assert.NoError(t, c.CheckNamedValue(&driver.NamedValue{Ordinal: 1, Value: []any{int64(1), "a"}}))
	assert.NoError(t, c.CheckNamedValue(&driver.NamedValue{Ordinal: 1, Value: nil}))

	assert.ErrorIs(t, c.CheckNamedValue(&driver.NamedValue{Ordinal: 1, Value: struct{}{}}), driver.ErrSkip)

	var nse *NotSupportedError
	assert.ErrorAs(t, c.CheckNamedValue(&driver.NamedValue{Name: "id", Ordinal: 1, Value: int64(1)}), &nse)
}

func TestPositionalAndNamedValues(t *testing.T) {
	assert.Nil(t, positional(nil))

	named := namedValues([]driver.Value{int64(1), "a"})
	assert.Equal(t, []driver.NamedValue{
		{Ordinal: 1, Value: int64(1)},
		{Ordinal: 2, Value: "a"},
	}, named)
	assert.Equal(t, []any{int64(1), "a"}, positional(named))
}

func TestAvrioResult(t *testing.T) {
	affected, err := (&avrioResult{rowCount: -1}).RowsAffected()
	require.NoError(t, err)
	assert.Zero(t, affected)

	affected, err = (&avrioResult{rowCount: 5}).RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(5), affected)

	_, err = (&avrioResult{}).LastInsertId()
	var nse *NotSupportedError
	assert.ErrorAs(t, err, &nse)
}

func TestAvrioRows_ColumnMetadataOutOfRange(t *testing.T) {
	r := &avrioRows{columns: []Column{{Name: "a", Type: "bigint", TypeSignature: ClientTypeSignature{RawType: "bigint"}}}}

	assert.Equal(t, []string{"a"}, r.Columns())
	assert.Equal(t, "BIGINT", r.ColumnTypeDatabaseTypeName(0))
	assert.Empty(t, r.ColumnTypeDatabaseTypeName(1))
	assert.Equal(t, reflect.TypeOf(""), r.ColumnTypeScanType(-1))
	_, ok := r.ColumnTypeLength(3)
	assert.False(t, ok)
	_, _, ok = r.ColumnTypePrecisionScale(0)
	assert.False(t, ok)
}

func TestAvrioConn_BeginTxReadOnly(t *testing.T) {
	c := &avrioConn{}
	_, err := c.BeginTx(context.Background(), driver.TxOptions{ReadOnly: true})
	var nse *NotSupportedError
	assert.ErrorAs(t, err, &nse)
}

func TestNewConnectorFromConfig(t *testing.T) {
	_, err := NewConnectorFromConfig(Config{Host: "coordinator", IsolationLevel: IsolationLevel(42)})
	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)
	assert.Contains(t, inputErr.Message, "invalid isolation level 42")

	var setupCalls int
	conn, err := NewConnectorFromConfig(Config{},
		WithConfig(func(cfg *Config) { cfg.Host = "coordinator" }),
		WithSessionSetup(func(*Session) { setupCalls++ }),
	)
	require.NoError(t, err)
	c := conn.(*connector)
	assert.Equal(t, "coordinator", c.cfg.Host)
	assert.NotNil(t, c.sessionSetup)
	assert.Zero(t, setupCalls)
}
