package avrio

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustColumns(t *testing.T, raw string) []Column {
	t.Helper()
	var columns []Column
	require.NoError(t, json.Unmarshal([]byte(raw), &columns))
	return columns
}

func decodeRow(t *testing.T, raw string) []any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var row []any
	require.NoError(t, dec.Decode(&row))
	return row
}

func TestNormalizeType(t *testing.T) {
	for in, want := range map[string]string{
		"varchar(255)":                 "varchar",
		"DECIMAL(10, 2)":               "decimal",
		"timestamp(3) with time zone":  "timestamp with time zone",
		"array(row(a varchar(3)))":     "array",
		"  Time  With   Time Zone ":    "time with time zone",
		"map(varchar, array(integer))": "map",
		"bigint":                       "bigint",
	} {
		assert.Equal(t, want, normalizeType(in), in)
	}
}

func TestTypeCategory(t *testing.T) {
	tests := []struct {
		typeName string
		want     DBAPITypeObject
		ok       bool
	}{
		{"integer", TypeNumber, true},
		{"decimal(10,2)", TypeNumber, true},
		{"boolean", TypeNumber, true},
		{"timestamp(6) with time zone", TypeDatetime, true},
		{"date", TypeDatetime, true},
		{"varchar(10)", TypeString, true},
		{"varbinary", TypeString, true},
		{"json", TypeString, true},
		{"array(integer)", DBAPITypeObject{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.typeName, func(t *testing.T) {
			got, ok := TypeCategory(tt.typeName)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want.Name, got.Name)
		})
	}

	assert.True(t, TypeBinary.Matches("VARBINARY"))
	assert.False(t, TypeBinary.Matches("varchar"))
	assert.False(t, TypeRowID.Matches("bigint"))
	assert.Equal(t, "DATETIME", TypeDatetime.String())
}

func TestNewColumnDescription(t *testing.T) {
	columns := mustColumns(t, `[
		{"name":"name","type":"varchar(20)","typeSignature":{"rawType":"varchar","arguments":[{"kind":"LONG","value":20}]}},
		{"name":"price","type":"decimal(10,2)","typeSignature":{"rawType":"decimal","arguments":[{"kind":"LONG","value":10},{"kind":"LONG","value":2}]}},
		{"name":"ts","type":"timestamp(3)","typeSignature":{"rawType":"timestamp","arguments":[{"kind":"LONG","value":3}]}},
		{"name":"id","type":"bigint","typeSignature":{"rawType":"bigint"}},
		{"name":"v","type":"varchar","typeSignature":{"rawType":"varchar","arguments":[{"kind":"LONG","value":"unbounded"}]}}
	]`)

	name := NewColumnDescription(columns[0])
	assert.Equal(t, "name", name.Name)
	assert.Equal(t, "varchar(20)", name.TypeCode)
	assert.Equal(t, TypeString.Name, name.Category.Name)
	require.NotNil(t, name.InternalSize)
	assert.Equal(t, int64(20), *name.InternalSize)
	assert.Nil(t, name.Precision)
	assert.Nil(t, name.DisplaySize)
	assert.Nil(t, name.NullOK)

	price := NewColumnDescription(columns[1])
	require.NotNil(t, price.Precision)
	require.NotNil(t, price.Scale)
	assert.Equal(t, int64(10), *price.Precision)
	assert.Equal(t, int64(2), *price.Scale)
	assert.Nil(t, price.InternalSize)

	ts := NewColumnDescription(columns[2])
	require.NotNil(t, ts.Precision)
	assert.Equal(t, int64(3), *ts.Precision)
	assert.Nil(t, ts.Scale)

	id := NewColumnDescription(columns[3])
	assert.Nil(t, id.InternalSize)
	assert.Nil(t, id.Precision)
	assert.Equal(t, TypeNumber.Name, id.Category.Name)

	assert.Nil(t, NewColumnDescription(columns[4]).InternalSize)
}

func TestDescribeOutputFromRow(t *testing.T) {
	d, err := DescribeOutputFromRow(decodeRow(t, `["_col0","hive","web","clicks","bigint",8,false]`))
	require.NoError(t, err)
	assert.Equal(t, DescribeOutput{Name: "_col0", Catalog: "hive", Schema: "web", Table: "clicks", Type: "bigint", TypeSize: d.TypeSize}, d)
	require.NotNil(t, d.TypeSize)
	assert.Equal(t, int64(8), *d.TypeSize)

	d, err = DescribeOutputFromRow([]any{"x", nil, nil, nil, "varchar", nil, true})
	require.NoError(t, err)
	assert.Nil(t, d.TypeSize)
	assert.True(t, d.Aliased)

	_, err = DescribeOutputFromRow([]any{"only one"})
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestRowValue(t *testing.T) {
	named := RowValue{Names: []string{"a", "b"}, Values: []any{int64(1), "x"}}
	v, ok := named.Get("b")
	require.True(t, ok)
	assert.Equal(t, "x", v)
	_, ok = named.Get("c")
	assert.False(t, ok)

	b, err := json.Marshal(named)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":"x"}`, string(b))

	anonymous := RowValue{Names: []string{"", ""}, Values: []any{int64(1), "x"}}
	_, ok = anonymous.Get("")
	assert.False(t, ok)
	b, err = json.Marshal(anonymous)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,"x"]`, string(b))
}

func TestRowConverter(t *testing.T) {
	columns := mustColumns(t, `[
		{"name":"i","type":"integer","typeSignature":{"rawType":"integer"}},
		{"name":"d","type":"double","typeSignature":{"rawType":"double"}},
		{"name":"n","type":"decimal(10,2)","typeSignature":{"rawType":"decimal"}},
		{"name":"b","type":"varbinary","typeSignature":{"rawType":"varbinary"}},
		{"name":"u","type":"uuid","typeSignature":{"rawType":"uuid"}},
		{"name":"dt","type":"date","typeSignature":{"rawType":"date"}},
		{"name":"ts","type":"timestamp(3)","typeSignature":{"rawType":"timestamp"}},
		{"name":"tz","type":"timestamp(3) with time zone","typeSignature":{"rawType":"timestamp with time zone"}},
		{"name":"arr","type":"array(bigint)","typeSignature":{"rawType":"array","arguments":[{"kind":"TYPE","value":{"rawType":"bigint"}}]}},
		{"name":"m","type":"map(varchar,double)","typeSignature":{"rawType":"map","arguments":[{"kind":"TYPE","value":{"rawType":"varchar"}},{"kind":"TYPE","value":{"rawType":"double"}}]}},
		{"name":"r","type":"row(x integer, varchar)","typeSignature":{"rawType":"row","arguments":[
			{"kind":"NAMED_TYPE","value":{"fieldName":{"name":"x"},"typeSignature":{"rawType":"integer"}}},
			{"kind":"NAMED_TYPE","value":{"typeSignature":{"rawType":"varchar"}}}
		]}},
		{"name":"s","type":"varchar","typeSignature":{"rawType":"varchar"}}
	]`)
	row := decodeRow(t, `[
		42, "Infinity", "10.50", "AAEC", "12151fd2-7586-11e9-8f9e-2a86e4085a59",
		"2024-04-16", "2024-04-16 12:30:00.123", "2024-04-16 12:30:00.000 +02:00",
		[1, null, 3], {"pi": 3.14}, [7, "seven"], "text"
	]`)

	got, err := newRowConverter(columns, false).convert(row)
	require.NoError(t, err)

	assert.Equal(t, int64(42), got[0])
	assert.True(t, math.IsInf(got[1].(float64), 1))
	assert.True(t, decimal.RequireFromString("10.5").Equal(got[2].(decimal.Decimal)))
	assert.Equal(t, []byte{0, 1, 2}, got[3])
	assert.Equal(t, uuid.MustParse("12151fd2-7586-11e9-8f9e-2a86e4085a59"), got[4])
	assert.Equal(t, time.Date(2024, 4, 16, 0, 0, 0, 0, time.UTC), got[5])
	assert.Equal(t, time.Date(2024, 4, 16, 12, 30, 0, 123_000_000, time.UTC), got[6])
	tz := got[7].(time.Time)
	assert.True(t, time.Date(2024, 4, 16, 10, 30, 0, 0, time.UTC).Equal(tz))
	_, offset := tz.Zone()
	assert.Equal(t, 2*3600, offset)
	assert.Equal(t, []any{int64(1), nil, int64(3)}, got[8])
	assert.Equal(t, map[any]any{"pi": 3.14}, got[9])
	assert.Equal(t, RowValue{Names: []string{"x", ""}, Values: []any{int64(7), "seven"}}, got[10])
	assert.Equal(t, "text", got[11])

	t.Run("nulls stay nil", func(t *testing.T) {
		nulls := make([]any, len(columns))
		got, err := newRowConverter(columns, false).convert(nulls)
		require.NoError(t, err)
		assert.Equal(t, nulls, got)
	})

	t.Run("legacy primitive types", func(t *testing.T) {
		got, err := newRowConverter(columns, true).convert(row)
		require.NoError(t, err)
		assert.Equal(t, row, got)
	})

	t.Run("conversion failure", func(t *testing.T) {
		_, err := newRowConverter(columns[:1], false).convert([]any{true})
		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Contains(t, protoErr.Message, "cannot convert bool to bigint")
	})

	t.Run("extra values pass through", func(t *testing.T) {
		got, err := newRowConverter(columns[:1], false).convert([]any{json.Number("1"), "extra"})
		require.NoError(t, err)
		assert.Equal(t, []any{int64(1), "extra"}, got)
	})
}

func TestToTimestampWithZone(t *testing.T) {
	v, err := toTimestampWithZone("2024-04-16 12:30:00.000 UTC")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 16, 12, 30, 0, 0, time.UTC), v.(time.Time).UTC())

	_, err = toTimestampWithZone("garbage")
	assert.Error(t, err)
	_, err = toTimestampWithZone("2024-04-16 12:30:00 Mars/Olympus")
	assert.Error(t, err)
	_, err = toTimestampWithZone(12)
	assert.Error(t, err)
}
