package avrio

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DBAPITypeObject is a category of column types. Membership is decided on
// the type name without its parameters, case-insensitively.
type DBAPITypeObject struct {
	Name   string
	values []string
}

// NewDBAPITypeObject creates a category covering the given type names.
func NewDBAPITypeObject(name string, typeNames ...string) DBAPITypeObject {
	values := make([]string, len(typeNames))
	for i, t := range typeNames {
		values[i] = strings.ToLower(t)
	}
	return DBAPITypeObject{Name: name, values: values}
}

// Matches reports whether typeName belongs to the category.
func (t DBAPITypeObject) Matches(typeName string) bool {
	return slices.Contains(t.values, normalizeType(typeName))
}

func (t DBAPITypeObject) String() string { return t.Name }

// Column type categories.
var (
	TypeString   = NewDBAPITypeObject("STRING", "VARCHAR", "CHAR", "VARBINARY", "JSON", "IPADDRESS")
	TypeBinary   = NewDBAPITypeObject("BINARY", "VARBINARY")
	TypeNumber   = NewDBAPITypeObject("NUMBER", "BOOLEAN", "REAL", "DOUBLE", "TINYINT", "SMALLINT", "INTEGER", "BIGINT", "DECIMAL")
	TypeDatetime = NewDBAPITypeObject("DATETIME", "DATE", "TIME", "TIME WITH TIME ZONE", "TIMESTAMP", "TIMESTAMP WITH TIME ZONE")
	TypeRowID    = NewDBAPITypeObject("ROWID")
)

// TypeCategory returns the first category typeName belongs to, checked in
// the order number, datetime, string. varbinary reports TypeString; use
// TypeBinary.Matches to single it out.
func TypeCategory(typeName string) (DBAPITypeObject, bool) {
	for _, t := range []DBAPITypeObject{TypeNumber, TypeDatetime, TypeString} {
		if t.Matches(typeName) {
			return t, true
		}
	}
	return DBAPITypeObject{}, false
}

var typeParameters = regexp.MustCompile(`\([^()]*\)`)

// normalizeType strips parameterized parts from a type string, e.g.
// "varchar(255)" -> "varchar", "timestamp(3) with time zone" ->
// "timestamp with time zone".
func normalizeType(t string) string {
	lower := strings.ToLower(strings.TrimSpace(t))
	for strings.Contains(lower, "(") {
		stripped := typeParameters.ReplaceAllString(lower, "")
		if stripped == lower {
			break
		}
		lower = stripped
	}
	return strings.Join(strings.Fields(lower), " ")
}

// ColumnDescription describes one result column. Sizes are nil when they do
// not apply to the column type.
type ColumnDescription struct {
	Name         string
	TypeCode     string
	Category     DBAPITypeObject
	DisplaySize  *int64
	InternalSize *int64
	Precision    *int64
	Scale        *int64
	NullOK       *bool
}

// NewColumnDescription derives a description from column metadata: the
// internal size of char and varchar, the precision of temporal and decimal
// types and the scale of decimal.
func NewColumnDescription(c Column) ColumnDescription {
	rawType := strings.ToLower(c.TypeSignature.RawType)
	args := c.TypeSignature.Arguments

	d := ColumnDescription{Name: c.Name, TypeCode: c.Type}
	d.Category, _ = TypeCategory(c.Type)
	if slices.Contains(LengthTypes, rawType) {
		d.InternalSize = longArgument(args, 0)
	}
	if slices.Contains(PrecisionTypes, rawType) {
		d.Precision = longArgument(args, 0)
	}
	if slices.Contains(ScaleTypes, rawType) {
		d.Scale = longArgument(args, 1)
	}
	return d
}

func longArgument(args []TypeArgument, i int) *int64 {
	if i >= len(args) {
		return nil
	}
	v, err := args[i].Long()
	if err != nil {
		return nil
	}
	return &v
}

// DescribeOutput is one row of DESCRIBE OUTPUT.
type DescribeOutput struct {
	Name     string
	Catalog  string
	Schema   string
	Table    string
	Type     string
	TypeSize *int64
	Aliased  bool
}

// DescribeOutputFromRow builds a DescribeOutput from the seven columns of a
// DESCRIBE OUTPUT row.
func DescribeOutputFromRow(row []any) (DescribeOutput, error) {
	if len(row) != 7 {
		return DescribeOutput{}, &ProtocolError{Message: fmt.Sprintf("describe output row has %d columns, want 7", len(row))}
	}
	d := DescribeOutput{
		Name:    stringValue(row[0]),
		Catalog: stringValue(row[1]),
		Schema:  stringValue(row[2]),
		Table:   stringValue(row[3]),
		Type:    stringValue(row[4]),
	}
	if row[5] != nil {
		n, err := toInt64(row[5])
		if err != nil {
			return DescribeOutput{}, err
		}
		d.TypeSize = &n
	}
	if b, ok := row[6].(bool); ok {
		d.Aliased = b
	}
	return d, nil
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// RowValue is a decoded ROW value: its field values in declaration order
// and the matching field names, empty for anonymous fields.
type RowValue struct {
	Names  []string
	Values []any
}

// Get returns the value of the named field.
func (r RowValue) Get(name string) (any, bool) {
	i := slices.Index(r.Names, name)
	if i < 0 || name == "" {
		return nil, false
	}
	return r.Values[i], true
}

// MarshalJSON renders the row as an object when every field is named and
// as an array otherwise.
func (r RowValue) MarshalJSON() ([]byte, error) {
	if slices.Contains(r.Names, "") || len(r.Names) != len(r.Values) {
		return json.Marshal(r.Values)
	}
	obj := make(map[string]any, len(r.Values))
	for i, name := range r.Names {
		obj[name] = r.Values[i]
	}
	return json.Marshal(obj)
}

// valueConverter turns one decoded JSON value into its Go representation.
type valueConverter func(v any) (any, error)

func identityConverter(v any) (any, error) { return v, nil }

// rowConverter converts the rows of a page according to the result columns.
type rowConverter struct {
	converters []valueConverter
}

func newRowConverter(columns []Column, legacyPrimitiveTypes bool) *rowConverter {
	rc := &rowConverter{converters: make([]valueConverter, len(columns))}
	for i, c := range columns {
		if legacyPrimitiveTypes {
			rc.converters[i] = identityConverter
			continue
		}
		rc.converters[i] = newValueConverter(c.TypeSignature)
	}
	return rc
}

func (rc *rowConverter) convert(row []any) ([]any, error) {
	out := make([]any, len(row))
	for i, v := range row {
		if i >= len(rc.converters) {
			out[i] = v
			continue
		}
		converted, err := rc.converters[i](v)
		if err != nil {
			return nil, err
		}
		out[i] = converted
	}
	return out, nil
}

func nullable(conv valueConverter) valueConverter {
	return func(v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		return conv(v)
	}
}

func newValueConverter(sig ClientTypeSignature) valueConverter {
	switch strings.ToLower(sig.RawType) {
	case "tinyint", "smallint", "integer", "bigint":
		return nullable(func(v any) (any, error) { return toInt64(v) })
	case "real", "double":
		return nullable(func(v any) (any, error) { return toFloat64(v) })
	case "decimal":
		return nullable(toDecimal)
	case "varbinary":
		return nullable(toBytes)
	case "uuid":
		return nullable(toUUID)
	case "date":
		return nullable(temporalConverter("date", "2006-01-02"))
	case "time":
		return nullable(temporalConverter("time", "15:04:05.999999999"))
	case "time with time zone":
		return nullable(temporalConverter("time with time zone", "15:04:05.999999999 -07:00"))
	case "timestamp":
		return nullable(temporalConverter("timestamp", "2006-01-02 15:04:05.999999999"))
	case "timestamp with time zone":
		return nullable(toTimestampWithZone)
	case "array":
		return nullable(arrayConverter(sig))
	case "map":
		return nullable(mapConverter(sig))
	case "row":
		return nullable(rowValueConverter(sig))
	default:
		return identityConverter
	}
}

func argumentConverter(sig ClientTypeSignature, i int) valueConverter {
	if i >= len(sig.Arguments) {
		return identityConverter
	}
	elem, err := sig.Arguments[i].TypeSignature()
	if err != nil {
		return identityConverter
	}
	return newValueConverter(*elem)
}

func arrayConverter(sig ClientTypeSignature) valueConverter {
	elem := argumentConverter(sig, 0)
	return func(v any) (any, error) {
		values, ok := v.([]any)
		if !ok {
			return nil, conversionError(v, "array")
		}
		out := make([]any, len(values))
		for i, e := range values {
			converted, err := elem(e)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	}
}

func mapConverter(sig ClientTypeSignature) valueConverter {
	key := argumentConverter(sig, 0)
	value := argumentConverter(sig, 1)
	return func(v any) (any, error) {
		entries, ok := v.(map[string]any)
		if !ok {
			return nil, conversionError(v, "map")
		}
		out := make(map[any]any, len(entries))
		for k, e := range entries {
			ck, err := key(k)
			if err != nil {
				return nil, err
			}
			if ck != nil && !reflect.TypeOf(ck).Comparable() {
				ck = k
			}
			ce, err := value(e)
			if err != nil {
				return nil, err
			}
			out[ck] = ce
		}
		return out, nil
	}
}

func rowValueConverter(sig ClientTypeSignature) valueConverter {
	names := make([]string, len(sig.Arguments))
	fields := make([]valueConverter, len(sig.Arguments))
	for i, arg := range sig.Arguments {
		fields[i] = identityConverter
		named, err := arg.NamedType()
		if err != nil {
			continue
		}
		names[i] = named.Name()
		fields[i] = newValueConverter(named.TypeSignature)
	}
	return func(v any) (any, error) {
		values, ok := v.([]any)
		if !ok {
			return nil, conversionError(v, "row")
		}
		out := RowValue{Names: names, Values: make([]any, len(values))}
		for i, e := range values {
			conv := identityConverter
			if i < len(fields) {
				conv = fields[i]
			}
			converted, err := conv(e)
			if err != nil {
				return nil, err
			}
			out.Values[i] = converted
		}
		return out, nil
	}
}

func conversionError(v any, typeName string) error {
	return &ProtocolError{Message: fmt.Sprintf("cannot convert %T to %s", v, typeName)}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, conversionError(v, "bigint")
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Float64()
	case float64:
		return n, nil
	case string:
		switch n {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		return strconv.ParseFloat(n, 64)
	default:
		return 0, conversionError(v, "double")
	}
}

func toDecimal(v any) (any, error) {
	switch n := v.(type) {
	case string:
		return decimal.NewFromString(n)
	case json.Number:
		return decimal.NewFromString(n.String())
	default:
		return nil, conversionError(v, "decimal")
	}
}

func toBytes(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, conversionError(v, "varbinary")
	}
	return base64.StdEncoding.DecodeString(s)
}

func toUUID(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, conversionError(v, "uuid")
	}
	return uuid.Parse(s)
}

func temporalConverter(typeName, layout string) valueConverter {
	return func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, conversionError(v, typeName)
		}
		t, err := time.Parse(layout, s)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %s %q: %w", typeName, s, err)
		}
		return t, nil
	}
}

// toTimestampWithZone parses "2006-01-02 15:04:05.999 <zone>" where zone is
// a region name, UTC or a numeric offset.
func toTimestampWithZone(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, conversionError(v, "timestamp with time zone")
	}
	i := strings.LastIndexByte(s, ' ')
	if i < 0 {
		return nil, fmt.Errorf("cannot parse timestamp with time zone %q", s)
	}
	local, zone := s[:i], s[i+1:]

	if strings.HasPrefix(zone, "+") || strings.HasPrefix(zone, "-") {
		t, err := time.Parse("2006-01-02 15:04:05.999999999 -07:00", s)
		if err != nil {
			return nil, fmt.Errorf("cannot parse timestamp with time zone %q: %w", s, err)
		}
		return t, nil
	}

	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("cannot parse timestamp with time zone %q: %w", s, err)
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05.999999999", local, loc)
	if err != nil {
		return nil, fmt.Errorf("cannot parse timestamp with time zone %q: %w", s, err)
	}
	return t, nil
}
