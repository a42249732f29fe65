package avrio

import (
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Row is rendered as a ROW literal. Plain slices and arrays are ARRAY literals.
type Row []any

// TimeTZ is a time of day with a UTC offset, rendered as a TIME WITH TIME ZONE literal.
type TimeTZ struct {
	Time   civil.Time
	Offset time.Duration
}

// FormatParameter renders v as a SQL literal for textual parameter
// substitution. Text and binary values are always escaped; kinds without a
// literal form fail with *NotSupportedError.
//
//	nil                         NULL
//	bool                        true, false
//	integers                    digits
//	float32, float64            DOUBLE '1.5', infinity(), -infinity(), nan()
//	string                      'It''s'
//	[]byte                      X'0A1B'
//	civil.Date                  DATE '2024-04-16'
//	civil.Time                  TIME '12:30:00.000000'
//	TimeTZ                      TIME '12:30:00.000000 +03:00'
//	civil.DateTime              TIMESTAMP '2024-04-16 12:30:00.000000'
//	time.Time                   TIMESTAMP '2024-04-16 12:30:00.000000 Europe/Paris'
//	                            or TIMESTAMP '... UTC+03:00' for fixed offsets
//	decimal.Decimal             DECIMAL '10.50'
//	uuid.UUID                   UUID '...'
//	Row                         ROW(1,'a')
//	slices, arrays              ARRAY[1,2]
//	maps                        MAP(ARRAY[k1,k2], ARRAY[v1,v2])
func FormatParameter(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.FormatInt(int64(val), 10), nil
	case int8:
		return strconv.FormatInt(int64(val), 10), nil
	case int16:
		return strconv.FormatInt(int64(val), 10), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case uint:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(val), 10), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	case float32:
		return formatDouble(float64(val)), nil
	case float64:
		return formatDouble(val), nil
	case string:
		return quoteString(val), nil
	case []byte:
		return "X'" + strings.ToUpper(hex.EncodeToString(val)) + "'", nil
	case civil.Date:
		return "DATE '" + val.String() + "'", nil
	case civil.Time:
		return "TIME '" + formatTimeOfDay(val) + "'", nil
	case TimeTZ:
		return "TIME '" + formatTimeOfDay(val.Time) + " " + formatOffset(val.Offset) + "'", nil
	case civil.DateTime:
		return "TIMESTAMP '" + val.Date.String() + " " + formatTimeOfDay(val.Time) + "'", nil
	case time.Time:
		return formatTimestampWithZone(val), nil
	case decimal.Decimal:
		return "DECIMAL '" + val.String() + "'", nil
	case uuid.UUID:
		return "UUID '" + val.String() + "'", nil
	case Row:
		elems, err := formatParameters([]any(val))
		if err != nil {
			return "", err
		}
		return "ROW(" + strings.Join(elems, ",") + ")", nil
	}

	// Named types over the kinds above.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return FormatParameter(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return FormatParameter(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return FormatParameter(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return FormatParameter(rv.Float())
	case reflect.String:
		return FormatParameter(rv.String())
	case reflect.Slice, reflect.Array:
		elems, err := formatParameters(reflectElements(rv))
		if err != nil {
			return "", err
		}
		return "ARRAY[" + strings.Join(elems, ",") + "]", nil
	case reflect.Map:
		return formatMap(rv)
	case reflect.Pointer:
		if rv.IsNil() {
			return "NULL", nil
		}
		return FormatParameter(rv.Elem().Interface())
	}
	return "", &NotSupportedError{Operation: fmt.Sprintf("query parameter of type %T", v)}
}

func formatParameters(values []any) ([]string, error) {
	out := make([]string, len(values))
	for i, e := range values {
		s, err := FormatParameter(e)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func reflectElements(rv reflect.Value) []any {
	values := make([]any, rv.Len())
	for i := range values {
		values[i] = rv.Index(i).Interface()
	}
	return values
}

// formatMap renders a map with entries ordered by their rendered key so the
// output is deterministic.
func formatMap(rv reflect.Value) (string, error) {
	type entry struct{ key, value string }
	entries := make([]entry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k, err := FormatParameter(iter.Key().Interface())
		if err != nil {
			return "", err
		}
		v, err := FormatParameter(iter.Value().Interface())
		if err != nil {
			return "", err
		}
		entries = append(entries, entry{key: k, value: v})
	}
	slices.SortFunc(entries, func(a, b entry) int { return strings.Compare(a.key, b.key) })

	keys := make([]string, len(entries))
	values := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
		values[i] = e.value
	}
	return "MAP(ARRAY[" + strings.Join(keys, ",") + "], ARRAY[" + strings.Join(values, ",") + "])", nil
}

func formatDouble(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "infinity()"
	case math.IsInf(f, -1):
		return "-infinity()"
	case math.IsNaN(f):
		return "nan()"
	}
	return "DOUBLE '" + strconv.FormatFloat(f, 'g', -1, 64) + "'"
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func formatTimeOfDay(t civil.Time) string {
	return fmt.Sprintf("%02d:%02d:%02d.%06d", t.Hour, t.Minute, t.Second, t.Nanosecond/1000)
}

// formatOffset renders an offset as ±HH:MM.
func formatOffset(d time.Duration) string {
	sign := "+"
	if d < 0 {
		sign = "-"
		d = -d
	}
	minutes := int(d / time.Minute)
	return fmt.Sprintf("%s%02d:%02d", sign, minutes/60, minutes%60)
}

// formatTimestampWithZone uses the location name when it is a loadable
// region name and the numeric offset otherwise.
func formatTimestampWithZone(t time.Time) string {
	local := t.Format("2006-01-02 15:04:05.000000")
	if name := t.Location().String(); isRegionName(name) {
		return "TIMESTAMP '" + local + " " + name + "'"
	}
	_, offset := t.Zone()
	return "TIMESTAMP '" + local + " UTC" + formatOffset(time.Duration(offset)*time.Second) + "'"
}

func isRegionName(name string) bool {
	if name == "" || name == "Local" {
		return false
	}
	_, err := time.LoadLocation(name)
	return err == nil
}
