package avrio

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// The database/sql driver returns ARRAY, MAP and ROW columns as JSON text.
// The types below scan that text into Go values.

// NullSlice scans an ARRAY column.
//
//	var names avrio.NullSlice[string]
//	err := row.Scan(&names)
type NullSlice[T any] struct {
	Slice []T
	Valid bool // Valid is true if the value is not NULL
}

var _ sql.Scanner = (*NullSlice[any])(nil)
var _ driver.Valuer = NullSlice[any]{}

func (s *NullSlice[T]) Scan(src any) error {
	s.Slice = nil
	valid, err := scanJSON(src, &s.Slice, "array")
	s.Valid = valid
	return err
}

func (s NullSlice[T]) Value() (driver.Value, error) {
	return valueJSON(s.Valid, s.Slice)
}

// NullMap scans a MAP column. Keys arrive as JSON object keys, so K must be
// a string or a type encoding/json can parse from a key (e.g. integers).
//
//	var props avrio.NullMap[string, int]
//	err := row.Scan(&props)
type NullMap[K comparable, V any] struct {
	Map   map[K]V
	Valid bool // Valid is true if the value is not NULL
}

var _ sql.Scanner = (*NullMap[string, any])(nil)
var _ driver.Valuer = NullMap[string, any]{}

func (m *NullMap[K, V]) Scan(src any) error {
	m.Map = nil
	valid, err := scanJSON(src, &m.Map, "map")
	m.Valid = valid
	return err
}

func (m NullMap[K, V]) Value() (driver.Value, error) {
	return valueJSON(m.Valid, m.Map)
}

// NullRow scans a ROW column. Rows whose fields are all named arrive as
// JSON objects and scan into structs or maps; rows with anonymous fields
// arrive as arrays.
//
//	type Address struct {
//	    Street string `json:"street"`
//	    City   string `json:"city"`
//	}
//	var addr avrio.NullRow[Address]
//	err := row.Scan(&addr)
type NullRow[T any] struct {
	Row   T
	Valid bool // Valid is true if the value is not NULL
}

var _ sql.Scanner = (*NullRow[any])(nil)
var _ driver.Valuer = NullRow[any]{}

func (r *NullRow[T]) Scan(src any) error {
	var zero T
	r.Row = zero
	valid, err := scanJSON(src, &r.Row, "row")
	r.Valid = valid
	return err
}

func (r NullRow[T]) Value() (driver.Value, error) {
	return valueJSON(r.Valid, r.Row)
}

// scanJSON decodes the JSON text in src into dst. It reports false for NULL.
func scanJSON(src, dst any, kind string) (bool, error) {
	var data []byte
	switch v := src.(type) {
	case nil:
		return false, nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return false, fmt.Errorf("avrio: cannot scan %T into %s", src, kind)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("avrio: cannot unmarshal %s: %w", kind, err)
	}
	return true, nil
}

func valueJSON(valid bool, v any) (driver.Value, error) {
	if !valid {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
