package avrio

import (
	"encoding/json"
	"fmt"
)

// Column represents metadata about a column in a query result.
type Column struct {
	// Name is the column name
	Name string `json:"name"`

	// Type is the full type as a string, e.g. "decimal(10,2)"
	Type string `json:"type"`

	// TypeSignature contains the structured type information
	TypeSignature ClientTypeSignature `json:"typeSignature"`
}

// Type argument kinds.
const (
	ArgumentKindType      = "TYPE"
	ArgumentKindNamedType = "NAMED_TYPE"
	ArgumentKindLong      = "LONG"
	ArgumentKindVariable  = "VARIABLE"
)

// ClientTypeSignature describes a type and its arguments: element types of
// array and map, fields of row, length and precision of parametric types.
type ClientTypeSignature struct {
	// RawType is the base type name (e.g., "varchar", "bigint", "array")
	RawType string `json:"rawType"`

	Arguments []TypeArgument `json:"arguments,omitempty"`
}

// TypeArgument is one argument of a ClientTypeSignature. Value is decoded
// according to Kind.
type TypeArgument struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// NamedTypeSignature is the value of a NAMED_TYPE argument, i.e. a row field.
type NamedTypeSignature struct {
	FieldName *struct {
		Name string `json:"name"`
	} `json:"fieldName"`
	TypeSignature ClientTypeSignature `json:"typeSignature"`
}

// Name returns the field name, empty for anonymous row fields.
func (n *NamedTypeSignature) Name() string {
	if n.FieldName == nil {
		return ""
	}
	return n.FieldName.Name
}

// Long decodes the value of a LONG argument.
func (a TypeArgument) Long() (int64, error) {
	var v int64
	if err := json.Unmarshal(a.Value, &v); err != nil {
		return 0, fmt.Errorf("type argument %s is not a number: %w", a.Value, err)
	}
	return v, nil
}

// TypeSignature decodes the value of a TYPE argument.
func (a TypeArgument) TypeSignature() (*ClientTypeSignature, error) {
	sig := new(ClientTypeSignature)
	if err := json.Unmarshal(a.Value, sig); err != nil {
		return nil, fmt.Errorf("type argument is not a type signature: %w", err)
	}
	return sig, nil
}

// NamedType decodes the value of a NAMED_TYPE argument.
func (a TypeArgument) NamedType() (*NamedTypeSignature, error) {
	named := new(NamedTypeSignature)
	if err := json.Unmarshal(a.Value, named); err != nil {
		return nil, fmt.Errorf("type argument is not a named type: %w", err)
	}
	return named, nil
}
