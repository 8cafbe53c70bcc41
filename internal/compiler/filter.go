// Package compiler translates a (Relation, FilterDocument) pair, or a
// (Callable, arguments) pair, into parameterized SQL plus the column
// metadata needed to decode the result. Grounded on
// original_source/pghatch/router/filter_models.py's pydantic request shapes
// and filter_parser.py's FilterParser, recast as Go value types whose SQL
// text is assembled with fmt.Sprintf and strings.Join.
package compiler

import (
	"encoding/json"
	"fmt"
)

// ComparisonOperator is the set of operators a ComparisonCondition may use.
type ComparisonOperator string

const (
	OpEq        ComparisonOperator = "eq"
	OpNeq       ComparisonOperator = "neq"
	OpLt        ComparisonOperator = "lt"
	OpLte       ComparisonOperator = "lte"
	OpGt        ComparisonOperator = "gt"
	OpGte       ComparisonOperator = "gte"
	OpLike      ComparisonOperator = "like"
	OpILike     ComparisonOperator = "ilike"
	OpIn        ComparisonOperator = "in"
	OpNotIn     ComparisonOperator = "not_in"
	OpIsNull    ComparisonOperator = "is_null"
	OpIsNotNull ComparisonOperator = "is_not_null"
)

// LogicalOperator combines nested WhereClause conditions.
type LogicalOperator string

const (
	OpAnd LogicalOperator = "and"
	OpOr  LogicalOperator = "or"
	OpNot LogicalOperator = "not"
)

// WhereClause is the discriminated union of ComparisonCondition and
// LogicalCondition, discriminated by a "type" key ("comparison" or
// "logical"), per spec.md §3's wire grammar.
type WhereClause struct {
	Comparison *ComparisonCondition
	Logical    *LogicalCondition
}

// ComparisonCondition tests one field against a value (or no value, for
// is_null/is_not_null).
type ComparisonCondition struct {
	Field string             `json:"field"`
	Op    ComparisonOperator `json:"operator"`
	Value any                `json:"value,omitempty"`
}

// LogicalCondition combines nested conditions under and/or/not.
type LogicalCondition struct {
	Op         LogicalOperator `json:"operator"`
	Conditions []WhereClause   `json:"conditions"`
}

func (w WhereClause) MarshalJSON() ([]byte, error) {
	if w.Comparison != nil {
		return json.Marshal(struct {
			Type string `json:"type"`
			*ComparisonCondition
		}{Type: "comparison", ComparisonCondition: w.Comparison})
	}
	if w.Logical != nil {
		return json.Marshal(struct {
			Type string `json:"type"`
			*LogicalCondition
		}{Type: "logical", LogicalCondition: w.Logical})
	}
	return []byte("null"), nil
}

func (w *WhereClause) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch probe.Type {
	case "comparison":
		var c ComparisonCondition
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		w.Comparison = &c
		return nil
	case "logical":
		var l LogicalCondition
		if err := json.Unmarshal(data, &l); err != nil {
			return err
		}
		w.Logical = &l
		return nil
	default:
		return fmt.Errorf("where clause: unknown type %q", probe.Type)
	}
}

// SelectClause selects a set of fields on the current relation, plus zero
// or more nested relation aliases that each recurse into FK-related rows
// (§3's SelectClause grammar, §4.C.6). The wire shape is an object: a
// "fields" array of column names, and any other key names a relation
// reachable by foreign key whose own SelectClause follows.
type SelectClause struct {
	Fields []string
	Nested map[string]SelectClause
}

func (s SelectClause) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(s.Nested)+1)
	if s.Fields != nil {
		m["fields"] = s.Fields
	}
	for alias, nested := range s.Nested {
		m[alias] = nested
	}
	return json.Marshal(m)
}

func (s *SelectClause) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("select clause: %w", err)
	}
	if fieldsRaw, ok := raw["fields"]; ok {
		if err := json.Unmarshal(fieldsRaw, &s.Fields); err != nil {
			return fmt.Errorf("select clause fields: %w", err)
		}
		delete(raw, "fields")
	}
	if len(raw) == 0 {
		return nil
	}
	s.Nested = make(map[string]SelectClause, len(raw))
	for alias, v := range raw {
		var nested SelectClause
		if err := json.Unmarshal(v, &nested); err != nil {
			return fmt.Errorf("select clause %q: %w", alias, err)
		}
		s.Nested[alias] = nested
	}
	return nil
}

// PaginationParams bounds and offsets a list response. Cursor is opaque to
// the client (§6); when present and decodable it takes precedence over
// Offset, per DecodeCursor.
type PaginationParams struct {
	Limit  *int    `json:"limit,omitempty"`
	Offset int     `json:"offset,omitempty"`
	Cursor *string `json:"cursor,omitempty"`
}

// FilterDocument is the compile_query input (§4.C): a select list, an
// optional where tree, and pagination.
type FilterDocument struct {
	Select     *SelectClause     `json:"select,omitempty"`
	Where      *WhereClause      `json:"where,omitempty"`
	Pagination *PaginationParams `json:"pagination,omitempty"`
}

// PrimaryKeyRequest is the compile_delete input (the DELETE body) and the
// key of an UpdateRequest: an exact key
// match, either the full primary key or one full unique-constraint column
// set (§4.C's strict key-shape rule).
type PrimaryKeyRequest struct {
	Values map[string]any `json:"values"`
}

// UpdateRequest is the compile_update input.
type UpdateRequest struct {
	Key  PrimaryKeyRequest `json:"key"`
	Data map[string]any    `json:"data"`
}

// CreateRequest is the compile_insert input: one row or a batch, accepted
// in either shape.
type CreateRequest struct {
	Rows []map[string]any
}

func (c *CreateRequest) UnmarshalJSON(data []byte) error {
	var single map[string]any
	if err := json.Unmarshal(data, &single); err == nil {
		c.Rows = []map[string]any{single}
		return nil
	}
	var many []map[string]any
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("create request: expected an object or array of objects: %w", err)
	}
	c.Rows = many
	return nil
}

// CallRequest is the compile_call input: named arguments for a Callable.
type CallRequest struct {
	Arguments map[string]any `json:"arguments"`
}

// ColumnSpec describes one output column of a CompiledStatement, so the
// caller can decode raw wire values through schema.TypeRegistry without
// the compiler importing the router/decoding layer.
type ColumnSpec struct {
	Name string
	OID  uint32
}

// CompiledStatement is the compiler's output contract (§4.C): SQL text,
// its positional arguments, and the shape of the result set.
type CompiledStatement struct {
	SQL         string
	Args        []any
	Columns     []ColumnSpec
	HasTotal    bool // true when a count(*) OVER () column is appended
	RowsAffected bool // true for mutations whose result is RETURNING-shaped
}
