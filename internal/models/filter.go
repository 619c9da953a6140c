package models

import (
	"fmt"
	"strings"
)

// Filter operators.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpIn       = "in"
	OpGte      = "gte"
	OpLte      = "lte"
	OpContains = "contains"
)

// Filter is a boolean expression over chunk attributes. Exactly one of
// And, Or, Not, or the leaf triple (Field, Op, Value) must be set.
// Filterable fields are document_id, chunk_index, chunk_type, oversize,
// and any metadata key addressed as "metadata.<key>".
type Filter struct {
	And []*Filter `json:"and,omitempty"`
	Or  []*Filter `json:"or,omitempty"`
	Not *Filter   `json:"not,omitempty"`

	Field string      `json:"field,omitempty"`
	Op    string      `json:"op,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

var validOps = map[string]bool{
	OpEq: true, OpNeq: true, OpIn: true, OpGte: true, OpLte: true, OpContains: true,
}

var filterFields = map[string]bool{
	"document_id": true,
	"chunk_index": true,
	"chunk_type":  true,
	"oversize":    true,
}

// IsLeaf reports whether the filter is a field comparison.
func (f *Filter) IsLeaf() bool {
	return f != nil && len(f.And) == 0 && len(f.Or) == 0 && f.Not == nil
}

// Validate checks the filter tree shape, fields, and operators.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	set := 0
	if len(f.And) > 0 {
		set++
	}
	if len(f.Or) > 0 {
		set++
	}
	if f.Not != nil {
		set++
	}
	leaf := f.Field != "" || f.Op != "" || f.Value != nil
	if leaf {
		set++
	}
	if set != 1 {
		return fmt.Errorf("filter node must be exactly one of and/or/not/comparison")
	}

	switch {
	case len(f.And) > 0:
		for _, sub := range f.And {
			if err := sub.Validate(); err != nil {
				return err
			}
		}
	case len(f.Or) > 0:
		for _, sub := range f.Or {
			if err := sub.Validate(); err != nil {
				return err
			}
		}
	case f.Not != nil:
		return f.Not.Validate()
	default:
		if f.Field == "" {
			return fmt.Errorf("filter comparison is missing a field")
		}
		if !filterFields[f.Field] && !strings.HasPrefix(f.Field, "metadata.") {
			return fmt.Errorf("unknown filter field %q", f.Field)
		}
		if !validOps[f.Op] {
			return fmt.Errorf("unknown filter operator %q", f.Op)
		}
		if f.Op == OpIn {
			if _, ok := f.Value.([]interface{}); !ok {
				return fmt.Errorf("filter operator %q requires an array value", OpIn)
			}
		}
	}
	return nil
}
