// Package store is the durable document store: point reads and writes of JSON
// records grouped in collections, plus filtered scans.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get and Update when the record does not exist.
var ErrNotFound = errors.New("store: record not found")

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "=="
	OpNeq Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpIn  Op = "in"
)

// Filter restricts a query to records whose Field compares to Value.
// Field is a dot separated path into the JSON document.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Order sorts query results by a document field.
type Order struct {
	Field string
	Desc  bool
}

// Query describes a filtered scan. All filters must match.
type Query struct {
	Filters []Filter
	OrderBy *Order
	Limit   int
}

// Where is shorthand for a single-filter query.
func Where(field string, op Op, value any) Query {
	return Query{Filters: []Filter{{Field: field, Op: op, Value: value}}}
}

// And appends a filter.
func (q Query) And(field string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// Store persists JSON documents. Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, collection, id string, doc any) error
	Get(ctx context.Context, collection, id string) (json.RawMessage, error)
	// Update merges fields into the top level of an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, q Query) ([]json.RawMessage, error)
}

// GetAs loads and decodes a record.
func GetAs[T any](ctx context.Context, s Store, collection, id string) (*T, error) {
	raw, err := s.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("store: decode %s/%s: %w", collection, id, err)
	}
	return &out, nil
}

// QueryAs runs q and decodes every result. One undecodable record fails the
// whole query.
func QueryAs[T any](ctx context.Context, s Store, collection string, q Query) ([]T, error) {
	rows, err := s.Query(ctx, collection, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for i, raw := range rows {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("store: decode %s row %d: %w", collection, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func validOp(op Op) bool {
	switch op {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte, OpIn:
		return true
	}
	return false
}
