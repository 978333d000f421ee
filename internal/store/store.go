package store

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("record not found")

// Sentinel errors for data store failures. All of them match ErrRemoteStore.
var (
	ErrRemoteStore = errors.New("remote store error")
	ErrUnavailable = fmt.Errorf("%w: unavailable", ErrRemoteStore)
	ErrTimeout     = fmt.Errorf("%w: timeout", ErrRemoteStore)
	ErrRejected    = fmt.Errorf("%w: request rejected", ErrRemoteStore)
)

// Binding is the data access interface. Every table read and write goes through here,
// whether the backing store is the remote data service or Postgres.
//
// Update and Delete are conditional: only rows matching every filter are touched and
// the number of affected rows is returned. Implementations must evaluate the filters
// and apply the change as one atomic step.
type Binding interface {
	Query(ctx context.Context, table string, q Query) (*QueryResult, error)
	Write(ctx context.Context, table string, records []Record) error
	Update(ctx context.Context, table string, filters []Filter, updates Record) (int64, error)
	Delete(ctx context.Context, table string, filters []Filter) (int64, error)
	ListTables(ctx context.Context) ([]string, error)
	DescribeTable(ctx context.Context, table string) (*TableSchema, error)
	Ping(ctx context.Context) error
}

type Operator string

const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpIn  Operator = "in"
)

type Filter struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

func Eq(field string, v any) Filter  { return Filter{Field: field, Operator: OpEq, Value: v} }
func Lt(field string, v any) Filter  { return Filter{Field: field, Operator: OpLt, Value: v} }
func Gte(field string, v any) Filter { return Filter{Field: field, Operator: OpGte, Value: v} }

func In(field string, vs ...any) Filter {
	return Filter{Field: field, Operator: OpIn, Value: vs}
}

type Sort struct {
	Field string `json:"field"`
	Order string `json:"order"`
}

func Asc(field string) Sort  { return Sort{Field: field, Order: "asc"} }
func Desc(field string) Sort { return Sort{Field: field, Order: "desc"} }

// Query describes a filtered, ordered, paginated read.
type Query struct {
	Filters []Filter `json:"filters,omitempty"`
	Sort    []Sort   `json:"sort,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Offset  int      `json:"offset,omitempty"`
}

type QueryResult struct {
	Records []Record `json:"records"`
}

type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

type TableSchema struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

const maxQueryLimit = 1000

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func validOperator(op Operator) bool {
	switch op {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte, OpIn:
		return true
	}
	return false
}
