package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is one row. Values come back as whatever the backend produced: Postgres
// yields typed Go values, the remote service yields decoded JSON.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// StringPtr returns nil when the field is absent or null.
func (r Record) StringPtr(key string) *string {
	if r[key] == nil {
		return nil
	}
	s := r.String(key)
	return &s
}

func (r Record) Float(key string) float64 {
	f, _ := toFloat(r[key])
	return f
}

func (r Record) Int(key string) int {
	return int(r.Float(key))
}

// Time parses RFC 3339 strings as well as native time values. The zero time is
// returned for anything else.
func (r Record) Time(key string) time.Time {
	t, _ := toTime(r[key])
	return t
}

func (r Record) TimePtr(key string) *time.Time {
	t, ok := toTime(r[key])
	if !ok {
		return nil
	}
	return &t
}

// JSON returns the field as raw JSON. Strings are assumed to already hold JSON
// text, which is how the remote service round-trips object columns.
func (r Record) JSON(key string) json.RawMessage {
	switch v := r[key].(type) {
	case nil:
		return nil
	case json.RawMessage:
		return v
	case []byte:
		return json.RawMessage(v)
	case string:
		if v == "" {
			return nil
		}
		return json.RawMessage(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return b
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		if t == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999-07", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// compare orders two field values. Numbers compare numerically, times
// chronologically and everything else by string form. ok is false when a
// value is nil.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
	}
	if at, aok := toTime(a); aok {
		if bt, bok := toTime(b); bok {
			return at.Compare(bt), true
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b)), true
}

// Matches reports whether rec satisfies every filter.
func Matches(rec Record, filters []Filter) bool {
	for _, f := range filters {
		if !matchFilter(rec[f.Field], f) {
			return false
		}
	}
	return true
}

func matchFilter(v any, f Filter) bool {
	if f.Operator == OpIn {
		for _, candidate := range toSlice(f.Value) {
			if c, ok := compare(v, candidate); ok && c == 0 {
				return true
			}
		}
		return false
	}
	if f.Operator == OpNeq && (v == nil) != (f.Value == nil) {
		return true
	}
	c, ok := compare(v, f.Value)
	if !ok {
		return f.Operator == OpEq && v == nil && f.Value == nil
	}
	switch f.Operator {
	case OpEq:
		return c == 0
	case OpNeq:
		return c != 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	}
	return false
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	default:
		return []any{v}
	}
}
