package docstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Encode turns a tagged struct (or map) into Data via its JSON form.
func Encode(v any) (Data, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}

// MustEncode is Encode for values that are known to marshal (tests, literals).
func MustEncode(v any) Data {
	d, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return d
}

// Decode fills v from a document body.
func Decode(data Data, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// Normalize deep-copies data into its JSON-shaped form so that every backend
// stores and compares the same value types.
func Normalize(data Data) (Data, error) {
	if data == nil {
		return Data{}, nil
	}
	return Encode(data)
}

// NormalizeValue does the same for a single filter value.
func NormalizeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	return out, nil
}

// =============================================================================
// MATCHING - In-process filter evaluation
// =============================================================================

// Matches reports whether data satisfies every filter. Missing fields never
// match, not even a "!=" filter.
func Matches(data Data, filters []Filter) bool {
	for _, f := range filters {
		v, ok := Lookup(data, f.Field)
		if !ok {
			return false
		}
		c, comparable := Compare(v, f.Value)
		if !comparable {
			if f.Op == OpNe {
				continue
			}
			return false
		}
		switch f.Op {
		case OpEq:
			if c != 0 {
				return false
			}
		case OpNe:
			if c == 0 {
				return false
			}
		case OpLt:
			if c >= 0 {
				return false
			}
		case OpLte:
			if c > 0 {
				return false
			}
		case OpGt:
			if c <= 0 {
				return false
			}
		case OpGte:
			if c < 0 {
				return false
			}
		}
	}
	return true
}

// Lookup resolves a dotted field path ("client.name").
func Lookup(data Data, field string) (any, bool) {
	var cur any = map[string]any(data)
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			if dm, isData := cur.(Data); isData {
				m = dm
			} else {
				return nil, false
			}
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Compare orders two normalized scalar values of the same kind.
func Compare(a, b any) (int, bool) {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if av == bv {
			return 0, true
		}
		if !av {
			return -1, true
		}
		return 1, true
	case nil:
		if b == nil {
			return 0, true
		}
		return 0, false
	}
	return 0, false
}

// SortDocuments orders docs by field (ascending, stable, missing last) or by
// path when field is empty.
func SortDocuments(docs []Document, field string) {
	if field == "" {
		sort.SliceStable(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, aok := Lookup(docs[i].Data, field)
		b, bok := Lookup(docs[j].Data, field)
		if !aok || !bok {
			return aok && !bok
		}
		c, ok := Compare(a, b)
		return ok && c < 0
	})
}

// =============================================================================
// FIELD ACCESSORS - tolerant reads of stored documents
// =============================================================================

// Text returns a string field. Numbers are printed without exponent so
// numeric ids read the same as string ids. Empty when absent.
func (d Data) Text(field string) string {
	v, ok := Lookup(d, field)
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return ""
}

// Bool returns a boolean field and whether it was present as a boolean.
func (d Data) Bool(field string) (value, present bool) {
	v, ok := Lookup(d, field)
	if !ok {
		return false, false
	}
	b, isBool := v.(bool)
	return b, isBool
}

// Int returns a numeric field truncated to int, 0 when absent or not a
// number. Numeric strings are accepted.
func (d Data) Int(field string) int {
	v, ok := Lookup(d, field)
	if !ok {
		return 0
	}
	switch x := v.(type) {
	case float64:
		return int(x)
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err == nil {
			return int(n)
		}
	}
	return 0
}

// List returns an array field, nil when absent or not an array.
func (d Data) List(field string) []any {
	v, _ := Lookup(d, field)
	list, _ := v.([]any)
	return list
}
