package ledger

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COERCION - loosely typed input to canonical values
// =============================================================================

// decimalOf reads a money value. Accepts numbers, numeric strings,
// json.Number and decimals; everything else (including NaN/Inf) is not a
// number.
func decimalOf(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case *decimal.Decimal:
		if n == nil {
			return decimal.Zero, false
		}
		return *n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(n), true
	case float32:
		return decimalOf(float64(n))
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case json.Number:
		return decimalOf(n.String())
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
	return decimal.Zero, false
}

// moneyOf is decimalOf with 0 for anything that is not a number.
func moneyOf(v any) decimal.Decimal {
	d, _ := decimalOf(v)
	return d
}

// idOf coerces an identifier-shaped value to a string, nil when absent or
// empty. Numbers are printed without exponent ("1001", not "1.001e+03").
func idOf(v any) *string {
	var s string
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		s = strings.TrimSpace(x)
	case *string:
		if x == nil {
			return nil
		}
		s = strings.TrimSpace(*x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	case json.Number:
		s = x.String()
	default:
		return nil
	}
	if s == "" {
		return nil
	}
	return &s
}

func timeOf(v any) *time.Time {
	switch x := v.(type) {
	case time.Time:
		if !x.IsZero() {
			return &x
		}
	case string:
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return &t
		}
	}
	return nil
}

func textOf(v any) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// idsOf reads a list of identifiers, dropping empties and repeats while
// keeping the first-seen order.
func idsOf(v any) []string {
	out := []string{}
	seen := map[string]bool{}
	add := func(x any) {
		id := idOf(x)
		if id == nil || seen[*id] {
			return
		}
		seen[*id] = true
		out = append(out, *id)
	}
	switch list := v.(type) {
	case []any:
		for _, x := range list {
			add(x)
		}
	case []string:
		for _, x := range list {
			add(x)
		}
	}
	return out
}
