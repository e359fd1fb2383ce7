package config

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/c360/karabo/hash"
)

// toHash converts a decoded JSON or YAML object into a Hash. Keys are
// sorted; schema validation later coerces every leaf to its declared type.
func toHash(m map[string]any) (*hash.Hash, error) {
	h := hash.New()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v, err := toValue(m[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		if err := h.Set(k, v); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func toValue(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		return x.Float64()
	case map[string]any:
		return toHash(x)
	case []any:
		return toVector(x)
	case nil:
		return nil, fmt.Errorf("null is not a value")
	}
	return v, nil
}

// toVector picks the vector type from the elements: strings, bools,
// numbers (int64 when all are integral, float64 otherwise) or objects.
func toVector(list []any) (any, error) {
	if len(list) == 0 {
		return []string{}, nil
	}
	elems := make([]any, len(list))
	for i, e := range list {
		v, err := toValue(e)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		elems[i] = v
	}
	switch elems[0].(type) {
	case string:
		return collect[string](elems)
	case bool:
		return collect[bool](elems)
	case *hash.Hash:
		return collect[*hash.Hash](elems)
	}
	ints := make([]int64, len(elems))
	floats := make([]float64, len(elems))
	integral := true
	for i, e := range elems {
		switch n := e.(type) {
		case int64:
			ints[i], floats[i] = n, float64(n)
		case int:
			ints[i], floats[i] = int64(n), float64(n)
		case float64:
			floats[i] = n
			integral = integral && n == math.Trunc(n)
			ints[i] = int64(n)
		default:
			return nil, fmt.Errorf("mixed list: element %d is %T", i, e)
		}
	}
	if integral {
		return ints, nil
	}
	return floats, nil
}

func collect[T any](elems []any) ([]T, error) {
	out := make([]T, len(elems))
	for i, e := range elems {
		x, ok := e.(T)
		if !ok {
			return nil, fmt.Errorf("mixed list: element %d is %T", i, e)
		}
		out[i] = x
	}
	return out, nil
}
