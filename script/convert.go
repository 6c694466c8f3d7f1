package script

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/risor-io/risor/object"
)

// ToGo converts a Risor object to a plain Go value. Integers become int64.
func ToGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			result[key] = ToGo(value)
		}
		return result
	case *object.Set:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	default:
		return obj.Inspect()
	}
}

// Truthy reports whether a Risor object counts as true. The string "false"
// is false regardless of case.
func Truthy(obj object.Object) bool {
	switch o := obj.(type) {
	case *object.Bool:
		return o.Value()
	case *object.Int:
		return o.Value() != 0
	case *object.Float:
		return o.Value() != 0.0
	case *object.String:
		val := o.Value()
		return val != "" && strings.ToLower(val) != "false"
	case *object.List:
		return len(o.Value()) > 0
	case *object.Map:
		return len(o.Value()) > 0
	default:
		return obj.IsTruthy()
	}
}

// Normalize converts arbitrary Go values into the JSON-shaped maps, slices,
// strings, float64s and bools that Risor accepts as globals. Structs are
// encoded through their JSON tags.
func Normalize(values map[string]any) (map[string]any, error) {
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode script globals: %w", err)
	}
	var normalized map[string]any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, fmt.Errorf("failed to decode script globals: %w", err)
	}
	if normalized == nil {
		normalized = map[string]any{}
	}
	return normalized, nil
}
