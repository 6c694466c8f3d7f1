package steps

import (
	"fmt"

	"github.com/deepnoodle-ai/stategraph"
)

// Threshold returns a router that labels the State "above" when the
// numeric field is at least threshold and "below" otherwise. A missing or
// non-numeric field is an error.
func Threshold(field string, threshold float64, above, below string) stategraph.RouterFunc {
	return func(state stategraph.State) (string, error) {
		value, ok := state.Float(field)
		if !ok {
			return "", fmt.Errorf("field %q is not numeric", field)
		}
		if value >= threshold {
			return above, nil
		}
		return below, nil
	}
}

// FieldValue returns a router whose label is the field's value formatted as
// a string, or fallback when the field is unset.
func FieldValue(field, fallback string) stategraph.RouterFunc {
	return func(state stategraph.State) (string, error) {
		value, ok := state.Get(field)
		if !ok || value == nil {
			if fallback == "" {
				return "", fmt.Errorf("field %q is unset", field)
			}
			return fallback, nil
		}
		return fmt.Sprint(value), nil
	}
}

func newThreshold(params map[string]any) (stategraph.RouterFunc, error) {
	field, err := stringParam(params, "field", "")
	if err != nil {
		return nil, err
	}
	if field == "" {
		return nil, fmt.Errorf("threshold requires a 'field'")
	}
	threshold, err := floatParam(params, "threshold", 0)
	if err != nil {
		return nil, err
	}
	above, err := stringParam(params, "above", "above")
	if err != nil {
		return nil, err
	}
	below, err := stringParam(params, "below", "below")
	if err != nil {
		return nil, err
	}
	return Threshold(field, threshold, above, below), nil
}

func newFieldValue(params map[string]any) (stategraph.RouterFunc, error) {
	field, err := stringParam(params, "field", "")
	if err != nil {
		return nil, err
	}
	if field == "" {
		return nil, fmt.Errorf("field_value requires a 'field'")
	}
	fallback, err := stringParam(params, "default", "")
	if err != nil {
		return nil, err
	}
	return FieldValue(field, fallback), nil
}
