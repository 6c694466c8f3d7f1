package stategraph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// ErrorsField is the reserved append-only field where the engine records
// node failures. It is present in every Schema.
const ErrorsField = "errors"

// MergePolicy controls how a node's update to a field is combined with the
// field's current value.
type MergePolicy string

const (
	// MergeReplace overwrites the current value (last writer wins).
	MergeReplace MergePolicy = "replace"

	// MergeAppend concatenates the update onto the current sequence.
	MergeAppend MergePolicy = "append"
)

// Field declares one named State field and its merge policy.
type Field struct {
	Name    string      `json:"name" yaml:"name"`
	Merge   MergePolicy `json:"merge,omitempty" yaml:"merge,omitempty"`
	Default any         `json:"default,omitempty" yaml:"default,omitempty"`
}

// Schema is the ordered set of fields a State may hold. It is fixed when a
// Graph is built.
type Schema struct {
	fields []Field
	index  map[string]int
}

// NewSchema returns a Schema with the given fields followed by the reserved
// errors field.
func NewSchema(fields ...Field) (*Schema, error) {
	s := &Schema{index: make(map[string]int, len(fields)+1)}
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("field name required")
		}
		if f.Name == ErrorsField {
			return nil, fmt.Errorf("field %q is reserved", ErrorsField)
		}
		if _, exists := s.index[f.Name]; exists {
			return nil, fmt.Errorf("duplicate field %q", f.Name)
		}
		switch f.Merge {
		case "":
			f.Merge = MergeReplace
		case MergeReplace, MergeAppend:
		default:
			return nil, fmt.Errorf("field %q has unknown merge policy %q", f.Name, f.Merge)
		}
		s.index[f.Name] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	s.index[ErrorsField] = len(s.fields)
	s.fields = append(s.fields, Field{Name: ErrorsField, Merge: MergeAppend})
	return s, nil
}

// Fields returns the declared fields in order, including the errors field.
func (s *Schema) Fields() []Field {
	fields := make([]Field, len(s.fields))
	copy(fields, s.fields)
	return fields
}

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Has reports whether the schema declares the named field.
func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Policy returns the merge policy of the named field.
func (s *Schema) Policy(name string) MergePolicy {
	if f, ok := s.Field(name); ok {
		return f.Merge
	}
	return MergeReplace
}

// Update is a partial State: only the fields a node changes.
type Update map[string]any

// ErrorRecord is one structured entry in the errors field.
type ErrorRecord struct {
	Node     string    `json:"node"`
	Type     string    `json:"type"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts,omitempty"`
	Time     time.Time `json:"time"`
}

// State is an immutable snapshot of a run's record. Merging an Update
// produces a new State and never modifies the receiver, so a State may be
// read from any number of goroutines without locking.
type State struct {
	schema *Schema
	values map[string]any
}

// NewState builds the initial State for a schema. Unset fields take their
// declared default. Unknown fields are rejected.
func NewState(schema *Schema, values map[string]any) (State, error) {
	if schema == nil {
		return State{}, fmt.Errorf("schema required")
	}
	s := State{schema: schema, values: make(map[string]any, len(schema.fields))}
	for _, f := range schema.fields {
		if f.Default != nil {
			s.values[f.Name] = normalizeValue(f, f.Default)
		}
	}
	for _, key := range sortedKeys(values) {
		f, ok := schema.Field(key)
		if !ok {
			return State{}, fmt.Errorf("unknown field %q", key)
		}
		if key == ErrorsField {
			return State{}, fmt.Errorf("field %q is reserved", ErrorsField)
		}
		s.values[key] = normalizeValue(f, values[key])
	}
	return s, nil
}

// Schema returns the schema this State conforms to.
func (s State) Schema() *Schema {
	return s.schema
}

// Get returns the value of a field.
func (s State) Get(name string) (any, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Has reports whether a field currently holds a value.
func (s State) Has(name string) bool {
	_, ok := s.values[name]
	return ok
}

// Keys returns the names of the fields holding values, in schema order.
func (s State) Keys() []string {
	if s.schema == nil {
		return nil
	}
	var keys []string
	for _, f := range s.schema.fields {
		if _, ok := s.values[f.Name]; ok {
			keys = append(keys, f.Name)
		}
	}
	return keys
}

// Map returns a shallow copy of the State's values.
func (s State) Map() map[string]any {
	m := make(map[string]any, len(s.values))
	for k, v := range s.values {
		m[k] = v
	}
	return m
}

// String returns the value of a string field.
func (s State) String(name string) (string, bool) {
	v, ok := s.values[name].(string)
	return v, ok
}

// Float returns the value of a numeric field as a float64.
func (s State) Float(name string) (float64, bool) {
	return toFloat(s.values[name])
}

// Int returns the value of a numeric field as an int.
func (s State) Int(name string) (int, bool) {
	f, ok := toFloat(s.values[name])
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Errors returns the structured error records accumulated by the engine.
func (s State) Errors() []ErrorRecord {
	items, _ := s.values[ErrorsField].([]any)
	records := make([]ErrorRecord, 0, len(items))
	for _, item := range items {
		if rec, ok := item.(ErrorRecord); ok {
			records = append(records, rec)
		}
	}
	return records
}

// MarshalJSON encodes the State as an object of its values.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.values)
}

// Merge returns a new State with the update applied according to each
// field's merge policy. Fields are applied in sorted order.
func (s State) Merge(update Update) (State, error) {
	if len(update) == 0 {
		return s, nil
	}
	if s.schema == nil {
		return State{}, fmt.Errorf("schema required")
	}
	for key := range update {
		if !s.schema.Has(key) {
			return State{}, fmt.Errorf("%w: %q", ErrUnknownField, key)
		}
		if key == ErrorsField {
			return State{}, fmt.Errorf("%w: %q", ErrReservedField, key)
		}
	}
	next := State{schema: s.schema, values: s.Map()}
	for _, key := range sortedKeys(update) {
		next.apply(key, update[key])
	}
	return next, nil
}

// restoreState rebuilds a State from JSON-decoded values, as stored in a
// Checkpoint. Recorded errors are decoded back into ErrorRecords.
func restoreState(schema *Schema, values map[string]any) (State, error) {
	rest := make(map[string]any, len(values))
	for k, v := range values {
		if k != ErrorsField {
			rest[k] = v
		}
	}
	s, err := NewState(schema, rest)
	if err != nil {
		return State{}, err
	}
	recorded, ok := values[ErrorsField]
	if !ok || recorded == nil {
		return s, nil
	}
	data, err := json.Marshal(recorded)
	if err != nil {
		return State{}, fmt.Errorf("failed to encode recorded errors: %w", err)
	}
	var records []ErrorRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return State{}, fmt.Errorf("failed to decode recorded errors: %w", err)
	}
	for _, rec := range records {
		s = s.withError(rec)
	}
	return s, nil
}

// withError returns a new State with rec appended to the errors field.
func (s State) withError(rec ErrorRecord) State {
	next := State{schema: s.schema, values: s.Map()}
	next.apply(ErrorsField, rec)
	return next
}

// apply writes one field in place. Only called on a State that has not been
// shared yet.
func (s State) apply(key string, value any) {
	f, _ := s.schema.Field(key)
	if f.Merge != MergeAppend {
		s.values[key] = value
		return
	}
	current, _ := s.values[key].([]any)
	added := toSlice(value)
	merged := make([]any, 0, len(current)+len(added))
	merged = append(merged, current...)
	merged = append(merged, added...)
	s.values[key] = merged
}

func normalizeValue(f Field, value any) any {
	if f.Merge == MergeAppend {
		return toSlice(value)
	}
	return value
}

// toSlice flattens a slice value into []any. Scalars become a single
// element. Byte slices are treated as scalars.
func toSlice(value any) []any {
	if value == nil {
		return nil
	}
	if items, ok := value.([]any); ok {
		out := make([]any, len(items))
		copy(out, items)
		return out
	}
	if _, ok := value.([]byte); ok {
		return []any{value}
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{value}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
