// Package serialize converts arbitrary engine events into JSON-compatible
// values for storage on a session and delivery to clients.
//
// Conversion never fails as a whole. Each struct field, map entry and slice
// element is converted independently; a failing part is replaced with a
// "<serialization_error: field NAME: REASON>" placeholder while its siblings
// are kept.
package serialize

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Record is the stored form of one engine event.
type Record struct {
	// Type is the event type name.
	Type string `json:"type"`
	// Content is the JSON-compatible event payload.
	Content any `json:"content"`
	// Timestamp is the capture time.
	Timestamp time.Time `json:"timestamp"`
}

const (
	// MaxDepth bounds recursion.
	MaxDepth = 32
	// MaxNodes bounds the number of values converted for one event so
	// heavily shared graphs terminate quickly.
	MaxNodes = 1 << 16
)

// Placeholders substituted for values that are not converted.
const (
	depthExceeded = "<max_depth_exceeded>"
	cycleDetected = "<cycle>"
	sizeExceeded  = "<max_size_exceeded>"
)

type (
	// walker holds the state of one conversion: the references on the
	// current path and the number of values visited so far.
	walker struct {
		path  map[visit]struct{}
		nodes int
	}

	// visit identifies a reference. Slices also carry their length since
	// a shorter view of the same array is a different value.
	visit struct {
		typ reflect.Type
		ptr uintptr
		len int
	}
)

// Event converts ev into a Record captured at.
func Event(ev any, at time.Time) Record {
	return Record{Type: TypeName(ev), Content: Value(ev), Timestamp: at}
}

// TypeName returns the name of ev's type. Values with an EventName method
// name themselves; others use their Go type name with pointers removed.
func TypeName(ev any) string {
	if n, ok := ev.(interface{ EventName() string }); ok {
		if name := safeName(n); name != "" {
			return name
		}
	}
	if ev == nil {
		return "nil"
	}
	t := reflect.TypeOf(ev)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

// Value converts v into a JSON-compatible value: nil, bool, string, numbers,
// []any and map[string]any.
func Value(v any) any {
	w := &walker{path: make(map[visit]struct{})}
	out, err := guard(func() (any, error) { return w.convert(reflect.ValueOf(v), 0) })
	if err != nil {
		return fmt.Sprintf("<serialization_error: %s>", err)
	}
	return out
}

func safeName(n interface{ EventName() string }) (name string) {
	defer func() {
		if recover() != nil {
			name = ""
		}
	}()
	return n.EventName()
}

// guard runs fn and turns panics into errors.
func guard(fn func() (any, error)) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%v", r)
		}
	}()
	return fn()
}

// part converts a named constituent and substitutes the placeholder on
// failure.
func (w *walker) part(name string, rv reflect.Value, depth int) any {
	out, err := guard(func() (any, error) { return w.convert(rv, depth) })
	if err != nil {
		return fmt.Sprintf("<serialization_error: field %s: %s>", name, err)
	}
	return out
}

func (w *walker) convert(rv reflect.Value, depth int) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}
	if depth > MaxDepth {
		return depthExceeded, nil
	}
	if w.nodes++; w.nodes > MaxNodes {
		return sizeExceeded, nil
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		v := visit{typ: rv.Type(), ptr: rv.Pointer()}
		if rv.Kind() == reflect.Slice {
			v.len = rv.Len()
		}
		if _, ok := w.path[v]; ok {
			return cycleDetected, nil
		}
		w.path[v] = struct{}{}
		defer delete(w.path, v)
	}
	if rv.CanInterface() {
		switch x := rv.Interface().(type) {
		case json.Marshaler:
			return fromJSON(x)
		case error:
			return x.Error(), nil
		}
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return strconv.FormatFloat(f, 'g', -1, 64), nil
		}
		return f, nil
	case reflect.Pointer, reflect.Interface:
		return w.convert(rv.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return bytesValue(rv), nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = w.part("["+strconv.Itoa(i)+"]", rv.Index(i), depth+1)
		}
		return out, nil
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := mapKey(iter.Key())
			out[key] = w.part(key, iter.Value(), depth+1)
		}
		return out, nil
	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		w.structFields(rv, depth, out)
		return out, nil
	default:
		return fmt.Sprint(rv), nil
	}
}

// structFields adds the exported fields of rv to out, honoring json tags and
// flattening untagged embedded structs the way encoding/json does.
func (w *walker) structFields(rv reflect.Value, depth int, out map[string]any) {
	t := rv.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		name, skip := fieldName(f)
		if skip {
			continue
		}
		fv := rv.Field(i)
		if f.Anonymous && name == "" {
			ev := fv
			if ev.Kind() == reflect.Pointer {
				if ev.IsNil() {
					continue
				}
				ev = ev.Elem()
			}
			if ev.Kind() == reflect.Struct {
				if depth+1 > MaxDepth {
					continue
				}
				w.structFields(ev, depth+1, out)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		out[name] = w.part(name, fv, depth+1)
	}
}

func fieldName(f reflect.StructField) (string, bool) {
	tag, ok := f.Tag.Lookup("json")
	if !ok {
		return "", false
	}
	if tag == "-" {
		return "", true
	}
	name, _, _ := strings.Cut(tag, ",")
	return name, false
}

func mapKey(k reflect.Value) string {
	for k.Kind() == reflect.Interface || k.Kind() == reflect.Pointer {
		if k.IsNil() {
			return "<nil>"
		}
		k = k.Elem()
	}
	if k.Kind() == reflect.String {
		return k.String()
	}
	return fmt.Sprint(k)
}

func bytesValue(rv reflect.Value) string {
	b := make([]byte, rv.Len())
	for i := range b {
		b[i] = byte(rv.Index(i).Uint())
	}
	if utf8.Valid(b) {
		return string(b)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func fromJSON(m json.Marshaler) (any, error) {
	b, err := m.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
