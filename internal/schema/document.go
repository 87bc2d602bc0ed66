// Package schema turns finished runs into result documents: immutable,
// JSON-friendly records with a canonical encoding.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/calcflow/internal/fileutil"
)

// Document is an immutable nested record. Values are restricted to nil,
// bool, string, float64, int64, []any and map[string]any; NaN and
// infinities are stored as nil. Accessors return copies.
type Document struct {
	m map[string]any
}

// NewDocument normalizes m into a Document.
func NewDocument(m map[string]any) (Document, error) {
	v, err := normalize(m)
	if err != nil {
		return Document{}, err
	}
	out, _ := v.(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return Document{m: out}, nil
}

// ParseDocument decodes a document previously produced by MarshalJSON.
func ParseDocument(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	return NewDocument(m)
}

// Len returns the number of top-level keys.
func (d Document) Len() int { return len(d.m) }

// Keys returns the top-level keys in sorted order.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d.m))
	for k := range d.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns a copy of the value at the given key path.
func (d Document) Get(path ...string) (any, bool) {
	var cur any = d.m
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return deepCopy(cur), true
}

// Float returns the number at path.
func (d Document) Float(path ...string) (float64, bool) {
	v, ok := d.Get(path...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// String returns the string at path.
func (d Document) String(path ...string) (string, bool) {
	v, ok := d.Get(path...)
	s, isString := v.(string)
	return s, ok && isString
}

// Map returns a deep copy of the whole document.
func (d Document) Map() map[string]any {
	if d.m == nil {
		return map[string]any{}
	}
	return deepCopy(d.m).(map[string]any)
}

// With returns a new document with key set to value.
func (d Document) With(key string, value any) (Document, error) {
	m := d.Map()
	m[key] = value
	return NewDocument(m)
}

// MarshalJSON encodes the document with sorted keys.
func (d Document) MarshalJSON() ([]byte, error) {
	if d.m == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d.m); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns the blake3 hex digest of the canonical encoding.
func (d Document) Hash() (string, error) {
	data, err := d.MarshalJSON()
	if err != nil {
		return "", err
	}
	return fileutil.Blake3Bytes(data), nil
}

func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return x, nil
	case float64:
		return cleanFloat(x), nil
	case float32:
		return cleanFloat(float64(x)), nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint64:
		return fromUint(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return cleanFloat(f), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case time.Duration:
		return x.Seconds(), nil
	case Document:
		return deepCopy(x.m), nil
	case *mat.Dense:
		if x == nil {
			return nil, nil
		}
		r, c := x.Dims()
		rows := make([]any, r)
		for i := 0; i < r; i++ {
			row := make([]any, c)
			for j := 0; j < c; j++ {
				row[j] = cleanFloat(x.At(i, j))
			}
			rows[i] = row
		}
		return rows, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			n, err := normalize(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			n, err := normalize(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			n, err := normalize(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", iter.Key().String(), err)
			}
			out[iter.Key().String()] = n
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			n, err := normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface())
	case reflect.Struct:
		// Round-trip through encoding/json so struct tags apply.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var m any
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
		return normalize(m)
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return fromUint(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return cleanFloat(rv.Float()), nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

// fromUint rejects values a JSON integer column cannot hold exactly.
func fromUint(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("unsigned value %d overflows int64", u)
	}
	return int64(u), nil
}

func cleanFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return x
	}
}
