package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// typeField marks a tagged wrapper object in the wire format.
const typeField = "__type"

// Wrapper tags understood by Encode and Decode.
const (
	TypeDate      = "Date"
	TypeRegExp    = "RegExp"
	TypeMap       = "Map"
	TypeSet       = "Set"
	TypeError     = "Error"
	TypeUndefined = "undefined"
)

// OrderedMap is the insertion-ordered map type preserved by the codec.
type OrderedMap = orderedmap.OrderedMap[string, any]

// NewOrderedMap returns an empty OrderedMap.
func NewOrderedMap() *OrderedMap {
	return orderedmap.New[string, any]()
}

type undefined struct{}

// Undefined is the explicit absence-of-value marker, distinct from nil.
var Undefined = undefined{}

// ValueSet is a collection of unique values in insertion order.
type ValueSet []any

// NewValueSet builds a ValueSet, dropping duplicates.
func NewValueSet(values ...any) ValueSet {
	set := make(ValueSet, 0, len(values))
	for _, v := range values {
		if !set.Contains(v) {
			set = append(set, v)
		}
	}
	return set
}

// Contains reports whether v is in the set.
func (s ValueSet) Contains(v any) bool {
	for _, existing := range s {
		if reflect.DeepEqual(existing, v) {
			return true
		}
	}
	return false
}

// EncodedError is the decoded form of an error value.
type EncodedError struct {
	Name    string
	Message string
}

func (e *EncodedError) Error() string {
	if e.Name == "" || e.Name == "Error" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

type wireEntry struct {
	Value       json.RawMessage `json:"value"`
	Timestamp   int64           `json:"timestamp"`
	TTL         float64         `json:"ttl,omitempty"`
	StaleWindow float64         `json:"swr,omitempty"`
	Tags        []string        `json:"tags"`
}

// Encode serializes an entry. The TTL and stale window are written in
// seconds; non-JSON types in the value are written as {"__type": ...}
// wrappers.
func Encode(e Entry) (string, error) {
	wired, err := toWire(e.Value)
	if err != nil {
		return "", fmt.Errorf("cache: encode value: %w", err)
	}
	raw, err := json.Marshal(wired)
	if err != nil {
		return "", fmt.Errorf("cache: encode value: %w", err)
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	out, err := json.Marshal(wireEntry{
		Value:       raw,
		Timestamp:   e.Timestamp,
		TTL:         e.TTL.Seconds(),
		StaleWindow: e.StaleWindow.Seconds(),
		Tags:        tags,
	})
	if err != nil {
		return "", fmt.Errorf("cache: encode entry: %w", err)
	}
	return string(out), nil
}

// Decode parses an encoded entry. Malformed input reports false.
//
// Numbers decode as int64 when they are integers that fit, and as float64
// otherwise.
func Decode(s string) (*Entry, bool) {
	var w wireEntry
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return nil, false
	}
	if len(w.Value) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(w.Value))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, false
	}
	value, err := fromWire(raw)
	if err != nil {
		return nil, false
	}
	return &Entry{
		Value:       value,
		Timestamp:   w.Timestamp,
		TTL:         seconds(w.TTL),
		StaleWindow: seconds(w.StaleWindow),
		Tags:        w.Tags,
	}, true
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func fromNumber(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadWrapper, err)
	}
	return f, nil
}

func toWire(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case undefined:
		return map[string]any{typeField: TypeUndefined}, nil
	case time.Time:
		return map[string]any{typeField: TypeDate, "value": x.UTC().Format(time.RFC3339Nano)}, nil
	case *regexp.Regexp:
		return map[string]any{typeField: TypeRegExp, "source": x.String(), "flags": ""}, nil
	case *OrderedMap:
		pairs := make([]any, 0, x.Len())
		for p := x.Oldest(); p != nil; p = p.Next() {
			val, err := toWire(p.Value)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, []any{p.Key, val})
		}
		return map[string]any{typeField: TypeMap, "value": pairs}, nil
	case ValueSet:
		items, err := toWireSlice(x)
		if err != nil {
			return nil, err
		}
		return map[string]any{typeField: TypeSet, "value": items}, nil
	case *EncodedError:
		return map[string]any{typeField: TypeError, "name": x.Name, "message": x.Message}, nil
	case error:
		return map[string]any{typeField: TypeError, "name": "Error", "message": x.Error()}, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			w, err := toWire(val)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	case []any:
		return toWireSlice(x)
	default:
		return v, nil
	}
}

func toWireSlice(items []any) ([]any, error) {
	out := make([]any, len(items))
	for i, item := range items {
		w, err := toWire(item)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

var errBadWrapper = errors.New("cache: malformed tagged value")

func fromWire(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		return fromNumber(x)
	case map[string]any:
		if tag, ok := x[typeField].(string); ok {
			return decodeTagged(tag, x)
		}
		out := make(map[string]any, len(x))
		for k, val := range x {
			d, err := fromWire(val)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			d, err := fromWire(item)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	default:
		return v, nil
	}
}

func decodeTagged(tag string, x map[string]any) (any, error) {
	switch tag {
	case TypeUndefined:
		return Undefined, nil
	case TypeDate:
		s, _ := x["value"].(string)
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadWrapper, err)
		}
		return t, nil
	case TypeRegExp:
		source, _ := x["source"].(string)
		flags, _ := x["flags"].(string)
		re, err := regexp.Compile(goFlags(flags) + source)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadWrapper, err)
		}
		return re, nil
	case TypeMap:
		pairs, _ := x["value"].([]any)
		om := NewOrderedMap()
		for _, p := range pairs {
			kv, ok := p.([]any)
			if !ok || len(kv) != 2 {
				return nil, errBadWrapper
			}
			val, err := fromWire(kv[1])
			if err != nil {
				return nil, err
			}
			key, ok := kv[0].(string)
			if !ok {
				key = fmt.Sprint(kv[0])
			}
			om.Set(key, val)
		}
		return om, nil
	case TypeSet:
		items, _ := x["value"].([]any)
		decoded := make([]any, len(items))
		for i, item := range items {
			d, err := fromWire(item)
			if err != nil {
				return nil, err
			}
			decoded[i] = d
		}
		return NewValueSet(decoded...), nil
	case TypeError:
		name, _ := x["name"].(string)
		msg, _ := x["message"].(string)
		return &EncodedError{Name: name, Message: msg}, nil
	default:
		// Unknown tags pass through as plain objects.
		out := make(map[string]any, len(x))
		for k, val := range x {
			d, err := fromWire(val)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	}
}

// goFlags keeps the regexp flags Go understands (i, m, s) as an inline
// group; the rest (g, u, y) have no Go equivalent.
func goFlags(flags string) string {
	var b strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			b.WriteRune(f)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "(?" + b.String() + ")"
}
