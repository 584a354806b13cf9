package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Params is a structured description of a cacheable request.
// The "query" entry, when present, is treated as a query-parameter map.
type Params map[string]any

// KeyOptions configures BuildKey.
type KeyOptions struct {
	// Prefix is prepended verbatim to the built key.
	Prefix string

	// IncludeQueryParams emits the "query" sub-map as query.<k>=<v> parts.
	// When false the query sub-map is ignored.
	IncludeQueryParams bool

	// ExcludeQueryParams lists query keys that never affect the key
	// (tracking parameters, cache busters).
	ExcludeQueryParams []string

	// Normalize collapses repeated separators, strips a trailing separator,
	// and replaces characters outside [A-Za-z0-9_:.-] with '_'.
	Normalize bool
}

// DefaultKeyOptions includes query parameters and leaves keys unnormalized.
func DefaultKeyOptions() KeyOptions {
	return KeyOptions{IncludeQueryParams: true}
}

const (
	keySeparator = ":"
	queryField   = "query"
)

var (
	repeatedSeparators = regexp.MustCompile(`:{2,}`)
	illegalKeyChars    = regexp.MustCompile(`[^A-Za-z0-9_:.\-]`)
)

// BuildKey canonicalizes params into a cache key.
//
// Top-level keys are sorted and emitted as <k>=<v>, skipping nil values.
// The query sub-map is emitted as sorted query.<k>=<v> parts. Parts are
// joined with ':' and the prefix is prepended. The result depends only on
// map contents, never on insertion order.
func BuildKey(params Params, opts KeyOptions) string {
	excluded := make(map[string]bool, len(opts.ExcludeQueryParams))
	for _, k := range opts.ExcludeQueryParams {
		excluded[k] = true
	}

	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		v := params[name]
		if isNil(v) {
			continue
		}
		if name == queryField {
			if q, ok := stringMap(v); ok {
				if opts.IncludeQueryParams {
					parts = append(parts, queryParts(q, excluded)...)
				}
				continue
			}
		}
		parts = append(parts, name+"="+serializeKeyValue(v))
	}

	key := opts.Prefix + strings.Join(parts, keySeparator)
	if opts.Normalize {
		key = NormalizeKey(key)
	}
	return key
}

// NormalizeKey applies the KeyOptions.Normalize rewriting to key.
func NormalizeKey(key string) string {
	key = repeatedSeparators.ReplaceAllString(key, keySeparator)
	key = strings.TrimSuffix(key, keySeparator)
	return illegalKeyChars.ReplaceAllString(key, "_")
}

func queryParts(q map[string]any, excluded map[string]bool) []string {
	names := make([]string, 0, len(q))
	for k := range q {
		if !excluded[k] {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, k := range names {
		if isNil(q[k]) {
			continue
		}
		parts = append(parts, queryField+"."+k+"="+serializeKeyValue(q[k]))
	}
	return parts
}

// stringMap converts map-like query values into map[string]any.
func stringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Params:
		return m, true
	case url.Values:
		out := make(map[string]any, len(m))
		for k, vals := range m {
			if len(vals) == 1 {
				out[k] = vals[0]
			} else {
				out[k] = vals
			}
		}
		return out, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// serializeKeyValue renders a parameter value: primitives stringify,
// sequences join their elements with ',', and objects use JSON (which sorts
// map keys).
func serializeKeyValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		elems := make([]string, rv.Len())
		for i := range elems {
			elems[i] = serializeKeyValue(rv.Index(i).Interface())
		}
		return strings.Join(elems, ",")
	case reflect.Map, reflect.Struct, reflect.Pointer:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}

	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	return fmt.Sprint(v)
}

// Keyer derives cache keys from structured parameters.
//
// Contract:
// - Determinism: same inputs must produce same key, regardless of map iteration order.
// - Concurrency: implementations must be safe for concurrent use.
type Keyer interface {
	Key(params Params) (string, error)
}

// DefaultKeyer builds keys with BuildKey and hashes any key longer than
// MaxKeyLength.
type DefaultKeyer struct {
	Options KeyOptions
}

// NewDefaultKeyer creates a keyer with the given options.
func NewDefaultKeyer(opts KeyOptions) *DefaultKeyer {
	return &DefaultKeyer{Options: opts}
}

// Key builds the key for params.
func (k *DefaultKeyer) Key(params Params) (string, error) {
	key := BuildKey(params, k.Options)
	if len(key) > MaxKeyLength {
		key = HashKey(k.Options.Prefix, key)
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// HashKey returns prefix + "h:" + the first 16 hex characters of
// SHA-256(raw).
func HashKey(prefix, raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return prefix + "h" + keySeparator + hex.EncodeToString(sum[:8])
}

var _ Keyer = (*DefaultKeyer)(nil)
