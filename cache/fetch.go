package cache

import (
	"context"
	"encoding/json"
	"fmt"
)

// As converts a cached value to T. Values read back from a serializing tier
// arrive as generic JSON shapes (map[string]any, []any, float64); those are
// converted by a JSON round trip.
func As[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	if t, ok := v.(T); ok {
		return t, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("cache: convert %T: %w", v, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("cache: convert %T: %w", v, err)
	}
	return out, nil
}

// Fetch is the typed form of Manager.Get.
func Fetch[T any](ctx context.Context, m *Manager, key string, fetch func(ctx context.Context) (T, error), opts ...CallOption) (T, bool, error) {
	var zero T
	var fn FetchFunc
	if fetch != nil {
		fn = func(ctx context.Context) (any, error) {
			return fetch(ctx)
		}
	}
	v, ok, err := m.Get(ctx, key, fn, opts...)
	if err != nil || !ok {
		return zero, ok, err
	}
	out, err := As[T](v)
	if err != nil {
		return zero, false, err
	}
	return out, true, nil
}
