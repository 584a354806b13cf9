package cache

import (
	"context"
	"errors"
	"fmt"
)

// singleOps is the single-key subset of Adapter that the batch helpers need.
type singleOps interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, value any, opts SetOptions) error
	Delete(ctx context.Context, key string) error
}

// BatchGet runs Get for every key and returns the hits.
func BatchGet(ctx context.Context, a singleOps, keys []string) map[string]*Entry {
	out := make(map[string]*Entry, len(keys))
	for _, key := range keys {
		if e, ok := a.Get(ctx, key); ok {
			out[key] = e
		}
	}
	return out
}

// BatchSet runs Set for every item. A failing item does not stop the rest;
// all failures are joined into the returned error.
func BatchSet(ctx context.Context, a singleOps, items []Item) error {
	var errs []error
	for _, it := range items {
		if err := a.Set(ctx, it.Key, it.Value, it.Options); err != nil {
			errs = append(errs, fmt.Errorf("set %q: %w", it.Key, err))
		}
	}
	return errors.Join(errs...)
}

// BatchDelete runs Delete for every key, joining any failures.
func BatchDelete(ctx context.Context, a singleOps, keys []string) error {
	var errs []error
	for _, key := range keys {
		if err := a.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %q: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
