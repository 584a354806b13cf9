package cache

import "sort"

// TagIndex maps tags to the keys written with them, plus the reverse
// mapping so a key's memberships can be replaced on overwrite.
//
// TagIndex is not safe for concurrent use; the owning adapter guards it with
// the same lock as its entries so the index never names a missing key.
type TagIndex struct {
	byTag map[string]map[string]struct{}
	byKey map[string][]string
}

// NewTagIndex returns an empty index.
func NewTagIndex() *TagIndex {
	return &TagIndex{
		byTag: make(map[string]map[string]struct{}),
		byKey: make(map[string][]string),
	}
}

// Set replaces the tags recorded for key. An empty tags slice removes the
// key from the index.
func (x *TagIndex) Set(key string, tags []string) {
	x.Remove(key)
	if len(tags) == 0 {
		return
	}
	unique := make([]string, 0, len(tags))
	for _, tag := range tags {
		keys, ok := x.byTag[tag]
		if !ok {
			keys = make(map[string]struct{})
			x.byTag[tag] = keys
		}
		if _, dup := keys[key]; dup {
			continue
		}
		keys[key] = struct{}{}
		unique = append(unique, tag)
	}
	x.byKey[key] = unique
}

// Remove drops key from every tag it belongs to.
func (x *TagIndex) Remove(key string) {
	for _, tag := range x.byKey[key] {
		keys := x.byTag[tag]
		delete(keys, key)
		if len(keys) == 0 {
			delete(x.byTag, tag)
		}
	}
	delete(x.byKey, key)
}

// Keys returns the keys indexed under tag, sorted.
func (x *TagIndex) Keys(tag string) []string {
	keys := make([]string, 0, len(x.byTag[tag]))
	for k := range x.byTag[tag] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Tags returns the tags recorded for key.
func (x *TagIndex) Tags(key string) []string {
	return append([]string(nil), x.byKey[key]...)
}

// Collect returns the union of keys indexed under tags, sorted and
// de-duplicated. The index itself is not modified.
func (x *TagIndex) Collect(tags []string) []string {
	seen := make(map[string]struct{})
	for _, tag := range tags {
		for k := range x.byTag[tag] {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reset empties the index.
func (x *TagIndex) Reset() {
	x.byTag = make(map[string]map[string]struct{})
	x.byKey = make(map[string][]string)
}

// TagCount returns the number of tags with at least one key.
func (x *TagIndex) TagCount() int {
	return len(x.byTag)
}
