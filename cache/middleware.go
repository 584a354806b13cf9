package cache

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/jonwraymond/tiercache/observe"
)

// HeaderXCache reports whether a response was served from cache.
const HeaderXCache = "X-Cache"

// DefaultMaxBodyBytes is the default cap on a stored response body.
const DefaultMaxBodyBytes = 1 << 20

// RoutePattern matches request paths excluded from caching.
type RoutePattern interface {
	Match(path string) bool
}

// RouteFunc adapts a function to RoutePattern.
type RouteFunc func(path string) bool

// Match calls f.
func (f RouteFunc) Match(path string) bool { return f(path) }

type prefixRoute string

func (p prefixRoute) Match(path string) bool { return strings.HasPrefix(path, string(p)) }

type regexpRoute struct{ re *regexp.Regexp }

func (r regexpRoute) Match(path string) bool { return r.re.MatchString(path) }

// Route returns a pattern for s. Strings containing glob metacharacters
// (*, ?, [, {) are compiled as globs with '/' as separator; anything else
// matches by prefix, which includes an exact match.
func Route(s string) (RoutePattern, error) {
	if !strings.ContainsAny(s, "*?[{") {
		return prefixRoute(s), nil
	}
	g, err := glob.Compile(s, '/')
	if err != nil {
		return nil, err
	}
	return g, nil
}

// MustRoute is Route that panics on an invalid glob.
func MustRoute(s string) RoutePattern {
	p, err := Route(s)
	if err != nil {
		panic(err)
	}
	return p
}

// RouteRegexp matches paths against re.
func RouteRegexp(re *regexp.Regexp) RoutePattern {
	return regexpRoute{re: re}
}

// CachedResponse is the stored form of an HTTP response.
type CachedResponse struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers"`
	Body    []byte      `json:"body"`
}

// HTTPConfig configures NewHTTPMiddleware.
type HTTPConfig struct {
	// TTL for stored responses. Zero uses the manager's default.
	TTL time.Duration

	// Tags attached to every stored response.
	Tags []string

	// Methods eligible for caching. Default: GET, HEAD
	Methods []string

	// StatusCodes that are stored. Default: 200
	StatusCodes []int

	// ExcludeRoutes are never cached.
	ExcludeRoutes []RoutePattern

	// VaryByHeaders and VaryByCookies add the named request values to the
	// key when present.
	VaryByHeaders []string
	VaryByCookies []string

	// KeyBuilder overrides the default method/path/query key.
	KeyBuilder func(r *http.Request) string

	// MaxBodyBytes caps the body captured for storage. Larger responses
	// are still streamed to the client but not cached.
	// Default: 1 MiB
	MaxBodyBytes int64

	// Logger receives store failures. Default: no-op
	Logger observe.Logger
}

func (c *HTTPConfig) applyDefaults() {
	if len(c.Methods) == 0 {
		c.Methods = []string{http.MethodGet, http.MethodHead}
	}
	if len(c.StatusCodes) == 0 {
		c.StatusCodes = []int{http.StatusOK}
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Logger == nil {
		c.Logger = observe.NopLogger()
	}
}

type httpCache struct {
	m        *Manager
	cfg      HTTPConfig
	methods  map[string]bool
	statuses map[int]bool
	next     http.Handler
}

// NewHTTPMiddleware returns middleware that serves eligible requests from m
// and stores responses with an allowed status.
//
// Hits replay the stored status, headers, and body with X-Cache: HIT.
// Eligible misses run the handler, stream its output, and carry
// X-Cache: MISS. Ineligible requests pass through untouched.
func NewHTTPMiddleware(m *Manager, cfg HTTPConfig) func(http.Handler) http.Handler {
	cfg.applyDefaults()
	methods := make(map[string]bool, len(cfg.Methods))
	for _, method := range cfg.Methods {
		methods[strings.ToUpper(method)] = true
	}
	statuses := make(map[int]bool, len(cfg.StatusCodes))
	for _, code := range cfg.StatusCodes {
		statuses[code] = true
	}
	return func(next http.Handler) http.Handler {
		return &httpCache{m: m, cfg: cfg, methods: methods, statuses: statuses, next: next}
	}
}

func (h *httpCache) eligible(r *http.Request) bool {
	if !h.methods[r.Method] {
		return false
	}
	for _, p := range h.cfg.ExcludeRoutes {
		if p != nil && p.Match(r.URL.Path) {
			return false
		}
	}
	return true
}

func (h *httpCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.eligible(r) {
		h.next.ServeHTTP(w, r)
		return
	}

	ctx := r.Context()
	key := h.key(r)
	if v, ok, err := h.m.Get(ctx, key, nil); err == nil && ok {
		if resp, err := As[CachedResponse](v); err == nil && resp.Status != 0 {
			replay(w, resp)
			return
		}
	}

	w.Header().Set(HeaderXCache, "MISS")
	cw := &captureWriter{ResponseWriter: w, limit: h.cfg.MaxBodyBytes}
	h.next.ServeHTTP(cw, r)

	if !h.statuses[cw.statusCode()] {
		return
	}
	if cw.overflow {
		h.cfg.Logger.Debug(ctx, "http cache response too large",
			observe.F("cache.key", key),
			observe.F("limit", h.cfg.MaxBodyBytes),
		)
		return
	}
	resp := CachedResponse{
		Status:  cw.statusCode(),
		Headers: cw.snapshot(),
		Body:    cw.body.Bytes(),
	}
	resp.Headers.Del(HeaderXCache)
	opts := []CallOption{WithTags(h.cfg.Tags...)}
	if h.cfg.TTL > 0 {
		opts = append(opts, WithTTL(h.cfg.TTL))
	}
	if err := h.m.Set(context.WithoutCancel(ctx), key, resp, opts...); err != nil {
		h.cfg.Logger.Warn(ctx, "http cache store failed",
			observe.F("cache.key", key),
			observe.F("error", err),
		)
	}
}

// key builds the unprefixed key for r; the manager adds its prefix.
func (h *httpCache) key(r *http.Request) string {
	var key string
	if h.cfg.KeyBuilder != nil {
		key = h.cfg.KeyBuilder(r)
	} else {
		key = BuildKey(Params{
			"method": r.Method,
			"path":   r.URL.Path,
			"query":  r.URL.Query(),
		}, KeyOptions{IncludeQueryParams: true})
	}
	key += varySuffix("header", h.cfg.VaryByHeaders, func(name string) (string, bool) {
		v := r.Header.Get(name)
		return v, v != ""
	})
	key += varySuffix("cookie", h.cfg.VaryByCookies, func(name string) (string, bool) {
		c, err := r.Cookie(name)
		if err != nil {
			return "", false
		}
		return c.Value, true
	})
	if len(h.m.policy.Prefix)+len(key) > MaxKeyLength {
		key = HashKey("", key)
	}
	return key
}

func varySuffix(kind string, names []string, lookup func(string) (string, bool)) string {
	if len(names) == 0 {
		return ""
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	var b strings.Builder
	for _, name := range sorted {
		if v, ok := lookup(name); ok {
			b.WriteString(keySeparator + kind + "." + strings.ToLower(name) + "=" + url.QueryEscape(v))
		}
	}
	return b.String()
}

func replay(w http.ResponseWriter, resp CachedResponse) {
	header := w.Header()
	for k, vals := range resp.Headers {
		header[k] = append([]string(nil), vals...)
	}
	header.Set(HeaderXCache, "HIT")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// captureWriter tees the response to the client while recording up to
// limit bytes of it. Past the limit the recording is dropped.
type captureWriter struct {
	http.ResponseWriter
	status   int
	headers  http.Header
	body     bytes.Buffer
	limit    int64
	overflow bool
}

func (c *captureWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
		c.headers = c.ResponseWriter.Header().Clone()
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.WriteHeader(http.StatusOK)
	}
	if !c.overflow {
		if int64(c.body.Len())+int64(len(p)) > c.limit {
			c.overflow = true
			c.body = bytes.Buffer{}
		} else {
			c.body.Write(p)
		}
	}
	return c.ResponseWriter.Write(p)
}

func (c *captureWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (c *captureWriter) Unwrap() http.ResponseWriter { return c.ResponseWriter }

func (c *captureWriter) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

func (c *captureWriter) snapshot() http.Header {
	if c.headers == nil {
		return c.ResponseWriter.Header().Clone()
	}
	return c.headers
}
