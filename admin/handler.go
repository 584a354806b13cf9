package admin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonwraymond/tiercache/cache"
	"github.com/jonwraymond/tiercache/observe"
)

const maxBodyBytes = 1 << 20

// Options configures the admin handler.
type Options struct {
	// Logger receives mutations and failures. Default: no-op
	Logger observe.Logger
}

// Handler serves the admin API for one manager.
type Handler struct {
	manager  *cache.Manager
	verifier *Verifier
	logger   observe.Logger
	mux      *http.ServeMux
}

// NewHandler builds the admin API. Every route requires a token.
func NewHandler(m *cache.Manager, v *Verifier, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = observe.NopLogger()
	}
	h := &Handler{manager: m, verifier: v, logger: opts.Logger, mux: http.NewServeMux()}

	h.handle("GET /v1/cache/{key...}", ScopeRead, h.getEntry)
	h.handle("PUT /v1/cache/{key...}", ScopeWrite, h.putEntry)
	h.handle("DELETE /v1/cache/{key...}", ScopeWrite, h.deleteEntry)
	h.handle("POST /v1/cache/invalidate", ScopeWrite, h.invalidate)
	h.handle("POST /v1/cache/clear", ScopeWrite, h.clear)
	h.handle("POST /v1/keys", ScopeRead, h.buildKey)
	return h
}

func (h *Handler) handle(pattern, scope string, fn http.HandlerFunc) {
	h.mux.Handle(pattern, h.verifier.RequireScope(scope, fn))
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// EntryResponse is the body of GET /v1/cache/{key}.
type EntryResponse struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// PutRequest is the body of PUT /v1/cache/{key}.
type PutRequest struct {
	Value any      `json:"value"`
	TTL   string   `json:"ttl,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// InvalidateRequest is the body of POST /v1/cache/invalidate.
type InvalidateRequest struct {
	Tags []string `json:"tags"`
}

// KeyRequest is the body of POST /v1/keys.
type KeyRequest struct {
	Params cache.Params `json:"params"`
}

// KeyResponse is the body returned by POST /v1/keys.
type KeyResponse struct {
	Key string `json:"key"`
}

func (h *Handler) getEntry(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	v, ok, err := h.manager.Get(r.Context(), key, nil)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("admin: key not found"))
		return
	}
	writeJSON(w, http.StatusOK, EntryResponse{Key: key, Value: v})
}

func (h *Handler) putEntry(w http.ResponseWriter, r *http.Request) {
	var req PutRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var opts []cache.CallOption
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil || ttl < 0 {
			writeError(w, http.StatusBadRequest, errors.New("admin: ttl must be a non-negative duration"))
			return
		}
		opts = append(opts, cache.WithTTL(ttl))
	}
	if len(req.Tags) > 0 {
		opts = append(opts, cache.WithTags(req.Tags...))
	}

	key := r.PathValue("key")
	if err := h.manager.Set(r.Context(), key, req.Value, opts...); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	h.audit(r, "set", observe.F("cache.key", key))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteEntry(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := h.manager.Delete(r.Context(), key); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	h.audit(r, "delete", observe.F("cache.key", key))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) invalidate(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Tags) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("admin: tags are required"))
		return
	}
	if err := h.manager.InvalidateByTags(r.Context(), req.Tags); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	h.audit(r, "invalidate", observe.F("cache.tags", req.Tags))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Clear(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	h.audit(r, "clear")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) buildKey(w http.ResponseWriter, r *http.Request) {
	var req KeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key, err := h.manager.Key(req.Params)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	// The entry routes add the prefix themselves.
	key = strings.TrimPrefix(key, h.manager.Policy().Prefix)
	writeJSON(w, http.StatusOK, KeyResponse{Key: key})
}

func (h *Handler) audit(r *http.Request, op string, fields ...observe.Field) {
	fields = append(fields, observe.F("cache.op", op))
	if c := ClaimsFromContext(r.Context()); c != nil {
		fields = append(fields, observe.F("subject", c.Subject))
	}
	h.logger.Info(r.Context(), "admin cache mutation", fields...)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errors.New("admin: malformed JSON body")
	}
	return nil
}

func statusFor(err error) int {
	if errors.Is(err, cache.ErrInvalidKey) || errors.Is(err, cache.ErrKeyTooLong) {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
