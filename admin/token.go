package admin

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes understood by the admin API.
const (
	ScopeRead  = "cache:read"
	ScopeWrite = "cache:write"
)

// Claims are the token claims the API reads.
type Claims struct {
	jwt.RegisteredClaims

	// Scope is a space-separated scope list.
	Scope string `json:"scope,omitempty"`
}

// Scopes returns the scope list.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// HasScope reports whether the claims grant scope. cache:write implies
// cache:read.
func (c *Claims) HasScope(scope string) bool {
	scopes := c.Scopes()
	if slices.Contains(scopes, scope) {
		return true
	}
	return scope == ScopeRead && slices.Contains(scopes, ScopeWrite)
}

// TokenConfig configures token issuing and verification.
type TokenConfig struct {
	// Secret is the HS256 signing key. Required.
	Secret []byte

	// Issuer, when set, is written to and required in the iss claim.
	Issuer string

	// Audience, when set, is written to and required in the aud claim.
	Audience string

	// Leeway tolerates clock skew on exp/nbf/iat.
	Leeway time.Duration

	// Now overrides the clock. Default: time.Now
	Now func() time.Time
}

// Verifier validates bearer tokens.
type Verifier struct {
	config TokenConfig
	parser *jwt.Parser
}

// NewVerifier creates a verifier for tokens signed with config.Secret.
func NewVerifier(config TokenConfig) (*Verifier, error) {
	if len(config.Secret) == 0 {
		return nil, ErrNoSecret
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(config.Leeway),
		jwt.WithTimeFunc(config.Now),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}
	return &Verifier{config: config, parser: jwt.NewParser(opts...)}, nil
}

// Verify parses and validates a raw token.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.config.Secret, nil
	})
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrInvalidToken
	}
}

// Issue signs a token for subject with scopes, valid for ttl.
func (v *Verifier) Issue(subject string, scopes []string, ttl time.Duration) (string, error) {
	now := v.config.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope: strings.Join(scopes, " "),
	}
	if v.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.config.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.config.Secret)
}

type contextKey int

const claimsKey contextKey = iota

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFromContext returns the verified claims, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireScope rejects requests without a valid token granting scope.
func (v *Verifier) RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tiercache"`)
			writeError(w, http.StatusUnauthorized, ErrMissingToken)
			return
		}
		claims, err := v.Verify(raw)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tiercache", error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if !claims.HasScope(scope) {
			writeError(w, http.StatusForbidden, ErrInsufficientScope)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}
