package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultTokenTTL is the lifetime of issued bearer tokens.
const DefaultTokenTTL = 24 * time.Hour

var (
	ErrTokenMalformed = errors.New("malformed token")
	ErrTokenSignature = errors.New("invalid token signature")
	ErrTokenExpired   = errors.New("token expired")
)

// ============================================================================
// Standalone Functions
// ============================================================================

// SignToken returns base64(principalID|expiryUnix) + "." + hex(HMAC-SHA256).
func SignToken(principalID string, expiresAt time.Time, secret string) string {
	claims := principalID + "|" + strconv.FormatInt(expiresAt.Unix(), 10)
	body := base64.RawURLEncoding.EncodeToString([]byte(claims))
	return body + "." + tokenSignature(body, secret)
}

func tokenSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken checks a token's signature and expiry and returns its principal.
// Uses constant-time comparison to prevent timing attacks.
func VerifyToken(token, secret string, now time.Time) (string, error) {
	if token == "" || secret == "" {
		return "", ErrTokenMalformed
	}
	body, sig, ok := strings.Cut(token, ".")
	if !ok || body == "" || sig == "" {
		return "", ErrTokenMalformed
	}

	expected := tokenSignature(body, secret)
	if len(sig) != len(expected) || subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return "", ErrTokenSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", errors.Wrap(ErrTokenMalformed, err.Error())
	}
	principalID, expiry, ok := strings.Cut(string(raw), "|")
	if !ok || principalID == "" {
		return "", ErrTokenMalformed
	}
	unix, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return "", errors.Wrap(ErrTokenMalformed, "bad expiry")
	}
	if !now.Before(time.Unix(unix, 0)) {
		return "", ErrTokenExpired
	}
	return principalID, nil
}

// ============================================================================
// TokenIssuer
// ============================================================================

// TokenIssuer signs and verifies bearer tokens with one shared secret.
type TokenIssuer struct {
	secret string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. ttl <= 0 selects DefaultTokenTTL.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue returns a fresh token for principalID.
func (ti *TokenIssuer) Issue(principalID string) (string, time.Time) {
	expiresAt := ti.now().Add(ti.ttl).Truncate(time.Second)
	return SignToken(principalID, expiresAt, ti.secret), expiresAt
}

// Verify returns the principal a token was issued to.
func (ti *TokenIssuer) Verify(token string) (string, error) {
	return VerifyToken(token, ti.secret, ti.now())
}

type principalKey struct{}

// WithPrincipal stores an authenticated principal id in ctx.
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, principalKey{}, principalID)
}

// PrincipalFromContext returns the id stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(principalKey{}).(string)
	return id, ok && id != ""
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Middleware rejects requests without a valid bearer token and stores the
// principal id in the request context.
func (ti *TokenIssuer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		principalID, err := ti.Verify(BearerToken(r))
		if err != nil {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(rw).Encode(Result{Error: &APIError{Code: "UNAUTHORIZED", Message: err.Error()}})
			return
		}
		next.ServeHTTP(rw, r.WithContext(WithPrincipal(r.Context(), principalID)))
	})
}
