package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"veriflow/internal/workflow/activity"
	"veriflow/pkg/faults"
)

// WebhookClaims is the token payload providers sign webhook deliveries with.
type WebhookClaims struct {
	Provider string `json:"provider"`
	jwt.RegisteredClaims
}

// KeySource resolves the shared signing secret for a provider. Implementations
// may hit a remote secret store; the verifier caches resolved keys.
type KeySource interface {
	Key(ctx context.Context, provider string) ([]byte, error)
}

// StaticKeys is a KeySource backed by a fixed provider-to-secret map.
type StaticKeys map[string][]byte

func (s StaticKeys) Key(_ context.Context, provider string) ([]byte, error) {
	key, ok := s[provider]
	if !ok {
		return nil, faults.Authorization("unknown_provider", "no signing key registered for provider").
			With("provider", provider)
	}
	return key, nil
}

// WebhookVerifier validates HS256 webhook tokens: signature, issuer, audience,
// and expiry. Resolved signing keys are cached with a bounded TTL.
type WebhookVerifier struct {
	keys     KeySource
	audience string
	cache    *activity.KeyCache
}

// NewWebhookVerifier builds a verifier. audience is this deployment's
// identifier; tokens minted for another deployment are rejected.
func NewWebhookVerifier(keys KeySource, audience string) *WebhookVerifier {
	return &WebhookVerifier{
		keys:     keys,
		audience: audience,
		cache:    activity.NewKeyCache(64, 10*time.Minute),
	}
}

// Verify parses and validates the token, returning its claims.
func (v *WebhookVerifier) Verify(ctx context.Context, token string) (*WebhookClaims, error) {
	claims := &WebhookClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*WebhookClaims)
		if !ok || c.Provider == "" {
			return nil, faults.Authorization("missing_provider_claim", "token carries no provider claim")
		}
		return v.signingKey(ctx, c.Provider)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, faults.Authorization("invalid_token", "webhook token validation failed").
			With("cause", err.Error())
	}
	if !parsed.Valid {
		return nil, faults.Authorization("invalid_token", "webhook token is not valid")
	}
	// Providers mint their own tokens, so the issuer must match the provider
	// claim the key was resolved by.
	if claims.Issuer != claims.Provider {
		return nil, faults.Authorization("issuer_mismatch", "token issuer does not match provider").
			With("issuer", claims.Issuer).
			With("provider", claims.Provider)
	}
	return claims, nil
}

func (v *WebhookVerifier) signingKey(ctx context.Context, provider string) ([]byte, error) {
	if cached, ok := v.cache.Get(provider); ok {
		return cached.([]byte), nil
	}
	key, err := v.keys.Key(ctx, provider)
	if err != nil {
		return nil, err
	}
	v.cache.Put(provider, key)
	return key, nil
}

type claimsKey struct{}

// WebhookClaimsFrom retrieves the verified claims set by RequireWebhookAuth.
func WebhookClaimsFrom(ctx context.Context) *WebhookClaims {
	claims, _ := ctx.Value(claimsKey{}).(*WebhookClaims)
	return claims
}

// RequireWebhookAuth rejects requests without a valid provider bearer token
// and stashes the verified claims in the request context.
func RequireWebhookAuth(verifier *WebhookVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, faults.Authorization("missing_token", "missing bearer token"))
				return
			}
			claims, err := verifier.Verify(r.Context(), token)
			if err != nil {
				logger.WarnContext(r.Context(), "webhook auth rejected",
					"path", r.URL.Path,
					"error", err,
				)
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
