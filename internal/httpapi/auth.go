package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

type ctxKey int

const identityKey ctxKey = iota

// AnonymousIdentity owns every request when no API keys are configured.
const AnonymousIdentity = "anonymous"

var apiKeys map[string]struct{}

// SetAPIKeys installs the accepted API keys. An empty list disables
// authentication.
func SetAPIKeys(keys []string) {
	apiKeys = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			apiKeys[k] = struct{}{}
		}
	}
}

// IdentityFrom returns the caller identity attached by the auth middleware.
func IdentityFrom(ctx context.Context) string {
	id, _ := ctx.Value(identityKey).(string)
	return id
}

// IdentityOf derives the stored owner identity from an API key. Raw keys are
// never persisted.
func IdentityOf(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key_" + hex.EncodeToString(sum[:8])
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// requireIdentity rejects requests without a valid API key.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(apiKeys) == 0 {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, AnonymousIdentity)))
			return
		}
		tok := bearerToken(r)
		if tok == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid authorization header")
			return
		}
		if _, ok := apiKeys[tok]; !ok {
			writeJSONError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, IdentityOf(tok))))
	})
}
