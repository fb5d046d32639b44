package httpapi

import (
	"net/http"
	"strings"
	"testing"
)

func TestAuthRequiredWhenKeysConfigured(t *testing.T) {
	SetAPIKeys([]string{"secret", " "})
	defer SetAPIKeys(nil)
	svc := &mockService{}
	r := NewMux(svc)

	w := do(t, r, http.MethodGet, "/history", "", nil)
	if w.Code != http.StatusUnauthorized || !strings.Contains(decodeError(t, w).Error, "missing") {
		t.Fatalf("no key: status=%d body=%s", w.Code, w.Body.String())
	}
	w = do(t, r, http.MethodGet, "/history", "", map[string]string{"Authorization": "Bearer wrong"})
	if w.Code != http.StatusUnauthorized || !strings.Contains(decodeError(t, w).Error, "invalid") {
		t.Fatalf("bad key: status=%d body=%s", w.Code, w.Body.String())
	}
	w = do(t, r, http.MethodGet, "/history", "", map[string]string{"Authorization": "Bearer secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("bearer: status=%d", w.Code)
	}
	if svc.gotIdentity != IdentityOf("secret") || strings.Contains(svc.gotIdentity, "secret") {
		t.Fatalf("identity=%q", svc.gotIdentity)
	}
	svc.gotIdentity = ""
	if w := do(t, r, http.MethodGet, "/history", "", map[string]string{"X-API-Key": "secret"}); w.Code != http.StatusOK {
		t.Fatalf("x-api-key: status=%d", w.Code)
	}
	if svc.gotIdentity != IdentityOf("secret") {
		t.Fatalf("x-api-key identity=%q", svc.gotIdentity)
	}
}

func TestPublicRoutesSkipAuth(t *testing.T) {
	SetAPIKeys([]string{"secret"})
	defer SetAPIKeys(nil)
	r := NewMux(&mockService{ready: true})
	for _, p := range []string{"/healthz", "/readyz", "/models", "/resources", "/metrics"} {
		if w := do(t, r, http.MethodGet, p, "", nil); w.Code != http.StatusOK {
			t.Errorf("%s: status=%d", p, w.Code)
		}
	}
}

func TestIdentityOfIsStable(t *testing.T) {
	if IdentityOf("a") != IdentityOf("a") || IdentityOf("a") == IdentityOf("b") {
		t.Fatalf("identity derivation unstable")
	}
}
