//go:build swagger

package httpapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSwaggerServesDocument(t *testing.T) {
	srv := httptest.NewServer(NewMux(&mockService{}))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/swagger/doc.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), `"/transcribe"`) {
		t.Fatalf("doc.json missing routes: %.200s", b)
	}
}
