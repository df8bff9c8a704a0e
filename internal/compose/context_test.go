package compose

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmylchreest/stitch/pkg/httpclient"
)

func TestHTTPContext_Overrides(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("uri"); got != "/shop?user=42" {
			t.Errorf("expected downstream URI forwarded, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"f-1": {"src": "https://fragment/yes", "primary": "false"}}`))
	}))
	defer srv.Close()

	src := NewHTTPContext(httpclient.NewWithDefaults(), srv.URL)
	req := httptest.NewRequest(http.MethodGet, "/shop?user=42", nil)

	overrides, err := src.Overrides(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ovr, ok := overrides["f-1"]
	if !ok {
		t.Fatal("expected overrides for f-1")
	}
	if ovr["src"] != "https://fragment/yes" {
		t.Errorf("unexpected src override: %q", ovr["src"])
	}
	if ovr["primary"] != "false" {
		t.Errorf("unexpected primary override: %q", ovr["primary"])
	}
}

func TestHTTPContext_ServiceErrorFailsComposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := NewHTTPContext(httpclient.NewWithDefaults(), srv.URL)
	if _, err := src.Overrides(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil)); err == nil {
		t.Fatal("expected error from failing context service")
	}
}
