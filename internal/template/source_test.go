package template

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmylchreest/stitch/pkg/httpclient"
	"github.com/spf13/afero"
)

func memStore(t *testing.T, files map[string]string) *FSStore {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for name, body := range files {
		if err := afero.WriteFile(fsys, name, []byte(body), 0o644); err != nil {
			t.Fatalf("writing fixture %s: %v", name, err)
		}
	}
	return NewFSStoreFS(fsys, "index.html")
}

func readTemplate(t *testing.T, s Source, path string) string {
	t.Helper()
	rc, err := s.Template(context.Background(), httptest.NewRequest(http.MethodGet, path, nil))
	if err != nil {
		t.Fatalf("unexpected error for %s: %v", path, err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	return string(body)
}

func TestFSStore_ResolvesPaths(t *testing.T) {
	s := memStore(t, map[string]string{
		"/index.html":       "<html>root</html>",
		"/shop.html":        "<html>shop</html>",
		"/shop/cart.html":   "<html>cart</html>",
		"/about/index.html": "<html>about</html>",
	})

	if got := readTemplate(t, s, "/"); got != "<html>root</html>" {
		t.Errorf("root path: got %q", got)
	}
	if got := readTemplate(t, s, "/shop.html"); got != "<html>shop</html>" {
		t.Errorf("exact path: got %q", got)
	}
	if got := readTemplate(t, s, "/shop"); got != "<html>shop</html>" {
		t.Errorf("extensionless path: got %q", got)
	}
	if got := readTemplate(t, s, "/shop/cart.html"); got != "<html>cart</html>" {
		t.Errorf("nested path: got %q", got)
	}
	if got := readTemplate(t, s, "/about/"); got != "<html>about</html>" {
		t.Errorf("directory path: got %q", got)
	}
}

func TestFSStore_NotFound(t *testing.T) {
	s := memStore(t, map[string]string{"/index.html": "x"})

	_, err := s.Template(context.Background(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestFSStore_PathTraversalIsContained(t *testing.T) {
	s := memStore(t, map[string]string{"/index.html": "x"})

	_, err := s.Template(context.Background(), httptest.NewRequest(http.MethodGet, "/../../etc/passwd", nil))
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected traversal to stay inside the root, got %v", err)
	}
}

func TestHTTPStore_FetchesTemplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/shop" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("<html>remote</html>"))
	}))
	defer srv.Close()

	s := NewHTTPStore(httpclient.NewWithDefaults(), srv.URL)
	if got := readTemplate(t, s, "/shop"); got != "<html>remote</html>" {
		t.Errorf("got %q", got)
	}
}

func TestHTTPStore_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	s := NewHTTPStore(httpclient.NewWithDefaults(), srv.URL)
	_, err := s.Template(context.Background(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}
