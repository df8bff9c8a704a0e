package template

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/jmylchreest/stitch/pkg/httpclient"
	"github.com/spf13/afero"
)

// Source acquires the raw template bytes for one downstream request.
// A failed acquisition makes the whole composition respond 500.
type Source interface {
	// Template returns the template byte stream for the request. The caller
	// closes the returned reader.
	Template(ctx context.Context, r *http.Request) (io.ReadCloser, error)
}

// ErrTemplateNotFound is returned when no template matches the request path.
var ErrTemplateNotFound = errors.New("template not found")

// FSStore serves templates from a directory tree. The request path selects
// the template file; directory paths fall back to the index template.
type FSStore struct {
	fs    afero.Fs
	index string
}

// NewFSStore returns a store rooted at dir on the OS filesystem.
func NewFSStore(dir, index string) *FSStore {
	return NewFSStoreFS(afero.NewBasePathFs(afero.NewOsFs(), dir), index)
}

// NewFSStoreFS returns a store reading from the given filesystem. Useful
// with an in-memory filesystem in tests.
func NewFSStoreFS(fsys afero.Fs, index string) *FSStore {
	if index == "" {
		index = "index.html"
	}
	return &FSStore{fs: fsys, index: index}
}

// Template resolves the request path to a template file. Paths are cleaned
// so a request cannot escape the template root.
func (s *FSStore) Template(_ context.Context, r *http.Request) (io.ReadCloser, error) {
	name := path.Clean("/" + r.URL.Path)
	if strings.HasSuffix(r.URL.Path, "/") || name == "/" {
		name = path.Join(name, s.index)
	}

	f, err := s.fs.Open(name)
	isDir := false
	if err == nil {
		info, statErr := f.Stat()
		if statErr != nil || !info.IsDir() {
			return f, nil
		}
		// A directory is not a template; try the fallbacks below.
		f.Close()
		isDir = true
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening template %s: %w", name, err)
	}

	// Allow extensionless routes: /shop -> /shop.html.
	if path.Ext(name) == "" {
		if f, err := s.fs.Open(name + ".html"); err == nil {
			return f, nil
		}
	}
	if isDir {
		if f, err := s.fs.Open(path.Join(name, s.index)); err == nil {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
}

// HTTPStore fetches templates from an upstream template service. The
// downstream request path is appended to the configured base URL.
type HTTPStore struct {
	client  *httpclient.Client
	baseURL string
}

// NewHTTPStore returns a store fetching from baseURL with the given client.
func NewHTTPStore(client *httpclient.Client, baseURL string) *HTTPStore {
	return &HTTPStore{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// Template fetches the template over HTTP. Non-2xx responses are failures.
func (s *HTTPStore) Template(ctx context.Context, r *http.Request) (io.ReadCloser, error) {
	u, err := url.Parse(s.baseURL + r.URL.Path)
	if err != nil {
		return nil, fmt.Errorf("building template URL: %w", err)
	}

	resp, err := s.client.Get(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("fetching template: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, r.URL.Path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("template service returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
