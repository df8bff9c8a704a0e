package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jmylchreest/stitch/internal/fragment"
	"github.com/jmylchreest/stitch/pkg/httpclient"
)

// ContextSource supplies per-request fragment attribute overrides, keyed
// by fragment id. A failed lookup makes the whole composition respond 500.
type ContextSource interface {
	Overrides(ctx context.Context, r *http.Request) (map[string]fragment.Overrides, error)
}

// StaticContext is a fixed override map; the zero value means no overrides.
type StaticContext map[string]fragment.Overrides

// Overrides returns the map itself.
func (s StaticContext) Overrides(context.Context, *http.Request) (map[string]fragment.Overrides, error) {
	return s, nil
}

// HTTPContext queries a context service for overrides. The service
// receives the downstream request URI (path and query) as the "uri" query
// parameter and answers with a JSON object of
// the form {"fragment-id": {"attr": "value"}}.
type HTTPContext struct {
	client *httpclient.Client
	url    string
}

// NewHTTPContext returns a source querying serviceURL.
func NewHTTPContext(client *httpclient.Client, serviceURL string) *HTTPContext {
	return &HTTPContext{client: client, url: serviceURL}
}

// Overrides fetches and decodes the override map.
func (h *HTTPContext) Overrides(ctx context.Context, r *http.Request) (map[string]fragment.Overrides, error) {
	u, err := url.Parse(h.url)
	if err != nil {
		return nil, fmt.Errorf("parsing context service URL: %w", err)
	}
	q := u.Query()
	q.Set("uri", r.URL.RequestURI())
	u.RawQuery = q.Encode()

	resp, err := h.client.Get(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("fetching context: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("context service returned status %d", resp.StatusCode)
	}

	var overrides map[string]fragment.Overrides
	if err := json.NewDecoder(resp.Body).Decode(&overrides); err != nil {
		return nil, fmt.Errorf("decoding context: %w", err)
	}
	return overrides, nil
}
