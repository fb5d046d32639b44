package modelcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Source materializes a model artifact from upstream.
type Source interface {
	Fetch(ctx context.Context, name string, w io.Writer) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, name string, w io.Writer) error

func (f SourceFunc) Fetch(ctx context.Context, name string, w io.Writer) error { return f(ctx, name, w) }

// HTTPSource downloads <BaseURL>/<name> into the artifact file.
type HTTPSource struct {
	BaseURL string
	// Client defaults to a client with no overall timeout; the request
	// context bounds each download.
	Client *http.Client
}

func (s HTTPSource) Fetch(ctx context.Context, name string, w io.Writer) error {
	if strings.TrimSpace(s.BaseURL) == "" {
		return fmt.Errorf("model source url not configured")
	}
	u := strings.TrimRight(s.BaseURL, "/") + "/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	cli := s.Client
	if cli == nil {
		cli = &http.Client{}
	}
	resp, err := cli.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("fetch %s: %s: %s", name, resp.Status, strings.TrimSpace(string(b)))
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("fetch %s: %w", name, err)
	}
	return nil
}
