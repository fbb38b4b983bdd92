package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Fetch downloads a manifest over HTTP. Non-2xx responses are errors.
func Fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download manifest from %s: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("manifest request to %s failed with status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest response: %w", err)
	}
	return data, nil
}

// Update downloads the upstream manifest for f, rewrites it for local
// tracking (see Transform) and replaces the on-disk copy.
func Update(ctx context.Context, client *http.Client, f File, url, remoteName string, shallowPrefixes []string) error {
	data, err := Fetch(ctx, client, url)
	if err != nil {
		return err
	}
	doc, err := Parse(ByteSource{Data: data, Label: f.Name()})
	if err != nil {
		return err
	}
	return Write(Transform(doc, remoteName, shallowPrefixes), f.Path())
}
