package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPOpener opens elementary streams over plain HTTP(S).
type HTTPOpener struct {
	Client *http.Client
}

// Open begins reading the stream. The returned length is -1 when neither the
// server nor the descriptor know the size of the stream.
func (o *HTTPOpener) Open(ctx context.Context, desc StreamDescriptor) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build %s stream request: %w", desc.Kind, err)
	}
	for k, v := range desc.Headers {
		req.Header.Set(k, v)
	}

	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s stream: %w", desc.Kind, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("failed to open %s stream: unexpected status %s", desc.Kind, resp.Status)
	}

	length := resp.ContentLength
	if length < 0 && desc.ByteLength != nil {
		length = *desc.ByteLength
	}

	return resp.Body, length, nil
}
