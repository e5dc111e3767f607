package materializer

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

type fetched struct {
	data        []byte
	contentType string
	ext         string
}

// fetch downloads one provider output and classifies it from its leading bytes, falling
// back to the response header when sniffing only finds a generic binary type.
func (m *Materializer) fetch(ctx context.Context, url string) (*fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch artifact: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, m.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	if int64(len(data)) > m.maxBytes {
		return nil, fmt.Errorf("fetch artifact: larger than %d bytes", m.maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("fetch artifact: empty body")
	}

	detected := mimetype.Detect(data)
	out := &fetched{data: data, contentType: detected.String(), ext: detected.Extension()}
	if detected.Is("application/octet-stream") {
		if header := headerType(resp.Header.Get("Content-Type")); header != "" {
			out.contentType = header
			out.ext = ""
			if known := mimetype.Lookup(header); known != nil {
				out.ext = known.Extension()
			}
		}
	}
	return out, nil
}

func headerType(value string) string {
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(value))
	if err != nil {
		return ""
	}
	return mediaType
}
