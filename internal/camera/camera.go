// Package camera fetches still frames from the gate camera.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNoFrame is returned when the camera answers without image data.
var ErrNoFrame = errors.New("camera returned no frame")

// HTTPSource polls a snapshot endpoint (GET returns one JPEG).
type HTTPSource struct {
	URL      string
	HTTP     *http.Client
	MaxBytes int64
}

// NewHTTPSource creates a source with a per-frame timeout.
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPSource{URL: url, HTTP: &http.Client{Timeout: timeout}, MaxBytes: 8 << 20}
}

// Frame grabs the current image.
func (s *HTTPSource) Frame(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("camera request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("camera error %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoFrame
	}
	return data, nil
}

// Static always returns the same frame. Bench devices without a camera use it.
type Static []byte

// Frame returns the stored bytes.
func (s Static) Frame(context.Context) ([]byte, error) {
	if len(s) == 0 {
		return nil, ErrNoFrame
	}
	return []byte(s), nil
}
