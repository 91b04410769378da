package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/ryandielhenn/relaymesh/pkg/wire"
)

// HTTPSender POSTs encoded payloads. The dispatcher's per-send context
// bounds each request.
type HTTPSender struct {
	Client *http.Client
	Codec  wire.Codec
}

func NewHTTPSender(codec wire.Codec) *HTTPSender {
	if codec == nil {
		codec = wire.JSON
	}
	return &HTTPSender{Client: &http.Client{}, Codec: codec}
}

func (s *HTTPSender) Send(ctx context.Context, dest string, payload any) error {
	body, err := s.Codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", s.Codec.ContentType())

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: status %d", dest, resp.StatusCode)
	}
	return nil
}
