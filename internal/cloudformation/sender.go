package cloudformation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSender delivers callbacks to the presigned ResponseURL.
type HTTPSender struct {
	client *http.Client
}

func NewHTTPSender() *HTTPSender {
	return &HTTPSender{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Send PUTs the response document. The presigned URL is signed without a
// content type, so none is sent.
func (s *HTTPSender) Send(ctx context.Context, url string, resp Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create callback request: %w", err)
	}
	req.ContentLength = int64(len(body))

	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback PUT: %w", err)
	}
	defer func() { io.Copy(io.Discard, res.Body); res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("callback returned %d", res.StatusCode)
	}
	return nil
}
