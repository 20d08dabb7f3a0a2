package timestamps

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	ContentTypeQuery = "application/timestamp-query"
	ContentTypeReply = "application/timestamp-reply"

	// maxResponseSize bounds the body read from an authority.
	maxResponseSize = 1 << 20
)

// HTTPSigner sends requests to a remote time-stamping authority.
type HTTPSigner struct {
	URL        string
	HTTPClient *http.Client
	Username   string
	Password   string
	Logger     *slog.Logger
}

// NewHTTPSigner creates a signer for url with a 30 second timeout.
func NewHTTPSigner(url string) *HTTPSigner {
	return &HTTPSigner{
		URL: url,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetCredentials sets basic authentication credentials.
func (s *HTTPSigner) SetCredentials(username, password string) {
	s.Username = username
	s.Password = password
}

// Timestamp implements TimestampSigner.
func (s *HTTPSigner) Timestamp(ctx context.Context, req *Request) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(req.DER))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", ContentTypeQuery)
	httpReq.Header.Set("Content-Transfer-Encoding", "binary")
	if s.Username != "" {
		httpReq.SetBasicAuth(s.Username, s.Password)
	}

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", s.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if s.Logger != nil {
		s.Logger.Debug("timestamp authority responded",
			slog.String("url", s.URL),
			slog.Int("status", resp.StatusCode),
			slog.Duration("elapsed", time.Since(start)))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, s.URL, bytes.TrimSpace(body))
	}
	return body, nil
}
