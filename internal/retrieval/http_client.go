package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPClient talks to a retrieval engine over its JSON query endpoint.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient builds a client for the engine at baseURL. No request
// timeout is set on the underlying http.Client; per-call deadlines arrive
// through ctx so the phase budget governs.
func NewHTTPClient(baseURL string, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		logger:  logger,
	}
}

type queryRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode"`
}

type queryResponse struct {
	Context string   `json:"context"`
	Sources []string `json:"sources,omitempty"`
}

// Retrieve posts the query and returns the assembled context. Deadline
// expiry maps to ErrTimeout; transport and server failures map to
// ErrUnavailable.
func (c *HTTPClient) Retrieve(ctx context.Context, query string, mode Mode) (Result, error) {
	start := time.Now()

	body, err := json.Marshal(queryRequest{Query: query, Mode: string(mode)})
	if err != nil {
		return Result{}, fmt.Errorf("encoding query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.logger.Warn("retrieval deadline exceeded",
				zap.String("mode", string(mode)),
				zap.Duration("elapsed", time.Since(start)))
			return Result{}, ErrTimeout
		}
		c.logger.Warn("retrieval engine unreachable", zap.Error(err))
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("retrieval engine error",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", snippet))
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}

	return Result{
		Context: out.Context,
		Sources: out.Sources,
		Latency: time.Since(start),
	}, nil
}
