// Package aihttp holds the HTTP plumbing shared by the remote recognition providers.
package aihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/kiranshivaraju/jobcore/pkg/models"
)

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 4 << 20

// PostJSON sends body as JSON to url and returns the response body of a 2xx reply.
// Failures are mapped onto the models.Err* provider sentinels:
// timeouts to ErrInferenceTimeout, transport errors, 429 and 5xx to
// ErrProviderUnavailable, 422 to ErrNotRecognized, other statuses to ErrInvalidResponse.
func PostJSON(ctx context.Context, client *http.Client, url, bearer string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transportError(ctx, err), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", transportError(ctx, err), err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, models.ErrNotRecognized
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", models.ErrProviderUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", models.ErrInvalidResponse, resp.StatusCode)
	}
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.ErrInferenceTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.ErrInferenceTimeout
	}
	return models.ErrProviderUnavailable
}
