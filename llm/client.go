package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// maxErrorBodySize limits how much of an error response is read.
const maxErrorBodySize = 64 * 1024

// openStream posts a completion request and returns the response once the
// server has accepted it. The caller owns the body.
func (e *Engine) openStream(ctx context.Context, prompt string, params SamplingParams) (*http.Response, error) {
	body, err := e.provider.BuildRequestBody(prompt, params)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	url := e.provider.BuildURL(e.server.URL)
	e.logger.Debug("Sending completion request",
		"provider", e.provider.Name(),
		"url", url,
		"prompt_bytes", len(prompt),
		"max_tokens", params.MaxTokens)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	e.provider.SetHeaders(req)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, classifyHTTPError(resp.StatusCode, respBody)
	}
	return resp, nil
}

// checkHealth performs one readiness probe. It returns (true, nil) once the
// server can serve, (false, nil) while it is still loading.
func (e *Engine) checkHealth(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.provider.HealthURL(e.server.URL), nil)
	if err != nil {
		return false, NewFatalError(err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		// Not listening yet
		return false, nil
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	if resp.StatusCode == http.StatusOK {
		return true, nil
	}
	err = classifyHTTPError(resp.StatusCode, respBody)
	if IsTransient(err) {
		return false, nil
	}
	return false, err
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("inference server error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Server busy with another slot
		return NewTransientError(err)
	case statusCode == http.StatusServiceUnavailable,
		statusCode == http.StatusBadGateway,
		statusCode == http.StatusGatewayTimeout:
		// Still loading, or restarting
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusBadRequest:
		// Bad requests (e.g. prompt exceeds the context window) are fatal
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}
