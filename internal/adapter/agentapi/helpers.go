package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"assistant-chat/internal/domain"
)

// maxResponseBody bounds non-streaming response bodies.
const maxResponseBody = 1 << 20

// mapHTTPError maps a non-2xx status and its body to a domain error.
// notFound is the sentinel used for 404, which depends on the resource.
func mapHTTPError(statusCode int, body []byte, notFound error) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, strings.TrimSpace(string(body)))

	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", notFound, detail)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", domain.ErrLimitReached, detail)
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, detail)
	case statusCode >= 500:
		return fmt.Errorf("%w: %s", domain.ErrTransport, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	}
}

// transportError classifies a failed round trip. Context errors pass
// through unchanged so callers can tell cancellation from network trouble.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrTransport, err)
}

// readBody reads a bounded response body and closes it.
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrTransport, err)
	}
	return body, nil
}

// decodeID reads an identifier the server returns either as a JSON string,
// as an object with an "id" field, or as bare text.
func decodeID(body []byte) (string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "", fmt.Errorf("%w: empty id in response", domain.ErrProviderError)
	}
	switch body[0] {
	case '"':
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return "", fmt.Errorf("%w: decode id: %v", domain.ErrProviderError, err)
		}
		if s == "" {
			return "", fmt.Errorf("%w: empty id in response", domain.ErrProviderError)
		}
		return s, nil
	case '{':
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &obj); err != nil || obj.ID == "" {
			return "", fmt.Errorf("%w: response has no id", domain.ErrProviderError)
		}
		return obj.ID, nil
	default:
		return string(body), nil
	}
}
