package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/eventdesk/eventdesk-go/pkg/apperrors"
)

// apiErrorBody covers the two error shapes the event API produces: a nested
// {"error":{"code","message"}} object and a flat {"message","statusCode"}
// body.
type apiErrorBody struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

// ParseResponseError reads the body of a non-2xx HTTP response and translates
// it into an AppError carrying a human-readable message. The caller should
// only invoke this when resp.StatusCode indicates an error. The response body
// is fully consumed and closed.
func ParseResponseError(resp *http.Response, resource string) error {
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB limit
	if err != nil {
		return fmt.Errorf("%s returned status %d (failed to read body: %w)", resource, resp.StatusCode, err)
	}

	message := extractMessage(bodyBytes)
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return apperrors.Unauthorized(fmt.Sprintf("%s: %s", resource, message))
	case http.StatusNotFound:
		return apperrors.NotFound(resource, message)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperrors.InvalidInput(fmt.Sprintf("%s: %s", resource, message))
	default:
		return &apperrors.AppError{
			Code:    "UPSTREAM_ERROR",
			Message: fmt.Sprintf("%s: %s", resource, message),
			Status:  resp.StatusCode,
		}
	}
}

// extractMessage pulls a human-readable message out of an error body,
// tolerating both supported shapes and plain-text bodies.
func extractMessage(body []byte) string {
	var parsed apiErrorBody
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Error != nil && parsed.Error.Message != "" {
			return parsed.Error.Message
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	if len(body) > 0 && len(body) <= 256 {
		return string(body)
	}
	return ""
}

// IsClientError returns true if the HTTP status code is a 4xx client error.
func IsClientError(status int) bool {
	return status >= 400 && status < 500
}
