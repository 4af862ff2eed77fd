// Package errors parses error responses returned by upstream HTTP services.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MinErrorStatusCode is the minimum HTTP status code considered an error.
const MinErrorStatusCode = 400

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// HTTPError represents an upstream HTTP error response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	Message    string
	// Code is the machine-readable code when the body carries one.
	Code string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP error (%d %s): %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP error: %d %s", e.StatusCode, e.Status)
}

// ParseHTTPError returns nil for non-error responses, otherwise an *HTTPError
// populated from a JSON {"error","message","code"} body when present.
func ParseHTTPError(resp *http.Response) error {
	if resp.StatusCode < MinErrorStatusCode {
		return nil
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Message:    fmt.Sprintf("failed to read error response body: %v", err),
		}
	}

	httpErr := &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(bodyBytes),
		Message:    string(bodyBytes),
	}

	var jsonErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if json.Unmarshal(bodyBytes, &jsonErr) == nil {
		httpErr.Code = jsonErr.Code
		switch {
		case jsonErr.Error != "":
			httpErr.Message = jsonErr.Error
		case jsonErr.Message != "":
			httpErr.Message = jsonErr.Message
		}
	}

	return httpErr
}

// GetHTTPStatusCode extracts the status code from an *HTTPError anywhere in
// err's chain.
func GetHTTPStatusCode(err error) (int, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode, true
	}
	return 0, false
}
