package driftline

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Usage errors returned by the client facade. These indicate caller bugs and
// are returned directly rather than being swallowed by the delivery pipeline.
// Check for them with errors.Is().
//
// Example:
//
//	if err := client.Track(ctx, "signup", nil); errors.Is(err, driftline.ErrNotInitialized) {
//	    // Init was never called
//	}
var (
	// ErrMissingAPIKey is returned when the configuration has no API key.
	ErrMissingAPIKey = errors.New("driftline: missing API key")

	// ErrNotInitialized is returned when a tracking method is called before Init.
	ErrNotInitialized = errors.New("driftline: client must be initialized: call Init first")

	// ErrClosed is returned when a method is called after Close.
	ErrClosed = errors.New("driftline: client is closed")

	// ErrAlreadyIdentified is returned when Identify is called with a user id
	// that differs from the one the client is already identified as.
	ErrAlreadyIdentified = errors.New("driftline: already identified")

	// ErrReservedUserID is returned when Identify or Alias is called with a
	// reserved or empty user id.
	ErrReservedUserID = errors.New("driftline: reserved user id")

	// ErrNotIdentified is returned by UpdateTraits when Identify was never called.
	ErrNotIdentified = errors.New("driftline: not identified: call Identify before UpdateTraits")

	// ErrUnknownStrategy is returned when an unrecognized persistence strategy
	// is configured. This is a configuration error, not a capability fallback.
	ErrUnknownStrategy = errors.New("driftline: unknown persistence strategy")
)

// ErrorType categorizes delivery-pipeline errors for retry decisions.
type ErrorType int

const (
	// ErrorTypeUnknown represents an unclassified error.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeNetwork represents transport-level failures (connection refused,
	// DNS, reset connections).
	ErrorTypeNetwork
	// ErrorTypeTimeout represents a request that was aborted by its deadline.
	ErrorTypeTimeout
	// ErrorTypeServer represents 5xx responses from the ingestion API.
	ErrorTypeServer
	// ErrorTypeClient represents 4xx responses from the ingestion API.
	ErrorTypeClient
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeServer:
		return "server"
	case ErrorTypeClient:
		return "client"
	default:
		return "unknown"
	}
}

// RequestInfo echoes the request that produced an error, for diagnostics.
type RequestInfo struct {
	// URL is the full request URL, including the api_key query parameter.
	URL string `json:"url,omitempty"`
	// Method is the HTTP method used.
	Method string `json:"method,omitempty"`
	// Payload is the JSON body that was sent.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// APIError represents a non-success HTTP response from the ingestion API.
// It carries the status, the server-provided error code when the error body
// could be parsed, and the original request for diagnostics.
//
// Example:
//
//	var apiErr *driftline.APIError
//	if errors.As(err, &apiErr) && apiErr.Code == "environment_not_found" {
//	    // the configured environment does not exist
//	}
type APIError struct {
	// StatusCode is the HTTP status code from the response.
	StatusCode int `json:"-"`
	// Status is the HTTP status text.
	Status string `json:"-"`
	// Message is the error message from the server, if any.
	Message string `json:"error"`
	// Code is an optional server error code for programmatic handling.
	Code string `json:"code,omitempty"`
	// Body is the raw response body, kept when it parsed as JSON.
	Body json.RawMessage `json:"-"`
	// Request echoes the request that failed.
	Request RequestInfo `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("driftline: api error (status %d %s, code %s): %s", e.StatusCode, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("driftline: api error (status %d %s): %s", e.StatusCode, e.Status, e.Message)
}

// IsServerError returns true for 5xx responses.
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500
}

// IsRetryable returns true if the request may succeed on a later attempt.
func (e *APIError) IsRetryable() bool {
	if e.IsServerError() {
		return true
	}
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}

// Type classifies the error for retry decisions.
func (e *APIError) Type() ErrorType {
	if e.IsServerError() {
		return ErrorTypeServer
	}
	return ErrorTypeClient
}

// parseAPIError builds an APIError from a non-success response, extracting the
// structured error code when the body is a JSON error document.
func parseAPIError(statusCode int, body []byte, req RequestInfo) *APIError {
	apiErr := &APIError{
		StatusCode: statusCode,
		Status:     http.StatusText(statusCode),
		Request:    req,
	}
	if len(body) > 0 && json.Valid(body) {
		apiErr.Body = json.RawMessage(body)
		// Best effort: ignore parse failures, the status alone is enough.
		_ = json.Unmarshal(body, apiErr)
	}
	return apiErr
}

// NetworkError represents a transport-level failure such as a refused
// connection, DNS failure, or an aborted request. It is distinct from
// HTTP-level application errors, which are represented by APIError.
type NetworkError struct {
	// Op is the operation that failed, e.g. "POST /track".
	Op string
	// Timeout reports whether the failure was a deadline abort.
	Timeout bool
	// Err is the underlying transport error.
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("driftline: timeout during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("driftline: network error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Type classifies the error for retry decisions.
func (e *NetworkError) Type() ErrorType {
	if e.Timeout {
		return ErrorTypeTimeout
	}
	return ErrorTypeNetwork
}

// IsRetryable reports whether a delivery error may succeed on a later
// attempt. Network failures, timeouts, 5xx and 429 responses are retryable;
// other client errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	return false
}

// classify returns the ErrorType of a delivery error.
func classify(err error) ErrorType {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Type()
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Type()
	}
	return ErrorTypeUnknown
}
