package driftline

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIErrorRetryability(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusConflict, false},
	}
	for _, tc := range cases {
		err := &APIError{StatusCode: tc.status, Status: http.StatusText(tc.status)}
		assert.Equal(t, tc.retryable, err.IsRetryable(), "status %d", tc.status)
		assert.Equal(t, tc.retryable, IsRetryable(err), "status %d", tc.status)
	}
}

func TestNetworkErrorIsAlwaysRetryable(t *testing.T) {
	err := &NetworkError{Op: "POST /track", Err: errors.New("connection refused")}
	assert.True(t, IsRetryable(err))
	assert.Equal(t, ErrorTypeNetwork, classify(err))

	timeout := &NetworkError{Op: "POST /track", Timeout: true, Err: errors.New("deadline exceeded")}
	assert.True(t, IsRetryable(timeout))
	assert.Equal(t, ErrorTypeTimeout, classify(timeout))
}

func TestIsRetryableUnknownError(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("something else")))
	assert.False(t, IsRetryable(nil))
}

func TestParseAPIError(t *testing.T) {
	req := RequestInfo{URL: "https://ingest.test/track", Method: http.MethodPost}

	t.Run("json error document", func(t *testing.T) {
		err := parseAPIError(400, []byte(`{"error":"unknown field","code":"invalid_payload"}`), req)
		assert.Equal(t, "unknown field", err.Message)
		assert.Equal(t, "invalid_payload", err.Code)
		assert.Equal(t, "Bad Request", err.Status)
		assert.Contains(t, err.Error(), "invalid_payload")
	})

	t.Run("plain text body", func(t *testing.T) {
		err := parseAPIError(502, []byte("bad gateway"), req)
		assert.Equal(t, 502, err.StatusCode)
		assert.Empty(t, err.Code)
		assert.Empty(t, err.Body, "non-JSON bodies are not retained")
	})

	t.Run("empty body", func(t *testing.T) {
		err := parseAPIError(500, nil, req)
		assert.Equal(t, 500, err.StatusCode)
		assert.NotEmpty(t, err.Error())
	})
}

func TestErrorUnwrapping(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	netErr := &NetworkError{Op: "POST /batch", Err: inner}
	assert.ErrorIs(t, netErr, inner)

	wrapped := fmt.Errorf("delivering event: %w", &APIError{StatusCode: 503})
	var apiErr *APIError
	require.ErrorAs(t, wrapped, &apiErr)
	assert.Equal(t, 503, apiErr.StatusCode)
	assert.True(t, IsRetryable(wrapped))
}

func TestErrorTypeString(t *testing.T) {
	assert.Equal(t, "network", ErrorTypeNetwork.String())
	assert.Equal(t, "timeout", ErrorTypeTimeout.String())
	assert.Equal(t, "server", ErrorTypeServer.String())
	assert.Equal(t, "client", ErrorTypeClient.String())
	assert.Equal(t, "unknown", ErrorTypeUnknown.String())
}
