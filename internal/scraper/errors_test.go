package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassificationFatal(t *testing.T) {
	t.Parallel()
	require.True(t, ClassifyAuthentication.Fatal())
	require.True(t, ClassifySecurity.Fatal())
	require.False(t, ClassifyNetworkTimeout.Fatal())
	require.False(t, ClassifyRateLimited.Fatal())
	require.False(t, ClassifyParse.Fatal())
	require.False(t, ClassifyValidation.Fatal())
}

func TestErrorWrapAndContext(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection reset")
	err := NewError(ClassifyNetworkTimeout, "fetch failed").
		Wrap(cause).
		With("url", "https://lab.example.gov/tech/123")

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "network_timeout")
	require.Contains(t, err.Error(), "connection reset")
	require.Equal(t, "https://lab.example.gov/tech/123", err.Context["url"])

	se, ok := AsError(fmt.Errorf("dispatch: %w", err))
	require.True(t, ok)
	require.Equal(t, ClassifyNetworkTimeout, se.Kind)
}

func TestClassificationOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{"typed error wins", NewError(ClassifySecurity, "encrypted"), ClassifySecurity},
		{"deadline exceeded", context.DeadlineExceeded, ClassifyNetworkTimeout},
		{"wrapped deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), ClassifyNetworkTimeout},
		{"connection refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, ClassifyNetworkTimeout},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "lab.example.edu"}, ClassifyNetworkTimeout},
		{"wrapped url error", &url.Error{Op: "Get", URL: "https://lab.example.edu", Err: errors.New("tls handshake failure")}, ClassifyNetworkTimeout},
		{"opaque error", errors.New("bad markup"), ClassifyParse},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ClassificationOf(tc.err))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()
	require.Equal(t, ClassifyRateLimited, ClassifyStatus(http.StatusTooManyRequests))
	require.Equal(t, ClassifyAuthentication, ClassifyStatus(http.StatusUnauthorized))
	require.Equal(t, ClassifyAuthentication, ClassifyStatus(http.StatusForbidden))
	require.Equal(t, ClassifyNetworkTimeout, ClassifyStatus(http.StatusBadGateway))
	require.Equal(t, ClassifyNetworkTimeout, ClassifyStatus(http.StatusGatewayTimeout))
	require.Equal(t, ClassifyValidation, ClassifyStatus(http.StatusNotFound))
	require.Equal(t, Classification(""), ClassifyStatus(http.StatusOK))
}
