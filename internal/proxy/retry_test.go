package proxy

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetriableSubstrings(t *testing.T) {
	cases := []string{
		"dial tcp 10.0.0.1:443: connection refused",
		"read tcp: connection reset by peer",
		"dial tcp: no route to host",
		"dial tcp: network is unreachable",
		"context deadline exceeded (Client.Timeout exceeded)",
		"connection timed out",
		"TLS handshake failed",
		"x509: certificate verify failed",
		"SSL handshake failed",
		"Bad SSL client hello",
	}
	for _, msg := range cases {
		assert.True(t, isRetriable(errors.New(msg)), "message %q", msg)
	}
}

func TestRetriableTypedErrors(t *testing.T) {
	assert.True(t, isRetriable(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	assert.True(t, isRetriable(fmt.Errorf("read: %w", syscall.ECONNRESET)))
	assert.True(t, isRetriable(fmt.Errorf("dial: %w", syscall.EHOSTUNREACH)))
	assert.True(t, isRetriable(fmt.Errorf("dial: %w", syscall.ENETUNREACH)))
	assert.True(t, isRetriable(context.DeadlineExceeded))
}

func TestNonRetriableErrors(t *testing.T) {
	cases := []error{
		nil,
		errors.New("unexpected EOF"),
		errors.New("http: request body too large"),
		errors.New("malformed HTTP response"),
		context.Canceled,
	}
	for _, err := range cases {
		assert.False(t, isRetriable(err), "error %v", err)
	}
}
