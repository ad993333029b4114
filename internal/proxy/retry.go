package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"
	"syscall"
)

// retriableSubstrings is the catch-all for transport failures that
// surface as opaque error strings from the TCP/TLS/DNS stacks. Matched
// case-insensitively after the typed checks below.
var retriableSubstrings = []string{
	"connection refused",
	"connection reset by peer",
	"no route to host",
	"network is unreachable",
	"timeout",
	"connection timed out",
	"handshake failed",
	"certificate verify failed",
	"ssl handshake failed",
	"bad ssl client hello",
}

// isRetriable reports whether a proxy attempt failure should trigger
// the next route in the failover sequence. Only transport-level
// failures before response headers qualify; once a backend produced an
// HTTP response it is forwarded verbatim, whatever the status.
func isRetriable(err error) bool {
	if err == nil {
		return false
	}

	// Typed taxonomy first: connect and handshake failures.
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostnameErr      x509.HostnameError
		certInvalid      x509.CertificateInvalidError
		recordHeaderErr  tls.RecordHeaderError
	)
	if errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &certInvalid) ||
		errors.As(err, &recordHeaderErr) {
		return true
	}

	// Substring fallback for whatever the stacks didn't type.
	msg := strings.ToLower(err.Error())
	for _, s := range retriableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
