package resolver

import (
	"errors"
	"fmt"
)

// Code classifies a resolution failure.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"           // backend answered non-200 on at least one API version
	CodeBackendUnavailable Code = "BACKEND_UNAVAILABLE" // transport failure on all retries of both versions
	CodeInvalidResponse    Code = "INVALID_RESPONSE"    // 200 with an undecodable body
	CodeNoRoutes           Code = "NO_ROUTES"           // resolution succeeded but carried no routes
)

// ResolveError wraps the underlying failure with its taxonomy code.
type ResolveError struct {
	Code Code
	Err  error
}

func (e *ResolveError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// CodeOf extracts the resolution code from err, or "" if err is not a
// ResolveError.
func CodeOf(err error) Code {
	var re *ResolveError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsCode reports whether err carries the given resolution code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
