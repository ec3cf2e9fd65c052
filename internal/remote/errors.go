package remote

import (
	"errors"
	"fmt"
)

// WSError is an explicit rejection from the LMS web service: the server
// understood the request and refused it. These are never retryable; the sync
// engine responds by discarding the offending offline action.
type WSError struct {
	Method  string
	Code    string
	Message string
}

func (e *WSError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Method, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// ConnectivityError wraps a transport failure: timeout, DNS, dropped
// connection, device offline. Retryable; offline data must never be
// discarded because of one.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("couldn't connect to the site: %v", e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// IsWebServiceError reports whether err is a tagged web-service rejection.
func IsWebServiceError(err error) bool {
	var wsErr *WSError
	return errors.As(err, &wsErr)
}

// IsConnectivityError reports whether err is a transient transport failure.
func IsConnectivityError(err error) bool {
	var connErr *ConnectivityError
	return errors.As(err, &connErr)
}
