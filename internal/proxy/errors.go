package proxy

import (
	"fmt"
	"net/http"
	"strings"
)

// Proxy error codes. Every error leaving this package carries one.
const (
	CodePathInvalid     = "PROXY_PATH_INVALID"
	CodeServiceNotFound = "PROXY_SERVICE_NOT_FOUND"
	CodeTokenMissing    = "PROXY_TOKEN_MISSING"
	CodeTokenExpired    = "PROXY_TOKEN_EXPIRED"
	CodeTokenInvalid    = "PROXY_TOKEN_INVALID"
	CodeConfigError     = "PROXY_CONFIG_ERROR"
	CodeTargetError     = "PROXY_TARGET_ERROR"
)

// Error is a proxy failure with its wire representation.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	Status  int    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func pathInvalid(message string) *Error {
	return &Error{Code: CodePathInvalid, Message: message, Status: http.StatusBadRequest}
}

func serviceNotFound(name string, available []string) *Error {
	return &Error{
		Code:    CodeServiceNotFound,
		Message: fmt.Sprintf("unknown service %q, available services: %s", name, strings.Join(available, ", ")),
		Status:  http.StatusNotFound,
	}
}

func tokenMissing(service string) *Error {
	return &Error{
		Code:    CodeTokenMissing,
		Message: fmt.Sprintf("no proxy token presented for service %q", service),
		Status:  http.StatusUnauthorized,
	}
}

func tokenExpired() *Error {
	return &Error{Code: CodeTokenExpired, Message: "proxy token has expired", Status: http.StatusUnauthorized}
}

func tokenInvalid(reason string) *Error {
	return &Error{
		Code:    CodeTokenInvalid,
		Message: fmt.Sprintf("proxy token is invalid: %s", reason),
		Status:  http.StatusUnauthorized,
	}
}

func missingCredential(envVar string) *Error {
	return &Error{
		Code:    CodeConfigError,
		Message: fmt.Sprintf("credential %s is not configured", envVar),
		Status:  http.StatusInternalServerError,
	}
}

func targetError(target string, err error) *Error {
	return &Error{
		Code:    CodeTargetError,
		Message: fmt.Sprintf("failed to reach upstream %s: %v", target, err),
		Status:  http.StatusBadGateway,
	}
}
