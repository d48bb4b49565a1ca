package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
)

// Kind classifies a failed request for the sync and orchestration layers.
type Kind string

const (
	KindUnauthorized   Kind = "unauthorized"
	KindForbidden      Kind = "forbidden"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindBadRequest     Kind = "bad_request"
	KindClientError    Kind = "client_error"
	KindServerError    Kind = "server_error"
	KindTimeout        Kind = "timeout"
	KindNetworkFailure Kind = "network_failure"
	KindCancelled      Kind = "cancelled"
	KindDecoding       Kind = "decoding"
)

type Error struct {
	Kind       Kind
	StatusCode int
	Code       string
	Message    string
	cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "":
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	case message != "":
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	case e.StatusCode > 0:
		return fmt.Sprintf("http %d", e.StatusCode)
	case e.cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// Connectivity reports whether the failure means the server was never reached
// or did not answer in time.
func (e *Error) Connectivity() bool {
	if e == nil {
		return false
	}
	return e.Kind == KindTimeout || e.Kind == KindNetworkFailure
}

func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// StatusError builds the error for a non-2xx response.
func StatusError(status int, code, message string) *Error {
	return &Error{Kind: KindForStatus(status), StatusCode: status, Code: code, Message: message}
}

func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusBadRequest:
		return KindBadRequest
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindServerError
	case status >= 400:
		return KindClientError
	default:
		return KindClientError
	}
}

// Classify maps an arbitrary error onto *Error, keeping the original as cause.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, cause: err}
	}

	var uerr *url.Error
	if errors.As(err, &uerr) {
		var nerr net.Error
		if errors.As(uerr.Err, &nerr) && nerr.Timeout() {
			return &Error{Kind: KindTimeout, cause: err}
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: KindNetworkFailure, Message: "dns lookup failed", cause: err}
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &Error{Kind: KindTimeout, cause: err}
	}

	var operr *net.OpError
	if errors.As(err, &operr) {
		return &Error{Kind: KindNetworkFailure, cause: err}
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH):
		return &Error{Kind: KindNetworkFailure, cause: err}
	}

	// the server hung up mid-response
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &Error{Kind: KindNetworkFailure, cause: err}
	}
	return &Error{Kind: KindClientError, Message: err.Error(), cause: err}
}

// IsConnectivity reports whether err is a timeout or network failure.
func IsConnectivity(err error) bool {
	return Classify(err).Connectivity()
}

func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Kind == KindCancelled
}
