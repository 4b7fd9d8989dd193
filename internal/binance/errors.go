package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorKind is the handling category of an exchange error
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTransient
	KindPostOnlyReject
	KindWouldTrigger
	KindDuplicateStop
	KindTooManyStops
	KindUnknownOrder
	KindBusinessReject
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindPostOnlyReject:
		return "post_only_reject"
	case KindWouldTrigger:
		return "would_trigger"
	case KindDuplicateStop:
		return "duplicate_stop"
	case KindTooManyStops:
		return "too_many_stops"
	case KindUnknownOrder:
		return "unknown_order"
	case KindBusinessReject:
		return "business_reject"
	default:
		return "fatal"
	}
}

// Binance error codes the engine reacts to
const (
	CodeDisconnected        = -1001
	CodeTooManyRequests     = -1003
	CodeTimeout             = -1007
	CodeTooManyOrders       = -1015
	CodeServiceShuttingDown = -1016
	CodeInvalidTimestamp    = -1021
	CodeCancelRejected      = -2011
	CodeNoSuchOrder         = -2013
	CodeWouldTrigger        = -2021
	CodeTooManyStopOrders   = -4045
	CodeDuplicateStop       = -4130
	CodePostOnlyRejected    = -5022
)

var (
	// ErrBanned is returned while the IP ban reported by the exchange is active
	ErrBanned = errors.New("binance: request weight ban active")
	// ErrMalformedResponse wraps bodies that could not be decoded
	ErrMalformedResponse = errors.New("binance: malformed response")
)

// APIError is a non-2xx response from the exchange
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance API error (status %d): code=%d msg=%s", e.HTTPStatus, e.Code, e.Msg)
}

// parseAPIError builds an APIError from a response body. Bodies that are not
// the {"code","msg"} envelope keep the raw text and code 0.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{HTTPStatus: status}
	if err := json.Unmarshal(body, apiErr); err != nil || (apiErr.Code == 0 && apiErr.Msg == "") {
		apiErr.Code = 0
		apiErr.Msg = strings.TrimSpace(string(body))
	}
	return apiErr
}

// Classify maps an error returned by the client to its handling category
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrBanned) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}

	if errors.Is(err, ErrMalformedResponse) {
		return KindFatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}
	return KindFatal
}

func classifyAPIError(e *APIError) ErrorKind {
	switch e.Code {
	case CodePostOnlyRejected:
		return KindPostOnlyReject
	case CodeWouldTrigger:
		return KindWouldTrigger
	case CodeDuplicateStop:
		return KindDuplicateStop
	case CodeTooManyStopOrders:
		return KindTooManyStops
	case CodeCancelRejected, CodeNoSuchOrder:
		return KindUnknownOrder
	case CodeDisconnected, CodeTooManyRequests, CodeTimeout, CodeTooManyOrders,
		CodeServiceShuttingDown, CodeInvalidTimestamp:
		return KindTransient
	}

	switch {
	case e.HTTPStatus == http.StatusTooManyRequests || e.HTTPStatus == http.StatusTeapot:
		return KindTransient
	case e.HTTPStatus >= 500:
		return KindTransient
	case e.HTTPStatus >= 400 && e.Code != 0:
		return KindBusinessReject
	}
	return KindFatal
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsRateLimited reports whether err is a 429/418 or a weight ban
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrBanned) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatus == http.StatusTooManyRequests ||
			apiErr.HTTPStatus == http.StatusTeapot ||
			apiErr.Code == CodeTooManyRequests
	}
	return false
}

// isRetryableError checks if an error should be retried inside the client.
// Post-only, trigger and other business rejects are returned to the caller.
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsRateLimited(err) {
		return false
	}
	return Classify(err) == KindTransient
}
