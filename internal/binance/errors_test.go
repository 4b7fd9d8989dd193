package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

// ============================================================================
// Classification
// ============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"post only", &APIError{HTTPStatus: 400, Code: CodePostOnlyRejected}, KindPostOnlyReject},
		{"would trigger", &APIError{HTTPStatus: 400, Code: CodeWouldTrigger}, KindWouldTrigger},
		{"duplicate stop", &APIError{HTTPStatus: 400, Code: CodeDuplicateStop}, KindDuplicateStop},
		{"too many stops", &APIError{HTTPStatus: 400, Code: CodeTooManyStopOrders}, KindTooManyStops},
		{"unknown order cancel", &APIError{HTTPStatus: 400, Code: CodeCancelRejected}, KindUnknownOrder},
		{"no such order", &APIError{HTTPStatus: 400, Code: CodeNoSuchOrder}, KindUnknownOrder},
		{"timestamp", &APIError{HTTPStatus: 400, Code: CodeInvalidTimestamp}, KindTransient},
		{"timeout code", &APIError{HTTPStatus: 408, Code: CodeTimeout}, KindTransient},
		{"429", &APIError{HTTPStatus: 429}, KindTransient},
		{"418", &APIError{HTTPStatus: 418, Code: 0, Msg: "banned"}, KindTransient},
		{"502", &APIError{HTTPStatus: 502, Msg: "<html>bad gateway</html>"}, KindTransient},
		{"business reject", &APIError{HTTPStatus: 400, Code: -2019, Msg: "Margin is insufficient."}, KindBusinessReject},
		{"auth", &APIError{HTTPStatus: 401, Msg: "unauthorized"}, KindFatal},
		{"wrapped", fmt.Errorf("error placing order: %w", &APIError{HTTPStatus: 400, Code: CodePostOnlyRejected}), KindPostOnlyReject},
		{"banned", fmt.Errorf("%w for 10s", ErrBanned), KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"malformed", fmt.Errorf("%w: eof", ErrMalformedResponse), KindFatal},
		{"net op", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindTransient},
		{"other", errors.New("boom"), KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseAPIError(t *testing.T) {
	e := parseAPIError(400, []byte(`{"code":-5022,"msg":"Post Only order will be rejected."}`))
	assert.Equal(t, -5022, e.Code)
	assert.Equal(t, 400, e.HTTPStatus)

	raw := parseAPIError(503, []byte("  Service Unavailable \n"))
	assert.Equal(t, 0, raw.Code)
	assert.Equal(t, "Service Unavailable", raw.Msg)
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError(&APIError{HTTPStatus: 503}))
	assert.True(t, isRetryableError(&APIError{HTTPStatus: 400, Code: CodeInvalidTimestamp}))
	assert.False(t, isRetryableError(&APIError{HTTPStatus: 429}), "rate limits record a ban instead")
	assert.False(t, isRetryableError(&APIError{HTTPStatus: 400, Code: CodeTooManyRequests}))
	assert.False(t, isRetryableError(&APIError{HTTPStatus: 400, Code: CodePostOnlyRejected}))
	assert.False(t, isRetryableError(context.Canceled))
}
