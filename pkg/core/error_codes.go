package core

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Exchange error codes inspected by the client. The full table lives in the
// exchange's API reference; only codes that change client behavior are named.
const (
	CodeUnknown             = -1000
	CodeDisconnected        = -1001
	CodeUnauthorized        = -1002
	CodeTooManyRequests     = -1003
	CodeTimeout             = -1007
	CodeTooManyOrders       = -1015
	CodeServiceShuttingDown = -1016
	CodeInvalidTimestamp    = -1021
	CodeInvalidSignature    = -1022
	CodeIllegalChars        = -1100
	CodeMandatoryParamEmpty = -1102
	CodeListenKeyNotExist   = -1125
	CodeNewOrderRejected    = -2010
	CodeCancelRejected      = -2011
	CodeNoSuchOrder         = -2013
	CodeBadAPIKeyFormat     = -2014
	CodeRejectedMBXKey      = -2015
	CodeInsufficientBalance = -2019
	CodeReduceOnlyRejected  = -2022
	CodeMaxQuantityExceeded = -4005
	CodeInvalidPrecision    = -1111
)

const (
	headerRetryAfter = "Retry-After"
	headerUsedWeight = "X-Mbx-Used-Weight-1m"

	// defaultRateLimitCooldown applies when Retry-After is present but unparseable.
	defaultRateLimitCooldown = time.Second
)

// ClassifyCode maps an exchange error code to the error taxonomy.
func ClassifyCode(code int) ErrorType {
	switch code {
	case CodeTooManyRequests, CodeTooManyOrders:
		return ErrorTypeRateLimit
	case CodeUnauthorized, CodeInvalidSignature, CodeBadAPIKeyFormat, CodeRejectedMBXKey:
		return ErrorTypeAuth
	case CodeUnknown, CodeDisconnected, CodeTimeout, CodeServiceShuttingDown:
		return ErrorTypeTransient
	case CodeListenKeyNotExist:
		return ErrorTypeSessionExpired
	case CodeInvalidTimestamp:
		return ErrorTypeValidation
	}
	switch {
	case code <= -1100 && code >= -1199:
		return ErrorTypeValidation
	case code <= -2000 && code >= -2099:
		return ErrorTypeValidation
	case code <= -4000 && code >= -4999:
		return ErrorTypeValidation
	case code <= -5000 && code >= -5999:
		return ErrorTypeValidation
	}
	return ErrorTypeUnknown
}

// ClassifyStatus maps an HTTP status without a usable envelope to the error taxonomy.
func ClassifyStatus(status int) ErrorType {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return ErrorTypeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorTypeAuth
	case status >= 500:
		return ErrorTypeTransient
	case status >= 400:
		return ErrorTypeValidation
	default:
		return ErrorTypeUnknown
	}
}

type errorEnvelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ParseErrorEnvelope builds an Error from a non-2xx response.
// The HTTP status wins over the envelope code for rate limiting and server
// failures because those statuses are authoritative for retry decisions.
func ParseErrorEnvelope(status int, header http.Header, body []byte) *Error {
	var env errorEnvelope
	parsed := sonic.Unmarshal(body, &env) == nil && (env.Code != 0 || env.Msg != "")

	t := ClassifyStatus(status)
	if parsed && env.Code != 0 {
		if codeType := ClassifyCode(env.Code); codeType != ErrorTypeUnknown {
			switch t {
			case ErrorTypeRateLimit, ErrorTypeTransient:
				if codeType == ErrorTypeRateLimit || codeType == ErrorTypeTransient {
					t = codeType
				}
			default:
				t = codeType
			}
		}
	}

	msg := env.Msg
	if !parsed {
		msg = strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(status)
		}
	}

	e := NewAPIError(t, status, env.Code, msg)
	if t == ErrorTypeRateLimit {
		e.RetryAfter = ParseRetryAfter(header)
	}
	return e
}

// ParseRetryAfter reads the Retry-After header in seconds. Zero means absent.
func ParseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := strings.TrimSpace(header.Get(headerRetryAfter))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return defaultRateLimitCooldown
}

// ParseUsedWeight reads the request weight consumed in the current minute.
func ParseUsedWeight(header http.Header) int {
	if header == nil {
		return 0
	}
	n, _ := strconv.Atoi(header.Get(headerUsedWeight))
	return n
}

// IsErrorCode reports whether err carries the given exchange error code.
func IsErrorCode(err error, code int) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}
