package ailink

import (
	"context"
	"errors"
	"strings"

	"github.com/namelens/headroom/internal/ailink/driver"
)

// MapError classifies err into a stable code for output and logs.
func MapError(err error) *RequestError {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPauseCancelled) {
		return &RequestError{Code: "HEADROOM_PAUSE_CANCELLED", Message: "rate limit pause cancelled", Details: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &RequestError{Code: "HEADROOM_CANCELLED", Message: "request cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestError{Code: "AILINK_PROVIDER_TIMEOUT", Message: "provider request timed out"}
	}

	if perr, ok := driver.AsProviderError(err); ok {
		status := perr.StatusCode
		details := strings.TrimSpace(perr.Message)
		switch {
		case status == 401 || status == 403:
			return &RequestError{Code: "AILINK_PROVIDER_AUTH", Message: "provider authentication failed", Details: details}
		case status == 429:
			return &RequestError{Code: "AILINK_PROVIDER_RATE_LIMIT", Message: "provider rate limited", Details: details}
		case status >= 500 && status <= 599:
			return &RequestError{Code: "AILINK_PROVIDER_UNAVAILABLE", Message: "provider unavailable", Details: details}
		case status >= 400 && status <= 499:
			return &RequestError{Code: "AILINK_PROVIDER_BAD_REQUEST", Message: "provider rejected request", Details: details}
		default:
			return &RequestError{Code: "AILINK_PROVIDER_ERROR", Message: "provider request failed", Details: details}
		}
	}

	return &RequestError{Code: "AILINK_PROVIDER_ERROR", Message: "provider request failed", Details: safeOneLine(err.Error())}
}

func safeOneLine(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
}
