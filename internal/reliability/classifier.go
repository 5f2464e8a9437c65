package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes, e.g. on the
// model-leg websocket handshake response.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableModelErrorCode classifies model-leg error event codes that are
// worth a redial.
func IsRetryableModelErrorCode(code string) bool {
	switch code {
	case "rate_limit_exceeded", "server_error", "session_expired":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
