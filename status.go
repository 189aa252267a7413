package embhttp

import "github.com/embhttp/embhttp/internal/http1"

// StatusText returns the canonical reason phrase for an HTTP status code,
// or the empty string if the code has none.
func StatusText(code int) string { return http1.ReasonPhrase(code) }

func validStatus(code int) bool { return code >= 100 && code <= 599 }

// bodylessStatus reports whether a response with this status never
// carries a message body.
func bodylessStatus(code int) bool {
	return code == 204 || code == 304 || (code >= 100 && code < 200)
}

// statusClass buckets a status code for metric labels ("2xx", "4xx", ...).
func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
