package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the remote API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("remote: %d %s", e.StatusCode, e.Message)
}

// Kind classifies a remote failure for retry decisions.
type Kind int

const (
	// KindTransient covers timeouts, DNS, refused connections and 5xx; retry later.
	KindTransient Kind = iota
	// KindUnauthorized is a 401; the token must be refreshed.
	KindUnauthorized
	// KindValidation is any other 4xx; retrying the same payload will not help.
	KindValidation
	// KindNotFound is a 404 for the addressed resource.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	default:
		return "transient"
	}
}

// Classify maps err to a Kind. Anything that is not an APIError is transient.
func Classify(err error) Kind {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return KindTransient
	}
	switch code := apiErr.StatusCode; {
	case code == http.StatusUnauthorized:
		return KindUnauthorized
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return KindTransient
	case code >= 400 && code < 500:
		return KindValidation
	default:
		return KindTransient
	}
}

// IsRejection reports whether err is an authoritative refusal rather than a
// failure to reach the remote.
func IsRejection(err error) bool {
	return Classify(err) != KindTransient
}
