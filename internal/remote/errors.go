package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Classification is the failure classification contract for remote calls.
// It is always derived from transport behavior and HTTP status codes, never
// from error message text.
type Classification string

const (
	// ClassificationTransient covers network errors, timeouts and remote
	// unavailability; callers retry these with backoff.
	ClassificationTransient Classification = "transient"

	// ClassificationPermanent covers validation rejections and other client
	// errors; callers never retry these automatically.
	ClassificationPermanent Classification = "permanent"

	// ClassificationConflict covers conflicts the client cannot resolve
	// automatically; treated as permanent but distinguishable for reporting.
	ClassificationConflict Classification = "conflict"
)

// APIError represents an error response from the remote service
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	ErrorCode  string `json:"error"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("API error %d: %s - %s", e.StatusCode, e.ErrorCode, e.Message)
}

// Classification maps the HTTP status code onto the retry contract
func (e APIError) Classification() Classification {
	switch {
	case e.StatusCode == http.StatusConflict:
		return ClassificationConflict
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode >= 500:
		return ClassificationTransient
	default:
		return ClassificationPermanent
	}
}

// Classify returns the failure classification for any error produced by a
// remote call. Errors that are not APIError are transport-level failures and
// therefore transient.
func Classify(err error) Classification {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Classification()
	}
	return ClassificationTransient
}

// IsTransient reports whether err should be retried with backoff
func IsTransient(err error) bool {
	return Classify(err) == ClassificationTransient
}
