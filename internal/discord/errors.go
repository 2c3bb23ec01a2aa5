package discord

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound covers both a 404 from the API and a channel name that
	// matches nothing in the guild.
	ErrNotFound = errors.New("discord: not found")
	// ErrRetriesExhausted wraps the last failure once every attempt is spent.
	ErrRetriesExhausted = errors.New("discord: retries exhausted")
	ErrEmptyContent     = errors.New("discord: empty message content")
	ErrInvalidUserID    = errors.New("discord: invalid user id")
)

// APIError is a non-2xx response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// RateLimited reports whether the failure was a 429.
func (e *APIError) RateLimited() bool { return e.Status == http.StatusTooManyRequests }
