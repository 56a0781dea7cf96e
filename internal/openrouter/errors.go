package openrouter

import (
	"errors"
	"fmt"
)

// ProviderError is returned for every transport failure, non-2xx status, or
// broken stream. Callers treat it as a single error kind.
type ProviderError struct {
	Op     string
	Status int
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("openrouter %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("openrouter %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsProviderError reports whether err is, or wraps, a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// rateLimitError is returned on HTTP 429 and drives the retry loop.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}
