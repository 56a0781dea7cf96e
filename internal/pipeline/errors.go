package pipeline

import (
	"errors"

	"github.com/kalambet/carllm/internal/openrouter"
)

// Sentinel errors for the entry point guards. Callers match them with
// errors.Is; Kind maps them onto the wire error types.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("permission denied")
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrPrecondition    = errors.New("failed precondition")
)

// Kind classifies err for transport layers.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrPrecondition):
		return "failed_precondition"
	case openrouter.IsProviderError(err):
		return "provider"
	default:
		return "internal"
	}
}
