package capability

import "fmt"

// ErrorKind classifies provider failures so retry policy can distinguish
// transient faults from permanent ones.
type ErrorKind string

const (
	KindAuth          ErrorKind = "auth"
	KindRateLimited   ErrorKind = "rate_limited"
	KindContextLength ErrorKind = "context_length"
	KindNotFound      ErrorKind = "not_found"
	KindConnection    ErrorKind = "connection"
	KindUnavailable   ErrorKind = "unavailable"
)

// ProviderError wraps a provider SDK error with its classification.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindConnection, KindUnavailable:
		return true
	}
	return false
}
