package models

import (
	"errors"
	"strings"

	"github.com/mpernot/ordo/internal/capability"
)

// Classify converts raw SDK errors into typed provider errors so retry policy
// upstream can tell transient faults from permanent ones. Errors that are
// already classified pass through unchanged.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}

	var pe *capability.ProviderError
	if errors.As(err, &pe) {
		return err
	}

	errStr := strings.ToLower(err.Error())

	kind := capability.KindUnavailable
	switch {
	case containsAny(errStr, "401", "403", "unauthorized", "invalid api key", "api key", "forbidden"):
		kind = capability.KindAuth
	case containsAny(errStr, "429", "rate limit", "quota", "too many requests"):
		kind = capability.KindRateLimited
	case containsAny(errStr, "context length", "too many tokens", "max tokens", "token limit"):
		kind = capability.KindContextLength
	case containsAny(errStr, "model not found", "404", "not found"):
		kind = capability.KindNotFound
	case containsAny(errStr, "connection", "eof", "timeout", "dial", "refused"):
		kind = capability.KindConnection
	}

	return &capability.ProviderError{Provider: provider, Kind: kind, Err: err}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
