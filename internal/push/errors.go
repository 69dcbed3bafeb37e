package push

import (
	"errors"

	"firebase.google.com/go/v4/messaging"
)

// Provider error codes that mean the device token is permanently unusable.
const (
	CodeTokenNotRegistered = "registration-token-not-registered"
	CodeInvalidToken       = "invalid-registration-token"
)

// ErrInvalidToken marks an error as a permanently rejected device token.
var ErrInvalidToken = errors.New("invalid device token")

// ProviderError is a classified error reported by a push provider.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return "push provider: " + e.Code
	}
	return "push provider: " + e.Code + ": " + e.Message
}

// IsInvalidToken reports whether err means the target token must be
// discarded. Such errors are never retried.
func IsInvalidToken(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidToken) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code == CodeTokenNotRegistered || pe.Code == CodeInvalidToken
	}
	return messaging.IsUnregistered(err) || messaging.IsSenderIDMismatch(err)
}
