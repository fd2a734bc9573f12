package session

import (
	"errors"
	"fmt"

	"lifeshot.org/internal/apierr"
)

var (
	ErrLoginFailed     = errors.New("session: login failed")
	ErrUnknownRole     = errors.New("session: unknown role")
	ErrNoRefreshToken  = errors.New("session: no refresh token")
	ErrOAuthDisabled   = errors.New("session: oauth not configured")
	ErrInvalidResponse = errors.New("session: invalid auth response")
)

// ChallengeError is returned by Login when the identity provider demands a new
// password before issuing tokens. Session and Username feed CompleteNewPassword.
type ChallengeError struct {
	Challenge string
	Session   string
	Username  string
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("session: challenge %s required for %s", e.Challenge, e.Username)
}

func (e *ChallengeError) Unwrap() error { return apierr.ErrChallengeRequired }
