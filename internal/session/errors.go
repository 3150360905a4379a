package session

import "errors"

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrQueueTimeout         = errors.New("timed out waiting for session")
	ErrMissingCredentials   = errors.New("identifier and secret are required")
	ErrMissingTwoFactorCode = errors.New("two-factor code is required")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrTwoFactorRequired    = errors.New("two-factor authentication required")
	ErrTwoFactorRejected    = errors.New("two-factor code rejected")
	ErrTwoFactorExpired     = errors.New("two-factor window expired")
	ErrNotAwaitingTwoFactor = errors.New("session is not awaiting two-factor authentication")
	ErrBrowserUnavailable   = errors.New("browser unavailable")
	ErrManagerClosed        = errors.New("session manager is shut down")
)
