package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"portfolio-session-server/internal/session"
)

type apiError struct {
	status   int
	message  string
	needs2FA bool
}

// classify maps engine errors onto HTTP responses. Authentication failures
// share one message so callers cannot tell which credential was wrong.
func classify(err error) apiError {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return apiError{status: http.StatusNotFound, message: "Session not found"}
	case errors.Is(err, session.ErrQueueTimeout), errors.Is(err, context.DeadlineExceeded):
		return apiError{status: http.StatusRequestTimeout, message: "Timed out waiting for the session"}
	case errors.Is(err, session.ErrMissingCredentials), errors.Is(err, session.ErrMissingTwoFactorCode):
		return apiError{status: http.StatusBadRequest, message: err.Error()}
	case errors.Is(err, session.ErrAuthenticationFailed):
		return apiError{status: http.StatusUnauthorized, message: "Authentication failed"}
	case errors.Is(err, session.ErrTwoFactorRequired):
		return apiError{status: http.StatusUnauthorized, message: "Two-factor authentication required", needs2FA: true}
	case errors.Is(err, session.ErrTwoFactorRejected):
		return apiError{status: http.StatusUnauthorized, message: "Two-factor code rejected", needs2FA: true}
	case errors.Is(err, session.ErrTwoFactorExpired):
		return apiError{status: http.StatusUnauthorized, message: "Two-factor window expired"}
	case errors.Is(err, session.ErrNotAwaitingTwoFactor):
		return apiError{status: http.StatusUnauthorized, message: "Session is not awaiting two-factor authentication"}
	case errors.Is(err, session.ErrBrowserUnavailable):
		return apiError{status: http.StatusInternalServerError, message: "Browser unavailable"}
	case errors.Is(err, session.ErrManagerClosed):
		return apiError{status: http.StatusInternalServerError, message: "Server is shutting down"}
	default:
		return apiError{status: http.StatusInternalServerError, message: "Internal error"}
	}
}

func respondError(c *gin.Context, err error, sessionID string) {
	_ = c.Error(err)
	e := classify(err)
	body := gin.H{"success": false, "error": e.message}
	if e.needs2FA {
		body["needs2FA"] = true
	}
	if sessionID != "" && e.status != http.StatusNotFound {
		body["sessionId"] = sessionID
	}
	c.JSON(e.status, body)
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}
