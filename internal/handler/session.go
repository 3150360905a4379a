package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"portfolio-session-server/internal/model"
	"portfolio-session-server/internal/session"
)

// Sessions is the part of the session manager the HTTP layer drives.
type Sessions interface {
	Login(ctx context.Context, creds model.Credentials, twoFactorCode string) (session.LoginResult, error)
	SubmitTwoFactor(ctx context.Context, id, code string) (model.PortfolioSnapshot, error)
	Refresh(ctx context.Context, id string) (model.PortfolioSnapshot, error)
	Close(ctx context.Context, id string) error
	Get(id string) (session.SessionInfo, error)
	Status() session.Status
}

type SessionHandler struct {
	Sessions Sessions
}

type loginBody struct {
	Identifier    string `json:"identifier"`
	Secret        string `json:"secret"`
	TwoFactorCode string `json:"twoFactorCode"`
}

type submitTwoFactorBody struct {
	SessionID     string `json:"sessionId"`
	TwoFactorCode string `json:"twoFactorCode"`
}

func (h *SessionHandler) Login(c *gin.Context) {
	var body loginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request"})
		return
	}

	res, err := h.Sessions.Login(c.Request.Context(), model.Credentials{
		Identifier: body.Identifier,
		Secret:     body.Secret,
	}, body.TwoFactorCode)
	if err != nil {
		respondError(c, err, res.SessionID)
		return
	}
	if res.NeedsTwoFactor {
		c.JSON(http.StatusOK, gin.H{"success": false, "needs2FA": true, "sessionId": res.SessionID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sessionId": res.SessionID, "data": res.Portfolio})
}

func (h *SessionHandler) SubmitTwoFactor(c *gin.Context) {
	var body submitTwoFactorBody
	if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request"})
		return
	}

	snap, err := h.Sessions.SubmitTwoFactor(c.Request.Context(), body.SessionID, body.TwoFactorCode)
	if err != nil {
		respondError(c, err, body.SessionID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sessionId": body.SessionID, "data": snap})
}

func (h *SessionHandler) Refresh(c *gin.Context) {
	id := c.Param("sessionId")
	snap, err := h.Sessions.Refresh(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, id)
		return
	}
	respondOK(c, snap)
}

// Close always answers 200; closing an unknown session is not an error for
// the caller.
func (h *SessionHandler) Close(c *gin.Context) {
	id := c.Param("sessionId")
	err := h.Sessions.Close(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Session closed"})
	case classify(err).status == http.StatusNotFound:
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Session not found"})
	default:
		respondError(c, err, id)
	}
}

func (h *SessionHandler) Get(c *gin.Context) {
	info, err := h.Sessions.Get(c.Param("sessionId"))
	if err != nil {
		respondError(c, err, "")
		return
	}
	respondOK(c, info)
}

func (h *SessionHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.Sessions.Status())
}

func (h *SessionHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}
