package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/logger"
	"chatsync/internal/model"
	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	TokenConfig auth.TokenConfig
	Logger      *slog.Logger
}

type loginBody struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type refreshBody struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	User         model.Principal `json:"user"`
}

// Login trusts the caller's identity. It exists so the client has
// something to sign in against.
func (h *AuthHandler) Login(c *gin.Context) {
	var body loginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	p := model.Principal{ID: strings.TrimSpace(body.UserID), Role: model.Role(body.Role)}
	if p.ID == "" || !p.Role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user or role"})
		return
	}
	h.issue(c, p)
}

// Refresh rotates the pair: the old refresh token keeps working until it
// expires, but the client is expected to store the new one.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var body refreshBody
	if err := c.ShouldBindJSON(&body); err != nil || body.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	claims, err := auth.VerifyToken(body.RefreshToken, auth.KindRefresh, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid refresh token"})
		return
	}
	h.issue(c, model.Principal{ID: claims.UserID, Role: claims.Role})
}

func (h *AuthHandler) issue(c *gin.Context, p model.Principal) {
	pair, err := auth.IssueTokenPair(p, h.TokenConfig)
	if err != nil {
		logger.OrDefault(h.Logger).Error("token creation failed", "user", p.ID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}
	c.JSON(http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
		User:         p,
	})
}
