package server

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fenggwsx/ResiChat/internal/auth"
	"github.com/fenggwsx/ResiChat/internal/protocol"
	"github.com/fenggwsx/ResiChat/internal/storage"
)

const (
	claimsKey         = "claims"
	maxUsernameLength = 64
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errBadCredentials     = errors.New("username and password required")
)

func (a *App) handleRegister(c *gin.Context) {
	var req protocol.AuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := a.createUser(c.Request.Context(), req)
	switch {
	case errors.Is(err, storage.ErrConflict):
		respondError(c, http.StatusConflict, "username already exists")
		return
	case errors.Is(err, errBadCredentials):
		respondError(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		a.logger.Error("register failed", zap.String("user", req.Username), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "registration failed")
		return
	}
	a.logger.Info("register success", zap.String("user", user.Username), zap.Uint("id", user.ID), zap.String("remote", c.ClientIP()))
	a.issueToken(c, http.StatusCreated, user)
}

func (a *App) handleLogin(c *gin.Context) {
	var req protocol.AuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := a.authenticateUser(c.Request.Context(), req)
	switch {
	case errors.Is(err, errInvalidCredentials), errors.Is(err, errBadCredentials):
		a.logger.Info("login failed", zap.String("user", req.Username), zap.String("remote", c.ClientIP()))
		respondError(c, http.StatusUnauthorized, errInvalidCredentials.Error())
		return
	case err != nil:
		a.logger.Error("login failed", zap.String("user", req.Username), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "login failed")
		return
	}
	a.logger.Info("login success", zap.String("user", user.Username), zap.Uint("id", user.ID), zap.String("remote", c.ClientIP()))
	a.issueToken(c, http.StatusOK, user)
}

func (a *App) issueToken(c *gin.Context, status int, user *storage.User) {
	token, expires, err := auth.NewToken(a.cfg.JWT, user.ID, user.Username)
	if err != nil {
		a.logger.Error("token issue", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "token generation failed")
		return
	}
	c.JSON(status, protocol.AuthResponse{
		Token:     token,
		ExpiresAt: expires.Unix(),
		UserID:    user.ID,
		Username:  user.Username,
	})
}

func (a *App) createUser(ctx context.Context, req protocol.AuthRequest) (*storage.User, error) {
	username, password, err := sanitizeCredentials(req)
	if err != nil {
		return nil, err
	}
	hashed, err := auth.HashPassword(password, a.cfg.BcryptCost)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	user := &storage.User{
		Username:  username,
		Password:  hashed,
		Avatar:    strings.TrimSpace(req.Avatar),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (a *App) authenticateUser(ctx context.Context, req protocol.AuthRequest) (*storage.User, error) {
	username, password, err := sanitizeCredentials(req)
	if err != nil {
		return nil, err
	}
	user, err := a.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errInvalidCredentials
		}
		return nil, err
	}
	if err := auth.ComparePassword(user.Password, password); err != nil {
		return nil, errInvalidCredentials
	}
	return user, nil
}

func sanitizeCredentials(req protocol.AuthRequest) (string, string, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" || utf8.RuneCountInString(username) > maxUsernameLength {
		return "", "", errBadCredentials
	}
	return username, req.Password, nil
}

// requireAuth accepts a bearer token or a token query parameter.
func (a *App) requireAuth(c *gin.Context) {
	token := auth.BearerToken(c.GetHeader("Authorization"))
	if token == "" {
		token = c.Query("token")
	}
	claims, err := auth.ParseToken(a.cfg.JWT, token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ErrorResponse{Error: "unauthorized"})
		return
	}
	c.Set(claimsKey, claims)
	c.Next()
}

func claimsFrom(c *gin.Context) *auth.Claims {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(*auth.Claims); ok {
			return claims
		}
	}
	return nil
}

func respondError(c *gin.Context, status int, reason string) {
	c.AbortWithStatusJSON(status, protocol.ErrorResponse{Error: reason})
}
