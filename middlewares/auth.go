package middlewares

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"storefront/models"
	"storefront/utils"
)

const ClaimsKey = "admin_claims"

// FailureRecorder stores rejected login attempts in the security log.
type FailureRecorder interface {
	RecordFailedLogin(ctx context.Context, f models.FailedLogin) error
}

// AdminAuth requires a valid admin bearer token. Every rejection is written
// to the security log before the request is aborted.
func AdminAuth(secret string, recorder FailureRecorder, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			reject(c, recorder, logger, "", "missing bearer token")
			return
		}
		claims, err := utils.ParseToken(secret, strings.TrimSpace(raw))
		if err != nil {
			reject(c, recorder, logger, unverifiedIdentity(raw), err.Error())
			return
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

func reject(c *gin.Context, recorder FailureRecorder, logger *zap.Logger, identity, reason string) {
	authFailures.Inc()
	err := recorder.RecordFailedLogin(c.Request.Context(), models.FailedLogin{
		Identity: identity,
		Source:   c.ClientIP(),
		Reason:   reason,
	})
	if err != nil {
		logger.Error("Failed to record failed login", zap.Error(err))
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

// unverifiedIdentity reads the subject of a token that failed validation,
// for the security log only.
func unverifiedIdentity(raw string) string {
	claims := &utils.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(raw), claims); err != nil {
		return ""
	}
	return claims.Identity()
}
