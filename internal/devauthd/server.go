package devauthd

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errNoAllowedOrigins = errors.New("devauth.cors.no_allowed_origins")

// ServerConfig configures the dev token authority.
type ServerConfig struct {
	SigningKey []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// MountAuthorityRoutes registers /auth/issue, /auth/renew, and a protected
// /api/whoami used to exercise the client pipeline.
func MountAuthorityRoutes(router gin.IRouter, configuration ServerConfig, refreshStore *MemoryRefreshStore, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router.POST("/auth/issue", func(contextGin *gin.Context) {
		var inbound struct {
			UserID string `json:"user_id"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.UserID) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}

		accessToken, _, mintErr := MintAccessJWT(inbound.UserID, configuration.Issuer, configuration.SigningKey, configuration.AccessTTL)
		if mintErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		_, refreshOpaque, issueErr := refreshStore.Issue(contextGin, inbound.UserID, time.Now().UTC().Add(configuration.RefreshTTL).Unix(), "")
		if issueErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		logger.Info("issued dev credential pair", zap.String("user_id", inbound.UserID))
		writeGrant(contextGin, configuration, accessToken, refreshOpaque, inbound.UserID)
	})

	router.POST("/auth/renew", func(contextGin *gin.Context) {
		var inbound struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}

		userID, currentTokenID, validateErr := refreshStore.Validate(contextGin, inbound.RefreshToken)
		if validateErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_refresh_token"})
			return
		}

		accessToken, _, mintErr := MintAccessJWT(userID, configuration.Issuer, configuration.SigningKey, configuration.AccessTTL)
		if mintErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		_, newOpaque, issueErr := refreshStore.Issue(contextGin, userID, time.Now().UTC().Add(configuration.RefreshTTL).Unix(), currentTokenID)
		if issueErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		if revokeErr := refreshStore.Revoke(contextGin, currentTokenID); revokeErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		logger.Info("renewed dev credential pair", zap.String("user_id", userID))
		writeGrant(contextGin, configuration, accessToken, newOpaque, userID)
	})

	protected := router.Group("/api")
	protected.Use(RequireBearer(configuration))
	protected.GET("/whoami", func(contextGin *gin.Context) {
		claimsValue, _ := contextGin.Get(claimsContextKey)
		claims, ok := claimsValue.(*AccessClaims)
		if !ok {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user_id": claims.UserID,
			"expires": claims.ExpiresAt.Time,
		})
	})
}

func writeGrant(contextGin *gin.Context, configuration ServerConfig, accessToken string, refreshOpaque string, userID string) {
	contextGin.JSON(http.StatusOK, gin.H{
		"access_token":        accessToken,
		"refresh_token":       refreshOpaque,
		"access_lifespan_ms":  configuration.AccessTTL.Milliseconds(),
		"refresh_lifespan_ms": configuration.RefreshTTL.Milliseconds(),
		"user_id":             userID,
	})
}

// PermissiveCORS builds a CORS middleware restricted to the given origins.
func PermissiveCORS(allowedOrigins []string) (gin.HandlerFunc, error) {
	if len(allowedOrigins) == 0 {
		return nil, fmt.Errorf("devauth.cors: %w", errNoAllowedOrigins)
	}
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	corsConfig.AllowCredentials = true
	corsConfig.AddAllowHeaders("Authorization")
	return cors.New(corsConfig), nil
}
