package middleware

import (
	"net/http"
	"strings"

	"adpilot/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ActorKey 审批操作者在 gin.Context 中的 key
const ActorKey = "actor"

// AuthMiddleware enforces Authorization: Bearer <jwt> (HS256) on protected
// routes and stores the token subject under "actor". It is a pass-through
// when JWT auth is disabled.
func AuthMiddleware(cfg config.JWTConfig) gin.HandlerFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}
		ah := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			unauthorized(c, "missing bearer token")
			return
		}
		raw := strings.TrimSpace(ah[len("Bearer "):])
		if raw == "" || cfg.Secret == "" {
			unauthorized(c, "invalid token or server misconfig")
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(cfg.Secret), nil
		})
		if err != nil {
			unauthorized(c, err.Error())
			return
		}
		if claims.Subject == "" {
			unauthorized(c, "token has no subject")
			return
		}
		c.Set(ActorKey, claims.Subject)
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": msg,
	})
}
