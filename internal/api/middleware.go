package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// AdminAuth returns gin middleware that requires a Bearer JWT signed with
// secret, guarding the operator-only diagnostics endpoint. The dashboard's
// read-only miner/pool/block routes are intentionally left unguarded: they
// carry no information beyond what any miner can already see in a
// mining.notify stream.
func AdminAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Success: false, Error: "missing bearer token"})
			return
		}

		parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !parsed.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Success: false, Error: "invalid token"})
			return
		}

		c.Next()
	}
}
