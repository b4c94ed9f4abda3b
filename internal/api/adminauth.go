package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AdminCredentials is the single operator account the dashboard's
// admin-only routes authenticate against, via a bcrypt-hashed password
// check and a signed JWT session token.
type AdminCredentials struct {
	Username     string
	PasswordHash string
	Secret       string
	TokenTTL     time.Duration
}

type adminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type adminLoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AdminLogin handles POST /api/admin/login: verifies the operator password
// against its bcrypt hash and, on success, issues an HS256 JWT scoped to
// AdminAuth's Bearer check.
func AdminLogin(creds AdminCredentials) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req adminLoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Success: false, Error: "malformed request"})
			return
		}

		if req.Username != creds.Username {
			c.JSON(http.StatusUnauthorized, errorResponse{Success: false, Error: "invalid credentials"})
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(req.Password)); err != nil {
			c.JSON(http.StatusUnauthorized, errorResponse{Success: false, Error: "invalid credentials"})
			return
		}

		ttl := creds.TokenTTL
		if ttl <= 0 {
			ttl = 12 * time.Hour
		}
		expiresAt := time.Now().Add(ttl)

		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": req.Username,
			"exp": expiresAt.Unix(),
		})
		signed, err := token.SignedString([]byte(creds.Secret))
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorResponse{Success: false, Error: "failed to issue token"})
			return
		}

		c.JSON(http.StatusOK, successResponse{Success: true, Data: adminLoginResponse{Token: signed, ExpiresAt: expiresAt}})
	}
}
