// Package api implements the read-only dashboard HTTP API: GET-only JSON
// endpoints over the Store plus a small operator login/diagnostics surface.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// successResponse is the {success, data} envelope every handler replies
// with.
type successResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func respondSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, successResponse{Success: true, Data: data})
}

func respondNotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, errorResponse{Success: false, Error: message})
}

func respondInternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, errorResponse{Success: false, Error: message})
}
