package api

import (
	"net/http"

	"rental-service/internal/apperr"
	"rental-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type successBody struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

type errorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, successBody{Success: true, Data: data})
}

// respondError writes the error envelope. Internal failures are logged with
// their cause and reported to the client with a generic message.
func respondError(c *gin.Context, err error) {
	e := apperr.From(err)
	status := apperr.HTTPStatus(e)
	if status >= http.StatusInternalServerError {
		util.GetLogger().Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("code", e.Code),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, errorBody{
		Success: false,
		Message: apperr.PublicMessage(e),
		Code:    e.Code,
	})
}

func badRequest(c *gin.Context, err error) {
	respondError(c, apperr.Validation("invalid request body: %v", err))
}
