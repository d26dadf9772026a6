package handler

import (
	"CloudBox/internal/service"
	"CloudBox/utils"
	"net/http"

	"github.com/gin-gonic/gin"
)

// respondError maps service errors onto their HTTP status and stable code.
// Anything else is an internal error and its detail stays in the logs.
func respondError(c *gin.Context, err error) {
	if svcErr, ok := service.AsServiceError(err); ok {
		utils.FailCode(c, svcErr.Status, svcErr.Code, svcErr.Message)
		return
	}
	utils.FailCode(c, http.StatusInternalServerError, service.CodeInternal, "internal error")
}

func currentUserID(c *gin.Context) uint64 {
	return c.MustGet("user_id").(uint64)
}
