package util

import (
	"linkup_backend/pkg/logger"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response 统一响应结构
type Response struct {
	Code      int         `json:"code"`
	Kind      Code        `json:"kind,omitempty"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	SuccessWithMessage(c, "success", data)
}

func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: message,
		Data:    data,
	})
}

func Unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, Response{
		Code:    http.StatusUnauthorized,
		Kind:    CodeUnauthenticated,
		Message: "Unauthorized",
	})
}

// HandleError 按错误分类返回响应，内部错误只记录日志
func HandleError(c *gin.Context, err error) {
	code := CodeOf(err)
	status := HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		logger.Log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("kind", string(code)),
			zap.Error(err),
		)
	}
	c.JSON(status, Response{
		Code:      status,
		Kind:      code,
		Message:   PublicMessage(err),
		Retryable: Retryable(code),
	})
}
