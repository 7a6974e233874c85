package responses

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Detail  string      `json:"detail,omitempty"` // 详细错误信息（可选）
	Errors  []string    `json:"errors,omitempty"` // 校验失败时的全部违规项
	Data    interface{} `json:"data,omitempty"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(200, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, err error) {
	ErrorWithData(c, err, nil)
}

// ErrorWithData 错误响应并附带数据 (例如失败的部署记录)
func ErrorWithData(c *gin.Context, err error, data interface{}) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		resp := Response{
			Code:    appErr.Code,
			Message: appErr.Message,
			Errors:  appErr.Details,
			Data:    data,
		}
		if appErr.Err != nil {
			resp.Detail = appErr.Err.Error()
		}
		// 统一返回HTTP 200，业务错误码在response.code中
		c.JSON(200, resp)
		return
	}

	c.JSON(200, Response{
		Code:    CodeInternalError,
		Message: err.Error(),
		Data:    data,
	})
}

// ValidationFailed 参数校验失败响应, detail 为 "; " 连接的多条信息
func ValidationFailed(c *gin.Context, detail string) {
	c.JSON(200, Response{
		Code:    CodeBadRequest,
		Message: "请求参数错误",
		Detail:  detail,
		Errors:  strings.Split(detail, "; "),
	})
}
