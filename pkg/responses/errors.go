package responses

import (
	"errors"
	"fmt"
	"strings"
)

// 错误码
const (
	CodeSuccess            = 2000000
	CodeBadRequest         = 4000000
	CodeNotFound           = 4040000
	CodeConflict           = 4009000
	CodePreconditionFailed = 4120000 // 迁移 tag 与平台不一致, 通常是并发部署
	CodeInternalError      = 5000000
	CodeDatabaseError      = 5001000
	CodeValidationError    = 5003000
	CodeDeployFatal        = 5004000 // 结构性错误, 不可重试
	CodeUpstreamError      = 5020000 // 平台 API 临时错误
)

// AppError 应用错误
type AppError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
	Err     error    `json:"-"`
}

func (e *AppError) Error() string {
	msg := e.Message
	if len(e.Details) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(e.Details, "; "))
	}
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, msg)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 同错误码视为同一类错误, 便于 errors.Is(err, ErrNotFound)
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New 创建新错误
func New(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf 格式化创建错误
func Newf(code int, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装错误
func Wrap(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Validation 携带全部校验失败项
func Validation(details []string) *AppError {
	return &AppError{
		Code:    CodeValidationError,
		Message: "数据验证失败",
		Details: details,
	}
}

// CodeOf 取错误链上第一个 AppError 的错误码, 其余视为内部错误
func CodeOf(err error) int {
	if err == nil {
		return CodeSuccess
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternalError
}

// 预定义错误
var (
	ErrBadRequest         = New(CodeBadRequest, "请求参数错误")
	ErrNotFound           = New(CodeNotFound, "资源不存在")
	ErrConflict           = New(CodeConflict, "资源冲突")
	ErrPreconditionFailed = New(CodePreconditionFailed, "迁移前置条件不满足")
	ErrInternalError      = New(CodeInternalError, "内部服务器错误")
	ErrDatabaseError      = New(CodeDatabaseError, "数据库错误")
	ErrValidationError    = New(CodeValidationError, "数据验证失败")
	ErrDeployFatal        = New(CodeDeployFatal, "部署失败")
	ErrUpstreamError      = New(CodeUpstreamError, "平台接口错误")

	ErrInvalidParams  = New(CodeBadRequest, "请求参数错误")
	ErrRecordNotFound = New(CodeNotFound, "记录不存在")
	ErrRecordExists   = New(CodeConflict, "记录已存在")
)
