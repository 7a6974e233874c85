package platform

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

var schemaExistsPattern = regexp.MustCompile(`(?i)\b(table|index|view|trigger)\b[^;]*\balready exists\b`)

// ErrPreconditionFailed 平台拒绝发布: 迁移 old_tag 与平台记录不一致
var ErrPreconditionFailed = errors.New("platform: migration precondition failed")

// APIError 平台接口错误
type APIError struct {
	Op         string
	StatusCode int // 0 表示网络错误
	Code       int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s: http %d (code %d): %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.isPrecondition() {
		return ErrPreconditionFailed
	}
	return e.Err
}

func (e *APIError) isPrecondition() bool {
	if e.StatusCode == http.StatusPreconditionFailed {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "precondition")
}

// Retryable 网络错误 / 429 / 5xx
func (e *APIError) Retryable() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// IsRetryable 是否临时错误
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

// IsAlreadyExists "already exists" 类错误视为成功
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// IsNotFound 平台返回 404
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsSchemaObjectExists D1 建表/索引/视图/触发器时对象已存在
func IsSchemaObjectExists(err error) bool {
	if err == nil {
		return false
	}
	return schemaExistsPattern.MatchString(err.Error())
}
