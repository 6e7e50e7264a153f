package config

import "fmt"

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// newFieldError 创建包含字段路径与原因的 error，便于 CLI 定位。
func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// requiredField 用于缺失必填项的场景，同时提示对应的环境变量名。
func requiredField(field, env string) error {
	return newFieldError(field, fmt.Sprintf("不能为空（环境变量 %s）", env))
}
