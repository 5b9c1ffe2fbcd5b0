package errors

import "errors"

// Error 带错误码的业务错误
type Error struct {
	Code     string         `json:"code"`              // 错误码
	Message  string         `json:"message"`           // 错误信息
	Details  map[string]any `json:"details,omitempty"` // 附加信息
	HttpCode int            `json:"-"`                 // http状态码
	Err      error          `json:"-"`                 // 原始错误
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap 实现 errors.Unwrap 接口
func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建新的错误
// code 错误码
// message 错误信息
// httpCode 可选http状态码，默认500
func New(code, message string, httpCode ...int) *Error {
	hc := 500
	if len(httpCode) > 0 {
		hc = httpCode[0]
	}
	return &Error{
		Code:     code,
		HttpCode: hc,
		Message:  message,
	}
}

// Clone 克隆错误（避免修改共享的预定义错误）
func (e *Error) Clone() *Error {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// WithError 添加原始错误（返回新实例，不修改原错误）
func (e *Error) WithError(err error) *Error {
	c := e.Clone()
	c.Err = err
	return c
}

// WithMessage 替换错误信息（返回新实例，不修改原错误）
func (e *Error) WithMessage(message string) *Error {
	c := e.Clone()
	c.Message = message
	return c
}

// WithDetails 合并附加信息（返回新实例，不修改原错误）
func (e *Error) WithDetails(details map[string]any) *Error {
	c := e.Clone()
	if c.Details == nil {
		c.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		c.Details[k] = v
	}
	return c
}

// Is 当 target 也是 *Error 时比较 Code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if ok {
		return e.Code == t.Code
	}
	return errors.Is(e.Err, target)
}

// From 提取错误链上的 *Error，不存在时返回 nil
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// As 转换为指定类型的错误
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is 检查错误是否为指定类型
func Is(err error, target error) bool {
	return errors.Is(err, target)
}
