package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokmz/qim/pkg/errors"
)

// Response 统一响应结构
type Response struct {
	Code    string         `json:"code"`              // 业务状态码
	Data    any            `json:"data,omitempty"`    // 响应数据
	Message string         `json:"message"`           // 响应消息
	Details map[string]any `json:"details,omitempty"` // 错误附加信息
	TraceID string         `json:"trace_id,omitempty"`
}

func traceID(c *gin.Context) string {
	sc := trace.SpanContextFromContext(c.Request.Context())
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: "OK", Data: data, Message: "success", TraceID: traceID(c)})
}

// fail 按 *errors.Error 的 HttpCode 输出，其他错误按内部错误处理
func fail(c *gin.Context, err error) {
	e := errors.From(err)
	if e == nil {
		e = errors.ErrInternal
	}
	c.AbortWithStatusJSON(e.HttpCode, Response{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		TraceID: traceID(c),
	})
}
