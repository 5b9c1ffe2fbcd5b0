package errors

/*
	实时引擎错误分类
	除握手阶段的认证失败外，其余错误只影响触发它的单次操作
*/

var (
	// ErrAuthentication 握手认证失败，连接不会建立
	ErrAuthentication = New("AUTHENTICATION_FAILED", "authentication failed", 401)
	// ErrAuthRequired 事件需要已认证的连接
	ErrAuthRequired = New("AUTHENTICATION_REQUIRED", "authentication required", 401)
	// ErrPermissionDenied 无权执行操作
	ErrPermissionDenied = New("PERMISSION_DENIED", "permission denied", 403)
	// ErrRoomLimitExceeded 单连接加入房间数超限
	ErrRoomLimitExceeded = New("ROOM_LIMIT_EXCEEDED", "room limit exceeded", 403)
	// ErrRateLimited 触发限流，Details 中带 retryAfterMs
	ErrRateLimited = New("RATE_LIMITED", "rate limited", 429)
	// ErrValidation 请求数据不合法
	ErrValidation = New("VALIDATION_ERROR", "invalid payload", 400)
	// ErrCollaboratorUnavailable 外部依赖不可用
	ErrCollaboratorUnavailable = New("COLLABORATOR_UNAVAILABLE", "dependency unavailable", 503)
	// ErrInternal 处理器内部错误（对客户端不透明）
	ErrInternal = New("INTERNAL_ERROR", "internal error", 500)
	// ErrTooManyConnections 连接数达到上限
	ErrTooManyConnections = New("TOO_MANY_CONNECTIONS", "too many connections", 503)
	// ErrShuttingDown 服务正在关闭
	ErrShuttingDown = New("SHUTTING_DOWN", "server is shutting down", 503)
)
