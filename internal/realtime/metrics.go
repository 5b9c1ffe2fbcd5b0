package realtime

// Metrics 引擎监控接口
type Metrics interface {
	ConnectionActivated()
	ConnectionClosed()
	HandshakeFailed()
	EventHandled(event string)
	RateLimited(event string)
	HandlerError(event, code string)
	RoomCreated()
	RoomDeleted()
	Broadcast(event string, recipients int)
	SendDropped()
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (NoopMetrics) ConnectionActivated()     {}
func (NoopMetrics) ConnectionClosed()        {}
func (NoopMetrics) HandshakeFailed()         {}
func (NoopMetrics) EventHandled(string)      {}
func (NoopMetrics) RateLimited(string)       {}
func (NoopMetrics) HandlerError(_, _ string) {}
func (NoopMetrics) RoomCreated()             {}
func (NoopMetrics) RoomDeleted()             {}
func (NoopMetrics) Broadcast(string, int)    {}
func (NoopMetrics) SendDropped()             {}
