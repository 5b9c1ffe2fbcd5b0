package ws

// Metrics 传输层监控接口
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	FrameReceived()
	InvalidFrame()
	FrameDropped()
	WriteError()
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (NoopMetrics) ConnectionOpened() {}
func (NoopMetrics) ConnectionClosed() {}
func (NoopMetrics) FrameReceived()    {}
func (NoopMetrics) InvalidFrame()     {}
func (NoopMetrics) FrameDropped()     {}
func (NoopMetrics) WriteError()       {}
