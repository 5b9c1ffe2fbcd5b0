package realtime

import (
	"go.uber.org/zap"

	"github.com/tokmz/qim/pkg/errors"
	"github.com/tokmz/qim/pkg/ws"
)

// encode 编码出站帧
func (m *Manager) encode(event, requestID string, data any) []byte {
	frame, err := ws.Encode(event, requestID, data, m.now())
	if err != nil {
		m.log.Error("encode outbound frame failed", zap.String("event", event), zap.Error(err))
		return nil
	}
	return frame
}

// deliver 非阻塞投递，失败只计数
func (m *Manager) deliver(conn *Connection, frame []byte, priority bool) bool {
	t := conn.transport
	if t == nil || frame == nil || conn.State() == StateClosed {
		return false
	}
	send := t.Send
	if priority {
		send = t.SendPriority
	}
	if err := send(frame); err != nil {
		m.metrics.SendDropped()
		m.log.Debug("outbound frame dropped", zap.String("conn_id", conn.ID()), zap.Error(err))
		return false
	}
	return true
}

// emit 向单个连接发送事件
func (m *Manager) emit(conn *Connection, event, requestID string, data any) {
	m.deliver(conn, m.encode(event, requestID, data), false)
}

// replyError 以优先队列回复 error 事件
func (m *Manager) replyError(conn *Connection, requestID string, err *errors.Error) {
	payload := map[string]any{
		"code":    err.Code,
		"message": err.Message,
	}
	if len(err.Details) > 0 {
		payload["details"] = err.Details
	}
	m.deliver(conn, m.encode(EventError, requestID, payload), true)
}

// fanout 将同一帧投递给多个连接，返回成功数
func (m *Manager) fanout(event string, conns []*Connection, data any) int {
	if len(conns) == 0 {
		return 0
	}
	frame := m.encode(event, "", data)
	sent := 0
	for _, c := range conns {
		if m.deliver(c, frame, false) {
			sent++
		}
	}
	m.metrics.Broadcast(event, sent)
	return sent
}
