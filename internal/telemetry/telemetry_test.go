package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(points []Point, name, attrs string) int64 {
	for _, p := range points {
		if p.Name == name && p.Attributes == attrs {
			return p.Value
		}
	}
	return -1
}

func TestRecorder_Snapshot(t *testing.T) {
	r, err := New("qim-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	r.ConnectionActivated()
	r.ConnectionActivated()
	r.ConnectionClosed()
	r.HandshakeFailed()
	r.EventHandled("join-room")
	r.EventHandled("join-room")
	r.EventHandled("send-message")
	r.RateLimited("typing-start")
	r.HandlerError("send-message", "VALIDATION_ERROR")
	r.RoomCreated()
	r.Broadcast("message-delivered", 3)
	r.Broadcast("message-delivered", 5)
	r.SendDropped()
	r.ForwardSent("kafka")
	r.ForwardFailed("amqp")
	r.ForwardDropped()

	tr := r.Transport()
	tr.ConnectionOpened()
	tr.FrameReceived()
	tr.InvalidFrame()

	points, err := r.Snapshot(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 1, value(points, "qim.connections.active", ""))
	assert.EqualValues(t, 1, value(points, "qim.handshakes.failed", ""))
	assert.EqualValues(t, 2, value(points, "qim.events.handled", "event=join-room"))
	assert.EqualValues(t, 1, value(points, "qim.events.handled", "event=send-message"))
	assert.EqualValues(t, 1, value(points, "qim.events.rate_limited", "event=typing-start"))
	assert.EqualValues(t, 1, value(points, "qim.events.errors", "code=VALIDATION_ERROR,event=send-message"))
	assert.EqualValues(t, 1, value(points, "qim.rooms.active", ""))
	assert.EqualValues(t, 2, value(points, "qim.broadcasts", "event=message-delivered"))
	assert.EqualValues(t, 2, value(points, "qim.broadcast.recipients.count", "event=message-delivered"))
	assert.EqualValues(t, 8, value(points, "qim.broadcast.recipients.sum", "event=message-delivered"))
	assert.EqualValues(t, 1, value(points, "qim.forward.sent", "sink=kafka"))
	assert.EqualValues(t, 1, value(points, "qim.ws.connections", ""))
	assert.EqualValues(t, 1, value(points, "qim.ws.frames.invalid", ""))

	for i := 1; i < len(points); i++ {
		assert.LessOrEqual(t, points[i-1].Name, points[i].Name)
	}
}
