package forward

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tokmz/qim/internal/store"
)

// EventMessageCreated 出站事件类型
const EventMessageCreated = "message.created"

// Envelope 出站消息包装
type Envelope struct {
	ID          string         `json:"id"`
	Event       string         `json:"event"`
	Message     *store.Message `json:"message"`
	PublishedAt time.Time      `json:"publishedAt"`
}

func newEnvelope(msg *store.Message, now time.Time) *Envelope {
	return &Envelope{
		ID:          uuid.NewString(),
		Event:       EventMessageCreated,
		Message:     msg,
		PublishedAt: now,
	}
}

// Key 分区键，同一会话的消息落到同一分区
func (e *Envelope) Key() string {
	m := e.Message
	return m.Workspace + ":" + m.Tenant + ":" + m.Conversation
}

// Encode JSON 编码
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
