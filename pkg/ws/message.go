package ws

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Inbound 客户端帧 {"event","request_id","data"}
type Inbound struct {
	Event     string          `json:"event"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Outbound 服务端帧，timestamp 为 unix 毫秒
type Outbound struct {
	Event     string `json:"event"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// DecodeInbound 解析客户端帧
func DecodeInbound(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	in.Event = strings.TrimSpace(in.Event)
	if in.Event == "" {
		return nil, ErrEmptyEvent
	}
	return &in, nil
}

// Encode 编码服务端帧
func Encode(event, requestID string, data any, at time.Time) ([]byte, error) {
	return json.Marshal(Outbound{
		Event:     event,
		RequestID: requestID,
		Data:      data,
		Timestamp: at.UnixMilli(),
	})
}

// Unmarshal 解析 data 字段，缺省时得到零值
func (m *Inbound) Unmarshal(v any) error {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}
