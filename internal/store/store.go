// Package store 定义会话、消息的持久化接口及其领域类型
//
// 实现见 mongostore（MongoDB）与 sqlstore（gorm）
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("store: not found")
	ErrInvalidInput = errors.New("store: invalid input")
)

// Ref 会话的规范引用（工作区、租户、会话 ID）
type Ref struct {
	Workspace    string `json:"workspace" bson:"workspace"`
	Tenant       string `json:"tenant" bson:"tenant"`
	Conversation string `json:"conversation" bson:"conversation"`
}

// Valid 三段均非空
func (r Ref) Valid() bool {
	return r.Workspace != "" && r.Tenant != "" && r.Conversation != ""
}

// Conversation 会话
type Conversation struct {
	Ref           `bson:",inline"`
	Title         string    `json:"title" bson:"title"`
	Participants  []string  `json:"participants" bson:"participants"`
	LastMessageAt time.Time `json:"lastMessageAt" bson:"last_message_at"`
}

// Message 会话中的一条消息
type Message struct {
	ID          string         `json:"id" bson:"_id"`
	ClientMsgID string         `json:"clientMsgId,omitempty" bson:"client_msg_id,omitempty"`
	Ref         `bson:",inline"`
	Sender      string         `json:"sender" bson:"sender"`
	SenderRole  string         `json:"senderRole" bson:"sender_role"`
	Type        string         `json:"type" bson:"type"`
	Content     string         `json:"content" bson:"content"`
	Metadata    map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt" bson:"created_at"`
}

// Store 持久化接口
type Store interface {
	// ListConversations 列出身份在工作区/租户内参与的会话
	ListConversations(ctx context.Context, workspace, tenant, identity string) ([]Conversation, error)
	// UnreadCount 身份在会话中的未读数
	UnreadCount(ctx context.Context, ref Ref, identity string) (int, error)
	// AppendMessage 追加消息，返回保存后的消息
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)
	// MarkRead 将指定消息标记为已读
	MarkRead(ctx context.Context, ref Ref, identity string, itemIDs []string) error
	// IsParticipant 身份是否为会话参与者
	IsParticipant(ctx context.Context, ref Ref, identity string) (bool, error)
	// LookupRole 查询身份的角色，不存在时返回 ErrNotFound
	LookupRole(ctx context.Context, identity string) (string, error)
	// Close 释放连接
	Close(ctx context.Context) error
}
