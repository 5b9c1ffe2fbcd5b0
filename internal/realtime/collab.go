package realtime

import (
	"context"

	"github.com/tokmz/qim/internal/auth"
	"github.com/tokmz/qim/internal/store"
)

// 权限检查的操作类型
const (
	ActionJoin = "join"
	ActionSend = "send"
	ActionRead = "read"
)

// Verifier 校验握手 Token
type Verifier interface {
	Verify(ctx context.Context, token string) (*auth.Claims, error)
}

// RoleDirectory 查询身份角色
type RoleDirectory interface {
	GetRole(ctx context.Context, identity string) (string, error)
}

// Authorizer 房间级权限检查
type Authorizer interface {
	HasAccess(ctx context.Context, identity string, ref store.Ref, action string) (bool, error)
}

// Store 引擎使用的存储能力
type Store interface {
	ListConversations(ctx context.Context, workspace, tenant, identity string) ([]store.Conversation, error)
	UnreadCount(ctx context.Context, ref store.Ref, identity string) (int, error)
	AppendMessage(ctx context.Context, msg *store.Message) (*store.Message, error)
	MarkRead(ctx context.Context, ref store.Ref, identity string, itemIDs []string) error
}

// Publisher 将已保存的消息交给外部网关，实现必须非阻塞
type Publisher interface {
	Publish(ctx context.Context, msg *store.Message) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, *store.Message) error { return nil }
