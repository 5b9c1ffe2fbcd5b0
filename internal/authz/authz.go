// Package authz 会话级权限检查
package authz

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/tokmz/qim/internal/store"
	"github.com/tokmz/qim/pkg/logger"
)

// ParticipantChecker 参与者查询
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, ref store.Ref, identity string) (bool, error)
}

// RoleSource 角色查询
type RoleSource interface {
	GetRole(ctx context.Context, identity string) (string, error)
}

// Authorizer 高权限角色可访问租户内任意会话，其余身份必须是会话参与者
type Authorizer struct {
	participants ParticipantChecker
	roles        RoleSource
	elevated     []string
	log          logger.Logger
}

// New 创建权限检查器，roles 为 nil 时不做角色放行
func New(participants ParticipantChecker, roles RoleSource, elevated []string, log logger.Logger) (*Authorizer, error) {
	if participants == nil {
		return nil, errors.New("authz: participant checker is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Authorizer{
		participants: participants,
		roles:        roles,
		elevated:     slices.Clone(elevated),
		log:          log.Named("authz"),
	}, nil
}

// HasAccess 检查身份能否对会话执行 action
func (a *Authorizer) HasAccess(ctx context.Context, identity string, ref store.Ref, action string) (bool, error) {
	if identity == "" || !ref.Valid() {
		return false, nil
	}

	if a.roles != nil && len(a.elevated) > 0 {
		role, err := a.roles.GetRole(ctx, identity)
		switch {
		case err == nil && slices.Contains(a.elevated, role):
			return true, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			// 角色不可用时按参与者规则判定
			a.log.DebugContext(ctx, "role unavailable for access check",
				zap.String("identity", identity),
				zap.Error(err),
			)
		}
	}

	ok, err := a.participants.IsParticipant(ctx, ref, identity)
	if err != nil {
		return false, err
	}
	if !ok {
		a.log.DebugContext(ctx, "access denied",
			zap.String("identity", identity),
			zap.String("conversation", ref.Conversation),
			zap.String("action", action),
		)
	}
	return ok, nil
}
