package realtime

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/tokmz/qim/internal/store"
	"github.com/tokmz/qim/pkg/errors"
)

// RoomKeyFunc 由会话引用推导房间 key，同样的输入必须得到同样的 key
type RoomKeyFunc func(ref store.Ref) string

// RoomKey 默认格式 workspace:tenant:conversation
func RoomKey(ref store.Ref) string {
	return ref.Workspace + ":" + ref.Tenant + ":" + ref.Conversation
}

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ParseRoomIdentifier 解析客户端传入的房间标识
//
// 只做一次百分号解码，接受 ws:tenant:conv 或裸会话 ID（继承连接的工作区和租户）；
// 工作区或租户与连接不一致时返回 PERMISSION_DENIED
func ParseRoomIdentifier(raw string, p Principal) (store.Ref, error) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return store.Ref{}, errors.ErrValidation.WithMessage("malformed room identifier")
	}
	decoded = strings.TrimSpace(decoded)
	if decoded == "" {
		return store.Ref{}, errors.ErrValidation.WithMessage("roomIdentifier is required")
	}

	var ref store.Ref
	parts := strings.Split(decoded, ":")
	switch len(parts) {
	case 1:
		ref = store.Ref{Workspace: p.Workspace, Tenant: p.Tenant, Conversation: parts[0]}
	case 3:
		ref = store.Ref{Workspace: parts[0], Tenant: parts[1], Conversation: parts[2]}
	default:
		return store.Ref{}, errors.ErrValidation.WithMessage("malformed room identifier")
	}

	for _, seg := range []string{ref.Workspace, ref.Tenant, ref.Conversation} {
		if !segmentPattern.MatchString(seg) {
			return store.Ref{}, errors.ErrValidation.WithMessage("malformed room identifier")
		}
	}
	if ref.Workspace != p.Workspace || ref.Tenant != p.Tenant {
		return store.Ref{}, errors.ErrPermissionDenied.WithMessage("room is outside the connection's tenant")
	}
	return ref, nil
}
