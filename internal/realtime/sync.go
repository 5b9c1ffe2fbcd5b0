package realtime

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokmz/qim/internal/store"
	"github.com/tokmz/qim/pkg/errors"
	"github.com/tokmz/qim/pkg/tracing"
)

// ConversationState 快照中的单个会话
type ConversationState struct {
	RoomIdentifier string   `json:"roomIdentifier"`
	Conversation   string   `json:"conversation"`
	Title          string   `json:"title,omitempty"`
	LastMessageAt  int64    `json:"lastMessageAt,omitempty"`
	Participants   []string `json:"participants,omitempty"`
}

// Snapshot state-synced 事件载荷
type Snapshot struct {
	SyncID        string              `json:"syncId"`
	ServerTime    int64               `json:"serverTime"`
	Conversations []ConversationState `json:"conversations"`
	Unread        map[string]int      `json:"unread"`
	Presence      map[string][]string `json:"presence"`
	Stale         []string            `json:"stale"`
}

func unreadCacheKey(roomKey, identity string) string {
	return "unread:" + roomKey + ":" + identity
}

// Sync 计算并发送状态快照
//
// 未读数查询失败时回退到缓存值，缓存也没有时记为 0 并列入 stale；
// 会话列表查询失败时回复 COLLABORATOR_UNAVAILABLE 与 resync-required，连接保持打开
func (m *Manager) Sync(ctx context.Context, conn *Connection, requestID, syncID string) (*Snapshot, error) {
	if syncID == "" {
		syncID = uuid.NewString()
	}
	p := conn.principal

	ctx, span := tracing.StartSpan(ctx, "realtime.sync")
	defer span.End()
	span.SetAttributes(
		attribute.String("qim.sync_id", syncID),
		attribute.String("qim.identity", p.Identity),
	)

	listCtx, cancel := m.collabCtx(ctx)
	convs, err := m.deps.Store.ListConversations(listCtx, p.Workspace, p.Tenant, p.Identity)
	cancel()
	if err != nil {
		tracing.RecordError(span, err)
		m.log.WarnContext(ctx, "state sync failed", zap.String("sync_id", syncID), zap.Error(err))
		m.replyError(conn, requestID, errors.ErrCollaboratorUnavailable.WithDetails(map[string]any{"syncId": syncID}))
		m.emit(conn, EventResyncRequired, requestID, map[string]any{
			"syncId":       syncID,
			"retryAfterMs": m.ledger.Interval(EventSyncState).Milliseconds(),
		})
		return nil, errors.ErrCollaboratorUnavailable.WithError(err)
	}

	snap := &Snapshot{
		SyncID:        syncID,
		ServerTime:    m.now().UnixMilli(),
		Conversations: make([]ConversationState, len(convs)),
		Unread:        make(map[string]int, len(convs)),
		Presence:      make(map[string][]string, len(convs)),
		Stale:         []string{},
	}

	keys := make([]string, len(convs))
	for i, c := range convs {
		keys[i] = m.roomKey(c.Ref)
		snap.Conversations[i] = ConversationState{
			RoomIdentifier: keys[i],
			Conversation:   c.Conversation,
			Title:          c.Title,
			Participants:   c.Participants,
		}
		if !c.LastMessageAt.IsZero() {
			snap.Conversations[i].LastMessageAt = c.LastMessageAt.UnixMilli()
		}
	}

	counts, stale := m.unreadCounts(ctx, p.Identity, convs, keys)
	for i, key := range keys {
		snap.Unread[key] = counts[i]
		if stale[i] {
			snap.Stale = append(snap.Stale, key)
		}
		snap.Presence[key] = m.coPresent(key, p.Identity)
	}
	sort.Strings(snap.Stale)
	span.SetAttributes(
		attribute.Int("qim.conversations", len(convs)),
		attribute.Int("qim.stale", len(snap.Stale)),
	)

	m.emit(conn, EventStateSynced, requestID, snap)
	return snap, nil
}

// unreadCounts 并发查询未读数，单个失败时回退缓存
func (m *Manager) unreadCounts(ctx context.Context, identity string, convs []store.Conversation, keys []string) ([]int, []bool) {
	counts := make([]int, len(convs))
	stale := make([]bool, len(convs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.SyncConcurrency)
	for i := range convs {
		g.Go(func() error {
			cctx, cancel := m.collabCtx(gctx)
			defer cancel()

			n, err := m.deps.Store.UnreadCount(cctx, convs[i].Ref, identity)
			cacheKey := unreadCacheKey(keys[i], identity)
			if err == nil {
				counts[i] = n
				if cerr := m.deps.Cache.Set(ctx, cacheKey, n, m.cfg.UnreadCacheTTL); cerr != nil {
					m.log.DebugContext(ctx, "unread cache write failed", zap.Error(cerr))
				}
				return nil
			}

			m.log.WarnContext(ctx, "unread count unavailable, using cached value",
				zap.String("room", keys[i]), zap.Error(err))
			var cached int
			if cerr := m.deps.Cache.Get(ctx, cacheKey, &cached); cerr == nil {
				counts[i] = cached
			} else {
				stale[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()
	return counts, stale
}

// coPresent 房间内除 identity 外的在场身份，隐身身份不出现
func (m *Manager) coPresent(key, identity string) []string {
	out := []string{}
	room, ok := m.rooms.Get(key)
	if !ok {
		return out
	}
	seen := make(map[string]struct{})
	for _, c := range room.audience(identity) {
		id := c.principal.Identity
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if m.statusOf(c) == StatusInvisible {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
