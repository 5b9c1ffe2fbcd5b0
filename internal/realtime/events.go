package realtime

import (
	"context"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tokmz/qim/internal/store"
	"github.com/tokmz/qim/pkg/errors"
	"github.com/tokmz/qim/pkg/tracing"
)

// 入站事件
const (
	EventSyncState    = "sync-state"
	EventJoinRoom     = "join-room"
	EventLeaveRoom    = "leave-room"
	EventSendMessage  = "send-message"
	EventMarkRead     = "mark-read"
	EventTypingStart  = "typing-start"
	EventTypingStop   = "typing-stop"
	EventStatusChange = "status-change"
)

// 出站事件
const (
	EventStateSynced      = "state-synced"
	EventRoomJoined       = "room-joined"
	EventRoomLeft         = "room-left"
	EventMessageDelivered = "message-delivered"
	EventReadReceipt      = "read-receipt"
	EventTyping           = "typing"
	EventPresenceUpdate   = "presence-update"
	EventError            = "error"
	EventShutdownNotice   = "shutdown-notice"
	EventResyncRequired   = "resync-required"
	EventAck              = "ack"
)

var (
	errConnClosing = errors.ErrValidation.WithMessage("connection is closing")
	errNotInRoom   = errors.ErrPermissionDenied.WithMessage("not joined to room")
)

// bindings 每个连接必需的入站事件绑定，全部要求认证并按事件名限流
func (m *Manager) bindings() map[string]Binding {
	bind := func(event string, h HandlerFunc) Binding {
		return Binding{Handler: h, Options: HandlerOptions{
			RequiresAuth: true,
			RateKind:     event,
			ExecTimeout:  m.cfg.HandlerTimeout,
		}}
	}
	return map[string]Binding{
		EventSyncState:    bind(EventSyncState, m.handleSyncState),
		EventJoinRoom:     bind(EventJoinRoom, m.handleJoinRoom),
		EventLeaveRoom:    bind(EventLeaveRoom, m.handleLeaveRoom),
		EventSendMessage:  bind(EventSendMessage, m.handleSendMessage),
		EventMarkRead:     bind(EventMarkRead, m.handleMarkRead),
		EventTypingStart:  bind(EventTypingStart, m.handleTypingStart),
		EventTypingStop:   bind(EventTypingStop, m.handleTypingStop),
		EventStatusChange: bind(EventStatusChange, m.handleStatusChange),
	}
}

// payload 校验 data 为 JSON 对象（缺省视为空对象）
func payload(data []byte) (gjson.Result, error) {
	if len(data) == 0 {
		return gjson.Parse("{}"), nil
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, errors.ErrValidation.WithMessage("data is not valid JSON")
	}
	r := gjson.ParseBytes(data)
	if r.Type == gjson.Null {
		return gjson.Parse("{}"), nil
	}
	if !r.IsObject() {
		return gjson.Result{}, errors.ErrValidation.WithMessage("data must be an object")
	}
	return r, nil
}

// stringField 读取可选字符串字段
func stringField(r gjson.Result, name string) (string, error) {
	v := r.Get(name)
	switch v.Type {
	case gjson.Null:
		return "", nil
	case gjson.String:
		return v.Str, nil
	default:
		return "", errors.ErrValidation.WithMessage(name + " must be a string")
	}
}

// roomField 读取必填的 roomIdentifier
func roomField(r gjson.Result) (string, error) {
	raw, err := stringField(r, "roomIdentifier")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(raw) == "" {
		return "", errors.ErrValidation.WithMessage("roomIdentifier is required")
	}
	return raw, nil
}

// joinedRoom 解析 roomIdentifier 并要求连接已加入该房间
func (m *Manager) joinedRoom(conn *Connection, r gjson.Result) (store.Ref, string, error) {
	raw, err := roomField(r)
	if err != nil {
		return store.Ref{}, "", err
	}
	ref, err := ParseRoomIdentifier(raw, conn.principal)
	if err != nil {
		return store.Ref{}, "", err
	}
	key := m.roomKey(ref)
	if !conn.InRoom(key) {
		return store.Ref{}, "", errNotInRoom
	}
	return ref, key, nil
}

func (m *Manager) handleSyncState(ctx context.Context, conn *Connection, req *Request) error {
	r, err := payload(req.Data)
	if err != nil {
		return err
	}
	syncID, err := stringField(r, "syncId")
	if err != nil {
		return err
	}
	// 失败已在 Sync 内回复
	_, _ = m.Sync(ctx, conn, req.RequestID, syncID)
	return nil
}

func (m *Manager) handleJoinRoom(ctx context.Context, conn *Connection, req *Request) error {
	r, err := payload(req.Data)
	if err != nil {
		return err
	}
	raw, err := roomField(r)
	if err != nil {
		return err
	}
	view, err := m.Join(ctx, conn, raw)
	if err != nil {
		return err
	}
	m.emit(conn, EventRoomJoined, req.RequestID, view)
	return nil
}

func (m *Manager) handleLeaveRoom(ctx context.Context, conn *Connection, req *Request) error {
	r, err := payload(req.Data)
	if err != nil {
		return err
	}
	raw, err := roomField(r)
	if err != nil {
		return err
	}
	key, err := m.Leave(ctx, conn, raw)
	if err != nil {
		return err
	}
	m.emit(conn, EventRoomLeft, req.RequestID, map[string]any{"roomIdentifier": key, "reason": "left"})
	return nil
}

// handleSendMessage 校验、去重、保存、广播并交给外部网关
func (m *Manager) handleSendMessage(ctx context.Context, conn *Connection, req *Request) error {
	r, err := payload(req.Data)
	if err != nil {
		return err
	}
	ref, key, err := m.joinedRoom(conn, r)
	if err != nil {
		return err
	}
	p := conn.principal
	if err := m.checkAccess(ctx, p.Identity, ref, ActionSend); err != nil {
		return err
	}

	content, err := stringField(r, "content")
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return errors.ErrValidation.WithMessage("content is required")
	}
	if n := utf8.RuneCountInString(content); n > m.cfg.MaxContentLength {
		return errors.ErrValidation.WithMessage("content too long").
			WithDetails(map[string]any{"max": m.cfg.MaxContentLength, "length": n})
	}
	msgType, err := stringField(r, "type")
	if err != nil {
		return err
	}
	if msgType == "" {
		msgType = m.cfg.MessageTypes[0]
	}
	if !slices.Contains(m.cfg.MessageTypes, msgType) {
		return errors.ErrValidation.WithMessage("unsupported message type").
			WithDetails(map[string]any{"type": msgType})
	}
	var metadata map[string]any
	if md := r.Get("metadata"); md.Exists() && md.Type != gjson.Null {
		if !md.IsObject() {
			return errors.ErrValidation.WithMessage("metadata must be an object")
		}
		metadata, _ = md.Value().(map[string]any)
	}
	clientMsgID, err := stringField(r, "clientMsgId")
	if err != nil {
		return err
	}

	var dedupe string
	var hinted bool
	if clientMsgID != "" {
		dedupe = dedupeKey(p, clientMsgID)
		hinted = m.dedupe.Seen(dedupe)
	}

	id := uuid.NewString()
	saved, err := m.appendMessage(ctx, &store.Message{
		ID:          id,
		ClientMsgID: clientMsgID,
		Ref:         ref,
		Sender:      p.Identity,
		SenderRole:  p.Role,
		Type:        msgType,
		Content:     content,
		Metadata:    metadata,
		CreatedAt:   m.now(),
	})
	if err != nil {
		return err
	}
	if dedupe != "" && !hinted {
		m.dedupe.Add(dedupe)
	}

	// 存储按 (会话, 发送者, clientMsgId) 唯一，返回既有消息说明是重发
	if saved.ID != id {
		m.emit(conn, EventAck, req.RequestID, map[string]any{
			"roomIdentifier": key,
			"messageId":      saved.ID,
			"clientMsgId":    clientMsgID,
			"createdAt":      saved.CreatedAt.UnixMilli(),
			"duplicate":      true,
		})
		return nil
	}
	if hinted {
		m.log.DebugContext(ctx, "dedupe filter false positive", zap.String("client_msg_id", clientMsgID))
	}

	m.rooms.Touch(key)
	if room, ok := m.rooms.Get(key); ok {
		m.fanout(EventMessageDelivered, room.others(conn.ID()), map[string]any{
			"roomIdentifier": key,
			"message":        saved,
		})
	}
	m.emit(conn, EventAck, req.RequestID, map[string]any{
		"roomIdentifier": key,
		"messageId":      saved.ID,
		"clientMsgId":    clientMsgID,
		"createdAt":      saved.CreatedAt.UnixMilli(),
	})

	if err := m.deps.Publisher.Publish(context.WithoutCancel(ctx), saved); err != nil {
		m.log.WarnContext(ctx, "outbound hand-off failed", zap.String("message_id", saved.ID), zap.Error(err))
	}
	return nil
}

// appendMessage 保存消息
func (m *Manager) appendMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "realtime.append_message")
	defer span.End()
	span.SetAttributes(
		attribute.String("qim.room", m.roomKey(msg.Ref)),
		attribute.String("qim.message_type", msg.Type),
	)

	cctx, cancel := m.collabCtx(ctx)
	defer cancel()
	saved, err := m.deps.Store.AppendMessage(cctx, msg)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, errors.ErrCollaboratorUnavailable.WithError(err)
	}
	return saved, nil
}

func (m *Manager) handleMarkRead(ctx context.Context, conn *Connection, req *Request) error {
	r, err := payload(req.Data)
	if err != nil {
		return err
	}
	ref, key, err := m.joinedRoom(conn, r)
	if err != nil {
		return err
	}
	p := conn.principal
	if err := m.checkAccess(ctx, p.Identity, ref, ActionRead); err != nil {
		return err
	}

	items := r.Get("itemIds")
	if !items.IsArray() {
		return errors.ErrValidation.WithMessage("itemIds must be an array")
	}
	var ids []string
	for _, it := range items.Array() {
		if it.Type != gjson.String || it.Str == "" {
			return errors.ErrValidation.WithMessage("itemIds must contain non-empty strings")
		}
		ids = append(ids, it.Str)
	}
	if len(ids) == 0 || len(ids) > m.cfg.MaxReadItems {
		return errors.ErrValidation.WithMessage("itemIds size out of range").
			WithDetails(map[string]any{"max": m.cfg.MaxReadItems})
	}

	cctx, cancel := m.collabCtx(ctx)
	err = m.deps.Store.MarkRead(cctx, ref, p.Identity, ids)
	cancel()
	if err != nil {
		return errors.ErrCollaboratorUnavailable.WithError(err)
	}
	if err := m.deps.Cache.Delete(ctx, unreadCacheKey(key, p.Identity)); err != nil {
		m.log.DebugContext(ctx, "unread cache invalidation failed", zap.Error(err))
	}

	if room, ok := m.rooms.Get(key); ok {
		m.fanout(EventReadReceipt, room.others(conn.ID()), map[string]any{
			"roomIdentifier": key,
			"identity":       p.Identity,
			"itemIds":        ids,
			"at":             m.now().UnixMilli(),
		})
	}
	m.emit(conn, EventAck, req.RequestID, map[string]any{"roomIdentifier": key, "itemIds": ids})
	return nil
}

func (m *Manager) handleTypingStart(_ context.Context, conn *Connection, req *Request) error {
	r, err := payload(req.Data)
	if err != nil {
		return err
	}
	_, key, err := m.joinedRoom(conn, r)
	if err != nil {
		return err
	}
	return m.StartTyping(conn, key)
}

func (m *Manager) handleTypingStop(_ context.Context, conn *Connection, req *Request) error {
	r, err := payload(req.Data)
	if err != nil {
		return err
	}
	_, key, err := m.joinedRoom(conn, r)
	if err != nil {
		return err
	}
	return m.StopTyping(conn, key)
}

func (m *Manager) handleStatusChange(_ context.Context, conn *Connection, req *Request) error {
	r, err := payload(req.Data)
	if err != nil {
		return err
	}
	raw, err := stringField(r, "status")
	if err != nil {
		return err
	}
	status, err := m.SetStatus(conn, raw)
	if err != nil {
		return err
	}
	m.emit(conn, EventAck, req.RequestID, map[string]any{"status": status})
	return nil
}
