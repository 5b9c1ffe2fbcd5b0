// Package sqlstore 基于 gorm 的 store.Store 实现，支持 mysql/postgres/sqlite/sqlserver
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tokmz/qim/internal/store"
	"github.com/tokmz/qim/pkg/logger"
	"github.com/tokmz/qim/pkg/orm"
)

type conversationRow struct {
	ID            uint       `gorm:"primaryKey"`
	Workspace     string     `gorm:"size:128;uniqueIndex:uk_conv_ref,priority:1"`
	Tenant        string     `gorm:"size:128;uniqueIndex:uk_conv_ref,priority:2"`
	Conversation  string     `gorm:"size:128;uniqueIndex:uk_conv_ref,priority:3"`
	Title         string     `gorm:"size:255"`
	LastMessageAt *time.Time `gorm:"index:idx_conv_last"`
}

func (conversationRow) TableName() string { return "conversations" }

type participantRow struct {
	ID           uint   `gorm:"primaryKey"`
	Workspace    string `gorm:"size:128;uniqueIndex:uk_part,priority:1;index:idx_part_identity,priority:1"`
	Tenant       string `gorm:"size:128;uniqueIndex:uk_part,priority:2;index:idx_part_identity,priority:2"`
	Conversation string `gorm:"size:128;uniqueIndex:uk_part,priority:3"`
	Identity     string `gorm:"size:128;uniqueIndex:uk_part,priority:4;index:idx_part_identity,priority:3"`
}

func (participantRow) TableName() string { return "conversation_participants" }

type messageRow struct {
	ID           string         `gorm:"primaryKey;size:64"`
	ClientMsgID  *string        `gorm:"size:128;uniqueIndex:uk_msg_client,priority:5"`
	Workspace    string         `gorm:"size:128;index:idx_msg_ref,priority:1;uniqueIndex:uk_msg_client,priority:1"`
	Tenant       string         `gorm:"size:128;index:idx_msg_ref,priority:2;uniqueIndex:uk_msg_client,priority:2"`
	Conversation string         `gorm:"size:128;index:idx_msg_ref,priority:3;uniqueIndex:uk_msg_client,priority:3"`
	Sender       string         `gorm:"size:128;uniqueIndex:uk_msg_client,priority:4"`
	SenderRole   string         `gorm:"size:64"`
	Type         string         `gorm:"size:32"`
	Content      string         `gorm:"type:text"`
	Metadata     map[string]any `gorm:"serializer:json"`
	CreatedAt    time.Time      `gorm:"index:idx_msg_ref,priority:4"`
}

func (messageRow) TableName() string { return "messages" }

type readRow struct {
	ID           uint   `gorm:"primaryKey"`
	Workspace    string `gorm:"size:128;uniqueIndex:uk_read,priority:1"`
	Tenant       string `gorm:"size:128;uniqueIndex:uk_read,priority:2"`
	Conversation string `gorm:"size:128;uniqueIndex:uk_read,priority:3"`
	Identity     string `gorm:"size:128;uniqueIndex:uk_read,priority:4"`
	LastReadAt   time.Time
}

func (readRow) TableName() string { return "conversation_reads" }

type identityRow struct {
	Identity string `gorm:"primaryKey;size:128"`
	Role     string `gorm:"size:64"`
}

func (identityRow) TableName() string { return "identities" }

// Store gorm 存储
type Store struct {
	db  *gorm.DB
	log logger.Logger
}

var _ store.Store = (*Store)(nil)

// New 通过 orm.New 打开数据库并迁移表结构
func New(ctx context.Context, cfg *orm.Config, log logger.Logger) (*Store, error) {
	db, err := orm.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}
	s := NewFromDB(db, log)
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewFromDB 使用已有的 gorm 实例
func NewFromDB(db *gorm.DB, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{db: db, log: log.Named("sqlstore")}
}

// Migrate 自动迁移表结构
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&conversationRow{},
		&participantRow{},
		&messageRow{},
		&readRow{},
		&identityRow{},
	)
	if err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

func refWhere(db *gorm.DB, ref store.Ref) *gorm.DB {
	return db.Where("workspace = ? AND tenant = ? AND conversation = ?", ref.Workspace, ref.Tenant, ref.Conversation)
}

func wrapErr(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("sqlstore: %s: %w", op, store.ErrNotFound)
	}
	return fmt.Errorf("sqlstore: %s: %w", op, err)
}

// ListConversations 按最近消息时间倒序列出身份参与的会话
func (s *Store) ListConversations(ctx context.Context, workspace, tenant, identity string) ([]store.Conversation, error) {
	db := s.db.WithContext(ctx)

	var ids []string
	err := db.Model(&participantRow{}).
		Where("workspace = ? AND tenant = ? AND identity = ?", workspace, tenant, identity).
		Pluck("conversation", &ids).Error
	if err != nil {
		return nil, wrapErr("list memberships", err)
	}
	convs := []store.Conversation{}
	if len(ids) == 0 {
		return convs, nil
	}

	var rows []conversationRow
	err = db.Where("workspace = ? AND tenant = ? AND conversation IN ?", workspace, tenant, ids).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "last_message_at"}, Desc: true}).
		Find(&rows).Error
	if err != nil {
		return nil, wrapErr("list conversations", err)
	}

	var parts []participantRow
	err = db.Where("workspace = ? AND tenant = ? AND conversation IN ?", workspace, tenant, ids).
		Order("id").
		Find(&parts).Error
	if err != nil {
		return nil, wrapErr("list participants", err)
	}
	members := make(map[string][]string, len(rows))
	for _, p := range parts {
		members[p.Conversation] = append(members[p.Conversation], p.Identity)
	}

	for _, r := range rows {
		c := store.Conversation{
			Ref:          store.Ref{Workspace: r.Workspace, Tenant: r.Tenant, Conversation: r.Conversation},
			Title:        r.Title,
			Participants: members[r.Conversation],
		}
		if r.LastMessageAt != nil {
			c.LastMessageAt = *r.LastMessageAt
		}
		convs = append(convs, c)
	}
	return convs, nil
}

// UnreadCount 上次已读之后他人发送的消息数
func (s *Store) UnreadCount(ctx context.Context, ref store.Ref, identity string) (int, error) {
	db := s.db.WithContext(ctx)

	var read readRow
	err := refWhere(db, ref).Where("identity = ?", identity).Limit(1).Find(&read).Error
	if err != nil {
		return 0, wrapErr("find read position", err)
	}

	q := refWhere(db.Model(&messageRow{}), ref).Where("sender <> ?", identity)
	if !read.LastReadAt.IsZero() {
		q = q.Where("created_at > ?", read.LastReadAt)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, wrapErr("count unread", err)
	}
	return int(n), nil
}

// AppendMessage 保存消息并更新会话的最近消息时间
// 同一发送者重复的 clientMsgId 返回已保存的消息
func (s *Store) AppendMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	if msg == nil || msg.ID == "" || !msg.Ref.Valid() {
		return nil, store.ErrInvalidInput
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()

	saved := msg
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if msg.ClientMsgID != "" {
			var existing messageRow
			err := refWhere(tx, msg.Ref).
				Where("sender = ? AND client_msg_id = ?", msg.Sender, msg.ClientMsgID).
				Limit(1).Find(&existing).Error
			if err != nil {
				return err
			}
			if existing.ID != "" {
				saved = existing.toMessage()
				return nil
			}
		}

		if err := tx.Create(rowFromMessage(msg)).Error; err != nil {
			return err
		}
		return refWhere(tx.Model(&conversationRow{}), msg.Ref).
			Where("(last_message_at IS NULL OR last_message_at < ?)", msg.CreatedAt).
			Update("last_message_at", msg.CreatedAt).Error
	})
	if err != nil {
		return nil, wrapErr("append message", err)
	}
	return saved, nil
}

// MarkRead 将已读位置推进到 itemIDs 中最新的消息
func (s *Store) MarkRead(ctx context.Context, ref store.Ref, identity string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest messageRow
		err := refWhere(tx, ref).Where("id IN ?", itemIDs).
			Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true}).
			Limit(1).Find(&latest).Error
		if err != nil {
			return err
		}
		if latest.ID == "" {
			return nil
		}

		var read readRow
		if err := refWhere(tx, ref).Where("identity = ?", identity).Limit(1).Find(&read).Error; err != nil {
			return err
		}
		if read.ID == 0 {
			return tx.Create(&readRow{
				Workspace:    ref.Workspace,
				Tenant:       ref.Tenant,
				Conversation: ref.Conversation,
				Identity:     identity,
				LastReadAt:   latest.CreatedAt,
			}).Error
		}
		if !latest.CreatedAt.After(read.LastReadAt) {
			return nil
		}
		return tx.Model(&read).Update("last_read_at", latest.CreatedAt).Error
	})
	if err != nil {
		return wrapErr("mark read", err)
	}
	return nil
}

// IsParticipant 身份是否为会话参与者
func (s *Store) IsParticipant(ctx context.Context, ref store.Ref, identity string) (bool, error) {
	var n int64
	err := refWhere(s.db.WithContext(ctx).Model(&participantRow{}), ref).
		Where("identity = ?", identity).
		Count(&n).Error
	if err != nil {
		return false, wrapErr("check participant", err)
	}
	return n > 0, nil
}

// LookupRole 查询身份角色
func (s *Store) LookupRole(ctx context.Context, identity string) (string, error) {
	var row identityRow
	if err := s.db.WithContext(ctx).Where("identity = ?", identity).First(&row).Error; err != nil {
		return "", wrapErr("lookup role", err)
	}
	return row.Role, nil
}

// SaveConversation 创建或替换会话及其参与者
func (s *Store) SaveConversation(ctx context.Context, conv *store.Conversation) error {
	if conv == nil || !conv.Ref.Valid() {
		return store.ErrInvalidInput
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := conversationRow{
			Workspace:    conv.Workspace,
			Tenant:       conv.Tenant,
			Conversation: conv.Conversation,
			Title:        conv.Title,
		}
		if !conv.LastMessageAt.IsZero() {
			t := conv.LastMessageAt.UTC()
			row.LastMessageAt = &t
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace"}, {Name: "tenant"}, {Name: "conversation"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "last_message_at"}),
		}).Create(&row).Error
		if err != nil {
			return err
		}

		if err := refWhere(tx, conv.Ref).Delete(&participantRow{}).Error; err != nil {
			return err
		}
		if len(conv.Participants) == 0 {
			return nil
		}
		parts := make([]participantRow, 0, len(conv.Participants))
		for _, id := range conv.Participants {
			parts = append(parts, participantRow{
				Workspace:    conv.Workspace,
				Tenant:       conv.Tenant,
				Conversation: conv.Conversation,
				Identity:     id,
			})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&parts).Error
	})
	if err != nil {
		return wrapErr("save conversation", err)
	}
	s.log.DebugContext(ctx, "conversation saved",
		zap.String("conversation", conv.Conversation),
		zap.Int("participants", len(conv.Participants)),
	)
	return nil
}

// SetRole 设置身份角色
func (s *Store) SetRole(ctx context.Context, identity, role string) error {
	if identity == "" || role == "" {
		return store.ErrInvalidInput
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&identityRow{Identity: identity, Role: role}).Error
	if err != nil {
		return wrapErr("set role", err)
	}
	return nil
}

// Close 关闭底层连接池
func (s *Store) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func rowFromMessage(m *store.Message) *messageRow {
	row := &messageRow{
		ID:           m.ID,
		Workspace:    m.Workspace,
		Tenant:       m.Tenant,
		Conversation: m.Conversation,
		Sender:       m.Sender,
		SenderRole:   m.SenderRole,
		Type:         m.Type,
		Content:      m.Content,
		Metadata:     m.Metadata,
		CreatedAt:    m.CreatedAt,
	}
	if m.ClientMsgID != "" {
		id := m.ClientMsgID
		row.ClientMsgID = &id
	}
	return row
}

func (r *messageRow) toMessage() *store.Message {
	m := &store.Message{
		ID:         r.ID,
		Ref:        store.Ref{Workspace: r.Workspace, Tenant: r.Tenant, Conversation: r.Conversation},
		Sender:     r.Sender,
		SenderRole: r.SenderRole,
		Type:       r.Type,
		Content:    r.Content,
		Metadata:   r.Metadata,
		CreatedAt:  r.CreatedAt,
	}
	if r.ClientMsgID != nil {
		m.ClientMsgID = *r.ClientMsgID
	}
	return m
}
