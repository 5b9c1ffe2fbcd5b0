// Package mongostore 基于 MongoDB 的 store.Store 实现
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/tokmz/qim/internal/store"
	"github.com/tokmz/qim/pkg/logger"
)

// Store MongoDB 存储
type Store struct {
	client *mongo.Client // NewFromDatabase 创建时为 nil
	db     *mongo.Database

	conversations *mongo.Collection
	messages      *mongo.Collection
	reads         *mongo.Collection
	identities    *mongo.Collection

	timeout time.Duration
	log     logger.Logger
}

var _ store.Store = (*Store)(nil)

// readDoc 身份在会话内的已读位置
type readDoc struct {
	store.Ref  `bson:",inline"`
	Identity   string    `bson:"identity"`
	LastReadAt time.Time `bson:"last_read_at"`
}

// identityDoc 身份角色
type identityDoc struct {
	Identity string `bson:"_id"`
	Role     string `bson:"role"`
}

// New 连接 MongoDB 并按需创建索引
func New(ctx context.Context, cfg *Config, log logger.Logger) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := options.Client().ApplyURI(cfg.URI).SetAppName(cfg.AppName)
	opts.SetMinPoolSize(cfg.MinPoolSize)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	if cfg.MaxConnIdleTime > 0 {
		opts.SetMaxConnIdleTime(cfg.MaxConnIdleTime)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout+time.Second)
	defer cancel()

	client, err := mongo.Connect(cctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(cctx)
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}

	s := NewFromDatabase(client.Database(cfg.Database), cfg.OperationTimeout, log)
	s.client = client
	if cfg.EnsureIndexes {
		if err := s.EnsureIndexes(cctx); err != nil {
			_ = client.Disconnect(cctx)
			return nil, err
		}
	}
	return s, nil
}

// NewFromDatabase 使用已有的数据库句柄
func NewFromDatabase(db *mongo.Database, timeout time.Duration, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{
		db:            db,
		conversations: db.Collection(CollConversations),
		messages:      db.Collection(CollMessages),
		reads:         db.Collection(CollReads),
		identities:    db.Collection(CollIdentities),
		timeout:       timeout,
		log:           log.Named("mongostore"),
	}
}

// EnsureIndexes 创建查询与唯一约束所需的索引
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ref := bson.D{{Key: "workspace", Value: 1}, {Key: "tenant", Value: 1}, {Key: "conversation", Value: 1}}
	with := func(keys ...bson.E) bson.D {
		return append(append(bson.D{}, ref...), keys...)
	}

	specs := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{s.conversations, []mongo.IndexModel{
			{Keys: ref, Options: options.Index().SetUnique(true).SetName("conversations_ref_unique")},
			{Keys: bson.D{{Key: "workspace", Value: 1}, {Key: "tenant", Value: 1}, {Key: "participants", Value: 1}},
				Options: options.Index().SetName("conversations_participants")},
		}},
		{s.messages, []mongo.IndexModel{
			{Keys: with(bson.E{Key: "created_at", Value: 1}), Options: options.Index().SetName("messages_ref_created")},
			{Keys: with(bson.E{Key: "sender", Value: 1}, bson.E{Key: "client_msg_id", Value: 1}),
				Options: options.Index().SetUnique(true).SetName("messages_client_msg_unique").
					SetPartialFilterExpression(bson.D{{Key: "client_msg_id", Value: bson.D{{Key: "$exists", Value: true}}}})},
		}},
		{s.reads, []mongo.IndexModel{
			{Keys: with(bson.E{Key: "identity", Value: 1}), Options: options.Index().SetUnique(true).SetName("reads_ref_identity_unique")},
		}},
	}
	for _, spec := range specs {
		if _, err := spec.coll.Indexes().CreateMany(ctx, spec.models); err != nil {
			return fmt.Errorf("mongostore: create indexes on %s: %w", spec.coll.Name(), err)
		}
	}
	return nil
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) observe(ctx context.Context, op string, start time.Time) {
	s.log.DebugContext(ctx, "mongo operation", zap.String("op", op), zap.Duration("cost", time.Since(start)))
}

func refFilter(ref store.Ref, extra ...bson.E) bson.D {
	f := bson.D{
		{Key: "workspace", Value: ref.Workspace},
		{Key: "tenant", Value: ref.Tenant},
		{Key: "conversation", Value: ref.Conversation},
	}
	return append(f, extra...)
}

func wrapErr(op string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("mongostore: %s: %w", op, store.ErrNotFound)
	}
	return fmt.Errorf("mongostore: %s: %w", op, err)
}

// ListConversations 按最近消息时间倒序列出身份参与的会话
func (s *Store) ListConversations(ctx context.Context, workspace, tenant, identity string) ([]store.Conversation, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	defer s.observe(ctx, "list_conversations", time.Now())

	filter := bson.D{
		{Key: "workspace", Value: workspace},
		{Key: "tenant", Value: tenant},
		{Key: "participants", Value: identity},
	}
	opts := options.Find().SetSort(bson.D{{Key: "last_message_at", Value: -1}})
	cur, err := s.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapErr("list conversations", err)
	}
	convs := []store.Conversation{}
	if err := cur.All(ctx, &convs); err != nil {
		return nil, wrapErr("decode conversations", err)
	}
	return convs, nil
}

// UnreadCount 上次已读之后他人发送的消息数
func (s *Store) UnreadCount(ctx context.Context, ref store.Ref, identity string) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	defer s.observe(ctx, "unread_count", time.Now())

	var read readDoc
	err := s.reads.FindOne(ctx, refFilter(ref, bson.E{Key: "identity", Value: identity})).Decode(&read)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, wrapErr("find read position", err)
	}

	filter := refFilter(ref, bson.E{Key: "sender", Value: bson.D{{Key: "$ne", Value: identity}}})
	if !read.LastReadAt.IsZero() {
		filter = append(filter, bson.E{Key: "created_at", Value: bson.D{{Key: "$gt", Value: read.LastReadAt}}})
	}
	n, err := s.messages.CountDocuments(ctx, filter)
	if err != nil {
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
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	defer s.observe(ctx, "append_message", time.Now())

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		if mongo.IsDuplicateKeyError(err) && msg.ClientMsgID != "" {
			return s.findByClientMsgID(ctx, msg)
		}
		return nil, wrapErr("insert message", err)
	}

	update := bson.D{{Key: "$max", Value: bson.D{{Key: "last_message_at", Value: msg.CreatedAt}}}}
	if _, err := s.conversations.UpdateOne(ctx, refFilter(msg.Ref), update); err != nil {
		// 消息已保存，会话时间下次写入时修正
		s.log.WarnContext(ctx, "update conversation timestamp failed",
			zap.String("conversation", msg.Conversation),
			zap.Error(err),
		)
	}
	return msg, nil
}

func (s *Store) findByClientMsgID(ctx context.Context, msg *store.Message) (*store.Message, error) {
	var existing store.Message
	filter := refFilter(msg.Ref,
		bson.E{Key: "sender", Value: msg.Sender},
		bson.E{Key: "client_msg_id", Value: msg.ClientMsgID},
	)
	if err := s.messages.FindOne(ctx, filter).Decode(&existing); err != nil {
		return nil, wrapErr("find duplicate message", err)
	}
	return &existing, nil
}

// MarkRead 将已读位置推进到 itemIDs 中最新的消息
func (s *Store) MarkRead(ctx context.Context, ref store.Ref, identity string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	defer s.observe(ctx, "mark_read", time.Now())

	var latest store.Message
	opts := options.FindOne().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetProjection(bson.D{{Key: "created_at", Value: 1}})
	err := s.messages.FindOne(ctx, refFilter(ref, bson.E{Key: "_id", Value: bson.D{{Key: "$in", Value: itemIDs}}}), opts).Decode(&latest)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return wrapErr("find read items", err)
	}

	update := bson.D{{Key: "$max", Value: bson.D{{Key: "last_read_at", Value: latest.CreatedAt}}}}
	_, err = s.reads.UpdateOne(ctx,
		refFilter(ref, bson.E{Key: "identity", Value: identity}),
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return wrapErr("update read position", err)
	}
	return nil
}

// IsParticipant 身份是否在会话参与者列表中
func (s *Store) IsParticipant(ctx context.Context, ref store.Ref, identity string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	opts := options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}})
	err := s.conversations.FindOne(ctx, refFilter(ref, bson.E{Key: "participants", Value: identity}), opts).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("check participant", err)
	}
	return true, nil
}

// LookupRole 查询身份角色
func (s *Store) LookupRole(ctx context.Context, identity string) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var doc identityDoc
	if err := s.identities.FindOne(ctx, bson.D{{Key: "_id", Value: identity}}).Decode(&doc); err != nil {
		return "", wrapErr("lookup role", err)
	}
	return doc.Role, nil
}

// SaveConversation 创建或替换会话
func (s *Store) SaveConversation(ctx context.Context, conv *store.Conversation) error {
	if conv == nil || !conv.Ref.Valid() {
		return store.ErrInvalidInput
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.conversations.ReplaceOne(ctx, refFilter(conv.Ref), conv, options.Replace().SetUpsert(true))
	if err != nil {
		return wrapErr("save conversation", err)
	}
	s.log.DebugContext(ctx, "conversation saved",
		zap.String("conversation", conv.Conversation),
		zap.Int64("matched", result.MatchedCount),
		zap.Bool("upserted", result.UpsertedID != nil),
	)
	return nil
}

// SetRole 设置身份角色
func (s *Store) SetRole(ctx context.Context, identity, role string) error {
	if identity == "" || role == "" {
		return store.ErrInvalidInput
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.identities.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: identity}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "role", Value: role}}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return wrapErr("set role", err)
	}
	return nil
}

// Close 断开连接
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
