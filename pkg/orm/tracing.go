package orm

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const gormTracerName = "qim.gorm"

// TracingPlugin GORM 链路追踪插件
type TracingPlugin struct {
	withSQL bool // 记录完整 SQL（可能包含敏感数据）
}

// NewTracingPlugin 创建追踪插件
func NewTracingPlugin() *TracingPlugin {
	return &TracingPlugin{}
}

// WithSQL 在 Span 中记录 SQL 语句
func (p *TracingPlugin) WithSQL() *TracingPlugin {
	p.withSQL = true
	return p
}

// Name 插件名称
func (p *TracingPlugin) Name() string {
	return "qim:tracing"
}

// Initialize 为每类 GORM 回调注册 before/after
func (p *TracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	regs := []func() error{
		func() error { return cb.Create().Before("gorm:create").Register("qim:before_create", p.before("gorm.create")) },
		func() error { return cb.Create().After("gorm:create").Register("qim:after_create", p.after) },
		func() error { return cb.Query().Before("gorm:query").Register("qim:before_query", p.before("gorm.query")) },
		func() error { return cb.Query().After("gorm:query").Register("qim:after_query", p.after) },
		func() error { return cb.Update().Before("gorm:update").Register("qim:before_update", p.before("gorm.update")) },
		func() error { return cb.Update().After("gorm:update").Register("qim:after_update", p.after) },
		func() error { return cb.Delete().Before("gorm:delete").Register("qim:before_delete", p.before("gorm.delete")) },
		func() error { return cb.Delete().After("gorm:delete").Register("qim:after_delete", p.after) },
		func() error { return cb.Row().Before("gorm:row").Register("qim:before_row", p.before("gorm.row")) },
		func() error { return cb.Row().After("gorm:row").Register("qim:after_row", p.after) },
		func() error { return cb.Raw().Before("gorm:raw").Register("qim:before_raw", p.before("gorm.raw")) },
		func() error { return cb.Raw().After("gorm:raw").Register("qim:after_raw", p.after) },
	}
	for _, reg := range regs {
		if err := reg(); err != nil {
			return err
		}
	}
	return nil
}

func (p *TracingPlugin) before(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, _ = otel.Tracer(gormTracerName).Start(ctx, operation,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.String("db.system", db.Dialector.Name())),
		)
		db.Statement.Context = ctx
	}
}

func (p *TracingPlugin) after(db *gorm.DB) {
	span := trace.SpanFromContext(db.Statement.Context)
	if !span.IsRecording() {
		return
	}
	defer span.End()

	if p.withSQL {
		span.SetAttributes(attribute.String("db.statement", db.Statement.SQL.String()))
	}
	if db.Statement.Table != "" {
		span.SetAttributes(attribute.String("db.table", db.Statement.Table))
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

	if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
		span.RecordError(db.Error)
		span.SetStatus(codes.Error, db.Error.Error())
	}
}
