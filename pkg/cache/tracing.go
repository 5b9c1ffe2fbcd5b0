package cache

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const cacheTracerName = "qim.cache"

// tracedCache 链路追踪装饰器
type tracedCache struct {
	Cache
	tracer trace.Tracer
}

// NewTracing 为缓存的每次操作创建 client span
func NewTracing(c Cache) Cache {
	return &tracedCache{Cache: c, tracer: otel.Tracer(cacheTracerName)}
}

// traced 包装操作；未命中不记为错误
func (t *tracedCache) traced(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	ctx, span := t.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(attribute.String("cache.key", key))
	start := time.Now()
	err := fn(ctx)
	span.SetAttributes(attribute.Int64("cache.duration_ms", time.Since(start).Milliseconds()))

	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, ErrCacheNotFound):
		span.SetAttributes(attribute.Bool("cache.hit", false))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (t *tracedCache) Get(ctx context.Context, key string, value any) error {
	return t.traced(ctx, "cache.Get", key, func(ctx context.Context) error {
		return t.Cache.Get(ctx, key, value)
	})
}

func (t *tracedCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return t.traced(ctx, "cache.Set", key, func(ctx context.Context) error {
		return t.Cache.Set(ctx, key, value, ttl)
	})
}

func (t *tracedCache) Delete(ctx context.Context, keys ...string) error {
	key := ""
	if len(keys) > 0 {
		key = keys[0]
	}
	return t.traced(ctx, "cache.Delete", key, func(ctx context.Context) error {
		return t.Cache.Delete(ctx, keys...)
	})
}

func (t *tracedCache) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := t.traced(ctx, "cache.Exists", key, func(ctx context.Context) error {
		var err error
		ok, err = t.Cache.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (t *tracedCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := t.traced(ctx, "cache.TTL", key, func(ctx context.Context) error {
		var err error
		ttl, err = t.Cache.TTL(ctx, key)
		return err
	})
	return ttl, err
}
