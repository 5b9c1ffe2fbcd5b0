package cache

import "github.com/tokmz/qim/pkg/errors"

var (
	ErrCacheNotFound      = errors.New("CACHE_NOT_FOUND", "cache key not found", 404)
	ErrCacheConnection    = errors.New("CACHE_CONNECTION", "cache connection failed")
	ErrCacheSerialization = errors.New("CACHE_SERIALIZATION", "cache serialization failed")
	ErrCacheInvalidConfig = errors.New("CACHE_INVALID_CONFIG", "cache invalid config")
	ErrCacheOperation     = errors.New("CACHE_OPERATION", "cache operation failed")
)
