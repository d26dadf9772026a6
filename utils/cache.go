package utils

import (
	"CloudBox/internal/repo"
	"CloudBox/model"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a Redis cache client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
	}
}

// Get reads a cached value.
func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(val), dest)
}

// Set writes a cached value.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, string(data), expiration).Err()
}

// Delete removes a cache entry.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

type CacheManager struct {
	cache Cache
}

var globalCacheManager *CacheManager
var cacheManagerOnce sync.Once

// InitCacheManager initializes the cache manager.
func InitCacheManager() {
	cacheManagerOnce.Do(func() { // 单一用例模式
		globalCacheManager = &CacheManager{
			cache: NewRedisCache(repo.Redis),
		}
	})
}

// GetCacheManager returns the cache manager.
func GetCacheManager() *CacheManager {
	if globalCacheManager == nil {
		InitCacheManager()
	}
	return globalCacheManager
}

// BuildCacheKey builds a cache key.
func BuildCacheKey(prefix string, params ...interface{}) string {
	key := prefix
	for _, param := range params {
		key += fmt.Sprintf(":%v", param)
	}
	return key
}

const (
	CacheKeyUploadSession = "upload:session"
	CacheKeyJobStatus     = "archive:job"
)

// cacheAvailable guards against use before InitRedis (tests run without redis).
func cacheAvailable() bool {
	return repo.Redis != nil
}

// GetUploadSessionFromCache reads a cached upload session.
func GetUploadSessionFromCache(ctx context.Context, uploadID string) (*model.UploadSession, bool) {
	if !cacheAvailable() {
		return nil, false
	}
	manager := GetCacheManager()
	key := BuildCacheKey(CacheKeyUploadSession, uploadID)

	var result model.UploadSession
	if err := manager.cache.Get(ctx, key, &result); err != nil {
		return nil, false
	}
	return &result, true
}

// SetUploadSessionToCache writes a cached upload session.
func SetUploadSessionToCache(ctx context.Context, session *model.UploadSession, expiration time.Duration) error {
	if !cacheAvailable() || session == nil {
		return nil
	}
	manager := GetCacheManager()
	key := BuildCacheKey(CacheKeyUploadSession, session.UploadID)
	return manager.cache.Set(ctx, key, session, expiration)
}

// InvalidateUploadSessionCache clears a cached upload session. Every status
// transition and abort goes through this so the cache can never outlive a row.
func InvalidateUploadSessionCache(ctx context.Context, uploadID string) error {
	if !cacheAvailable() {
		return nil
	}
	manager := GetCacheManager()
	return manager.cache.Delete(ctx, BuildCacheKey(CacheKeyUploadSession, uploadID))
}

// SetJobStatusToCache writes a cached job status snapshot.
func SetJobStatusToCache(ctx context.Context, job *model.CompressionJob, expiration time.Duration) error {
	if !cacheAvailable() || job == nil {
		return nil
	}
	manager := GetCacheManager()
	return manager.cache.Set(ctx, BuildCacheKey(CacheKeyJobStatus, job.ID), job, expiration)
}

// GetJobStatusFromCache reads a cached job status snapshot.
func GetJobStatusFromCache(ctx context.Context, jobID uint64) (*model.CompressionJob, bool) {
	if !cacheAvailable() {
		return nil, false
	}
	manager := GetCacheManager()
	var result model.CompressionJob
	if err := manager.cache.Get(ctx, BuildCacheKey(CacheKeyJobStatus, jobID), &result); err != nil {
		return nil, false
	}
	return &result, true
}

// InvalidateJobStatusCache clears a cached job status snapshot.
func InvalidateJobStatusCache(ctx context.Context, jobID uint64) error {
	if !cacheAvailable() {
		return nil
	}
	manager := GetCacheManager()
	return manager.cache.Delete(ctx, BuildCacheKey(CacheKeyJobStatus, jobID))
}
