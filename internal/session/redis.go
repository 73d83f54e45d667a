package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenTrade-Chain/internal/errors"
	"OpenTrade-Chain/internal/identity"
)

// RedisConfig 描述共享缓存的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisCache 把验证状态放进共享的 Redis，多个进程之间可见，
// TTL 由 Redis 原生维护。
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache 创建 Redis 验证缓存并确认连通。
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

// MarkVerified 实现 Cache 接口。
func (r *RedisCache) MarkVerified(ctx context.Context, sessionID string, did identity.DID, publicKey string) error {
	entry := Entry{
		Verified:   true,
		PublicKey:  publicKey,
		VerifiedAt: time.Now().UTC(),
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化验证状态失败")
	}
	if err := r.client.Set(ctx, entryKey(sessionID, did), encoded, r.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入验证状态失败")
	}
	return nil
}

// IsVerified 实现 Cache 接口。
func (r *RedisCache) IsVerified(ctx context.Context, sessionID string, did identity.DID) (bool, error) {
	entry, err := r.load(ctx, sessionID, did)
	if err != nil {
		if errors.Is(err, ErrNotVerified) {
			return false, nil
		}
		return false, err
	}
	return entry.Verified, nil
}

// VerifiedKey 实现 Cache 接口。
func (r *RedisCache) VerifiedKey(ctx context.Context, sessionID string, did identity.DID) (string, error) {
	entry, err := r.load(ctx, sessionID, did)
	if err != nil {
		return "", err
	}
	if !entry.Verified {
		return "", ErrNotVerified
	}
	return entry.PublicKey, nil
}

// EndSession 实现 Cache 接口，用 SCAN 遍历并删除会话的全部键。
func (r *RedisCache) EndSession(ctx context.Context, sessionID string) error {
	pattern := "session:" + sessionID + ":*"
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 64).Result()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描会话键失败")
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话键失败")
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close 关闭 Redis 连接。
func (r *RedisCache) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *RedisCache) load(ctx context.Context, sessionID string, did identity.DID) (*Entry, error) {
	raw, err := r.client.Get(ctx, entryKey(sessionID, did)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotVerified
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取验证状态失败")
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析验证状态失败")
	}
	return &entry, nil
}
