package session

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"OpenTrade-Chain/internal/identity"
)

// MemoryCache 是进程内实现，底层使用带 TTL 的 go-cache，
// 过期条目在读取时即不可见。
type MemoryCache struct {
	entries *gocache.Cache
	ttl     time.Duration
}

// NewMemoryCache 创建进程内验证缓存。
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		entries: gocache.New(ttl, 10*time.Minute),
		ttl:     ttl,
	}
}

// MarkVerified 实现 Cache 接口，重复标记会覆盖旧条目并重置 TTL。
func (m *MemoryCache) MarkVerified(_ context.Context, sessionID string, did identity.DID, publicKey string) error {
	entry := Entry{
		Verified:   true,
		PublicKey:  publicKey,
		VerifiedAt: time.Now().UTC(),
	}
	m.entries.Set(entryKey(sessionID, did), entry, m.ttl)
	return nil
}

// IsVerified 实现 Cache 接口。
func (m *MemoryCache) IsVerified(_ context.Context, sessionID string, did identity.DID) (bool, error) {
	value, ok := m.entries.Get(entryKey(sessionID, did))
	if !ok {
		return false, nil
	}
	entry, ok := value.(Entry)
	return ok && entry.Verified, nil
}

// VerifiedKey 实现 Cache 接口。
func (m *MemoryCache) VerifiedKey(_ context.Context, sessionID string, did identity.DID) (string, error) {
	value, ok := m.entries.Get(entryKey(sessionID, did))
	if !ok {
		return "", ErrNotVerified
	}
	entry, ok := value.(Entry)
	if !ok || !entry.Verified {
		return "", ErrNotVerified
	}
	return entry.PublicKey, nil
}

// EndSession 实现 Cache 接口，立即移除该会话的全部验证状态。
func (m *MemoryCache) EndSession(_ context.Context, sessionID string) error {
	prefix := "session:" + sessionID + ":"
	for key := range m.entries.Items() {
		if strings.HasPrefix(key, prefix) {
			m.entries.Delete(key)
		}
	}
	return nil
}
