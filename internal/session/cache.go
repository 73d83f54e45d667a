// Package session 维护"当前会话内已验证过哪些远端身份"的记忆，
// 避免同一个 ask 里对同一身份重复验签。条目默认一小时过期，
// 会话结束时由持有方显式清空。
package session

import (
	"context"
	"time"

	xerrors "OpenTrade-Chain/internal/errors"
	"OpenTrade-Chain/internal/identity"
)

// DefaultTTL 是验证状态的被动过期时间。
const DefaultTTL = time.Hour

// ErrNotVerified 表示会话内不存在该身份的有效验证状态。
var ErrNotVerified = xerrors.New(xerrors.CodeNotFound, "会话内身份未验证")

// Entry 是一条验证状态。
type Entry struct {
	Verified   bool      `json:"verified"`
	PublicKey  string    `json:"public_key"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Cache 抽象验证状态的存取。两种实现（进程内 / Redis）必须对调用方
// 呈现一致的语义：条目在显式结束或超过 TTL 后不可见。
type Cache interface {
	MarkVerified(ctx context.Context, sessionID string, did identity.DID, publicKey string) error
	IsVerified(ctx context.Context, sessionID string, did identity.DID) (bool, error)
	VerifiedKey(ctx context.Context, sessionID string, did identity.DID) (string, error)
	EndSession(ctx context.Context, sessionID string) error
}

// entryKey 生成 (会话, 身份) 的存储键。
func entryKey(sessionID string, did identity.DID) string {
	return "session:" + sessionID + ":" + string(did)
}
