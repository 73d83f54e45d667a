package identity

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenTrade-Chain/internal/errors"
	"OpenTrade-Chain/pkg/logger"
)

// Reputation 记录一个身份的互动信誉。
type Reputation struct {
	Score                  float64           `json:"score"`
	TotalInteractions      int64             `json:"total_interactions"`
	SuccessfulInteractions int64             `json:"successful_interactions"`
	LastUpdated            time.Time         `json:"last_updated"`
	Metadata               map[string]string `json:"metadata,omitempty"`
}

// Record 是注册表中一个身份的完整条目。
type Record struct {
	DID        DID        `json:"did"`
	PublicKey  string     `json:"public_key"`
	Reputation Reputation `json:"reputation"`
}

// Store 抽象身份记录的持久化。实现必须以规范化 DID 为键。
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, did DID) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, did DID) error
	List(ctx context.Context) ([]*Record, error)
}

// 哨兵错误，供 errors.Is 判断。
var (
	ErrNotFound      = xerrors.New(xerrors.CodeNotFound, "DID 未注册")
	ErrAlreadyExists = xerrors.New(xerrors.CodeConflict, "DID 已注册")
	ErrInvalidDID    = xerrors.New(xerrors.CodeInvalidArgument, "DID 格式不合法")
)

// Registry 维护 DID 到公钥与信誉的映射。所有对外方法先做规范化，
// 保证仅前缀不同的两个 DID 解析到同一条记录。
type Registry struct {
	store Store
	log   *slog.Logger
}

// NewRegistry 构造身份注册表。
func NewRegistry(store Store) *Registry {
	return &Registry{store: store, log: logger.Named("identity")}
}

// Register 注册一个新身份并初始化信誉记录。格式非法或已存在时返回错误。
func (r *Registry) Register(ctx context.Context, did, publicKey string) error {
	d := Normalize(did)
	if !d.Valid() {
		r.log.Error("拒绝注册非法 DID", "did", did)
		return ErrInvalidDID
	}
	if strings.TrimSpace(publicKey) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "公钥不能为空")
	}
	if _, err := r.store.Get(ctx, d); err == nil {
		r.log.Warn("DID 已注册", "did", d)
		return ErrAlreadyExists
	} else if !stdErrors.Is(err, ErrNotFound) {
		return err
	}

	rec := &Record{
		DID:       d,
		PublicKey: publicKey,
		Reputation: Reputation{
			LastUpdated: time.Now().UTC(),
			Metadata:    map[string]string{},
		},
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return err
	}
	r.log.Info("注册新身份", "did", d)
	return nil
}

// Get 返回 DID 对应的公钥。未注册时返回 ErrNotFound。
func (r *Registry) Get(ctx context.Context, did string) (string, error) {
	rec, err := r.Lookup(ctx, did)
	if err != nil {
		return "", err
	}
	return rec.PublicKey, nil
}

// Lookup 返回完整身份记录。
func (r *Registry) Lookup(ctx context.Context, did string) (*Record, error) {
	d := Normalize(did)
	if !d.Valid() {
		return nil, ErrInvalidDID
	}
	rec, err := r.store.Get(ctx, d)
	if err != nil {
		if stdErrors.Is(err, ErrNotFound) {
			r.log.Warn("DID 未找到", "did", d)
		}
		return nil, err
	}
	return rec, nil
}

// UpdateReputation 根据一次互动结果更新信誉：累加计数、按
// successful/total*100 重算分数、合并元数据，然后持久化。
func (r *Registry) UpdateReputation(ctx context.Context, did string, success bool, metadata map[string]string) error {
	d := Normalize(did)
	rec, err := r.store.Get(ctx, d)
	if err != nil {
		return err
	}

	rec.Reputation.TotalInteractions++
	if success {
		rec.Reputation.SuccessfulInteractions++
	}
	rec.Reputation.Score = float64(rec.Reputation.SuccessfulInteractions) / float64(rec.Reputation.TotalInteractions) * 100
	if len(metadata) > 0 {
		if rec.Reputation.Metadata == nil {
			rec.Reputation.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			rec.Reputation.Metadata[k] = v
		}
	}
	rec.Reputation.LastUpdated = time.Now().UTC()

	if err := r.store.Update(ctx, rec); err != nil {
		return err
	}
	r.log.Info("更新信誉", "did", d, "score", rec.Reputation.Score, "success", success)
	return nil
}

// Remove 原子地删除身份及其信誉记录。
func (r *Registry) Remove(ctx context.Context, did string) error {
	d := Normalize(did)
	if err := r.store.Delete(ctx, d); err != nil {
		return err
	}
	r.log.Info("删除身份", "did", d)
	return nil
}

// List 返回全部身份记录。
func (r *Registry) List(ctx context.Context) ([]*Record, error) {
	return r.store.List(ctx)
}
