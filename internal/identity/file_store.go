package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	xerrors "OpenTrade-Chain/internal/errors"
)

// FileStore 以本地 JSON 文件保存注册表，方便开发环境快速迭代。
// 每次变更都整体落盘（公钥表与信誉表各一个文件）。这种"读全量、改、
// 写全量"的模式不允许并发写者，所有变更都在 mu 保护下串行执行。
type FileStore struct {
	mu             sync.RWMutex
	registryFile   string
	reputationFile string
	keys           map[DID]string
	reputations    map[DID]Reputation
}

// NewFileStore 创建文件存储并加载既有数据。
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	store := &FileStore{
		registryFile:   filepath.Join(dataDir, "did_registry.json"),
		reputationFile: filepath.Join(dataDir, "reputation.json"),
		keys:           make(map[DID]string),
		reputations:    make(map[DID]Reputation),
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// Put 实现 Store 接口。
func (s *FileStore) Put(_ context.Context, rec *Record) error {
	if rec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[rec.DID]; ok {
		return ErrAlreadyExists
	}
	s.keys[rec.DID] = rec.PublicKey
	s.reputations[rec.DID] = cloneReputation(rec.Reputation)
	return s.checkpoint()
}

// Get 实现 Store 接口。
func (s *FileStore) Get(_ context.Context, did DID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[did]
	if !ok {
		return nil, ErrNotFound
	}
	rep := cloneReputation(s.reputations[did])
	return &Record{DID: did, PublicKey: key, Reputation: rep}, nil
}

// Update 实现 Store 接口。
func (s *FileStore) Update(_ context.Context, rec *Record) error {
	if rec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[rec.DID]; !ok {
		return ErrNotFound
	}
	s.keys[rec.DID] = rec.PublicKey
	s.reputations[rec.DID] = cloneReputation(rec.Reputation)
	return s.checkpoint()
}

// Delete 实现 Store 接口，公钥与信誉同时移除。
func (s *FileStore) Delete(_ context.Context, did DID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[did]; !ok {
		return ErrNotFound
	}
	delete(s.keys, did)
	delete(s.reputations, did)
	return s.checkpoint()
}

// List 实现 Store 接口，按 DID 排序返回。
func (s *FileStore) List(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]*Record, 0, len(s.keys))
	for did, key := range s.keys {
		records = append(records, &Record{
			DID:        did,
			PublicKey:  key,
			Reputation: cloneReputation(s.reputations[did]),
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].DID < records[j].DID })
	return records, nil
}

// checkpoint 将两张表整体写盘。调用方必须持有写锁。
func (s *FileStore) checkpoint() error {
	if err := writeJSON(s.registryFile, s.keys); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入注册表失败")
	}
	if err := writeJSON(s.reputationFile, s.reputations); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入信誉表失败")
	}
	return nil
}

func (s *FileStore) load() error {
	if err := readJSON(s.registryFile, &s.keys); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载注册表失败")
	}
	if err := readJSON(s.reputationFile, &s.reputations); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载信誉表失败")
	}
	return nil
}

func writeJSON(path string, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, encoded, 0o644)
}

func readJSON(path string, target any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(content) == 0 {
		return nil
	}
	return json.Unmarshal(content, target)
}

func cloneReputation(rep Reputation) Reputation {
	clone := rep
	if rep.Metadata != nil {
		clone.Metadata = make(map[string]string, len(rep.Metadata))
		for k, v := range rep.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}
