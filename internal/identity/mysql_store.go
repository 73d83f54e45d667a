package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"OpenTrade-Chain/deploy/migrations"
	xerrors "OpenTrade-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 存储身份记录。与文件存储不同，这里的每次变更
// 都是单行原子写，可以安全地服务并发写者。
type MySQLStore struct {
	db *sql.DB
}

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewMySQLStore 建立连接池并初始化数据表。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// initSchema 按文件名顺序执行内嵌的 SQL 迁移。
func (s *MySQLStore) initSchema(ctx context.Context) error {
	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		return fmt.Errorf("读取迁移文件失败: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		script, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("读取迁移 %s 失败: %w", name, err)
		}
		stmt := strings.TrimSuffix(strings.TrimSpace(string(script)), ";")
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 失败: %w", name, err)
		}
	}
	return nil
}

// Put 实现 Store 接口。
func (s *MySQLStore) Put(ctx context.Context, rec *Record) error {
	metadata, err := encodeMetadata(rec.Reputation.Metadata)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO identities
        (did, public_key, score, total_interactions, successful_interactions, last_updated, metadata)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		string(rec.DID),
		rec.PublicKey,
		rec.Reputation.Score,
		rec.Reputation.TotalInteractions,
		rec.Reputation.SuccessfulInteractions,
		rec.Reputation.LastUpdated.Unix(),
		metadata,
	); err != nil {
		if isDuplicateKey(err) {
			return ErrAlreadyExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入身份记录失败")
	}
	return nil
}

// Get 实现 Store 接口。
func (s *MySQLStore) Get(ctx context.Context, did DID) (*Record, error) {
	const query = `SELECT public_key, score, total_interactions, successful_interactions, last_updated, metadata
        FROM identities WHERE did = ?`
	row := s.db.QueryRowContext(ctx, query, string(did))

	var (
		rec      = Record{DID: did}
		updated  int64
		metadata sql.NullString
	)
	err := row.Scan(
		&rec.PublicKey,
		&rec.Reputation.Score,
		&rec.Reputation.TotalInteractions,
		&rec.Reputation.SuccessfulInteractions,
		&updated,
		&metadata,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询身份记录失败")
	}
	rec.Reputation.LastUpdated = time.Unix(updated, 0).UTC()
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Reputation.Metadata); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析身份元数据失败")
		}
	}
	return &rec, nil
}

// Update 实现 Store 接口。
func (s *MySQLStore) Update(ctx context.Context, rec *Record) error {
	metadata, err := encodeMetadata(rec.Reputation.Metadata)
	if err != nil {
		return err
	}
	const stmt = `UPDATE identities
        SET public_key = ?, score = ?, total_interactions = ?, successful_interactions = ?, last_updated = ?, metadata = ?
        WHERE did = ?`
	result, err := s.db.ExecContext(ctx, stmt,
		rec.PublicKey,
		rec.Reputation.Score,
		rec.Reputation.TotalInteractions,
		rec.Reputation.SuccessfulInteractions,
		rec.Reputation.LastUpdated.Unix(),
		metadata,
		string(rec.DID),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新身份记录失败")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete 实现 Store 接口。
func (s *MySQLStore) Delete(ctx context.Context, did DID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE did = ?`, string(did))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除身份记录失败")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// List 实现 Store 接口。
func (s *MySQLStore) List(ctx context.Context) ([]*Record, error) {
	const query = `SELECT did, public_key, score, total_interactions, successful_interactions, last_updated, metadata
        FROM identities ORDER BY did`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询身份列表失败")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			rec      Record
			did      string
			updated  int64
			metadata sql.NullString
		)
		if err := rows.Scan(&did, &rec.PublicKey, &rec.Reputation.Score,
			&rec.Reputation.TotalInteractions, &rec.Reputation.SuccessfulInteractions,
			&updated, &metadata); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析身份记录失败")
		}
		rec.DID = DID(did)
		rec.Reputation.LastUpdated = time.Unix(updated, 0).UTC()
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &rec.Reputation.Metadata); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析身份元数据失败")
			}
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历身份记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化身份元数据失败")
	}
	return string(encoded), nil
}

// isDuplicateKey 判断是否主键冲突（MySQL 错误码 1062）。
func isDuplicateKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Error 1062")
}
