package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"OpenTrade-Chain/internal/agentreg"
	"OpenTrade-Chain/internal/api"
	"OpenTrade-Chain/internal/config"
	"OpenTrade-Chain/internal/identity"
	"OpenTrade-Chain/internal/identity/chain"
	"OpenTrade-Chain/internal/orchestrator"
	"OpenTrade-Chain/internal/reputation"
	"OpenTrade-Chain/internal/session"
	"OpenTrade-Chain/internal/token"
	"OpenTrade-Chain/pkg/logger"
)

// main 是 OpenTrade 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("opentraded 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OPENTRADE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "opentrade.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Orchestrator.DID == "" {
		return errors.New("必须配置 orchestrator.did")
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 身份注册表存储。
	var store identity.Store
	switch cfg.Identity.Driver {
	case "", "file":
		fileStore, err := identity.NewFileStore(cfg.Identity.DataDir)
		if err != nil {
			return err
		}
		store = fileStore
	case "mysql":
		mysqlStore, err := identity.NewMySQLStore(ctx, identity.MySQLConfig{
			DSN:             cfg.Identity.DSN,
			MaxOpenConns:    cfg.Identity.MaxOpenConns,
			MaxIdleConns:    cfg.Identity.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Identity.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的身份存储驱动: %s", cfg.Identity.Driver)
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	registry := identity.NewRegistry(store)

	// 可选的链上注册表解析器，作为身份补登的回退来源。
	var resolver *chain.Resolver
	if cfg.Chain.Enabled {
		resolver, err = chain.NewResolver(ctx, chain.Config{
			RPCURL:          cfg.Chain.RPCURL,
			ContractAddress: cfg.Chain.ContractAddress,
		})
		if err != nil {
			return err
		}
		defer resolver.Close()
	}

	tokens := token.NewService()

	// 智能体花名册与信任边。
	agents := agentreg.NewRegistry()
	var roster *agentreg.Roster
	if cfg.Orchestrator.RosterPath != "" {
		roster, err = agentreg.LoadRoster(cfg.Orchestrator.RosterPath)
		if err != nil {
			return err
		}
		if err := agents.Apply(roster); err != nil {
			return err
		}
	}

	// 把花名册里的身份补登进身份注册表：优先用花名册公钥，
	// 其次查链上注册表，最后退回演示签名密钥。
	if roster != nil {
		if err := seedIdentities(ctx, registry, resolver, roster); err != nil {
			return err
		}
	}

	// 交互结果队列与信誉消费者。
	var queue reputation.Queue
	switch cfg.Reputation.Driver {
	case "", "memory":
		queue = reputation.NewMemoryQueue(1024)
	case "rabbitmq":
		queue, err = reputation.NewRabbitMQQueue(reputation.RabbitMQConfig{
			URL:        cfg.Reputation.RabbitMQ.URL,
			Queue:      cfg.Reputation.RabbitMQ.Queue,
			Prefetch:   cfg.Reputation.RabbitMQ.Prefetch,
			Durable:    cfg.Reputation.RabbitMQ.Durable,
			AutoDelete: cfg.Reputation.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Reputation.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭结果队列失败: %v", err)
		}
	}()

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	defer consumerCancel()
	go func() {
		if err := queue.Consume(consumerCtx, cfg.Reputation.Workers, reputation.Recorder(registry)); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("信誉消费者异常退出: %v", err)
		}
	}()

	// 会话验证缓存：每个懒构造的智能体持有自己的存储。
	cacheFactory, err := sessionCacheFactory(ctx, cfg)
	if err != nil {
		return err
	}

	orch := orchestrator.New(
		cfg.Orchestrator.DID,
		identity.DemoSigningKey(cfg.Orchestrator.DID),
		registry,
		tokens,
		orchestrator.WithAgentRegistry(agents),
		orchestrator.WithOutcomeProducer(queue),
		orchestrator.WithSessionCacheFactory(cacheFactory),
		orchestrator.WithMaxRiskLevel(cfg.Orchestrator.MaxRiskLevel),
	)

	server := api.NewServer(cfg.Server.Address, orch)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// seedIdentities 确保花名册中的每个身份在注册表可解析。
func seedIdentities(ctx context.Context, registry *identity.Registry, resolver *chain.Resolver, roster *agentreg.Roster) error {
	for _, entry := range roster.Agents {
		if _, err := registry.Get(ctx, entry.DID); err == nil {
			continue
		}
		publicKey := entry.PublicKey
		if publicKey == "" && resolver != nil {
			key, active, err := resolver.Lookup(ctx, entry.DID)
			if err == nil && active {
				publicKey = key
			}
		}
		if publicKey == "" {
			publicKey = identity.DemoSigningKey(entry.DID)
		}
		if err := registry.Register(ctx, entry.DID, publicKey); err != nil {
			return fmt.Errorf("补登身份 %s 失败: %w", entry.DID, err)
		}
	}
	return nil
}

// sessionCacheFactory 按配置返回会话缓存的构造方式。
func sessionCacheFactory(ctx context.Context, cfg *config.Config) (func() session.Cache, error) {
	ttl := time.Duration(cfg.SessionCache.TTLSeconds) * time.Second
	switch cfg.SessionCache.Driver {
	case "", "memory":
		return func() session.Cache { return session.NewMemoryCache(ttl) }, nil
	case "redis":
		// 先拨通一次确认配置可用，之后每个智能体建立独立连接。
		probe, err := session.NewRedisCache(ctx, session.RedisConfig{
			Address:  cfg.SessionCache.Redis.Address,
			Password: cfg.SessionCache.Redis.Password,
			DB:       cfg.SessionCache.Redis.DB,
			TTL:      ttl,
		})
		if err != nil {
			return nil, err
		}
		_ = probe.Close()
		return func() session.Cache {
			cache, err := session.NewRedisCache(context.Background(), session.RedisConfig{
				Address:  cfg.SessionCache.Redis.Address,
				Password: cfg.SessionCache.Redis.Password,
				DB:       cfg.SessionCache.Redis.DB,
				TTL:      ttl,
			})
			if err != nil {
				logger.L().Warn("Redis 会话缓存不可用，退回内存缓存", "err", err)
				return session.NewMemoryCache(ttl)
			}
			return cache
		}, nil
	default:
		return nil, fmt.Errorf("未知的会话缓存驱动: %s", cfg.SessionCache.Driver)
	}
}
