package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"

	"X402-Flow/internal/api"
	"X402-Flow/internal/chain/provider"
	"X402-Flow/internal/config"
	"X402-Flow/internal/escrow"
	"X402-Flow/internal/observability/alerting"
	"X402-Flow/internal/registry"
	"X402-Flow/internal/settlement"
	storageamqp "X402-Flow/internal/storage/amqp"
	storagemysql "X402-Flow/internal/storage/mysql"
	storageredis "X402-Flow/internal/storage/redis"
	"X402-Flow/internal/workflow"
	"X402-Flow/pkg/logger"
)

// main 是 X402-Flow 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("x402flowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("X402FLOW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "x402flow.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := initLogger(cfg); err != nil {
		return err
	}
	defer logger.Sync()

	// Redis 连接在缓存、签名存储与事件发布之间共用。
	var redisClient *storageredis.Client
	if cfg.Storage.Redis.Address != "" {
		redisClient, err = storageredis.NewClient(ctx, storageredis.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	store, err := buildWorkflowStore(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	defer store.Close()

	publisher, err := buildPublisher(cfg, redisClient)
	if err != nil {
		return err
	}
	defer publisher.Close()

	auth, err := loadSigner(cfg)
	if err != nil {
		return err
	}

	chains, err := provider.NewRegistry(ctx, provider.Config{
		ChainConfigPath: cfg.Chain.ConfigPath,
		DefaultChain:    cfg.Chain.DefaultChain,
	}, auth)
	if err != nil {
		return err
	}
	defer chains.Close()

	network, err := chains.DefaultNetwork()
	if err != nil {
		return err
	}

	escrowStore, err := buildEscrowStore(cfg, redisClient)
	if err != nil {
		return err
	}
	defer escrowStore.Close()
	ledger := escrow.NewLedger(escrowStore, network)

	var cache registry.Cache
	if redisClient != nil {
		cache = redisClient
	}
	registryClient, err := registry.NewClient(registry.ClientConfig{
		BaseURL:  cfg.Registry.BaseURL,
		CacheTTL: cfg.RegistryCacheTTL(),
	}, cache)
	if err != nil {
		return err
	}
	matcher := registry.NewMatcher(registryClient, cfg.Registry.MatchThreshold)

	settler := settlement.NewClient(ledger, 30*time.Second)

	var signatures settlement.SignatureStore
	if redisClient != nil {
		signatures = storageredis.NewSignatureStore(redisClient)
	} else {
		signatures = settlement.NewMemorySignatureStore()
	}
	verifier := settlement.NewVerifier(signatures)
	issuer := settlement.NewIssuer(network.FundingAddress(), cfg.Escrow.Asset, cfg.Chain.DefaultChain, cfg.RequirementTTL())

	engine := workflow.NewEngine(matcher, settler, ledger, publisher, workflow.EngineConfig{
		Timeout:         cfg.ExecutorTimeout(),
		RollbackEnabled: cfg.Executor.RollbackEnabled,
	})

	alerts := alerting.NewThrottled(alerting.NewFanout(), 5*time.Minute)
	manager := workflow.NewManager(store, engine, matcher, nil, ledger, publisher, alerts)

	server := api.NewServer(
		cfg.Server.Address,
		manager,
		ledger,
		registryClient,
		verifier,
		issuer,
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second,
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func initLogger(cfg *config.Config) error {
	logCfg := logger.Config{
		Level:       cfg.Logging.Level,
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
	if cfg.Logging.Dir != "" {
		logCfg.OutputPaths = append(logCfg.OutputPaths, filepath.Join(cfg.Logging.Dir, "x402flowd.log"))
	}
	if cfg.Logging.AuditDir != "" {
		logCfg.Audit = logger.AuditConfig{
			Enabled:    true,
			Path:       filepath.Join(cfg.Logging.AuditDir, "audit.log"),
			MaxSizeMB:  128,
			MaxBackups: 8,
			MaxAgeDays: 30,
		}
	}
	return logger.Init(logCfg)
}

func buildWorkflowStore(ctx context.Context, cfg *config.Config, redisClient *storageredis.Client) (workflow.Store, error) {
	switch cfg.Storage.Workflow.Driver {
	case "", "memory":
		return workflow.NewMemoryStore(), nil
	case "redis":
		if redisClient == nil {
			return nil, errors.New("redis 工作流存储需要配置 storage.redis.address")
		}
		return storageredis.NewWorkflowStore(redisClient, cfg.WorkflowTTL()), nil
	case "mysql":
		return storagemysql.NewWorkflowRepository(ctx, storagemysql.Config{
			DSN: cfg.Storage.Workflow.DSN,
		})
	default:
		return nil, fmt.Errorf("未知的工作流存储驱动: %s", cfg.Storage.Workflow.Driver)
	}
}

func buildEscrowStore(cfg *config.Config, redisClient *storageredis.Client) (escrow.Store, error) {
	switch cfg.Escrow.Driver {
	case "", "memory":
		return escrow.NewMemoryStore(), nil
	case "redis":
		if redisClient == nil {
			return nil, errors.New("redis 托管账户存储需要配置 storage.redis.address")
		}
		return storageredis.NewEscrowStore(redisClient), nil
	default:
		return nil, fmt.Errorf("未知的托管账户存储驱动: %s", cfg.Escrow.Driver)
	}
}

func buildPublisher(cfg *config.Config, redisClient *storageredis.Client) (workflow.Publisher, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return workflow.NewBus(), nil
	case "redis":
		if redisClient == nil {
			return nil, errors.New("redis 事件总线需要配置 storage.redis.address")
		}
		return storageredis.NewPublisher(redisClient, ""), nil
	case "rabbitmq":
		return storageamqp.NewPublisher(storageamqp.Config{
			URL:      cfg.Events.AMQPURL,
			Exchange: cfg.Events.Exchange,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("未知的事件总线驱动: %s", cfg.Events.Driver)
	}
}

// loadSigner 从外部钱包文件加载签名能力。未配置时以只读模式运行，
// 托管转账会在调用时报错。
func loadSigner(cfg *config.Config) (*bind.TransactOpts, error) {
	if cfg.Chain.KeystorePath == "" {
		return nil, nil
	}
	passphrase := os.Getenv("X402FLOW_KEY_PASSPHRASE")
	raw, err := os.ReadFile(cfg.Chain.KeystorePath)
	if err != nil {
		return nil, fmt.Errorf("读取钱包文件失败: %w", err)
	}
	key, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return nil, fmt.Errorf("解密钱包文件失败: %w", err)
	}
	if cfg.Chain.ChainID <= 0 {
		return nil, errors.New("配置了钱包文件时必须提供 chain.chain_id")
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key.PrivateKey, big.NewInt(cfg.Chain.ChainID))
	if err != nil {
		return nil, fmt.Errorf("构建签名器失败: %w", err)
	}
	return auth, nil
}
