package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/auth"
	"CrossChain-Escrow/pkg/logger"
)

const (
	// EnvConfigPath 指定配置文件路径的环境变量。
	EnvConfigPath = "ESCROWD_CONFIG"
	// EnvMySQLDSN 覆盖配置文件中的 MySQL DSN，避免把口令写进文件。
	EnvMySQLDSN = "ESCROWD_MYSQL_DSN"
	// EnvAuthSecret 覆盖令牌签名密钥。
	EnvAuthSecret = "ESCROWD_AUTH_SECRET"
	// DefaultConfigPath 是未设置环境变量时的配置文件路径。
	DefaultConfigPath = "configs/escrowd.json"
)

// Config 描述了 escrowd 在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Identity   IdentityConfig   `json:"identity"`
	Ledger     LedgerConfig     `json:"ledger"`
	Storage    StorageConfig    `json:"storage"`
	Lock       LockConfig       `json:"lock"`
	Redis      RedisConfig      `json:"redis"`
	Queue      QueueConfig      `json:"queue"`
	Reconciler ReconcilerConfig `json:"reconciler"`
	Alerting   AlertingConfig   `json:"alerting"`
	Auth       auth.Config      `json:"auth"`
	Logging    logger.Config    `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                string `json:"address"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds"`
	// MetricsAddress 非空时在独立端口暴露 /metrics。
	MetricsAddress         string `json:"metrics_address"`
}

// ShutdownTimeout 返回优雅退出的等待时间。
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// IdentityConfig 显式声明工厂与 resolver 的身份。
type IdentityConfig struct {
	Owner           string `json:"owner"`
	FactoryAccount  string `json:"factory_account"`
	ResolverAccount string `json:"resolver_account"`
	SrcChainID      uint64 `json:"src_chain_id"`
	DstChainID      uint64 `json:"dst_chain_id"`
}

// FactoryOwner 返回有权调用工厂的主体：配置了 resolver_account 时由其代为调用，否则为 owner。
func (i IdentityConfig) FactoryOwner() string {
	if account := strings.TrimSpace(i.ResolverAccount); account != "" {
		return account
	}
	return i.Owner
}

// LedgerConfig 选择账本实现。
type LedgerConfig struct {
	Driver     string `json:"driver"`
	ChainsFile string `json:"chains_file"`
	Chain      string `json:"chain"`
}

// StorageConfig 描述 escrow 实例与工厂登记表的存储后端。
type StorageConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// LockConfig 选择单实例互斥实现。
type LockConfig struct {
	Driver     string `json:"driver"`
	Prefix     string `json:"prefix"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// TTL 返回 Redis 锁的过期时间。
func (l LockConfig) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

// RedisConfig 由 Redis 锁与 Redis 队列共用。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// QueueConfig 选择对账队列实现。
type QueueConfig struct {
	Driver           string         `json:"driver"`
	Name             string         `json:"name"`
	Buffer           int            `json:"buffer"`
	BlockWaitSeconds int            `json:"block_wait_seconds"`
	RabbitMQ         RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ReconcilerConfig 控制待实例化 escrow 的对账节奏。
type ReconcilerConfig struct {
	Workers              int `json:"workers"`
	MaxAttempts          int `json:"max_attempts"`
	RetryDelaySeconds    int `json:"retry_delay_seconds"`
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`
	SweepBatch           int `json:"sweep_batch"`
}

// RetryDelay 返回重新入队前的等待时间。
func (r ReconcilerConfig) RetryDelay() time.Duration {
	return time.Duration(r.RetryDelaySeconds) * time.Second
}

// SweepInterval 返回扫描待实例化记录的周期。
func (r ReconcilerConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalSeconds) * time.Second
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// PathFromEnv 返回配置文件路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultConfigPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开配置文件失败")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败")
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}

	if dsn := strings.TrimSpace(os.Getenv(EnvMySQLDSN)); dsn != "" {
		cfg.Storage.MySQL.DSN = dsn
	}
	if secret := strings.TrimSpace(os.Getenv(EnvAuthSecret)); secret != "" {
		cfg.Auth.Secret = secret
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}

	if c.Identity.FactoryAccount == "" && c.Identity.Owner != "" {
		c.Identity.FactoryAccount = "factory." + c.Identity.Owner
	}
	if c.Identity.SrcChainID == 0 {
		c.Identity.SrcChainID = 1
	}
	if c.Identity.DstChainID == 0 {
		c.Identity.DstChainID = 1313161554
	}

	c.Ledger.Driver = normalize(c.Ledger.Driver, "memory")
	if c.Ledger.ChainsFile != "" && !filepath.IsAbs(c.Ledger.ChainsFile) {
		c.Ledger.ChainsFile = filepath.Join(baseDir, c.Ledger.ChainsFile)
	}

	c.Storage.Driver = normalize(c.Storage.Driver, "memory")
	c.Lock.Driver = normalize(c.Lock.Driver, "local")
	if c.Lock.Prefix == "" {
		c.Lock.Prefix = "escrowd:lock:"
	}
	if c.Lock.TTLSeconds <= 0 {
		c.Lock.TTLSeconds = 30
	}

	c.Queue.Driver = normalize(c.Queue.Driver, "memory")
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 1024
	}
	if c.Queue.BlockWaitSeconds <= 0 {
		c.Queue.BlockWaitSeconds = 5
	}

	if c.Reconciler.Workers <= 0 {
		c.Reconciler.Workers = 2
	}
	if c.Reconciler.MaxAttempts <= 0 {
		c.Reconciler.MaxAttempts = 5
	}
	if c.Reconciler.RetryDelaySeconds < 0 {
		c.Reconciler.RetryDelaySeconds = 0
	} else if c.Reconciler.RetryDelaySeconds == 0 {
		c.Reconciler.RetryDelaySeconds = 2
	}
	if c.Reconciler.SweepIntervalSeconds <= 0 {
		c.Reconciler.SweepIntervalSeconds = 60
	}
	if c.Reconciler.SweepBatch <= 0 {
		c.Reconciler.SweepBatch = 100
	}

	c.Auth.Normalise()

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

// Validate 检查驱动组合是否完整。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.Owner) == "" {
		return invalid("identity.owner", "owner is required")
	}
	if err := oneOf("ledger.driver", c.Ledger.Driver, "memory", "evm"); err != nil {
		return err
	}
	if c.Ledger.Driver == "evm" && (c.Ledger.ChainsFile == "" || c.Ledger.Chain == "") {
		return invalid("ledger.chain", "evm ledger needs chains_file and chain")
	}
	if err := oneOf("storage.driver", c.Storage.Driver, "memory", "mysql"); err != nil {
		return err
	}
	if c.Storage.Driver == "mysql" && strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
		return invalid("storage.mysql.dsn", "mysql storage needs a dsn")
	}
	if err := oneOf("lock.driver", c.Lock.Driver, "local", "redis"); err != nil {
		return err
	}
	if err := oneOf("queue.driver", c.Queue.Driver, "memory", "redis", "rabbitmq"); err != nil {
		return err
	}
	if (c.Lock.Driver == "redis" || c.Queue.Driver == "redis") && strings.TrimSpace(c.Redis.Address) == "" {
		return invalid("redis.address", "redis driver selected without an address")
	}
	if c.Queue.Driver == "rabbitmq" && strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
		return invalid("queue.rabbitmq.url", "rabbitmq queue needs a url")
	}
	if err := oneOf("auth.mode", string(c.Auth.Mode), string(auth.ModeHeader), string(auth.ModeToken)); err != nil {
		return err
	}
	if c.Auth.Mode == auth.ModeToken && strings.TrimSpace(c.Auth.Secret) == "" {
		return invalid("auth.secret", "token auth needs a secret")
	}
	return nil
}

func normalize(value, fallback string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	return value
}

func oneOf(field, value string, allowed ...string) error {
	for _, candidate := range allowed {
		if value == candidate {
			return nil
		}
	}
	return invalid(field, fmt.Sprintf("unsupported value %q, want one of %s", value, strings.Join(allowed, ", ")))
}

func invalid(field, message string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, message, xerrors.WithMetadata("field", field))
}
