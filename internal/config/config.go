package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Metering MeteringConfig `mapstructure:"metering"`
	Billing  BillingConfig  `mapstructure:"billing"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`      // 是否自动迁移表结构
}

// RedisConfig Redis 配置（asynq 队列与跨进程清算锁共用）
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	PoolSize     int `mapstructure:"pool_size"`
	MinIdleConns int `mapstructure:"min_idle_conns"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// MeteringConfig 用量计量配置
type MeteringConfig struct {
	FixedRunCost        float64 `mapstructure:"fixed_run_cost"`         // 每次运行的固定基础成本（积分）
	CreditsPerUSD       float64 `mapstructure:"credits_per_usd"`        // 美元到积分的换算率
	ToolCreditPrice     float64 `mapstructure:"tool_credit_price"`      // 普通工具单次调用积分
	KBCreditPrice       float64 `mapstructure:"kb_credit_price"`        // 知识库单次查询积分
	DedupeTTLSeconds    int     `mapstructure:"dedupe_ttl_seconds"`     // 去重窗口（秒）
	DefaultInputPrice   float64 `mapstructure:"default_input_price"`    // 未知模型每1K输入token美元价
	DefaultOutputPrice  float64 `mapstructure:"default_output_price"`   // 未知模型每1K输出token美元价
}

// BillingConfig 计费周期配置
type BillingConfig struct {
	PeriodDays           int    `mapstructure:"period_days"`            // 账期长度（天）
	SweepInterval        string `mapstructure:"sweep_interval"`         // 到期清算间隔（如"24h"）
	SweepErrorBackoff    string `mapstructure:"sweep_error_backoff"`    // 清算异常后的重试间隔（如"15m"）
	UnpaidGraceDays      int    `mapstructure:"unpaid_grace_days"`      // 未支付宽限期（天）
	UnpaidCancelDays     int    `mapstructure:"unpaid_cancel_days"`     // 超期取消阈值（天）
	EnableDistributedLock bool  `mapstructure:"enable_distributed_lock"` // 是否启用 Redis 清算锁
}

// StripeConfig 支付处理方配置
type StripeConfig struct {
	SecretKey    string `mapstructure:"secret_key"`
	Currency     string `mapstructure:"currency"`       // 默认 usd
	DaysUntilDue int    `mapstructure:"days_until_due"` // 发票到期天数
}

// SweepIntervalDuration 解析清算间隔，非法值回退到 24h
func (c *BillingConfig) SweepIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// SweepErrorBackoffDuration 解析异常重试间隔，非法值回退到 15m
func (c *BillingConfig) SweepErrorBackoffDuration() time.Duration {
	d, err := time.ParseDuration(c.SweepErrorBackoff)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// DedupeTTL 去重窗口时长，默认 60s
func (c *MeteringConfig) DedupeTTL() time.Duration {
	if c.DedupeTTLSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.DedupeTTLSeconds) * time.Second
}

var globalConfig *Config

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件名和路径
	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 默认值
	setDefaults(v)

	// 读取环境变量（优先级高于配置文件）
	v.SetEnvPrefix("APP") // 环境变量前缀：APP_
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 支持嵌套配置：APP_DATABASE_HOST

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	v.SetDefault("metering.fixed_run_cost", 1.0)
	v.SetDefault("metering.credits_per_usd", 100.0)
	v.SetDefault("metering.tool_credit_price", 1.0)
	v.SetDefault("metering.kb_credit_price", 0.5)
	v.SetDefault("metering.dedupe_ttl_seconds", 60)
	v.SetDefault("metering.default_input_price", 0.001)
	v.SetDefault("metering.default_output_price", 0.002)

	v.SetDefault("billing.period_days", 30)
	v.SetDefault("billing.sweep_interval", "24h")
	v.SetDefault("billing.sweep_error_backoff", "15m")
	v.SetDefault("billing.unpaid_grace_days", 7)
	v.SetDefault("billing.unpaid_cancel_days", 30)

	v.SetDefault("stripe.currency", "usd")
	v.SetDefault("stripe.days_until_due", 7)
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}
