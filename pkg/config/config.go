package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// BusConfig 事件总线配置
type BusConfig struct {
	LaneCapacity int `yaml:"lane_capacity" json:"lane_capacity"` // 每条优先级队列的容量，默认256
	WorkerCount  int `yaml:"worker_count" json:"worker_count"`   // 每条队列的 worker 数，默认2
}

// LifecycleConfig 状态机配置
type LifecycleConfig struct {
	MaxAttempts     int `yaml:"max_attempts" json:"max_attempts"`         // 单次转移的最大尝试次数，默认3
	BulkConcurrency int `yaml:"bulk_concurrency" json:"bulk_concurrency"` // 批量转移并发上限，默认8
}

// ReconcileConfig 对账引擎配置（间隔均以秒计）
type ReconcileConfig struct {
	FastIntervalSec       int     `yaml:"fast_interval_sec" json:"fast_interval_sec"`             // 快速周期（秒），默认30
	NormalIntervalSec     int     `yaml:"normal_interval_sec" json:"normal_interval_sec"`         // 常规周期（秒），默认300
	SlowIntervalSec       int     `yaml:"slow_interval_sec" json:"slow_interval_sec"`             // 慢速周期（秒），默认3600
	SweepMaxAgeSec        int     `yaml:"sweep_max_age_sec" json:"sweep_max_age_sec"`             // 终态清扫年龄（秒），默认86400
	FetchAttempts         int     `yaml:"fetch_attempts" json:"fetch_attempts"`                   // 快照拉取最大尝试次数，默认3
	SizeCriticalThreshold float64 `yaml:"size_critical_threshold" json:"size_critical_threshold"` // 数量差升级阈值，默认0.1
	PriceEpsilon          float64 `yaml:"price_epsilon" json:"price_epsilon"`                     // 入场价容差，默认0.001
	HistoryCap            int     `yaml:"history_cap" json:"history_cap"`                         // 历史缓冲容量，默认100
}

// ResolverConfig 身份识别配置
type ResolverConfig struct {
	PriceTolerance float64 `yaml:"price_tolerance" json:"price_tolerance"` // 入场价接近度，默认0.005
	SizeTolerance  float64 `yaml:"size_tolerance" json:"size_tolerance"`   // 数量接近度，默认0.001
	MaxAgeSec      int     `yaml:"max_age_sec" json:"max_age_sec"`         // 候选记录最大年龄（秒），0=不限
}

// NotifyConfig 告警推送配置
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"` // 为空则只打日志
	TimeoutSec int    `yaml:"timeout_sec" json:"timeout_sec"` // 单次推送超时（秒），默认5
	Retries    int    `yaml:"retries" json:"retries"`         // 重试次数，默认2
}

// StoreConfig 台账存储配置
type StoreConfig struct {
	Dir      string `yaml:"dir" json:"dir"`             // badger 数据目录，为空则纯内存
	InMemory bool   `yaml:"in_memory" json:"in_memory"` // 强制纯内存（测试用）
}

// Config 应用配置
type Config struct {
	Bus       BusConfig       `yaml:"bus" json:"bus"`
	Lifecycle LifecycleConfig `yaml:"lifecycle" json:"lifecycle"`
	Reconcile ReconcileConfig `yaml:"reconcile" json:"reconcile"`
	Resolver  ResolverConfig  `yaml:"resolver" json:"resolver"`
	Notify    NotifyConfig    `yaml:"notify" json:"notify"`
	Store     StoreConfig     `yaml:"store" json:"store"`

	ListenAddr  string `yaml:"listen_addr" json:"listen_addr"`   // 控制面 HTTP 地址，默认 :8080
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"` // expvar/pprof 地址，为空则不启动
	LogLevel    string `yaml:"log_level" json:"log_level"`       // 日志级别
	LogFile     string `yaml:"log_file" json:"log_file"`         // 日志文件路径（可选）
	StateDir    string `yaml:"state_dir" json:"state_dir"`       // 识别器 ID 登记表等运行状态的持久化目录（可选）
}

var configFilePath string

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
}

// GetConfigPath 获取配置文件路径
func GetConfigPath() string {
	return configFilePath
}

// Load 加载配置
func Load() (*Config, error) {
	return LoadFromFile(configFilePath)
}

// LoadFromFile 从指定文件加载配置，环境变量覆盖文件值。
func LoadFromFile(filePath string) (*Config, error) {
	cfg := &Config{}

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if ext := filepath.Ext(filePath); ext != ".yaml" && ext != ".yml" {
			return nil, fmt.Errorf("不支持的配置文件格式: %s", ext)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// applyEnvOverrides 环境变量优先于文件配置
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POSKEEPER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("POSKEEPER_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("POSKEEPER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("POSKEEPER_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("POSKEEPER_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("POSKEEPER_STORE_DIR"); v != "" {
		cfg.Store.Dir = v
	}
	if v := os.Getenv("POSKEEPER_STORE_IN_MEMORY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Store.InMemory = b
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Notify.TimeoutSec <= 0 {
		cfg.Notify.TimeoutSec = 5
	}
	if cfg.Notify.Retries <= 0 {
		cfg.Notify.Retries = 2
	}
}

// NotifyTimeout 推送超时时长
func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notify.TimeoutSec) * time.Second
}
