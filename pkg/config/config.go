package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/winspan/kooixhost/pkg/utils"
)

// EnvPrefix 环境变量前缀，例如 KOOIX_SERVER_HTTP
const EnvPrefix = "KOOIX"

// Config 服务配置结构
type Config struct {
	// 基础配置
	App struct {
		Name        string `yaml:"name"`
		Version     string `yaml:"version"`
		Environment string `yaml:"environment"`
		Debug       bool   `yaml:"debug"`
	} `yaml:"app"`

	// 服务器配置
	Server struct {
		HTTP           string `yaml:"http"`
		RequestTimeout int    `yaml:"request_timeout" split_words:"true"`
	} `yaml:"server"`

	// hosts 文件配置
	Hosts struct {
		Path       string `yaml:"path"`
		BackupDir  string `yaml:"backup_dir" split_words:"true"`
		MaxBackups int    `yaml:"max_backups" split_words:"true"`
	} `yaml:"hosts"`

	// 订阅源获取配置
	Fetch struct {
		ContentTimeout int    `yaml:"content_timeout" split_words:"true"`
		ProbeTimeout   int    `yaml:"probe_timeout" split_words:"true"`
		UserAgent      string `yaml:"user_agent" split_words:"true"`
		Proxy          string `yaml:"proxy"`
		Concurrency    int    `yaml:"concurrency"`
		UpdateTimeout  int    `yaml:"update_timeout" split_words:"true"`
	} `yaml:"fetch"`

	// 解析校验用的上游 DNS
	DNS struct {
		Upstream string `yaml:"upstream"`
		Timeout  int    `yaml:"timeout"`
	} `yaml:"dns"`

	// 数据库配置
	Database struct {
		Type       string `yaml:"type"`
		SQLiteFile string `yaml:"sqlite_file" envconfig:"sqlite_file"`
	} `yaml:"database"`

	// 日志配置
	Logging struct {
		Level   string `yaml:"level"`
		Format  string `yaml:"format"`
		Output  string `yaml:"output"`
		MaxSize int    `yaml:"max_size" split_words:"true"`
	} `yaml:"logging"`

	// 监控配置
	Monitoring struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"monitoring"`

	// 安全配置
	Security struct {
		AdminToken string `yaml:"admin_token" split_words:"true"`
		RateLimit  int    `yaml:"rate_limit" split_words:"true"`
		RateBurst  int    `yaml:"rate_burst" split_words:"true"`
	} `yaml:"security"`

	// 用户配置（订阅源、自动更新）存放位置
	State struct {
		ConfigFile    string `yaml:"config_file" split_words:"true"`
		CheckInterval int    `yaml:"check_interval" split_words:"true"`
	} `yaml:"state"`
}

// LoadConfig 加载配置：.env -> YAML 文件 -> 环境变量 -> 默认值
func LoadConfig(configPath string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	var config Config
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	case os.IsNotExist(err):
		// 没有配置文件时使用默认配置
	default:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &config); err != nil {
		return nil, fmt.Errorf("读取环境变量失败: %w", err)
	}

	setDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// getDefaultConfigPath 获取默认配置文件路径
func getDefaultConfigPath() string {
	paths := []string{
		"configs/config.yaml",
		"config.yaml",
	}

	for _, path := range paths {
		if utils.FileExists(path) {
			return path
		}
	}

	return "configs/config.yaml"
}

// setDefaults 设置默认配置值
func setDefaults(config *Config) {
	if config.App.Name == "" {
		config.App.Name = "KooixHost"
	}
	if config.App.Version == "" {
		config.App.Version = "1.0.0"
	}
	if config.App.Environment == "" {
		config.App.Environment = "development"
	}

	if config.Server.HTTP == "" {
		config.Server.HTTP = "127.0.0.1:8088"
	}
	if config.Server.RequestTimeout == 0 {
		config.Server.RequestTimeout = 120
	}

	if config.Hosts.MaxBackups == 0 {
		config.Hosts.MaxBackups = 10
	}

	if config.Fetch.ContentTimeout == 0 {
		config.Fetch.ContentTimeout = 30
	}
	if config.Fetch.ProbeTimeout == 0 {
		config.Fetch.ProbeTimeout = 10
	}
	if config.Fetch.Concurrency == 0 {
		config.Fetch.Concurrency = 1
	}
	if config.Fetch.UpdateTimeout == 0 {
		config.Fetch.UpdateTimeout = 600
	}

	if config.DNS.Upstream == "" {
		config.DNS.Upstream = "223.5.5.5:53"
	}
	if config.DNS.Timeout == 0 {
		config.DNS.Timeout = 3
	}

	if config.Database.Type == "" {
		config.Database.Type = "sqlite"
	}
	if config.Database.SQLiteFile == "" {
		config.Database.SQLiteFile = "data/kooixhost.db"
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
	if config.Logging.Output == "" {
		config.Logging.Output = "stdout"
	}
	if config.Logging.MaxSize == 0 {
		config.Logging.MaxSize = 100
	}

	if config.Monitoring.Path == "" {
		config.Monitoring.Path = "/metrics"
	}

	if config.Security.RateLimit == 0 {
		config.Security.RateLimit = 20
	}
	if config.Security.RateBurst == 0 {
		config.Security.RateBurst = config.Security.RateLimit * 2
	}

	if config.State.CheckInterval == 0 {
		config.State.CheckInterval = 10
	}
}

// validateConfig 验证配置
func validateConfig(config *Config) error {
	if config.Server.HTTP == "" {
		return fmt.Errorf("HTTP 监听地址不能为空")
	}

	if config.Database.Type != "sqlite" {
		return fmt.Errorf("不支持的数据库类型: %s", config.Database.Type)
	}

	if !isValidLogLevel(config.Logging.Level) {
		return fmt.Errorf("无效的日志级别: %s", config.Logging.Level)
	}
	if config.Logging.Format != "text" && config.Logging.Format != "json" {
		return fmt.Errorf("无效的日志格式: %s", config.Logging.Format)
	}

	if config.Fetch.Concurrency < 1 {
		return fmt.Errorf("并发数必须大于 0")
	}
	if config.Fetch.Proxy != "" {
		scheme, _, ok := strings.Cut(config.Fetch.Proxy, "://")
		if !ok {
			return fmt.Errorf("无效的代理地址: %s", config.Fetch.Proxy)
		}
		switch scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return fmt.Errorf("不支持的代理协议: %s", scheme)
		}
	}

	if config.Hosts.MaxBackups < 0 {
		return fmt.Errorf("备份保留数量不能为负数")
	}

	if config.Security.RateLimit < 0 {
		return fmt.Errorf("限流值不能为负数")
	}

	if config.IsProduction() && config.Security.AdminToken == "" && !isLoopback(config.Server.HTTP) {
		return fmt.Errorf("生产环境监听非本机地址 %s 时必须设置 admin_token", config.Server.HTTP)
	}

	return nil
}

// isLoopback 监听地址是否只对本机开放
func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// isValidLogLevel 验证日志级别
func isValidLogLevel(level string) bool {
	validLevels := []string{"debug", "info", "warn", "warning", "error", "fatal"}
	level = strings.ToLower(level)
	for _, valid := range validLevels {
		if level == valid {
			return true
		}
	}
	return false
}

// SaveConfig 保存配置到文件
func SaveConfig(config *Config, configPath string) error {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}

	return nil
}

// GetRequestTimeout API 请求超时
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeout) * time.Second
}

// GetContentTimeout 订阅源下载超时
func (c *Config) GetContentTimeout() time.Duration {
	return time.Duration(c.Fetch.ContentTimeout) * time.Second
}

// GetProbeTimeout 连通性探测超时
func (c *Config) GetProbeTimeout() time.Duration {
	return time.Duration(c.Fetch.ProbeTimeout) * time.Second
}

// GetDNSTimeout DNS 查询超时
func (c *Config) GetDNSTimeout() time.Duration {
	return time.Duration(c.DNS.Timeout) * time.Second
}

// GetUpdateTimeout 单次 hosts 更新的最长时间
func (c *Config) GetUpdateTimeout() time.Duration {
	return time.Duration(c.Fetch.UpdateTimeout) * time.Second
}

// GetCheckInterval 自动更新检查间隔
func (c *Config) GetCheckInterval() time.Duration {
	return time.Duration(c.State.CheckInterval) * time.Minute
}

// IsDevelopment 检查是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDebug 检查是否启用调试模式
func (c *Config) IsDebug() bool {
	return c.App.Debug
}
