package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/winspan/kooixhost/internal/hosts"
	"github.com/winspan/kooixhost/pkg/utils"
)

// ErrInvalidConfig 配置内容校验失败
var ErrInvalidConfig = errors.New("无效的配置")

// AppConfig 用户配置：订阅源列表与自动更新设置
type AppConfig struct {
	Sources             []hosts.HostSource `json:"sources"`
	AutoUpdate          bool               `json:"auto_update"`
	UpdateIntervalHours int                `json:"update_interval_hours"`
	LastUpdate          *string            `json:"last_update"`
}

// Default 返回默认配置
func Default() AppConfig {
	return AppConfig{
		Sources:             hosts.DefaultSources(),
		AutoUpdate:          false,
		UpdateIntervalHours: 24,
	}
}

// DefaultPath 返回用户配置目录下的 kooix-host/config.json
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("无法获取用户配置目录: %w", err)
	}
	return filepath.Join(dir, "kooix-host", "config.json"), nil
}

// Validate 校验配置
func (c AppConfig) Validate() error {
	for i, s := range c.Sources {
		if err := hosts.ValidateSource(s); err != nil {
			return fmt.Errorf("%w: 第 %d 个订阅源: %v", ErrInvalidConfig, i+1, err)
		}
	}
	if c.UpdateIntervalHours < 1 {
		return fmt.Errorf("%w: 更新间隔必须大于 0 小时", ErrInvalidConfig)
	}
	return nil
}

// LastUpdateTime 解析上次更新时间，未设置或格式错误返回 false
func (c AppConfig) LastUpdateTime() (time.Time, bool) {
	if c.LastUpdate == nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, *c.LastUpdate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (c AppConfig) clone() AppConfig {
	out := c
	out.Sources = append([]hosts.HostSource(nil), c.Sources...)
	if c.LastUpdate != nil {
		v := *c.LastUpdate
		out.LastUpdate = &v
	}
	return out
}

// Store 持有当前配置并负责持久化，读写都经过锁
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  AppConfig
}

// Open 从 path 加载配置，文件不存在时写入并使用默认配置
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		s.cfg = Default()
		if err := s.save(s.cfg); err != nil {
			return nil, err
		}
		return s, nil
	}

	var cfg AppConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}
	if cfg.UpdateIntervalHours == 0 {
		cfg.UpdateIntervalHours = Default().UpdateIntervalHours
	}
	s.cfg = cfg
	return s, nil
}

// Reload 重新读取配置文件，内容无效时保留当前配置
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	var cfg AppConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("解析配置文件 %s 失败: %w", s.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// NewMemoryStore 创建不落盘的配置，用于测试和一次性命令
func NewMemoryStore(cfg AppConfig) *Store {
	return &Store{cfg: cfg.clone()}
}

// Path 配置文件路径，内存配置返回空串
func (s *Store) Path() string {
	return s.path
}

// Snapshot 返回当前配置的副本
func (s *Store) Snapshot() AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

// Sources 返回订阅源列表副本
func (s *Store) Sources() []hosts.HostSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]hosts.HostSource(nil), s.cfg.Sources...)
}

// Replace 校验并保存新配置，保存成功后才替换内存中的配置
func (s *Store) Replace(cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.save(cfg); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

// SetLastUpdate 记录上次成功更新的时间
func (s *Store) SetLastUpdate(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg.clone()
	v := t.Format(time.RFC3339)
	cfg.LastUpdate = &v

	if err := s.save(cfg); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

func (s *Store) save(cfg AppConfig) error {
	if s.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}
	if err := utils.WriteFileAtomic(s.path, data, 0644); err != nil {
		return fmt.Errorf("保存配置文件失败: %w", err)
	}
	return nil
}
