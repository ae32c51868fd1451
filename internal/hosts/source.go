package hosts

import (
	"fmt"
	"strings"

	"github.com/winspan/kooixhost/pkg/utils"
)

// HostSource 订阅源配置
type HostSource struct {
	Name    string `json:"name" yaml:"name"`       // 订阅源名称
	URL     string `json:"url" yaml:"url"`         // 订阅源URL
	Enabled bool   `json:"enabled" yaml:"enabled"` // 是否启用
}

// DefaultSources 内置的默认订阅源
func DefaultSources() []HostSource {
	return []HostSource{
		{
			Name:    "GitHub520",
			URL:     "https://raw.hellogithub.com/hosts",
			Enabled: true,
		},
		{
			Name:    "GitHub Hosts (备用)",
			URL:     "https://hosts.gitcdn.top/hosts.txt",
			Enabled: false,
		},
	}
}

// EnabledSources 按原有顺序过滤出启用的订阅源
func EnabledSources(sources []HostSource) []HostSource {
	out := make([]HostSource, 0, len(sources))
	for _, s := range sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// ValidateSource 校验用户编辑的订阅源，聚合时不做校验
func ValidateSource(s HostSource) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("订阅源名称不能为空")
	}
	if !utils.IsURL(s.URL) {
		return fmt.Errorf("订阅源 %s 的地址无效: %q", s.Name, s.URL)
	}
	return nil
}
