package hosts

import (
	"errors"
	"fmt"
)

// ErrElevationUnavailable 当前平台没有可用的提权方式
var ErrElevationUnavailable = errors.New("当前平台不支持自动提权")

// FetchError 单次 HTTP 获取失败（连接、TLS、超时、内容不可读都归为此类）
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("无法访问订阅源 %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// PrivilegeError 直接写入被拒绝且提权失败或不可用
type PrivilegeError struct {
	Path string
	Err  error
}

func (e *PrivilegeError) Error() string {
	if errors.Is(e.Err, ErrElevationUnavailable) {
		return fmt.Sprintf("无法写入 hosts 文件 %s，请以管理员身份运行程序", e.Path)
	}
	return fmt.Sprintf("提权写入 hosts 文件 %s 失败: %v", e.Path, e.Err)
}

func (e *PrivilegeError) Unwrap() error { return e.Err }
