package hosts

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/winspan/kooixhost/pkg/logger"
)

// DefaultHostsPath 获取系统 hosts 文件路径
func DefaultHostsPath(goos string) string {
	if goos == "windows" {
		return `C:\Windows\System32\drivers\etc\hosts`
	}
	return "/etc/hosts"
}

// ReadHosts 读取 hosts 文件内容
func ReadHosts(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("无法读取 hosts 文件 %s: %w", path, err)
	}
	return string(data), nil
}

// Writer hosts 文件写入能力，按平台在启动时选择实现
type Writer interface {
	WriteDirect(path string, content []byte) error
	WriteElevated(ctx context.Context, path string, content []byte) error
}

// WriteHosts 先尝试直接写入，失败后再走提权写入
func WriteHosts(ctx context.Context, w Writer, path, content string, log *logger.Logger) error {
	err := w.WriteDirect(path, []byte(content))
	if err == nil {
		return nil
	}

	log.Warn("直接写入 %s 失败: %v, 尝试提权写入", path, err)
	if err := w.WriteElevated(ctx, path, []byte(content)); err != nil {
		return &PrivilegeError{Path: path, Err: err}
	}
	return nil
}

// FileWriter 直接写文件
type FileWriter struct{}

// WriteDirect 直接覆盖目标文件
func (FileWriter) WriteDirect(path string, content []byte) error {
	return os.WriteFile(path, content, 0644)
}

// DirectOnlyWriter 没有交互式提权手段的平台使用
type DirectOnlyWriter struct {
	FileWriter
}

// WriteElevated 总是返回 ErrElevationUnavailable
func (DirectOnlyWriter) WriteElevated(context.Context, string, []byte) error {
	return ErrElevationUnavailable
}

// CommandRunner 执行外部命令并返回合并后的输出
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner 使用 os/exec 执行命令
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// DefaultElevationCommands 优先图形界面提权 (pkexec)，其次终端 sudo
var DefaultElevationCommands = [][]string{
	{"pkexec", "cp"},
	{"sudo", "-S", "cp"},
}

// CommandWriter 通过外部提权命令把临时文件复制到目标位置
type CommandWriter struct {
	FileWriter

	Attempts [][]string // 每项为命令及其参数，临时文件和目标路径追加在末尾
	Run      CommandRunner
	TempDir  string
	Log      *logger.Logger
}

// WriteElevated 写入临时文件后依次尝试提权命令，临时文件总会被删除
func (w *CommandWriter) WriteElevated(ctx context.Context, path string, content []byte) error {
	if len(w.Attempts) == 0 {
		return ErrElevationUnavailable
	}

	run := w.Run
	if run == nil {
		run = ExecRunner
	}

	tmp, err := os.CreateTemp(w.TempDir, fmt.Sprintf("kooix_hosts_%d_*", time.Now().Unix()))
	if err != nil {
		return fmt.Errorf("无法创建临时文件: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("无法写入临时文件 %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("无法写入临时文件 %s: %w", tmpPath, err)
	}

	var failures []string
	for _, attempt := range w.Attempts {
		if len(attempt) == 0 {
			continue
		}
		name := attempt[0]
		args := append(append([]string{}, attempt[1:]...), tmpPath, path)

		w.Log.Info("使用 %s 提权写入 hosts 文件", name)
		out, err := run(ctx, name, args...)
		if err == nil {
			w.Log.Info("%s 提权成功", name)
			return nil
		}

		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		w.Log.Warn("%s 提权失败: %s", name, msg)
		failures = append(failures, name+": "+msg)
	}

	return fmt.Errorf("所有提权方式均失败: %s", strings.Join(failures, "; "))
}

// NewSystemWriter 根据目标平台选择写入实现
func NewSystemWriter(goos string, run CommandRunner, log *logger.Logger) Writer {
	switch goos {
	case "linux", "darwin", "freebsd":
		return &CommandWriter{Attempts: DefaultElevationCommands, Run: run, Log: log}
	default:
		return DirectOnlyWriter{}
	}
}
