package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level 日志级别
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String 返回日志级别的字符串表示
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel 将配置中的级别字符串转换为 Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "fatal":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("无效的日志级别: %s", s)
	}
}

// Logger 日志记录器，nil 指针可以安全调用（丢弃所有日志）
type Logger struct {
	mu      sync.Mutex
	level   Level
	output  io.Writer
	format  string
	maxSize int
	file    *os.File
	written int64
	prefix  string
}

// Config 日志配置
type Config struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Output  string `yaml:"output"`
	MaxSize int    `yaml:"max_size"`
	Prefix  string `yaml:"prefix"`
}

// NewLogger 根据配置创建日志记录器
func NewLogger(config *Config) (*Logger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	l := &Logger{
		level:   level,
		format:  config.Format,
		maxSize: config.MaxSize,
		prefix:  config.Prefix,
	}

	if err := l.setOutput(config.Output); err != nil {
		return nil, err
	}

	return l, nil
}

// New 创建写入指定 io.Writer 的文本日志记录器
func New(w io.Writer, level Level) *Logger {
	return &Logger{level: level, output: w, format: "text", prefix: "kooixhost"}
}

// setOutput 设置日志输出
func (l *Logger) setOutput(output string) error {
	switch output {
	case "", "stdout":
		l.output = os.Stdout
	case "stderr":
		l.output = os.Stderr
	default:
		return l.setFileOutput(output)
	}
	return nil
}

// setFileOutput 设置文件输出
func (l *Logger) setFileOutput(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	if info, err := file.Stat(); err == nil {
		l.written = info.Size()
	}
	l.file = file
	l.output = file
	return nil
}

// rotate 文件超过 maxSize MB 时轮转，调用方需持有锁
func (l *Logger) rotate() {
	if l.file == nil {
		return
	}

	oldPath := l.file.Name()
	l.file.Close()

	backupPath := oldPath + "." + time.Now().Format("2006-01-02-15-04-05")
	_ = os.Rename(oldPath, backupPath)

	file, err := os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.file = nil
		l.output = os.Stderr
		return
	}
	l.file = file
	l.output = file
	l.written = 0
}

// formatMessage 格式化日志消息
func (l *Logger) formatMessage(level Level, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")

	if l.format == "json" {
		b, _ := json.Marshal(map[string]string{
			"timestamp": timestamp,
			"level":     level.String(),
			"prefix":    l.prefix,
			"message":   message,
		})
		return string(b)
	}
	return fmt.Sprintf("[%s] %s [%s] %s", timestamp, level.String(), l.prefix, message)
}

// log 记录日志
func (l *Logger) log(level Level, message string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level || l.output == nil {
		return
	}

	n, _ := fmt.Fprintln(l.output, l.formatMessage(level, message))
	l.written += int64(n)

	if l.file != nil && l.maxSize > 0 && l.written > int64(l.maxSize)*1024*1024 {
		l.rotate()
	}
}

// Debug 记录调试日志
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...))
}

// Info 记录信息日志
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...))
}

// Warn 记录警告日志
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...))
}

// Error 记录错误日志
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...))
}

// Fatal 记录致命错误日志并退出，只应在 main 中使用
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.log(FATAL, fmt.Sprintf(format, args...))
	os.Exit(1)
}

// SetLevel 设置日志级别
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// SetPrefix 设置日志前缀
func (l *Logger) SetPrefix(prefix string) {
	l.mu.Lock()
	l.prefix = prefix
	l.mu.Unlock()
}

// GetLevel 获取日志级别
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// IsDebug 检查是否为调试级别
func (l *Logger) IsDebug() bool {
	return l != nil && l.GetLevel() <= DEBUG
}

// Close 关闭日志记录器
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
