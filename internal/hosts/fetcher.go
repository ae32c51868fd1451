package hosts

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/proxy"

	"github.com/winspan/kooixhost/pkg/logger"
)

const (
	// DefaultUserAgent 所有请求使用的 User-Agent
	DefaultUserAgent = "Mozilla/5.0 (compatible; KooixHostManager/1.0; +https://github.com/winspan/kooixhost)"

	DefaultContentTimeout = 30 * time.Second
	DefaultProbeTimeout   = 10 * time.Second
)

// FetcherConfig 获取器配置，零值使用默认值
type FetcherConfig struct {
	ContentTimeout time.Duration
	ProbeTimeout   time.Duration
	UserAgent      string
	Proxy          string // http://, https://, socks5:// 或 socks5h://
}

// ConnectivityTestResult 单个域名的连通性测试结果
type ConnectivityTestResult struct {
	Domain         string  `json:"domain"`
	Success        bool    `json:"success"`
	StatusCode     *int    `json:"status_code"`
	ResponseTimeMS *int64  `json:"response_time_ms"`
	Error          *string `json:"error"`
}

// Fetcher 负责订阅内容获取和连通性探测，不做任何重试
type Fetcher struct {
	client    *http.Client
	probe     *http.Client
	userAgent string
	log       *logger.Logger
}

// NewFetcher 创建获取器，代理地址无效时返回错误
func NewFetcher(cfg FetcherConfig, log *logger.Logger) (*Fetcher, error) {
	if cfg.ContentTimeout <= 0 {
		cfg.ContentTimeout = DefaultContentTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	contentTransport, err := newTransport(cfg.Proxy, false)
	if err != nil {
		return nil, err
	}
	probeTransport, err := newTransport(cfg.Proxy, true)
	if err != nil {
		return nil, err
	}

	return &Fetcher{
		client:    &http.Client{Timeout: cfg.ContentTimeout, Transport: contentTransport},
		probe:     &http.Client{Timeout: cfg.ProbeTimeout, Transport: probeTransport},
		userAgent: cfg.UserAgent,
		log:       log,
	}, nil
}

// newTransport 构建传输层，insecure 为 true 时跳过证书校验
func newTransport(proxyAddr string, insecure bool) (*http.Transport, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	if strings.TrimSpace(proxyAddr) == "" {
		return tr, nil
	}

	u, err := url.Parse(proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("代理地址无效: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		tr.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("创建 SOCKS5 代理失败: %w", err)
		}
		tr.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			tr.DialContext = cd.DialContext
		} else {
			tr.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return nil, fmt.Errorf("不支持的代理协议: %s", u.Scheme)
	}
	return tr, nil
}

// Fetch 获取订阅源内容，不检查状态码，只要没有传输错误就返回完整响应体
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &FetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &FetchError{URL: rawURL, Err: fmt.Errorf("无法读取订阅源内容: %w", err)}
	}
	if !utf8.Valid(body) {
		return "", &FetchError{URL: rawURL, Err: fmt.Errorf("订阅源内容不是有效的 UTF-8 文本")}
	}

	f.log.Debug("获取 %s 成功: HTTP %d, %d 字节", rawURL, resp.StatusCode, len(body))
	return string(body), nil
}

// Probe 测试单个域名的连通性，状态码小于 500 即视为可达
func (f *Fetcher) Probe(ctx context.Context, domain string) ConnectivityTestResult {
	result := ConnectivityTestResult{Domain: domain}

	target := strings.TrimSpace(domain)
	if !strings.Contains(target, "://") {
		target = "https://" + target
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		result.Error = strPtr(err.Error())
		observeProbe(false)
		return result
	}
	req.Header.Set("User-Agent", f.userAgent)

	start := time.Now()
	resp, err := f.probe.Do(req)
	if err != nil {
		result.Error = strPtr(err.Error())
		observeProbe(false)
		return result
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	elapsed := time.Since(start).Milliseconds()
	code := resp.StatusCode
	result.StatusCode = &code
	result.ResponseTimeMS = &elapsed
	result.Success = code < http.StatusInternalServerError
	if !result.Success {
		result.Error = strPtr(fmt.Sprintf("HTTP %d", code))
	}

	observeProbe(result.Success)
	return result
}

func strPtr(s string) *string { return &s }
