package hosts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/winspan/kooixhost/pkg/logger"
)

// ContentFetcher 获取单个订阅源的内容
type ContentFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Prober 探测单个域名的连通性
type Prober interface {
	Probe(ctx context.Context, domain string) ConnectivityTestResult
}

// SourceResult 单个订阅源本次聚合的结果
type SourceResult struct {
	Name     string        `json:"name"`
	URL      string        `json:"url"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Bytes    int           `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

// AggregateResult 聚合内容以及每个启用订阅源的结果（按订阅源顺序）
type AggregateResult struct {
	Content string
	Sources []SourceResult
}

// Failed 返回失败的订阅源数量
func (r AggregateResult) Failed() int {
	n := 0
	for _, s := range r.Sources {
		if !s.OK {
			n++
		}
	}
	return n
}

// Succeeded 返回成功的订阅源数量
func (r AggregateResult) Succeeded() int {
	return len(r.Sources) - r.Failed()
}

// Aggregator 从多个订阅源聚合 hosts 内容，单个源失败不影响其它源
type Aggregator struct {
	fetcher     ContentFetcher
	concurrency int
	log         *logger.Logger
}

// NewAggregator 创建聚合器，concurrency <= 1 时按顺序逐个获取
func NewAggregator(fetcher ContentFetcher, concurrency int, log *logger.Logger) *Aggregator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Aggregator{fetcher: fetcher, concurrency: concurrency, log: log}
}

// Aggregate 返回拼接后的内容，从不返回错误
func (a *Aggregator) Aggregate(ctx context.Context, sources []HostSource) string {
	return a.Collect(ctx, sources).Content
}

// Collect 获取全部启用的订阅源，并按订阅源顺序拼接成功的结果
func (a *Aggregator) Collect(ctx context.Context, sources []HostSource) AggregateResult {
	enabled := EnabledSources(sources)
	bodies := make([]string, len(enabled))
	results := make([]SourceResult, len(enabled))

	fetchOne := func(i int) {
		src := enabled[i]
		start := time.Now()
		body, err := a.fetcher.Fetch(ctx, src.URL)
		elapsed := time.Since(start)

		res := SourceResult{Name: src.Name, URL: src.URL, Duration: elapsed}
		if err != nil {
			res.Error = err.Error()
			a.log.Warn("获取订阅源 %s 失败: %v", src.Name, err)
		} else {
			res.OK = true
			res.Bytes = len(body)
			bodies[i] = body
		}
		observeFetch(src.Name, res.OK, elapsed)
		results[i] = res
	}

	if a.concurrency == 1 || len(enabled) <= 1 {
		for i := range enabled {
			fetchOne(i)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(a.concurrency)
		for i := range enabled {
			i := i
			g.Go(func() error {
				fetchOne(i)
				return nil
			})
		}
		_ = g.Wait()
	}

	var b strings.Builder
	for i, src := range enabled {
		if !results[i].OK {
			continue
		}
		fmt.Fprintf(&b, "\n# === %s ===\n", src.Name)
		b.WriteString(bodies[i])
		b.WriteByte('\n')
	}

	return AggregateResult{Content: b.String(), Sources: results}
}

// TestMultipleDomains 按输入顺序逐个测试，每个域名都有一条结果
func TestMultipleDomains(ctx context.Context, p Prober, domains []string) []ConnectivityTestResult {
	results := make([]ConnectivityTestResult, 0, len(domains))
	for _, d := range domains {
		results = append(results, p.Probe(ctx, d))
	}
	return results
}

// testDomains 内置的常用测试域名
var testDomains = []string{
	"github.com",
	"api.github.com",
	"raw.githubusercontent.com",
	"github.githubassets.com",
	"avatars.githubusercontent.com",
	"gist.github.com",
	"github.global.ssl.fastly.net",
	"store.steampowered.com",
	"steamcommunity.com",
	"api.steampowered.com",
}

// BuiltinTestDomains 返回内置测试域名的副本
func BuiltinTestDomains() []string {
	return append([]string(nil), testDomains...)
}

// ExtractTestDomains 返回在 hosts 文本中出现过的内置测试域名（子串匹配）
func ExtractTestDomains(hostsText string) []string {
	var out []string
	for _, d := range testDomains {
		if strings.Contains(hostsText, d) {
			out = append(out, d)
		}
	}
	return out
}
