package hosts

import (
	"context"
	"fmt"
	"net"
	"time"

	mdns "github.com/miekg/dns"
)

const DefaultUpstream = "223.5.5.5:53"

// Resolver 通过上游 DNS 查询 A 记录，用来和 hosts 中的映射做对比
type Resolver struct {
	Upstream string
	Timeout  time.Duration
}

// NewResolver 创建解析器，未带端口的上游地址默认 53
func NewResolver(upstream string, timeout time.Duration) *Resolver {
	if upstream == "" {
		upstream = DefaultUpstream
	}
	if _, _, err := net.SplitHostPort(upstream); err != nil {
		upstream = net.JoinHostPort(upstream, "53")
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Resolver{Upstream: upstream, Timeout: timeout}
}

// Resolve 返回域名的 A 记录
func (r *Resolver) Resolve(ctx context.Context, domain string) ([]string, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(domain), mdns.TypeA)
	m.RecursionDesired = true

	c := &mdns.Client{Net: "udp", Timeout: r.Timeout}
	resp, _, err := c.ExchangeContext(ctx, m, r.Upstream)
	if err != nil {
		return nil, fmt.Errorf("查询 %s 失败: %w", domain, err)
	}
	if resp.Rcode != mdns.RcodeSuccess {
		return nil, fmt.Errorf("查询 %s 返回 %s", domain, mdns.RcodeToString[resp.Rcode])
	}

	var ips []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*mdns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips, nil
}
