package hosts

import (
	"strings"
	"unicode"
)

const (
	MarkerStart = "# === Kooix Host Manager Start ==="
	MarkerEnd   = "# === Kooix Host Manager End ==="
)

// Regions hosts 文件拆分出的自定义部分和托管部分
type Regions struct {
	Custom  string `json:"custom"`
	Managed string `json:"managed"` // 包含首尾标记行，没有托管部分时为空
}

// HasManaged 是否存在完整的托管部分
func (r Regions) HasManaged() bool {
	return r.Managed != ""
}

// Parse 拆分 hosts 内容。结束标记只在开始标记之后查找；
// 标记不完整时全部视为自定义内容，宁可重复也不丢数据。
func Parse(content string) Regions {
	if start := strings.Index(content, MarkerStart); start >= 0 {
		if end := strings.Index(content[start:], MarkerEnd); end >= 0 {
			managedEnd := start + end + len(MarkerEnd)
			return Regions{
				Custom:  strings.TrimRightFunc(content[:start], unicode.IsSpace),
				Managed: content[start:managedEnd],
			}
		}
	}

	return Regions{Custom: strings.TrimSpace(content)}
}

// Merge 用新的聚合内容（不含标记）重建 hosts 文件
func Merge(custom, managedBody string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRightFunc(custom, unicode.IsSpace))
	b.WriteString("\n\n")
	b.WriteString(MarkerStart)
	b.WriteByte('\n')
	b.WriteString(strings.TrimSpace(managedBody))
	b.WriteByte('\n')
	b.WriteString(MarkerEnd)
	b.WriteByte('\n')
	return b.String()
}

// LookupHosts 返回 hosts 文本中映射到 domain 的全部 IP
func LookupHosts(hostsText, domain string) []string {
	var ips []string
	for _, line := range strings.Split(hostsText, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		for _, name := range fields[1:] {
			if strings.EqualFold(name, domain) {
				ips = append(ips, fields[0])
				break
			}
		}
	}
	return ips
}
