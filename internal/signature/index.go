package signature

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Index 追踪器签名索引
// network: 域名签名 -> 追踪器列表；code: 包名前缀签名 -> 追踪器列表
type Index struct {
	network map[string][]*Tracker
	code    map[string][]*Tracker
	size    int
}

// NewIndex 构建签名索引，同一签名可对应多个追踪器（保持注册表顺序）
func NewIndex(trackers []*Tracker) *Index {
	idx := &Index{
		network: make(map[string][]*Tracker),
		code:    make(map[string][]*Tracker),
		size:    len(trackers),
	}
	for _, t := range trackers {
		for _, sig := range t.NetworkSignatures() {
			idx.network[sig] = append(idx.network[sig], t)
		}
		for _, sig := range t.CodeSignatures() {
			idx.code[sig] = append(idx.code[sig], t)
		}
	}
	return idx
}

// Len 索引收录的追踪器数量
func (idx *Index) Len() int {
	return idx.size
}

// MatchDomain 按最长后缀优先匹配域名，返回第一个命中的追踪器列表
func (idx *Index) MatchDomain(host string) []*Tracker {
	if !IsValidDomain(host) {
		return nil
	}
	for _, suffix := range SplitDomain(host) {
		if trackers, ok := idx.network[suffix]; ok {
			return trackers
		}
	}
	return nil
}

// MatchPackage 按最长前缀优先匹配包名
func (idx *Index) MatchPackage(pkg string) []*Tracker {
	for _, prefix := range SplitPackage(pkg) {
		if trackers, ok := idx.code[prefix]; ok {
			return trackers
		}
	}
	return nil
}

// Match 先匹配所有域名，再匹配所有包名，结果按追踪器 ID 去重并保持首次出现顺序
func (idx *Index) Match(authorities []string, pkgNames []string) []*Tracker {
	var (
		result []*Tracker
		seen   = make(map[string]struct{})
	)
	add := func(trackers []*Tracker) {
		for _, t := range trackers {
			if _, ok := seen[t.ID]; ok {
				continue
			}
			seen[t.ID] = struct{}{}
			result = append(result, t)
		}
	}

	for _, authority := range authorities {
		add(idx.MatchDomain(authority))
	}
	for _, pkg := range pkgNames {
		add(idx.MatchPackage(pkg))
	}
	return result
}

// SplitDomain 将域名拆成从完整域名到公共后缀（含）的后缀列表，最长的在前
//
//	ads.example.co.uk -> [ads.example.co.uk example.co.uk co.uk]
func SplitDomain(domain string) []string {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if domain == "" {
		return nil
	}

	suffix, _ := publicsuffix.PublicSuffix(domain)
	if suffix == "" || suffix == domain {
		return []string{domain}
	}

	private := strings.TrimSuffix(domain, "."+suffix)
	labels := strings.Split(private, ".")

	result := make([]string, 0, len(labels)+1)
	for i := range labels {
		if labels[i] == "" {
			continue
		}
		result = append(result, strings.Join(labels[i:], ".")+"."+suffix)
	}
	return append(result, suffix)
}

// SplitPackage 将包名拆成以 "." 结尾的前缀列表，最长的在前
//
//	com.example.ads -> [com.example.ads. com.example. com.]
func SplitPackage(pkg string) []string {
	if pkg == "" {
		return nil
	}
	segments := strings.Split(pkg, ".")
	result := make([]string, len(segments))

	var b strings.Builder
	for i, seg := range segments {
		b.WriteString(seg)
		b.WriteByte('.')
		result[len(segments)-1-i] = b.String()
	}
	return result
}

// IsValidDomain 严格的域名语法校验
// 总长不超过 253，每段 1-63 个 [A-Za-z0-9-_] 字符且不以 "-" 开头或结尾，
// 最后一段不能以数字开头（排除 IPv4 字面量）
func IsValidDomain(host string) bool {
	host = strings.TrimSuffix(host, ".")
	if host == "" || len(host) > 253 {
		return false
	}

	labels := strings.Split(host, ".")
	if len(labels) > 127 {
		return false
	}
	for _, label := range labels {
		if !validLabel(label) {
			return false
		}
	}

	last := labels[len(labels)-1]
	return !(last[0] >= '0' && last[0] <= '9')
}

func validLabel(label string) bool {
	if len(label) == 0 || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
