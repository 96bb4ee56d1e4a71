package analyzer

import (
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/apk-analysis/apk-static-go/internal/filter"
)

var (
	uriPattern  = regexp.MustCompile(`(?i)[a-z]+://[-a-z0-9+&@#/%?=~_|!:,.;]*[-a-z0-9+&@#/%=~_|]`)
	ipv4Pattern = regexp.MustCompile(`^((25[0-5]|(2[0-4]|1\d|[1-9]|)\d)\.?\b){4}$`)
	spaces      = regexp.MustCompile(`[\t\n\x0B\f\r \x{85}\x{2028}\x{2029}]+`)
)

// URI 从字符串中提取的 URI，以原始文本作为标识
type URI struct {
	URI       string
	Authority string
	Scheme    string
}

// MarshalJSON 序列化为原始文本
func (u URI) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.URI)
}

// UnmarshalJSON 从原始文本还原
func (u *URI) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	if parsed, ok := ParseURI(text); ok {
		*u = parsed
		return nil
	}
	*u = URI{URI: text}
	return nil
}

// APKStrings 字符串分析结果
type APKStrings struct {
	IPv4            []string            `json:"ipv4"`
	URIs            []URI               `json:"uris"`
	EmbeddedStrings []string            `json:"embeddedStrings"`
	LayoutStrings   []string            `json:"layoutStrings"`
	ResStrings      map[string]string   `json:"resStrings"`
	ArrayStrings    map[string][]string `json:"arrayStrings"`
}

// ParseURI 解析单个 URI，要求同时具备 scheme 与 authority
// Authority 保留原始形式 userinfo@host:port
func ParseURI(text string) (URI, bool) {
	text = strings.TrimSpace(text)
	sep := strings.Index(text, "://")
	if sep <= 0 {
		return URI{}, false
	}
	u, err := url.Parse(text)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return URI{}, false
	}

	rest := text[sep+3:]
	if end := strings.IndexAny(rest, "/?#"); end >= 0 {
		rest = rest[:end]
	}
	if rest == "" {
		return URI{}, false
	}
	return URI{URI: text, Authority: rest, Scheme: text[:sep]}, true
}

// ExtractURIs 提取文本中的全部 URI
func ExtractURIs(text string) []URI {
	var uris []URI
	for _, m := range uriPattern.FindAllString(text, -1) {
		if u, ok := ParseURI(m); ok {
			uris = append(uris, u)
		}
	}
	return uris
}

// ExtractIPv4 整个文本是一个 IPv4 地址时返回该地址
func ExtractIPv4(text string) []string {
	if m := ipv4Pattern.FindString(text); m != "" {
		return []string{strings.TrimSpace(m)}
	}
	return nil
}

// CleanText 将连续空白与换行折叠为单个空格并去除首尾空白
func CleanText(s string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

// stringCollector 按首次出现顺序收集 IPv4 与 URI
type stringCollector struct {
	filter *filter.AnalysisFilter

	ipv4     []string
	ipv4Seen map[string]struct{}
	uris     []URI
	uriSeen  map[string]struct{}
}

func (c *stringCollector) scan(text string) {
	for _, ip := range ExtractIPv4(text) {
		if _, ok := c.ipv4Seen[ip]; !ok {
			c.ipv4Seen[ip] = struct{}{}
			c.ipv4 = append(c.ipv4, ip)
		}
	}
	for _, u := range ExtractURIs(text) {
		if _, ok := c.uriSeen[u.URI]; !ok {
			c.uriSeen[u.URI] = struct{}{}
			c.uris = append(c.uris, u)
		}
	}
}

// texts 清洗、提取、排除后去重，保持输入顺序
func (c *stringCollector) texts(items []string) []string {
	result := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		text := CleanText(item)
		if text == "" {
			continue
		}
		c.scan(text)
		if c.filter.ExcludeString.IsExcludeString(text) {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		result = append(result, text)
	}
	return result
}

func (c *stringCollector) resStrings(res map[string]string) map[string]string {
	result := make(map[string]string)
	for _, key := range sortedMapKeys(res) {
		text := CleanText(res[key])
		if text == "" {
			continue
		}
		c.scan(text)
		if c.filter.ExcludeString.IsExcludeResID(key) || c.filter.ExcludeString.IsExcludeString(text) {
			continue
		}
		result[key] = text
	}
	return result
}

func (c *stringCollector) arrayStrings(arrays map[string][]string) map[string][]string {
	result := make(map[string][]string)
	for _, key := range sortedMapKeys(arrays) {
		var cleaned []string
		for _, item := range arrays[key] {
			if text := CleanText(item); text != "" {
				cleaned = append(cleaned, text)
			}
		}
		if len(cleaned) == 0 {
			continue
		}
		for _, text := range cleaned {
			c.scan(text)
		}
		if c.filter.ExcludeString.IsExcludeResID(key) {
			continue
		}

		var kept []string
		for _, text := range cleaned {
			if !c.filter.ExcludeString.IsExcludeString(text) {
				kept = append(kept, text)
			}
		}
		if len(kept) > 0 {
			result[key] = kept
		}
	}
	return result
}

// AnalyzeStrings 清洗并过滤代码、布局与资源中的字符串，同时提取 IPv4 与 URI
// IPv4 与 URI 在排除规则之前提取；authority 为排除主机的 URI 被丢弃
func AnalyzeStrings(
	f *filter.AnalysisFilter,
	embedded []string,
	layout []string,
	res map[string]string,
	arrays map[string][]string,
) APKStrings {
	c := &stringCollector{
		filter:   f,
		ipv4Seen: make(map[string]struct{}),
		uriSeen:  make(map[string]struct{}),
	}

	result := APKStrings{
		EmbeddedStrings: c.texts(embedded),
		LayoutStrings:   c.texts(layout),
		ResStrings:      c.resStrings(res),
		ArrayStrings:    c.arrayStrings(arrays),
	}

	result.IPv4 = append([]string{}, c.ipv4...)
	result.URIs = make([]URI, 0, len(c.uris))
	for _, u := range c.uris {
		if !f.IsExcludeHost(u.Authority) {
			result.URIs = append(result.URIs, u)
		}
	}
	return result
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
