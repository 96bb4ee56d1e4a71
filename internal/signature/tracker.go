package signature

import (
	"encoding/json"
	"strings"
	"sync"
)

// Tracker 追踪器注册表中的一条记录
type Tracker struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	CodeSignature    string   `json:"code_signature"`
	NetworkSignature string   `json:"network_signature"`
	Website          *string  `json:"website"`
	Categories       []string `json:"category"`
	IsInExodus       bool     `json:"is_in_exodus"`
	Documentation    []string `json:"documentation"`

	once              sync.Once
	codeSignatures    []string
	networkSignatures []string
}

// UnmarshalJSON 空白 website 视为未设置
func (t *Tracker) UnmarshalJSON(data []byte) error {
	type plain Tracker
	var raw struct {
		plain
		Website string `json:"website"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	t.ID = raw.ID
	t.Name = raw.Name
	t.CodeSignature = raw.CodeSignature
	t.NetworkSignature = raw.NetworkSignature
	t.Categories = raw.Categories
	t.IsInExodus = raw.IsInExodus
	t.Documentation = raw.Documentation
	t.Website = nil
	if strings.TrimSpace(raw.Website) != "" {
		website := raw.Website
		t.Website = &website
	}
	return nil
}

func (t *Tracker) split() {
	t.once.Do(func() {
		t.codeSignatures = SplitSignatures(t.CodeSignature)
		t.networkSignatures = SplitSignatures(t.NetworkSignature)
	})
}

// CodeSignatures 包名前缀签名
func (t *Tracker) CodeSignatures() []string {
	t.split()
	return t.codeSignatures
}

// NetworkSignatures 域名签名
func (t *Tracker) NetworkSignatures() []string {
	t.split()
	return t.networkSignatures
}

// HasSignatures 至少有一个代码或网络签名
func (t *Tracker) HasSignatures() bool {
	return len(t.CodeSignatures()) > 0 || len(t.NetworkSignatures()) > 0
}

// SplitSignatures 拆分 "|" 分隔的签名字段
// 空白片段被丢弃，其余片段去除首尾空白并做反斜杠反转义，按首次出现顺序去重
func SplitSignatures(raw string) []string {
	var (
		result []string
		seen   = make(map[string]struct{})
	)
	for _, piece := range strings.Split(raw, "|") {
		if strings.TrimSpace(piece) == "" {
			continue
		}
		sig := Unescape(strings.TrimSpace(piece))
		if _, ok := seen[sig]; ok {
			continue
		}
		seen[sig] = struct{}{}
		result = append(result, sig)
	}
	return result
}
