package filter

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"github.com/apk-analysis/apk-static-go/assets"
	"github.com/spf13/viper"
)

// AnalysisFilter 分析过滤配置，加载后只读，可被多个 goroutine 共享
type AnalysisFilter struct {
	excludePackage    []string
	androidAPIPackage []string
	excludeHosts      map[string]struct{}

	ExcludeString *ExcludeStringConfig
}

// ExcludeStringConfig 字符串排除规则
type ExcludeStringConfig struct {
	NumberPunctuationRatio float64
	MinStringLength        int

	prefix []string
	resID  map[string]struct{}
}

// rawFilter 配置文件结构
type rawFilter struct {
	ExcludePackage    []string `mapstructure:"excludePackage"`
	AndroidAPIPackage []string `mapstructure:"androidAPIPackage"`
	ExcludeString     struct {
		NumberPunctuationRatio float64  `mapstructure:"numberPunctuationRatio"`
		MinStringLength        int      `mapstructure:"minStringLength"`
		Prefix                 []string `mapstructure:"prefix"`
		ResID                  []string `mapstructure:"resId"`
	} `mapstructure:"excludeString"`
	ExcludeHosts []string `mapstructure:"excludeHosts"`
}

// Options 以代码方式构建过滤器
type Options struct {
	ExcludePackage         []string
	AndroidAPIPackage      []string
	ExcludeHosts           []string
	NumberPunctuationRatio float64
	MinStringLength        int
	ExcludePrefix          []string
	ExcludeResID           []string
}

// New 根据 Options 创建过滤器
func New(opts Options) *AnalysisFilter {
	return &AnalysisFilter{
		excludePackage:    append([]string(nil), opts.ExcludePackage...),
		androidAPIPackage: append([]string(nil), opts.AndroidAPIPackage...),
		excludeHosts:      toSet(opts.ExcludeHosts),
		ExcludeString: &ExcludeStringConfig{
			NumberPunctuationRatio: opts.NumberPunctuationRatio,
			MinStringLength:        opts.MinStringLength,
			prefix:                 append([]string(nil), opts.ExcludePrefix...),
			resID:                  toSet(opts.ExcludeResID),
		},
	}
}

// Load 从文件加载过滤配置，格式由扩展名决定（json / yaml / toml）
func Load(path string) (*AnalysisFilter, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read analysis filter %s: %w", path, err)
	}
	return decode(v)
}

// Default 内置的默认过滤配置
func Default() (*AnalysisFilter, error) {
	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(assets.AnalysisFilter)); err != nil {
		return nil, fmt.Errorf("failed to read embedded analysis filter: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*AnalysisFilter, error) {
	var raw rawFilter
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode analysis filter: %w", err)
	}
	return New(Options{
		ExcludePackage:         raw.ExcludePackage,
		AndroidAPIPackage:      raw.AndroidAPIPackage,
		ExcludeHosts:           raw.ExcludeHosts,
		NumberPunctuationRatio: raw.ExcludeString.NumberPunctuationRatio,
		MinStringLength:        raw.ExcludeString.MinStringLength,
		ExcludePrefix:          raw.ExcludeString.Prefix,
		ExcludeResID:           raw.ExcludeString.ResID,
	}), nil
}

// IsExcludePackage 类名是否位于排除的包下
func (f *AnalysisFilter) IsExcludePackage(className string) bool {
	return hasPackagePrefix(f.excludePackage, className)
}

// IsAndroidAPIPackage 类名是否位于需要追踪的 API 包下
func (f *AnalysisFilter) IsAndroidAPIPackage(className string) bool {
	return hasPackagePrefix(f.androidAPIPackage, className)
}

// IsExcludeHost 主机是否被排除
func (f *AnalysisFilter) IsExcludeHost(host string) bool {
	_, ok := f.excludeHosts[host]
	return ok
}

// IsExcludeResID 资源名是否被排除
func (c *ExcludeStringConfig) IsExcludeResID(resID string) bool {
	_, ok := c.resID[resID]
	return ok
}

// IsExcludeString 字符串是否被排除
// 长度按 UTF-16 码元计算：长度 <= MinStringLength、数字与标点占比 > NumberPunctuationRatio、
// 或以任一配置前缀开头时排除
func (c *ExcludeStringConfig) IsExcludeString(text string) bool {
	length, symbols := 0, 0
	for _, r := range text {
		if r > 0xFFFF {
			length += 2
		} else {
			length++
		}
		if unicode.IsPunct(r) || (r >= '0' && r <= '9') {
			symbols++
		}
	}

	if length <= c.MinStringLength {
		return true
	}
	if float64(symbols)/float64(length) > c.NumberPunctuationRatio {
		return true
	}
	for _, p := range c.prefix {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	return false
}

func hasPackagePrefix(packages []string, className string) bool {
	for _, pkg := range packages {
		if strings.HasPrefix(className, pkg+".") {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
