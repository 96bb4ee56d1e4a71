// Package apkres 读取 APK 的清单与默认语言资源
package apkres

import (
	"context"
	"errors"
)

// ErrMissingManifestField 清单缺少必需字段
var ErrMissingManifestField = errors.New("missing manifest field")

// DefaultMinSDKVersion 清单未声明 minSdkVersion 时的取值
const DefaultMinSDKVersion = 1

// Manifest 清单摘要
type Manifest struct {
	ApplicationName  string   `json:"applicationName"`
	PackageName      string   `json:"packageName"`
	MinSDKVersion    int      `json:"minSDKVersion"`
	TargetSDKVersion int      `json:"targetSDKVersion"`
	VersionCode      int      `json:"versionCode"`
	VersionName      string   `json:"versionName"`
	UsePermissions   []string `json:"usePermissions"`
}

// Resources 单个 APK 的清单与资源文本
type Resources struct {
	Manifest    Manifest
	Strings     map[string]string
	Arrays      map[string][]string
	LayoutTexts []string
}

// Reader 清单与资源读取器
type Reader interface {
	Read(ctx context.Context, apkPath string) (*Resources, error)
}

// Gate 保证同一时刻只有一个读取在进行
type Gate struct {
	reader Reader
	sem    chan struct{}
}

// NewGate 包装读取器
func NewGate(reader Reader) *Gate {
	return &Gate{reader: reader, sem: make(chan struct{}, 1)}
}

// Read 获取闸门后读取，等待期间可被 ctx 取消
func (g *Gate) Read(ctx context.Context, apkPath string) (*Resources, error) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-g.sem }()
	return g.reader.Read(ctx, apkPath)
}
