package staticanalysis

import (
	"fmt"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/analyzer"
	"github.com/apk-analysis/apk-static-go/internal/apkres"
)

// FileInfo APK 文件信息
type FileInfo struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	MD5    string `json:"md5"`
	SHA256 string `json:"sha256"`
}

// DexAPIPermissions 代码推导出的权限，均为清单声明权限的子集
type DexAPIPermissions struct {
	APICallPermissions         []string `json:"apiCallPermissions"`
	ContentProviderPermissions []string `json:"contentProviderPermissions"`
}

// TraversalInfo 字节码遍历统计
type TraversalInfo struct {
	Classes int64 `json:"classes"`
	Skipped int64 `json:"skipped"`
}

// AnalysisResult 单个 APK 的完整分析结果
type AnalysisResult struct {
	Manifest          apkres.Manifest        `json:"manifest"`
	Strings           analyzer.APKStrings    `json:"strings"`
	DexAPIPermissions DexAPIPermissions      `json:"dexAPIPermissions"`
	Trackers          []analyzer.TrackerInfo `json:"trackers"`

	// 元数据
	File             FileInfo      `json:"file"`
	APILevel         int           `json:"apiLevel"`
	Traversal        TraversalInfo `json:"traversal"`
	AnalysisDuration int64         `json:"analysisDurationMs"`
	AnalyzedAt       time.Time     `json:"analyzedAt"`
}

// OutputName 结果文件名 <包名>-<版本号>.json
func (r *AnalysisResult) OutputName() string {
	return fmt.Sprintf("%s-%d.json", r.Manifest.PackageName, r.Manifest.VersionCode)
}
