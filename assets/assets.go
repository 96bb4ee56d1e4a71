// Package assets 内置的默认分析配置
package assets

import _ "embed"

// AnalysisFilter 默认过滤配置（JSON）
//
//go:embed analysis_filter.json
var AnalysisFilter []byte
