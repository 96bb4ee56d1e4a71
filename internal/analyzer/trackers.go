package analyzer

import "github.com/apk-analysis/apk-static-go/internal/signature"

// TrackerInfo 报告中的追踪器
type TrackerInfo struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Website    *string  `json:"website"`
	Categories []string `json:"categories"`
}

// Trackers 通过 URI 的 authority 与代码包名匹配追踪器，按首次匹配顺序去重
func Trackers(uris []URI, index *signature.Index, pkgNames []string) []TrackerInfo {
	authorities := make([]string, 0, len(uris))
	for _, u := range uris {
		authorities = append(authorities, u.Authority)
	}

	matched := index.Match(authorities, pkgNames)
	result := make([]TrackerInfo, 0, len(matched))
	for _, t := range matched {
		categories := t.Categories
		if categories == nil {
			categories = []string{}
		}
		result = append(result, TrackerInfo{
			ID:         t.ID,
			Name:       t.Name,
			Website:    t.Website,
			Categories: categories,
		})
	}
	return result
}
