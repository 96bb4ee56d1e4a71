// Package analyzer 基于遍历结果与参考数据推导权限、字符串与追踪器
package analyzer

import (
	"sort"

	"github.com/apk-analysis/apk-static-go/internal/refdata"
	"github.com/apk-analysis/apk-static-go/internal/visitor"
)

// InvokePermissions 代码中调用的 API 所涉及的全部权限，已排序去重
// 所有权限组的权限都计入，不区分 any_of 与 conditional
func InvokePermissions(mapping map[string]*refdata.APIPermission, calls visitor.APICalls) []string {
	perms := make(map[string]struct{})
	collect := func(descriptor string) {
		p, ok := mapping[descriptor]
		if !ok {
			return
		}
		for _, g := range p.PermissionGroups {
			for _, perm := range g.Permissions {
				perms[perm] = struct{}{}
			}
		}
	}

	for _, f := range calls.Fields {
		collect(f.Descriptor())
	}
	for _, m := range calls.Methods {
		collect(m.Descriptor())
	}
	return sortedKeys(perms)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
