package analyzer

import (
	"strings"

	"github.com/apk-analysis/apk-static-go/internal/refdata"
	"github.com/apk-analysis/apk-static-go/internal/visitor"
)

const (
	androidProviderPackage = "android.provider."
	contentScheme          = "content"
)

// ContentProviderPermissions 应用可能访问的系统 ContentProvider 所需权限，已排序去重
//
// 两条来源：
//   - 对 android.provider.* 类的字段访问或方法调用，经 authorityClasses 找到 authority
//   - 字符串中 content:// 形式的 URI，直接使用其 authority
func ContentProviderPermissions(
	uris []URI,
	calls visitor.APICalls,
	authorityClasses map[string]string,
	providers map[string]*refdata.ContentProvider,
) []string {
	type providerKey struct{ pkg, name string }
	seen := make(map[providerKey]struct{})
	perms := make(map[string]struct{})

	add := func(authority string) {
		p, ok := providers[authority]
		if !ok {
			return
		}
		key := providerKey{p.Package, p.Name}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		for _, perm := range p.AllPermissions() {
			perms[perm] = struct{}{}
		}
	}
	byClass := func(className string) {
		if !strings.HasPrefix(className, androidProviderPackage) {
			return
		}
		if authority, ok := authorityClasses[className]; ok {
			add(authority)
		}
	}

	for _, f := range calls.Fields {
		byClass(f.ClassName())
	}
	for _, m := range calls.Methods {
		byClass(m.ClassName())
	}
	for _, u := range uris {
		if strings.EqualFold(u.Scheme, contentScheme) {
			add(u.Authority)
		}
	}
	return sortedKeys(perms)
}
