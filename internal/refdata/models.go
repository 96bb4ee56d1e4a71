// Package refdata 加载并缓存分析所需的 Android 参考数据集：
// API 权限映射、ContentProvider 信息与追踪器签名
package refdata

import "github.com/apk-analysis/apk-static-go/internal/signature"

// API 类型
const (
	APITypeMethod = "method"
	APITypeField  = "field"
)

// API 受权限保护的 Android API
type API struct {
	Type             string   `json:"type"`
	ClassName        string   `json:"class_name"`
	Name             string   `json:"name"`
	Signature        string   `json:"signature"`
	DalvikDescriptor string   `json:"dalvik_descriptor"`
	Args             []string `json:"args,omitempty"`
	ReturnValue      string   `json:"return_value,omitempty"`
	FieldType        string   `json:"field_type,omitempty"`
}

// PermissionGroup 一组权限
type PermissionGroup struct {
	Permissions []string `json:"permissions"`
	AnyOf       bool     `json:"any_of"`
	Conditional bool     `json:"conditional"`
}

// APIPermission API 与其所需权限
type APIPermission struct {
	API              API               `json:"api"`
	PermissionGroups []PermissionGroup `json:"permission_groups"`
}

// URIPattern grant-uri-permission 声明
type URIPattern struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// ContentProvider 系统 ContentProvider
type ContentProvider struct {
	Package             string       `json:"package"`
	Name                string       `json:"name"`
	Authorities         []string     `json:"authorities"`
	Exported            bool         `json:"exported"`
	ReadPermission      *string      `json:"read_permission"`
	WritePermission     *string      `json:"write_permission"`
	HasURIPermission    bool         `json:"has_uri_permission"`
	GrantURIPermissions []URIPattern `json:"grant_uri_permissions"`
}

// AllPermissions 读写权限中非空的部分
func (p *ContentProvider) AllPermissions() []string {
	var perms []string
	if p.ReadPermission != nil {
		perms = append(perms, *p.ReadPermission)
	}
	if p.WritePermission != nil {
		perms = append(perms, *p.WritePermission)
	}
	return perms
}

// AuthorityClass 与 authority 关联的类
type AuthorityClass struct {
	Authority    string   `json:"authority"`
	Names        []string `json:"names"`
	RelatedNames []string `json:"related_names"`
}

// trackersDocument trackers.json 的外层结构
type trackersDocument struct {
	Trackers []*signature.Tracker `json:"trackers"`
}
