package apkres

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

const (
	androidNamespace = "http://schemas.android.com/apk/res/android"
	appNamespace     = "http://schemas.android.com/apk/res-auto"

	resPrefix = "@"
	refPrefix = "?"
)

var (
	// layoutNamespaces 布局文本属性所在命名空间，按查找顺序排列
	layoutNamespaces = []namespace{
		{uri: androidNamespace, prefix: "android"},
		{uri: appNamespace, prefix: "app"},
	}
	layoutAttributes = []string{"text", "hint", "title", "contentDescription"}
)

type namespace struct {
	uri    string
	prefix string
}

// matches 编码器可能输出命名空间 URI 或前缀
func (n namespace) matches(space string) bool {
	return space == n.uri || space == n.prefix
}

func attr(attrs []xml.Attr, ns namespace, local string) (string, bool) {
	for _, a := range attrs {
		if a.Name.Local == local && ns.matches(a.Name.Space) {
			return a.Value, true
		}
	}
	return "", false
}

func plainAttr(attrs []xml.Attr, local string) (string, bool) {
	for _, a := range attrs {
		if a.Name.Local == local && a.Name.Space == "" {
			return a.Value, true
		}
	}
	return "", false
}

// isReference 资源引用或主题属性引用
func isReference(value string) bool {
	return strings.HasPrefix(value, resPrefix) || strings.HasPrefix(value, refPrefix)
}

// parseManifest 从解码后的 AndroidManifest.xml 中读取清单摘要
// 不校验必需字段，label 可能仍是引用
func parseManifest(data []byte) (Manifest, error) {
	android := layoutNamespaces[0]
	m := Manifest{MinSDKVersion: DefaultMinSDKVersion}

	var (
		targetSet   bool
		versionSet  bool
		permissions = make(map[string]struct{})
		depth       int
	)

	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Manifest{}, fmt.Errorf("decode manifest xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch t.Name.Local {
			case "manifest":
				if depth != 1 {
					continue
				}
				m.PackageName, _ = plainAttr(t.Attr, "package")
				if v, ok := attr(t.Attr, android, "versionCode"); ok {
					code, err := strconv.Atoi(strings.TrimSpace(v))
					if err != nil {
						return Manifest{}, fmt.Errorf("%w: versionCode %q", ErrMissingManifestField, v)
					}
					m.VersionCode = code
					versionSet = true
				}
				m.VersionName, _ = attr(t.Attr, android, "versionName")
			case "uses-sdk":
				if v, ok := attr(t.Attr, android, "minSdkVersion"); ok {
					if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
						m.MinSDKVersion = n
					}
				}
				if v, ok := attr(t.Attr, android, "targetSdkVersion"); ok {
					if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
						m.TargetSDKVersion = n
						targetSet = true
					}
				}
			case "uses-permission":
				if v, ok := attr(t.Attr, android, "name"); ok && v != "" {
					permissions[v] = struct{}{}
				}
			case "application":
				m.ApplicationName, _ = attr(t.Attr, android, "label")
			}
		case xml.EndElement:
			depth--
		}
	}

	if !targetSet {
		m.TargetSDKVersion = m.MinSDKVersion
	}
	if !versionSet {
		m.VersionCode = -1
	}

	m.UsePermissions = make([]string, 0, len(permissions))
	for p := range permissions {
		m.UsePermissions = append(m.UsePermissions, p)
	}
	sort.Strings(m.UsePermissions)
	return m, nil
}

// validate 检查必需字段
func (m Manifest) validate() error {
	switch {
	case m.PackageName == "":
		return fmt.Errorf("%w: package", ErrMissingManifestField)
	case m.VersionCode < 0:
		return fmt.Errorf("%w: versionCode", ErrMissingManifestField)
	case m.ApplicationName == "" || isReference(m.ApplicationName):
		return fmt.Errorf("%w: application label", ErrMissingManifestField)
	}
	return nil
}

// extractLayoutTexts 收集布局与菜单中元素的文本类属性
// 以 @ 或 ? 开头的引用值跳过
func extractLayoutTexts(data []byte) ([]string, error) {
	var texts []string
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return texts, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode layout xml: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		for _, ns := range layoutNamespaces {
			for _, name := range layoutAttributes {
				if v, ok := attr(start.Attr, ns, name); ok && !isReference(v) {
					texts = append(texts, v)
				}
			}
		}
	}
}
