package apkres

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/avast/apkparser"
	"github.com/shogo82148/androidbinary/apk"
	"github.com/sirupsen/logrus"
)

const (
	resourcesEntry = "resources.arsc"
	maxEntrySize   = 256 << 20

	resTypeString = "string"
	resTypeArray  = "array"
	resTypeLayout = "layout"
	resTypeMenu   = "menu"
)

// ErrNoResources APK 中没有 resources.arsc
var ErrNoResources = errors.New("no resources content")

// ApkParserReader 基于 avast/apkparser 的读取器，不支持并发调用
type ApkParserReader struct {
	logger *logrus.Logger
}

// NewApkParserReader 创建读取器
func NewApkParserReader(logger *logrus.Logger) *ApkParserReader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ApkParserReader{logger: logger}
}

// Read 解析清单、默认语言字符串与数组以及布局文本
func (r *ApkParserReader) Read(ctx context.Context, apkPath string) (*Resources, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	zip, err := apkparser.OpenZip(apkPath)
	if err != nil {
		return nil, fmt.Errorf("open apk: %w", err)
	}
	defer zip.Close()

	manifest, err := r.readManifest(zip, apkPath)
	if err != nil {
		return nil, err
	}

	data, err := readZipEntry(zip, resourcesEntry)
	if err != nil {
		return nil, err
	}
	table, err := parseResourceTable(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", resourcesEntry, err)
	}

	res := &Resources{
		Manifest: manifest,
		Strings:  table.Strings(resTypeString),
		Arrays:   table.StringArrays(resTypeArray),
	}

	layouts := append(table.Values(resTypeLayout), table.Values(resTypeMenu)...)
	for _, name := range layouts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		texts, err := readLayout(zip, name)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"apk":    apkPath,
				"layout": name,
				"error":  err,
			}).Debug("跳过无法解析的布局")
			continue
		}
		res.LayoutTexts = append(res.LayoutTexts, texts...)
	}

	r.logger.WithFields(logrus.Fields{
		"apk":     apkPath,
		"package": manifest.PackageName,
		"strings": len(res.Strings),
		"arrays":  len(res.Arrays),
		"layouts": len(layouts),
	}).Debug("资源读取完成")
	return res, nil
}

func (r *ApkParserReader) readManifest(zip *apkparser.ZipReader, apkPath string) (Manifest, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	resErr, manErr := apkparser.ParseApkWithZip(zip, enc)
	if manErr != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", manErr)
	}
	if err := enc.Flush(); err != nil {
		return Manifest{}, fmt.Errorf("encode manifest: %w", err)
	}
	if resErr != nil {
		r.logger.WithFields(logrus.Fields{
			"apk":   apkPath,
			"error": resErr,
		}).Warn("清单中的资源引用无法解析")
	}

	manifest, err := parseManifest(buf.Bytes())
	if err != nil {
		return Manifest{}, err
	}
	if manifest.ApplicationName == "" || isReference(manifest.ApplicationName) {
		if label := r.resolveLabel(apkPath); label != "" {
			manifest.ApplicationName = label
		}
	}
	if err := manifest.validate(); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// resolveLabel 使用 androidbinary 解析应用名称
func (r *ApkParserReader) resolveLabel(apkPath string) string {
	pkg, err := apk.OpenFile(apkPath)
	if err != nil {
		r.logger.WithError(err).WithField("apk", apkPath).Debug("androidbinary 打开失败")
		return ""
	}
	defer pkg.Close()

	label, err := pkg.Label(nil)
	if err != nil {
		return ""
	}
	return label
}

func readZipEntry(zip *apkparser.ZipReader, name string) ([]byte, error) {
	f, ok := zip.File[name]
	if !ok || f == nil {
		if name == resourcesEntry {
			return nil, ErrNoResources
		}
		return nil, fmt.Errorf("entry %s not found", name)
	}
	if err := f.Open(); err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxEntrySize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func readLayout(zip *apkparser.ZipReader, name string) ([]string, error) {
	data, err := readZipEntry(zip, name)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := apkparser.ParseXml(bytes.NewReader(data), enc, nil); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return extractLayoutTexts(buf.Bytes())
}
