// Package staticanalysis 编排单个 APK 的静态分析
package staticanalysis

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/analyzer"
	"github.com/apk-analysis/apk-static-go/internal/apkres"
	"github.com/apk-analysis/apk-static-go/internal/dex"
	"github.com/apk-analysis/apk-static-go/internal/filter"
	"github.com/apk-analysis/apk-static-go/internal/refdata"
	"github.com/apk-analysis/apk-static-go/internal/traversal"
	"github.com/apk-analysis/apk-static-go/internal/visitor"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrReferenceData 参考数据无法加载，整个运行应当中止
var ErrReferenceData = errors.New("reference data unavailable")

var tracer = otel.Tracer("github.com/apk-analysis/apk-static-go/internal/staticanalysis")

// IsFatal 错误与单个 APK 无关，继续处理其他 APK 没有意义
func IsFatal(err error) bool {
	return errors.Is(err, ErrReferenceData) || errors.Is(err, refdata.ErrNoAPILevel)
}

// Options 分析器依赖
type Options struct {
	Reader apkres.Reader
	Cache  *refdata.Cache
	Filter *filter.AnalysisFilter
	Engine *traversal.Engine
	Logger *logrus.Logger

	// ExactAPILevel 要求 targetSdkVersion 有完全对应的权限映射
	ExactAPILevel bool
}

// Analyzer 单个 APK 的分析编排器，可被多个 goroutine 同时使用
type Analyzer struct {
	reader        apkres.Reader
	cache         *refdata.Cache
	filter        *filter.AnalysisFilter
	engine        *traversal.Engine
	logger        *logrus.Logger
	exactAPILevel bool
}

// NewAnalyzer 创建分析器，资源读取被包装在进程级闸门中
func NewAnalyzer(opts Options) *Analyzer {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	engine := opts.Engine
	if engine == nil {
		engine = traversal.New(traversal.Options{Logger: logger})
	}
	return &Analyzer{
		reader:        apkres.NewGate(opts.Reader),
		cache:         opts.Cache,
		filter:        opts.Filter,
		engine:        engine,
		logger:        logger,
		exactAPILevel: opts.ExactAPILevel,
	}
}

type referenceData struct {
	level            int
	mapping          map[string]*refdata.APIPermission
	providers        map[string]*refdata.ContentProvider
	authorityClasses map[string]string
}

// Analyze 分析单个 APK
//
// 顺序：资源读取（闸门内）、参考数据、字节码遍历、
// Invoke、String、ContentProvider、Trackers 四个分析器
func (a *Analyzer) Analyze(ctx context.Context, apkPath string) (result *AnalysisResult, err error) {
	ctx, span := tracer.Start(ctx, "Analyzer.Analyze", trace.WithAttributes(attribute.String("apk.path", apkPath)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	startTime := time.Now()
	logger := a.logger.WithField("apk", apkPath)

	file, err := fileInfo(apkPath)
	if err != nil {
		return nil, err
	}

	res, err := a.readResources(ctx, apkPath)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("apk.package", res.Manifest.PackageName),
		attribute.Int("apk.target_sdk", res.Manifest.TargetSDKVersion),
	)

	ref, err := a.loadReferenceData(ctx, res.Manifest.TargetSDKVersion)
	if err != nil {
		return nil, err
	}

	pkgVisitor := visitor.NewPackageVisitor()
	stringVisitor := visitor.NewStringVisitor(a.filter)
	apiVisitor := visitor.NewAPICallVisitor(a.filter)
	stats, err := a.traverse(ctx, apkPath, pkgVisitor, stringVisitor, apiVisitor)
	if err != nil {
		return nil, err
	}

	_, analyzeSpan := tracer.Start(ctx, "Analyzer.analyzers")
	calls := apiVisitor.Calls()
	invokePerms := analyzer.InvokePermissions(ref.mapping, calls)
	apkStrings := analyzer.AnalyzeStrings(a.filter, stringVisitor.Strings(), res.LayoutTexts, res.Strings, res.Arrays)
	providerPerms := analyzer.ContentProviderPermissions(apkStrings.URIs, calls, ref.authorityClasses, ref.providers)

	index, err := a.cache.Trackers(ctx)
	if err != nil {
		analyzeSpan.End()
		return nil, fmt.Errorf("%w: trackers: %w", ErrReferenceData, err)
	}
	trackers := analyzer.Trackers(apkStrings.URIs, index, pkgVisitor.Packages())
	analyzeSpan.End()

	result = &AnalysisResult{
		Manifest: res.Manifest,
		Strings:  apkStrings,
		DexAPIPermissions: DexAPIPermissions{
			APICallPermissions:         intersect(invokePerms, res.Manifest.UsePermissions),
			ContentProviderPermissions: intersect(providerPerms, res.Manifest.UsePermissions),
		},
		Trackers:         trackers,
		File:             file,
		APILevel:         ref.level,
		Traversal:        TraversalInfo{Classes: stats.Classes, Skipped: stats.Skipped},
		AnalysisDuration: time.Since(startTime).Milliseconds(),
		AnalyzedAt:       startTime,
	}

	logger.WithFields(logrus.Fields{
		"package_name":    res.Manifest.PackageName,
		"api_level":       ref.level,
		"classes":         stats.Classes,
		"skipped":         stats.Skipped,
		"api_permissions": len(result.DexAPIPermissions.APICallPermissions),
		"provider_perms":  len(result.DexAPIPermissions.ContentProviderPermissions),
		"uris":            len(apkStrings.URIs),
		"trackers":        len(trackers),
		"duration_ms":     result.AnalysisDuration,
	}).Info("Analysis completed")

	return result, nil
}

func (a *Analyzer) readResources(ctx context.Context, apkPath string) (*apkres.Resources, error) {
	ctx, span := tracer.Start(ctx, "Analyzer.readResources")
	defer span.End()

	res, err := a.reader.Read(ctx, apkPath)
	if err != nil {
		return nil, fmt.Errorf("read resources: %w", err)
	}
	return res, nil
}

func (a *Analyzer) loadReferenceData(ctx context.Context, targetSDK int) (*referenceData, error) {
	ctx, span := tracer.Start(ctx, "Analyzer.loadReferenceData")
	defer span.End()

	levels, err := a.cache.Levels(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: levels: %w", ErrReferenceData, err)
	}
	level, err := refdata.ResolveLevel(levels, targetSDK, a.exactAPILevel)
	if err != nil {
		return nil, fmt.Errorf("target sdk %d: %w", targetSDK, err)
	}

	ref := &referenceData{level: level}
	if ref.mapping, err = a.cache.PermissionMapping(ctx, targetSDK, a.exactAPILevel); err != nil {
		return nil, fmt.Errorf("%w: permission mapping: %w", ErrReferenceData, err)
	}
	if ref.providers, err = a.cache.ContentProviders(ctx); err != nil {
		return nil, fmt.Errorf("%w: content providers: %w", ErrReferenceData, err)
	}
	if ref.authorityClasses, err = a.cache.AuthorityClasses(ctx); err != nil {
		return nil, fmt.Errorf("%w: authority classes: %w", ErrReferenceData, err)
	}
	return ref, nil
}

func (a *Analyzer) traverse(ctx context.Context, apkPath string, visitors ...traversal.Visitor) (traversal.Stats, error) {
	ctx, span := tracer.Start(ctx, "Analyzer.traverse")
	defer span.End()

	container, err := dex.OpenContainer(apkPath)
	if err != nil {
		return traversal.Stats{}, fmt.Errorf("open dex container: %w", err)
	}

	stats, err := a.engine.Traverse(ctx, container, visitors...)
	if err != nil {
		return stats, fmt.Errorf("traverse: %w", err)
	}
	span.SetAttributes(
		attribute.Int64("traversal.classes", stats.Classes),
		attribute.Int64("traversal.skipped", stats.Skipped),
	)
	return stats, nil
}

// intersect 两个集合的交集，已排序
func intersect(perms, declared []string) []string {
	allowed := make(map[string]struct{}, len(declared))
	for _, p := range declared {
		allowed[p] = struct{}{}
	}
	result := make([]string, 0, len(perms))
	for _, p := range perms {
		if _, ok := allowed[p]; ok {
			result = append(result, p)
		}
	}
	sort.Strings(result)
	return result
}

// fileInfo 文件大小与哈希，使用 io.MultiWriter 一次读取同时计算 MD5 和 SHA256
func fileInfo(apkPath string) (FileInfo, error) {
	file, err := os.Open(apkPath)
	if err != nil {
		return FileInfo{}, fmt.Errorf("open apk: %w", err)
	}
	defer file.Close()

	md5Hash := md5.New()
	sha256Hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(md5Hash, sha256Hash), file)
	if err != nil {
		return FileInfo{}, fmt.Errorf("hash apk: %w", err)
	}

	return FileInfo{
		Name:   filepath.Base(apkPath),
		Size:   size,
		MD5:    fmt.Sprintf("%x", md5Hash.Sum(nil)),
		SHA256: fmt.Sprintf("%x", sha256Hash.Sum(nil)),
	}, nil
}
