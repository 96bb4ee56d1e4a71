package staticanalysis

import (
	"context"
	"fmt"
	"os"

	"github.com/apk-analysis/apk-static-go/internal/apkres"
	"github.com/apk-analysis/apk-static-go/internal/config"
	"github.com/apk-analysis/apk-static-go/internal/filter"
	"github.com/apk-analysis/apk-static-go/internal/refdata"
	"github.com/apk-analysis/apk-static-go/internal/traversal"
	"github.com/sirupsen/logrus"
)

// Setup 按配置装配分析器：加载过滤规则、预加载参考数据
//
// 参考数据缺失时返回包装了 ErrReferenceData 的错误
func Setup(ctx context.Context, cfg config.AnalysisConfig, logger *logrus.Logger) (*Analyzer, error) {
	var (
		f   *filter.AnalysisFilter
		err error
	)
	if cfg.FilterPath != "" {
		f, err = filter.Load(cfg.FilterPath)
	} else {
		f, err = filter.Default()
	}
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(cfg.DatasetsDir); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReferenceData, err)
	}
	cache := refdata.NewCache(refdata.NewFSSource(os.DirFS(cfg.DatasetsDir)), logger)
	if err := cache.Preload(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReferenceData, err)
	}

	logger.WithFields(logrus.Fields{
		"datasets":    cfg.DatasetsDir,
		"filter":      cfg.FilterPath,
		"concurrency": cfg.TraversalConcurrency,
	}).Info("Static analyzer ready")

	return NewAnalyzer(Options{
		Reader: apkres.NewApkParserReader(logger),
		Cache:  cache,
		Filter: f,
		Engine: traversal.New(traversal.Options{
			Concurrency: cfg.TraversalConcurrency,
			Logger:      logger,
		}),
		Logger:        logger,
		ExactAPILevel: cfg.ExactAPILevel,
	}), nil
}
