// apkscan 批量静态分析本地 APK，每个 APK 输出一个 JSON 结果
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/apk-analysis/apk-static-go/internal/config"
	"github.com/apk-analysis/apk-static-go/internal/staticanalysis"
	"github.com/apk-analysis/apk-static-go/internal/worker"
	"github.com/fatih/color"
)

type options struct {
	output        string
	pretty        bool
	workers       int
	filterPath    string
	datasets      string
	include       string
	exactAPILevel bool
	logLevel      string
	paths         []string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("apkscan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: apkscan -o <dir> [options] <apk files or dirs>...\n\n")
		fs.PrintDefaults()
	}

	opts := &options{}
	fs.StringVar(&opts.output, "o", "", "输出目录（必填）")
	fs.StringVar(&opts.output, "output", "", "同 -o")
	fs.BoolVar(&opts.pretty, "p", false, "格式化 JSON 输出")
	fs.BoolVar(&opts.pretty, "pretty", false, "同 -p")
	fs.IntVar(&opts.workers, "workers", 0, "同时分析的 APK 数量，0 表示 CPU 数")
	fs.StringVar(&opts.filterPath, "filter", "", "过滤规则文件，为空时使用内置规则")
	fs.StringVar(&opts.datasets, "datasets", "./datasets", "参考数据目录")
	fs.StringVar(&opts.include, "include", "*.apk", "目录扫描时匹配的文件名 glob")
	fs.BoolVar(&opts.exactAPILevel, "exact-api-level", false, "targetSdkVersion 必须有完全对应的权限映射")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "日志级别")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.paths = fs.Args()

	if opts.output == "" {
		fs.Usage()
		return nil, fmt.Errorf("missing output dir")
	}
	if len(opts.paths) == 0 {
		fs.Usage()
		return nil, fmt.Errorf("missing apk files or dirs")
	}
	if opts.workers < 0 {
		return nil, fmt.Errorf("workers must not be negative")
	}
	return opts, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run 只有参数、参考数据等准备阶段出错时返回 1，单个 APK 失败不影响退出码
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 1
	}

	errColor := color.New(color.FgRed)
	logger := config.NewLogger(&config.LogConfig{Level: opts.logLevel}, stderr)

	files, err := collectAPKs(opts.paths, opts.include)
	if err != nil {
		errColor.Fprintln(stderr, err)
		return 1
	}
	if err := os.MkdirAll(opts.output, 0o755); err != nil {
		errColor.Fprintln(stderr, err)
		return 1
	}

	analyzer, err := staticanalysis.Setup(ctx, config.AnalysisConfig{
		FilterPath:    opts.filterPath,
		DatasetsDir:   opts.datasets,
		ExactAPILevel: opts.exactAPILevel,
	}, logger)
	if err != nil {
		errColor.Fprintln(stderr, err)
		return 1
	}

	rep := newReporter(stdout)
	rep.total(len(files))

	batch := &worker.Batch{
		Analyzer: analyzer,
		Sink:     &worker.JSONSink{Dir: opts.output, Pretty: opts.pretty},
		Workers:  opts.workers,
		Progress: rep.outcome,
		Logger:   logger,
	}
	summary, err := batch.Run(ctx, files)
	rep.finish(summary)
	if err != nil {
		errColor.Fprintf(stderr, "Aborted: %v\n", err)
		return 1
	}
	return 0
}
