package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/apk-analysis/apk-static-go/internal/staticanalysis"
	"github.com/sirupsen/logrus"
)

// ErrPanic 单个 APK 的分析发生 panic
var ErrPanic = errors.New("analysis panicked")

// Analyzer 单个 APK 的分析
type Analyzer interface {
	Analyze(ctx context.Context, apkPath string) (*staticanalysis.AnalysisResult, error)
}

// Outcome 单个 APK 的处理结果
type Outcome struct {
	Index  int // 完成顺序，从 1 开始
	Total  int
	Path   string
	Output string
	Result *staticanalysis.AnalysisResult
	Err    error
}

// ProgressFunc 每个 APK 完成时回调，调用被串行化
type ProgressFunc func(Outcome)

// Summary 批次统计
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"` // 因中止未执行
}

// Batch 批量分析调度器
type Batch struct {
	Analyzer Analyzer
	Sink     Sink
	Workers  int // 0 表示 GOMAXPROCS
	Progress ProgressFunc
	Logger   *logrus.Logger
}

// progress 进度计数，所有字段由 mu 保护
type progress struct {
	mu        sync.Mutex
	done      int
	succeeded int
	failed    int
}

// Run 并发分析所有 APK，单个失败不影响其他 APK
//
// 参考数据类错误（staticanalysis.IsFatal）会中止整个批次：
// 未开始的 APK 不再执行，返回该错误
func (b *Batch) Run(ctx context.Context, paths []string) (Summary, error) {
	logger := b.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	workers := b.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(paths) {
		workers = len(paths)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		state progress
		wg    sync.WaitGroup
		jobs  = make(chan string)
		total = len(paths)
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				output, result, err := b.process(ctx, path)
				if aborted(ctx, err) {
					// 批次已中止，不计入结果
					continue
				}
				if err != nil && staticanalysis.IsFatal(err) {
					logger.WithError(err).WithField("apk", path).Error("Fatal error, aborting batch")
					cancel(err)
				}
				b.record(&state, Outcome{Total: total, Path: path, Output: output, Result: result, Err: err})
			}
		}()
	}

feed:
	for _, path := range paths {
		select {
		case jobs <- path:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	summary := Summary{
		Total:     total,
		Succeeded: state.succeeded,
		Failed:    state.failed,
	}
	summary.Skipped = total - summary.Succeeded - summary.Failed

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return summary, cause
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (b *Batch) process(ctx context.Context, path string) (output string, result *staticanalysis.AnalysisResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			output, result = "", nil
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return "", nil, context.Cause(ctx)
	}
	result, err = b.Analyzer.Analyze(ctx, path)
	if err != nil {
		return "", nil, err
	}
	if b.Sink == nil {
		return "", result, nil
	}
	output, err = b.Sink.Write(ctx, result)
	if err != nil {
		return "", nil, err
	}
	return output, result, nil
}

// aborted 错误由批次中止引起
func aborted(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Cause(ctx))
}

// record 更新计数并串行调用回调
func (b *Batch) record(state *progress, outcome Outcome) {
	state.mu.Lock()
	defer state.mu.Unlock()

	state.done++
	if outcome.Err != nil {
		state.failed++
	} else {
		state.succeeded++
	}
	outcome.Index = state.done
	if b.Progress != nil {
		b.Progress(outcome)
	}
}
