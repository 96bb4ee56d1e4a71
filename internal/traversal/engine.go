// Package traversal 并发遍历 DEX 中的类、字段、方法与指令，并分发给访问者
package traversal

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/dex"
	"github.com/sirupsen/logrus"
)

// Source 类的来源，*dex.Container 即实现了该接口
type Source interface {
	Classes() []*dex.ClassDef
}

// Options 遍历配置
type Options struct {
	// Concurrency 同时处理的类数量，0 表示 runtime.GOMAXPROCS(0)
	Concurrency int
	Logger      *logrus.Logger
}

// Stats 遍历统计
type Stats struct {
	Classes int64 // 已处理的类
	Skipped int64 // 因错误或 panic 被跳过的回调
}

// Engine 字节码遍历引擎
type Engine struct {
	concurrency int
	logger      *logrus.Logger
}

// New 创建遍历引擎
func New(opts Options) *Engine {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{concurrency: concurrency, logger: logger}
}

// Traverse 对每个类启动一个 goroutine（受 Concurrency 限制），按访问者注册顺序分发回调
// 所有类处理完毕后返回；ctx 取消时不再启动新的类，并返回 ctx.Err()
func (e *Engine) Traverse(ctx context.Context, src Source, visitors ...Visitor) (Stats, error) {
	caps := make([]capabilities, 0, len(visitors))
	for _, v := range visitors {
		if v != nil {
			caps = append(caps, inspect(v))
		}
	}

	var (
		stats   counters
		wg      sync.WaitGroup
		sem     = make(chan struct{}, e.concurrency)
		start   = time.Now()
		classes = src.Classes()
		err     error
	)

schedule:
	for _, class := range classes {
		if err = ctx.Err(); err != nil {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break schedule
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(class *dex.ClassDef) {
			defer wg.Done()
			defer func() { <-sem }()

			w := &walker{class: class, stats: &stats}
			for _, c := range caps {
				w.visit(c)
			}
			stats.classes.Add(1)
		}(class)
	}
	wg.Wait()

	result := Stats{Classes: stats.classes.Load(), Skipped: stats.skipped.Load()}
	e.logger.WithFields(logrus.Fields{
		"classes":  result.Classes,
		"skipped":  result.Skipped,
		"visitors": len(caps),
		"duration": time.Since(start).String(),
	}).Debug("Dex traversal finished")

	return result, err
}

type counters struct {
	classes atomic.Int64
	skipped atomic.Int64
}

// walker 单个类的遍历状态，只在一个 goroutine 内使用
type walker struct {
	class *dex.ClassDef
	stats *counters

	members    *dex.Members
	membersErr error
	loaded     bool

	insns map[*dex.Method]decoded
}

type decoded struct {
	insns []dex.Instruction
	err   error
}

func (w *walker) visit(c capabilities) {
	if c.classFilter != nil && !w.filter(func() bool { return c.classFilter.FilterClass(w.class) }) {
		return
	}

	if c.class != nil {
		w.call(func() error { return c.class.VisitClass(w.class) })
	}
	if !c.visitsMembers() {
		return
	}

	members, ok := w.loadMembers()
	if !ok {
		w.stats.skipped.Add(1)
		return
	}

	if c.field != nil {
		for _, f := range members.StaticFields {
			w.call(func() error { return c.field.VisitField(w.class, f, true) })
		}
		for _, f := range members.InstanceFields {
			w.call(func() error { return c.field.VisitField(w.class, f, false) })
		}
	}

	if c.method != nil || c.instruction != nil {
		w.visitMethods(c, members.VirtualMethods, true)
		w.visitMethods(c, members.DirectMethods, false)
	}
}

func (w *walker) visitMethods(c capabilities, methods []*dex.Method, isVirtual bool) {
	for _, m := range methods {
		if c.method != nil {
			w.call(func() error { return c.method.VisitMethod(w.class, m, isVirtual) })
		}
		if c.instruction == nil {
			continue
		}
		if c.methodFilter != nil && !w.filter(func() bool { return c.methodFilter.FilterMethod(w.class, m, isVirtual) }) {
			continue
		}

		insns, err := w.instructions(m)
		if err != nil {
			w.stats.skipped.Add(1)
			continue
		}
		for _, insn := range insns {
			w.call(func() error { return c.instruction.VisitInstruction(w.class, m, isVirtual, insn) })
		}
	}
}

func (w *walker) loadMembers() (*dex.Members, bool) {
	if !w.loaded {
		w.members, w.membersErr = w.class.Members()
		w.loaded = true
	}
	return w.members, w.membersErr == nil
}

// instructions 每个方法只解码一次，供同一类的所有访问者复用
func (w *walker) instructions(m *dex.Method) ([]dex.Instruction, error) {
	if d, ok := w.insns[m]; ok {
		return d.insns, d.err
	}
	if w.insns == nil {
		w.insns = make(map[*dex.Method]decoded)
	}
	insns, err := m.Instructions()
	w.insns[m] = decoded{insns: insns, err: err}
	return insns, err
}

// call 执行一次回调，错误与 panic 只计数，不向外传播
func (w *walker) call(fn func() error) {
	if err := guard(fn); err != nil {
		w.stats.skipped.Add(1)
	}
}

// filter 执行过滤器，panic 视为不通过
func (w *walker) filter(fn func() bool) bool {
	var pass bool
	if err := guard(func() error { pass = fn(); return nil }); err != nil {
		w.stats.skipped.Add(1)
		return false
	}
	return pass
}

func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("visitor panic: %v", r)
		}
	}()
	return fn()
}
