package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/apk-analysis/apk-static-go/internal/worker"
	"github.com/fatih/color"
	"github.com/gobwas/glob"
)

// collectAPKs 展开命令行给出的文件和目录
//
// 目录递归扫描，文件名按 include 匹配（不区分大小写）；
// 显式给出的文件同样要匹配，路径不存在时报错
func collectAPKs(paths []string, include string) ([]string, error) {
	matcher, err := glob.Compile(strings.ToLower(include))
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern %q: %w", include, err)
	}
	match := func(name string) bool {
		return matcher.Match(strings.ToLower(name))
	}

	var files []string
	seen := make(map[string]bool)
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if match(filepath.Base(root)) {
				add(root)
			}
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() && match(d.Name()) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", root, err)
		}
	}
	return files, nil
}

// reporter 逐行输出进度，回调由 Batch 串行调用
type reporter struct {
	out  io.Writer
	ok   *color.Color
	fail *color.Color
}

func newReporter(out io.Writer) *reporter {
	return &reporter{
		out:  out,
		ok:   color.New(color.FgGreen),
		fail: color.New(color.FgRed),
	}
}

func (r *reporter) total(n int) {
	fmt.Fprintf(r.out, "Total: %d\n", n)
}

func (r *reporter) outcome(o worker.Outcome) {
	if o.Err != nil {
		r.fail.Fprintf(r.out, "Error (%d/%d): '%s' -> '%v'\n", o.Index, o.Total, o.Path, o.Err)
		return
	}
	r.ok.Fprintf(r.out, "Success (%d/%d): '%s' -> '%s'\n", o.Index, o.Total, o.Path, o.Output)
}

func (r *reporter) finish(s worker.Summary) {
	fmt.Fprintf(r.out, "Finish: Success -> %d | Failed -> %d\n", s.Succeeded, s.Failed)
}
