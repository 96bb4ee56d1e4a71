package dex

import (
	"archive/zip"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
)

// maxDexSize 单个 DEX 的大小上限
const maxDexSize = 512 << 20

var dexEntryPattern = regexp.MustCompile(`^classes(\d*)\.dex$`)

// Container APK 内全部 DEX 文件，按 classes.dex、classes2.dex … 顺序
type Container struct {
	Files []*File
}

// OpenContainer 打开 APK 并解析其中的 DEX 文件
func OpenContainer(path string) (*Container, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open apk %s: %w", path, err)
	}
	defer zr.Close()

	return NewContainer(&zr.Reader)
}

// NewContainer 从已打开的 zip 中读取根目录下的 classes*.dex
// 任一 DEX 解析失败即整体失败
func NewContainer(zr *zip.Reader) (*Container, error) {
	type entry struct {
		index int
		file  *zip.File
	}

	var entries []entry
	for _, f := range zr.File {
		m := dexEntryPattern.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		index := 1
		if m[1] != "" {
			n, err := strconv.Atoi(m[1])
			if err != nil || n < 2 {
				continue
			}
			index = n
		}
		entries = append(entries, entry{index: index, file: f})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].index < entries[j].index })

	c := &Container{Files: make([]*File, 0, len(entries))}
	for _, e := range entries {
		data, err := readEntry(e.file)
		if err != nil {
			return nil, err
		}
		f, err := Parse(e.file.Name, data)
		if err != nil {
			return nil, err
		}
		c.Files = append(c.Files, f)
	}
	return c, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxDexSize {
		return nil, fmt.Errorf("%s: %w: %d bytes exceeds limit", f.Name, ErrFormat, f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxDexSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	if len(data) > maxDexSize {
		return nil, fmt.Errorf("%s: %w: exceeds size limit", f.Name, ErrFormat)
	}
	return data, nil
}

// Classes 全部 DEX 中的类
func (c *Container) Classes() []*ClassDef {
	var n int
	for _, f := range c.Files {
		n += len(f.Classes())
	}
	classes := make([]*ClassDef, 0, n)
	for _, f := range c.Files {
		classes = append(classes, f.Classes()...)
	}
	return classes
}
