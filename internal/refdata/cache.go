package refdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/signature"
	"github.com/sirupsen/logrus"
)

// ErrNoAPILevel 没有可用的权限映射级别
var ErrNoAPILevel = errors.New("no available API level")

// lazy 只加载一次的值，加载失败不缓存，下次调用重试
type lazy[T any] struct {
	done  atomic.Bool
	mu    sync.Mutex
	value T
	load  func(ctx context.Context) (T, error)
}

func newLazy[T any](load func(ctx context.Context) (T, error)) *lazy[T] {
	return &lazy[T]{load: load}
}

func (l *lazy[T]) get(ctx context.Context) (T, error) {
	if l.done.Load() {
		return l.value, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done.Load() {
		return l.value, nil
	}

	v, err := l.load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	l.value = v
	l.done.Store(true)
	return v, nil
}

// Cache 参考数据缓存，进程内共享
type Cache struct {
	source Source
	logger *logrus.Logger

	providers        *lazy[map[string]*ContentProvider]
	authorityClasses *lazy[map[string]string]
	trackers         *lazy[*signature.Index]
	levels           *lazy[[]int]

	mu       sync.Mutex
	mappings map[int]*lazy[map[string]*APIPermission]
}

// NewCache 创建缓存，数据在首次使用时加载
func NewCache(source Source, logger *logrus.Logger) *Cache {
	c := &Cache{
		source:   source,
		logger:   logger,
		mappings: make(map[int]*lazy[map[string]*APIPermission]),
	}
	c.providers = newLazy(c.loadProviders)
	c.authorityClasses = newLazy(c.loadAuthorityClasses)
	c.trackers = newLazy(c.loadTrackers)
	c.levels = newLazy(source.Levels)
	return c
}

// ContentProviders authority -> provider
func (c *Cache) ContentProviders(ctx context.Context) (map[string]*ContentProvider, error) {
	return c.providers.get(ctx)
}

// AuthorityClasses 类名（names 与 related_names）-> authority
func (c *Cache) AuthorityClasses(ctx context.Context) (map[string]string, error) {
	return c.authorityClasses.get(ctx)
}

// Trackers 追踪器签名索引，只包含 is_in_exodus 且有签名的追踪器
func (c *Cache) Trackers(ctx context.Context) (*signature.Index, error) {
	return c.trackers.get(ctx)
}

// Levels 可用的权限映射级别，升序
func (c *Cache) Levels(ctx context.Context) ([]int, error) {
	return c.levels.get(ctx)
}

// PermissionMapping 与 targetSDK 最匹配级别的映射：dalvik 描述符 -> API 权限
// exactly 为 true 时只接受完全相同的级别
func (c *Cache) PermissionMapping(ctx context.Context, targetSDK int, exactly bool) (map[string]*APIPermission, error) {
	levels, err := c.Levels(ctx)
	if err != nil {
		return nil, err
	}
	level, err := ResolveLevel(levels, targetSDK, exactly)
	if err != nil {
		return nil, err
	}
	return c.mapping(level).get(ctx)
}

func (c *Cache) mapping(level int) *lazy[map[string]*APIPermission] {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.mappings[level]
	if !ok {
		l = newLazy(func(ctx context.Context) (map[string]*APIPermission, error) {
			return c.loadMapping(ctx, level)
		})
		c.mappings[level] = l
	}
	return l
}

// Preload 加载全部数据集，任一缺失即返回错误
func (c *Cache) Preload(ctx context.Context) error {
	start := time.Now()

	if _, err := c.ContentProviders(ctx); err != nil {
		return err
	}
	if _, err := c.AuthorityClasses(ctx); err != nil {
		return err
	}
	index, err := c.Trackers(ctx)
	if err != nil {
		return err
	}
	levels, err := c.Levels(ctx)
	if err != nil {
		return err
	}
	if len(levels) == 0 {
		return fmt.Errorf("%w: no api permission mappings found", ErrNoAPILevel)
	}
	for _, level := range levels {
		if _, err := c.mapping(level).get(ctx); err != nil {
			return err
		}
	}

	c.logger.WithFields(logrus.Fields{
		"levels":   levels,
		"trackers": index.Len(),
		"duration": time.Since(start).String(),
	}).Info("Reference data preloaded")
	return nil
}

func (c *Cache) loadProviders(ctx context.Context) (map[string]*ContentProvider, error) {
	providers, err := c.source.ContentProviders(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[string]*ContentProvider)
	for _, p := range providers {
		for _, authority := range p.Authorities {
			result[authority] = p
		}
	}
	c.logger.WithField("authorities", len(result)).Debug("Content providers loaded")
	return result, nil
}

func (c *Cache) loadAuthorityClasses(ctx context.Context) (map[string]string, error) {
	entries, err := c.source.AuthorityClasses(ctx)
	if err != nil {
		return nil, err
	}

	// 按 authority 排序，使重复类名的归属稳定
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make(map[string]string)
	for _, authority := range keys {
		entry := entries[authority]
		for _, name := range entry.Names {
			result[name] = authority
		}
		for _, name := range entry.RelatedNames {
			result[name] = authority
		}
	}
	c.logger.WithField("classes", len(result)).Debug("Authority classes loaded")
	return result, nil
}

func (c *Cache) loadTrackers(ctx context.Context) (*signature.Index, error) {
	trackers, err := c.source.Trackers(ctx)
	if err != nil {
		return nil, err
	}
	usable := make([]*signature.Tracker, 0, len(trackers))
	for _, t := range trackers {
		if t.IsInExodus && t.HasSignatures() {
			usable = append(usable, t)
		}
	}
	c.logger.WithFields(logrus.Fields{
		"total":  len(trackers),
		"usable": len(usable),
	}).Debug("Trackers loaded")
	return signature.NewIndex(usable), nil
}

func (c *Cache) loadMapping(ctx context.Context, level int) (map[string]*APIPermission, error) {
	mapping, err := c.source.PermissionMapping(ctx, level)
	if err != nil {
		return nil, err
	}
	result := make(map[string]*APIPermission, len(mapping))
	for _, p := range mapping {
		result[p.API.DalvikDescriptor] = p
	}
	c.logger.WithFields(logrus.Fields{
		"level": level,
		"apis":  len(result),
	}).Debug("API permission mapping loaded")
	return result, nil
}

// ResolveLevel 选择与 target 最匹配的级别
//   - target 存在时直接使用
//   - exactly 为 true 且不存在时返回 ErrNoAPILevel
//   - 高于最大级别取最大，低于最小级别取最小
//   - 位于两个级别之间时向上取最近的级别
func ResolveLevel(levels []int, target int, exactly bool) (int, error) {
	if len(levels) == 0 {
		return 0, fmt.Errorf("%w: %d", ErrNoAPILevel, target)
	}
	sorted := append([]int(nil), levels...)
	sort.Ints(sorted)

	for _, l := range sorted {
		if l == target {
			return l, nil
		}
	}
	if exactly {
		return 0, fmt.Errorf("%w: %d", ErrNoAPILevel, target)
	}

	if last := sorted[len(sorted)-1]; target > last {
		return last, nil
	}
	if first := sorted[0]; target < first {
		return first, nil
	}
	for _, l := range sorted {
		if l > target {
			return l, nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrNoAPILevel, target)
}
