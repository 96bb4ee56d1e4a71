// Package visitor 提供字节码遍历中使用的提取访问者
package visitor

import "sync"

// Set 并发安全的只增集合，多个类 goroutine 同时写入
type Set[T comparable] struct {
	mu    sync.Mutex
	items map[T]struct{}
}

// NewSet 创建集合
func NewSet[T comparable]() *Set[T] {
	return &Set[T]{items: make(map[T]struct{})}
}

// Add 加入元素
func (s *Set[T]) Add(item T) {
	s.mu.Lock()
	s.items[item] = struct{}{}
	s.mu.Unlock()
}

// Contains 是否包含元素
func (s *Set[T]) Contains(item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[item]
	return ok
}

// Len 元素个数
func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Items 当前元素的快照，顺序不确定
func (s *Set[T]) Items() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]T, 0, len(s.items))
	for item := range s.items {
		items = append(items, item)
	}
	return items
}
