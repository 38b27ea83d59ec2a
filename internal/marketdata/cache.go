// Package marketdata 提供带TTL的行情缓存。
// 多个机器人经常在同一秒内请求同一组K线, 缓存把重复请求压到每个TTL窗口一次。
package marketdata

import (
	"strings"
	"sync"
	"time"
)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Cache 是一个并发安全的 TTL 键值缓存
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	nowFunc func() time.Time
}

// NewCache 创建一个空缓存
func NewCache() *Cache {
	return NewCacheWithClock(time.Now)
}

// NewCacheWithClock 创建一个用指定时钟判定过期的缓存。
// 回测用模拟时钟驱动, TTL 随K线推进自然过期。
func NewCacheWithClock(now func() time.Time) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		nowFunc: now,
	}
}

// Key 用 ":" 拼接缓存键的各部分, e.g., Key("adv_filter", "BTC/USDT", "1h")
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// Get 返回未过期的缓存值
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.nowFunc().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Set 写入缓存值并设定TTL
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: c.nowFunc().Add(ttl)}
	c.mu.Unlock()
}

// GetOrFetch 命中时直接返回缓存值; 未命中或已过期时调用 fetch 并缓存结果。
// fetch 失败时不缓存, 错误原样上抛。
func (c *Cache) GetOrFetch(key string, ttl time.Duration, fetch func() (interface{}, error)) (interface{}, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := fetch()
	if err != nil {
		return nil, err
	}
	c.Set(key, v, ttl)
	return v, nil
}

// Delete 删除一个键
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// PurgeExpired 清理所有已过期的键, 返回清理数量
func (c *Cache) PurgeExpired() int {
	now := c.nowFunc()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len 返回当前键数量 (含已过期未清理的)
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
