package metering

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DedupeCache 进程内短时效去重缓存
// 对重试/重复回调的相同负载做幂等过滤：允许偶发漏判（时钟偏差、缓存淘汰），
// 绝不允许误判丢弃真实的独立用量事件，因此只有写入成功后才 Mark
type DedupeCache struct {
	mu      sync.Mutex
	entries map[string]*dedupeEntry
	ttl     time.Duration

	ops int // Mark 计数，触发惰性清理
}

type dedupeEntry struct {
	firstSeen time.Time
	hits      int
}

// NewDedupeCache 创建去重缓存，ttl <= 0 时默认 60s
func NewDedupeCache(ttl time.Duration) *DedupeCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &DedupeCache{
		entries: make(map[string]*dedupeEntry),
		ttl:     ttl,
	}
}

// TTL 去重窗口时长
func (c *DedupeCache) TTL() time.Duration {
	return c.ttl
}

// Key 计算事件的稳定哈希
func (c *DedupeCache) Key(kind, recordID string, fields ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(recordID))
	for _, f := range fields {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Seen 判断事件是否在窗口内出现过，命中时累加计数
func (c *DedupeCache) Seen(key string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if now.Sub(entry.firstSeen) > c.ttl {
		delete(c.entries, key)
		return false
	}
	entry.hits++
	return true
}

// Mark 记录事件，只在对应的台账写入成功后调用
func (c *DedupeCache) Mark(key string) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &dedupeEntry{firstSeen: now}

	c.ops++
	if c.ops >= 1024 {
		c.ops = 0
		c.pruneLocked(now)
	}
}

// Hits 事件的重复命中次数
func (c *DedupeCache) Hits(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		return entry.hits
	}
	return 0
}

// Len 当前缓存条目数
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *DedupeCache) pruneLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.Sub(entry.firstSeen) > c.ttl {
			delete(c.entries, key)
		}
	}
}

// joinInts 把整数字段拼成哈希输入
func joinInts(values ...int) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ",")
}
