package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryBucket struct {
	minute int64
	count  int
}

// MemoryCounter is a process-local Counter. It backs single-process
// deployments and serves as the degraded mode when Redis is unreachable.
type MemoryCounter struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	now     func() time.Time
}

// NewMemoryCounter creates a MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		buckets: make(map[string]*memoryBucket),
		now:     time.Now,
	}
}

func (c *MemoryCounter) bucket(keyID string) *memoryBucket {
	minute := c.now().Unix() / 60
	b, ok := c.buckets[keyID]
	if !ok {
		b = &memoryBucket{minute: minute}
		c.buckets[keyID] = b
	}
	if b.minute != minute {
		b.minute = minute
		b.count = 0
	}
	return b
}

// Admit implements Counter.
func (c *MemoryCounter) Admit(_ context.Context, keyID string, threshold int) (bool, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucket(keyID)
	if threshold > 0 && b.count >= threshold {
		return false, b.count, nil
	}
	b.count++
	return true, b.count, nil
}

// Observe implements Counter.
func (c *MemoryCounter) Observe(_ context.Context, keyID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bucket(keyID).count, nil
}
