package settings

import (
	"context"
	"sync"
	"time"

	"github.com/kilianp07/powerguard/core/logger"
	"github.com/kilianp07/powerguard/core/monitoring"
)

// DefaultMaxAttempts bounds how often a queued write is retried.
const DefaultMaxAttempts = 5

type pending struct {
	key      string
	value    any
	attempts int
}

// RetryQueue writes values to a Store and keeps failed writes for later
// attempts. A newer value for a key replaces the queued one. Process
// handles one item per call.
type RetryQueue struct {
	store       Store
	log         logger.Logger
	maxAttempts int

	mu    sync.Mutex
	queue []pending
}

// NewRetryQueue creates a queue in front of store.
func NewRetryQueue(store Store, maxAttempts int, log logger.Logger) *RetryQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RetryQueue{store: store, log: logger.OrNop(log), maxAttempts: maxAttempts}
}

// Save writes the value now and enqueues it when the write fails.
func (q *RetryQueue) Save(key string, value any) error {
	err := q.store.Set(key, value)
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.queue {
		if p.key == key {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			break
		}
	}
	if err != nil {
		q.log.Warnf("save %s failed, queued for retry: %v", key, err)
		q.queue = append(q.queue, pending{key: key, value: value, attempts: 1})
	}
	return err
}

// Len returns the number of queued writes.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Process retries the oldest queued write. It returns true when an item was
// handled.
func (q *RetryQueue) Process() bool {
	q.mu.Lock()
	if len(q.queue) == 0 {
		q.mu.Unlock()
		return false
	}
	p := q.queue[0]
	q.queue = q.queue[1:]
	q.mu.Unlock()

	err := q.store.Set(p.key, p.value)
	if err == nil {
		q.log.Infof("queued save of %s succeeded after %d attempts", p.key, p.attempts+1)
		return true
	}
	p.attempts++
	if p.attempts >= q.maxAttempts {
		q.log.Errorf("dropping save of %s after %d attempts: %v", p.key, p.attempts, err)
		monitoring.CaptureException(err, map[string]string{"key": p.key, "module": "settings"})
		return true
	}
	q.mu.Lock()
	superseded := false
	for _, e := range q.queue {
		if e.key == p.key {
			superseded = true
			break
		}
	}
	if !superseded {
		q.queue = append(q.queue, p)
	}
	q.mu.Unlock()
	return true
}

// Run processes the queue every interval until ctx is done.
func (q *RetryQueue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			q.Process()
		}
	}
}
