// Package flight collapses concurrent work on the same key into one execution.
//
// The first caller for a key runs the function; callers arriving while it runs
// wait for and share its result, including its error. The key is released as
// soon as the function returns, so a later call starts fresh. Keys are spread
// over independent shards so unrelated keys rarely contend on a lock.
package flight

import (
	"context"
	"hash/fnv"
	"sync"

	"golang.org/x/sync/singleflight"
)

const defaultShards = 32

// Func is the work executed once per key. It receives a context detached from
// the cancellation of any single waiter.
type Func func(ctx context.Context) (any, error)

// Coordinator runs at most one Func per key at a time.
type Coordinator struct {
	shards []*shard
}

type shard struct {
	group singleflight.Group

	mu      sync.Mutex
	waiters map[string]int
}

// New creates a Coordinator with the given number of shards (at least one).
func New(shards int) *Coordinator {
	if shards < 1 {
		shards = defaultShards
	}

	coordinator := &Coordinator{shards: make([]*shard, shards)}
	for i := range coordinator.shards {
		coordinator.shards[i] = &shard{
			group:   singleflight.Group{},
			mu:      sync.Mutex{},
			waiters: make(map[string]int),
		}
	}

	return coordinator
}

// Run executes fn for key unless an execution is already in flight, in which
// case it waits for that one. shared reports whether the result went to more
// than one caller. If ctx ends first Run returns ctx.Err(); the execution keeps
// going for the other waiters.
func (c *Coordinator) Run(ctx context.Context, key string, fn Func) (value any, shared bool, err error) {
	s := c.shardFor(key)

	s.join(key)
	defer s.leave(key)

	detached := context.WithoutCancel(ctx)

	resultCh := s.group.DoChan(key, func() (any, error) {
		return fn(detached)
	})

	select {
	case result := <-resultCh:
		return result.Val, result.Shared, result.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Waiters returns the number of callers currently waiting on key.
func (c *Coordinator) Waiters(key string) int {
	s := c.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.waiters[key]
}

func (c *Coordinator) shardFor(key string) *shard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))

	return c.shards[hasher.Sum32()%uint32(len(c.shards))]
}

func (s *shard) join(key string) {
	s.mu.Lock()
	s.waiters[key]++
	s.mu.Unlock()
}

// leave drops the reference and tears the entry down with the last waiter.
func (s *shard) leave(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.waiters[key]--
	if s.waiters[key] <= 0 {
		delete(s.waiters, key)
	}
}
