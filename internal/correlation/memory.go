package correlation

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/kimenyu/mpesa-bridge/internal/core/datamodel/payment"
)

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	bindings map[string]*payment.Binding
}

// MemoryStore is the single-instance store: a sharded in-process map.
// Sharding keeps operations on distinct keys from contending on one lock
// while the shard mutex serializes same-key access.
type MemoryStore struct {
	shards [shardCount]*shard
	logger *slog.Logger

	sweepOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	s := &MemoryStore{
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{bindings: make(map[string]*payment.Binding)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Put(ctx context.Context, key string, b *payment.Binding) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.bindings[key]; exists {
		s.logger.Warn("overwriting existing binding", "checkout_request_id", key)
	}
	sh.bindings[key] = b
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*payment.Binding, error) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	b, exists := sh.bindings[key]
	if !exists {
		return nil, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.bindings, key)
	return nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context, maxAge time.Duration) ([]*payment.Binding, error) {
	cutoff := time.Now().Add(-maxAge)
	var expired []*payment.Binding

	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, b := range sh.bindings {
			if b.CreatedAt.Before(cutoff) {
				expired = append(expired, b)
				delete(sh.bindings, key)
			}
		}
		sh.mu.Unlock()
	}

	return expired, nil
}

// StartSweeper runs the retention sweep on a fixed interval until Close.
// The sweeper is owned by the store's lifecycle, started at process init.
func (s *MemoryStore) StartSweeper(interval, maxAge time.Duration) {
	s.sweepOnce.Do(func() {
		go func() {
			defer close(s.done)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			s.logger.Info("binding sweeper started",
				"interval", interval,
				"retention", maxAge)

			for {
				select {
				case <-ticker.C:
					expired, _ := s.SweepExpired(context.Background(), maxAge)
					if len(expired) > 0 {
						s.logger.Info("purged expired bindings",
							"count", len(expired),
							"retention", maxAge)
					}
				case <-s.stop:
					s.logger.Info("binding sweeper stopped")
					return
				}
			}
		}()
	})
}

// Close stops the sweeper goroutine if one was started.
func (s *MemoryStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.sweepOnce.Do(func() { close(s.done) })
	<-s.done
	return nil
}

// Len reports the number of live bindings across all shards.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.bindings)
		sh.mu.RUnlock()
	}
	return n
}

// Ping satisfies the health check interface; an in-process map is always
// reachable.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
