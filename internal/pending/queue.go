// Package pending queues outbound operations that could not be transmitted
// and replays them after reconnection.
package pending

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/amoro/chatcore/internal/model"
	"go.uber.org/zap"
)

// Defaults tuned for a single interactive session.
const (
	DefaultCapacity = 100
	DefaultMaxAge   = 10 * time.Minute
	DefaultStagger  = 100 * time.Millisecond
	maxRetries      = 3
)

// Queue is a bounded, prioritized replay queue. Higher Priority values
// replay first; ties replay oldest-first.
type Queue struct {
	mu       sync.Mutex
	ops      []model.PendingOp
	capacity int
	maxAge   time.Duration
	stagger  time.Duration
	logger   *zap.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity bounds the queue length.
func WithCapacity(n int) Option { return func(q *Queue) { q.capacity = n } }

// WithMaxAge sets the staleness threshold for replay.
func WithMaxAge(d time.Duration) Option { return func(q *Queue) { q.maxAge = d } }

// WithStagger sets the delay between successive replayed sends.
func WithStagger(d time.Duration) Option { return func(q *Queue) { q.stagger = d } }

// New creates a queue.
func New(logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		capacity: DefaultCapacity,
		maxAge:   DefaultMaxAge,
		stagger:  DefaultStagger,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds an operation. When the queue is full the lowest-priority
// entry (oldest first among ties) is evicted to make room; if the new
// operation itself is the lowest priority it is dropped instead. Returns
// whether the operation was accepted.
func (q *Queue) Enqueue(op model.PendingOp) bool {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ops) >= q.capacity {
		victim := q.lowestPriorityIndex()
		if q.ops[victim].Priority >= op.Priority {
			q.logger.Warn("pending queue full, dropping operation",
				zap.String("event", op.Event),
				zap.Int("priority", op.Priority))
			return false
		}
		dropped := q.ops[victim]
		q.ops = append(q.ops[:victim], q.ops[victim+1:]...)
		q.logger.Warn("pending queue full, evicted lower-priority operation",
			zap.String("evicted_event", dropped.Event),
			zap.Int("evicted_priority", dropped.Priority))
	}

	q.ops = append(q.ops, op)
	return true
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Clear drops all queued operations.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.ops = nil
	q.mu.Unlock()
}

// Drain replays every queued operation through transmit, highest priority
// first and oldest first within a priority. Stale entries are dropped
// without replay. Failed transmits are re-enqueued with a bumped retry
// count until the retry cap. Successive sends are staggered to avoid
// bursting the server after reconnect.
func (q *Queue) Drain(ctx context.Context, transmit func(model.PendingOp) error) {
	q.mu.Lock()
	ops := q.ops
	q.ops = nil
	q.mu.Unlock()

	if len(ops) == 0 {
		return
	}

	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority > ops[j].Priority
		}
		return ops[i].Timestamp.Before(ops[j].Timestamp)
	})

	replayed := 0
	for i, op := range ops {
		if time.Since(op.Timestamp) > q.maxAge {
			q.logger.Info("dropping stale pending operation",
				zap.String("event", op.Event),
				zap.Duration("age", time.Since(op.Timestamp)))
			continue
		}
		if i > 0 && q.stagger > 0 {
			select {
			case <-time.After(q.stagger):
			case <-ctx.Done():
				// Re-enqueue the remainder for the next drain.
				q.requeue(ops[i:])
				return
			}
		}
		if err := transmit(op); err != nil {
			op.Retries++
			if op.Retries <= maxRetries {
				q.requeue([]model.PendingOp{op})
			} else {
				q.logger.Warn("abandoning pending operation after retries",
					zap.String("event", op.Event),
					zap.Error(err))
			}
			continue
		}
		replayed++
	}

	if replayed > 0 {
		q.logger.Info("replayed pending operations", zap.Int("count", replayed))
	}
}

func (q *Queue) requeue(ops []model.PendingOp) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range ops {
		if len(q.ops) >= q.capacity {
			return
		}
		q.ops = append(q.ops, op)
	}
}

// lowestPriorityIndex returns the index of the entry to evict. Caller
// holds the lock and guarantees the queue is non-empty.
func (q *Queue) lowestPriorityIndex() int {
	victim := 0
	for i, op := range q.ops {
		if op.Priority < q.ops[victim].Priority ||
			(op.Priority == q.ops[victim].Priority && op.Timestamp.Before(q.ops[victim].Timestamp)) {
			victim = i
		}
	}
	return victim
}
