package pending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amoro/chatcore/internal/model"
)

func op(event string, priority int, age time.Duration) model.PendingOp {
	return model.PendingOp{
		Event:     event,
		Payload:   event + "-payload",
		Timestamp: time.Now().Add(-age),
		Priority:  priority,
	}
}

func TestDrainOrder(t *testing.T) {
	q := New(nil, WithStagger(0))

	q.Enqueue(op("low-old", 0, 3*time.Second))
	q.Enqueue(op("high", 5, 1*time.Second))
	q.Enqueue(op("low-new", 0, 1*time.Second))
	q.Enqueue(op("mid", 2, 2*time.Second))

	var got []string
	q.Drain(context.Background(), func(o model.PendingOp) error {
		got = append(got, o.Event)
		return nil
	})

	want := []string{"high", "mid", "low-old", "low-new"}
	if len(got) != len(want) {
		t.Fatalf("replayed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("replayed %v, want %v", got, want)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue not empty after drain: %d", q.Len())
	}
}

func TestStaleOperationsDropped(t *testing.T) {
	q := New(nil, WithStagger(0), WithMaxAge(time.Minute))

	q.Enqueue(op("fresh", 0, time.Second))
	q.Enqueue(op("stale", 0, time.Hour))

	var got []string
	q.Drain(context.Background(), func(o model.PendingOp) error {
		got = append(got, o.Event)
		return nil
	})

	if len(got) != 1 || got[0] != "fresh" {
		t.Errorf("replayed %v, want [fresh]", got)
	}
}

func TestCapacityEvictsLowestPriority(t *testing.T) {
	q := New(nil, WithCapacity(3), WithStagger(0))

	q.Enqueue(op("a", 1, 3*time.Second))
	q.Enqueue(op("b", 0, 2*time.Second)) // lowest priority, evicted
	q.Enqueue(op("c", 2, 1*time.Second))

	if !q.Enqueue(op("d", 3, 0)) {
		t.Fatal("higher-priority enqueue rejected on full queue")
	}

	var got []string
	q.Drain(context.Background(), func(o model.PendingOp) error {
		got = append(got, o.Event)
		return nil
	})

	for _, e := range got {
		if e == "b" {
			t.Error("lowest-priority entry survived eviction")
		}
	}
	if len(got) != 3 {
		t.Errorf("replayed %d ops, want 3", len(got))
	}
}

func TestFullQueueRejectsLowestPriorityNewcomer(t *testing.T) {
	q := New(nil, WithCapacity(2), WithStagger(0))

	q.Enqueue(op("a", 5, time.Second))
	q.Enqueue(op("b", 5, time.Second))

	if q.Enqueue(op("c", 1, 0)) {
		t.Error("low-priority newcomer accepted on full queue of higher priority")
	}
	if q.Len() != 2 {
		t.Errorf("queue length %d, want 2", q.Len())
	}
}

func TestFailedTransmitRequeued(t *testing.T) {
	q := New(nil, WithStagger(0))

	q.Enqueue(op("flaky", 0, time.Second))

	calls := 0
	q.Drain(context.Background(), func(model.PendingOp) error {
		calls++
		return errors.New("transport down")
	})

	if calls != 1 {
		t.Fatalf("transmit called %d times, want 1", calls)
	}
	if q.Len() != 1 {
		t.Fatalf("failed op not re-enqueued, queue length %d", q.Len())
	}

	// Retries are capped.
	for i := 0; i < 5; i++ {
		q.Drain(context.Background(), func(model.PendingOp) error {
			return errors.New("still down")
		})
	}
	if q.Len() != 0 {
		t.Errorf("op not abandoned after retry cap, queue length %d", q.Len())
	}
}

func TestDrainHonorsContext(t *testing.T) {
	q := New(nil, WithStagger(50*time.Millisecond))

	q.Enqueue(op("a", 0, time.Second))
	q.Enqueue(op("b", 0, time.Second))
	q.Enqueue(op("c", 0, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	q.Drain(ctx, func(model.PendingOp) error {
		calls++
		cancel()
		return nil
	})

	if calls != 1 {
		t.Errorf("transmit called %d times after cancel, want 1", calls)
	}
	if q.Len() != 2 {
		t.Errorf("remainder not re-enqueued, queue length %d, want 2", q.Len())
	}
}

func TestEnqueueStampsTimestamp(t *testing.T) {
	q := New(nil)
	q.Enqueue(model.PendingOp{Event: "x"})

	var got model.PendingOp
	q.Drain(context.Background(), func(o model.PendingOp) error {
		got = o
		return nil
	})
	if got.Timestamp.IsZero() {
		t.Error("timestamp not stamped on enqueue")
	}
}
