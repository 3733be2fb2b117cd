package syncqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEnqueueRunsTaskToCompletion(t *testing.T) {
	q := New(5, time.Millisecond, 10*time.Millisecond, 3)
	done := make(chan struct{})
	q.Enqueue("doc-1", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	q.Flush()
	if state := q.TaskState("doc-1"); state != TaskCompleted {
		t.Errorf("TaskState = %v, want %v", state, TaskCompleted)
	}
}

func TestEnqueueCoalescesPendingTasks(t *testing.T) {
	q := New(1, time.Millisecond, 10*time.Millisecond, 3)

	block := make(chan struct{})
	var ran []string
	var mu sync.Mutex

	// Occupy the single concurrency slot so the next two enqueues stay pending.
	q.Enqueue("doc-1", func(ctx context.Context) error {
		<-block
		mu.Lock()
		ran = append(ran, "first")
		mu.Unlock()
		return nil
	})

	q.Enqueue("doc-2", func(ctx context.Context) error {
		mu.Lock()
		ran = append(ran, "stale")
		mu.Unlock()
		return nil
	})
	q.Enqueue("doc-2", func(ctx context.Context) error {
		mu.Lock()
		ran = append(ran, "fresh")
		mu.Unlock()
		return nil
	})

	close(block)
	q.Flush()

	mu.Lock()
	defer mu.Unlock()
	for _, r := range ran {
		if r == "stale" {
			t.Error("coalesced (stale) task ran, want it replaced by the fresh one")
		}
	}
}

func TestCancelDropsPendingTask(t *testing.T) {
	q := New(1, time.Millisecond, 10*time.Millisecond, 3)
	block := make(chan struct{})

	q.Enqueue("doc-1", func(ctx context.Context) error {
		<-block
		return nil
	})
	ran := false
	q.Enqueue("doc-2", func(ctx context.Context) error {
		ran = true
		return nil
	})
	q.Cancel("doc-2")
	close(block)
	q.Flush()

	if ran {
		t.Error("cancelled task ran")
	}
	if q.TaskState("doc-2") != TaskNone {
		t.Errorf("TaskState(doc-2) = %v, want %v", q.TaskState("doc-2"), TaskNone)
	}
}

func TestTaskRetriesOnFailureThenFails(t *testing.T) {
	q := New(5, time.Millisecond, 5*time.Millisecond, 2)

	var attempts int
	var mu sync.Mutex
	states := make(chan TaskState, 16)
	q.OnPendingChange("doc-1", func(document string, state TaskState) {
		states <- state
	})

	q.Enqueue("doc-1", func(ctx context.Context) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("boom")
	})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if s == TaskFailed {
				mu.Lock()
				if attempts != 3 { // initial attempt + 2 retries = maxRetries(2)
					t.Errorf("attempts = %d, want 3", attempts)
				}
				mu.Unlock()
				return
			}
		case <-deadline:
			t.Fatal("task never reached TaskFailed")
		}
	}
}

func TestMaxConcurrentBoundsParallelism(t *testing.T) {
	q := New(2, time.Millisecond, 10*time.Millisecond, 3)

	var mu sync.Mutex
	current, peak := 0, 0
	block := make(chan struct{})

	for i := 0; i < 5; i++ {
		doc := []string{"d1", "d2", "d3", "d4", "d5"}[i]
		q.Enqueue(doc, func(ctx context.Context) error {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()
			<-block
			mu.Lock()
			current--
			mu.Unlock()
			return nil
		})
	}

	time.Sleep(50 * time.Millisecond)
	close(block)
	q.Flush()

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestDestroyStopsFurtherWork(t *testing.T) {
	q := New(1, time.Millisecond, 10*time.Millisecond, 3)
	q.Destroy()

	ran := false
	q.Enqueue("doc-1", func(ctx context.Context) error {
		ran = true
		return nil
	})
	time.Sleep(10 * time.Millisecond)
	if ran {
		t.Error("task ran after Destroy")
	}
}
