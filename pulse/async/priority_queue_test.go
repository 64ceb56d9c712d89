package async

import (
	"context"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Session Desk Test Universe
// ============================================================================
//
// Characters:
//   - Mira: Mastering engineer who books work on the session desk
//   - Otto: Tape op who pulls the next job off the desk
//
// Theme: Mira books jobs with different urgencies, Otto always takes the
// most urgent one first and never takes the same job twice.
// ============================================================================

func TestOttoPopsStrictlyByPriority(t *testing.T) {
	t.Log("🎚️ Mira books five jobs with priorities [2,0,4,0,1]...")

	pq := NewPriorityQueue()
	booked := []struct {
		id string
		p  Priority
	}{
		{"a", PriorityNormal},
		{"b", PriorityCritical},
		{"c", PriorityBulk},
		{"d", PriorityCritical},
		{"e", PriorityHigh},
	}
	for _, b := range booked {
		if !pq.Push(b.id, b.p) {
			t.Fatalf("Push(%s) refused", b.id)
		}
	}

	want := []string{"b", "d", "e", "a", "c"}
	for i, id := range want {
		got, _, ok := pq.Pop()
		if !ok {
			t.Fatalf("Otto found the desk empty at pop %d", i)
		}
		if got != id {
			t.Errorf("pop %d: got %s, expected %s", i, got, id)
		}
	}

	if _, _, ok := pq.Pop(); ok {
		t.Error("Expected empty desk after five pops")
	}
	t.Log("✓ Otto took critical first, FIFO within the class")
}

func TestMiraCannotDoubleBook(t *testing.T) {
	pq := NewPriorityQueue()

	if !pq.Push("job_1", PriorityNormal) {
		t.Fatal("first push refused")
	}
	if pq.Push("job_1", PriorityCritical) {
		t.Error("duplicate push should be ignored")
	}
	if pq.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", pq.Len())
	}

	depths := pq.Depths()
	if depths[PriorityNormal] != 1 || depths[PriorityCritical] != 0 {
		t.Errorf("duplicate push changed class depths: %v", depths)
	}

	id, _, _ := pq.Pop()
	if !pq.Push(id, PriorityNormal) {
		t.Error("re-push after pop should be accepted")
	}
}

func TestMiraRemovesCancelledBooking(t *testing.T) {
	pq := NewPriorityQueue()
	pq.Push("keep", PriorityLow)
	pq.Push("drop", PriorityHigh)

	if !pq.Remove("drop") {
		t.Fatal("Remove(drop) returned false")
	}
	if pq.Remove("drop") {
		t.Error("second Remove should report false")
	}
	if pq.Contains("drop") {
		t.Error("removed id still present")
	}

	id, _, ok := pq.Pop()
	if !ok || id != "keep" {
		t.Errorf("Expected keep, got %q (ok=%v)", id, ok)
	}
}

func TestOttoWaitsForWork(t *testing.T) {
	pq := NewPriorityQueue()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- pq.Wait(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	pq.Push("late", PriorityNormal)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake on Push")
	}
}

func TestOttoStopsWaitingOnCancel(t *testing.T) {
	pq := NewPriorityQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := pq.Wait(ctx); err == nil {
		t.Error("Expected context error from Wait")
	}
}

func TestConcurrentPopsNeverShareAJob(t *testing.T) {
	pq := NewPriorityQueue()
	const n = 200
	for i := 0; i < n; i++ {
		pq.Push(NewJobID(), Priority(i%NumPriorities))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, _, ok := pq.Pop()
				if !ok {
					return
				}
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("Expected %d distinct ids, got %d", n, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("%s popped %d times", id, count)
		}
	}
}
