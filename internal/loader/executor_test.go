package loader

import (
	"sync"
	"testing"
	"time"
)

func TestSerialExecutorPreservesOrder(t *testing.T) {
	e := NewSerialExecutor()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	const n = 200
	for i := 0; i < n; i++ {
		i := i
		e.Execute(func() {
			mu.Lock()
			got = append(got, i)
			last := len(got) == n
			mu.Unlock()
			if last {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not drain")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("position %d ran callback %d", i, v)
		}
	}
}

func TestSerialExecutorNeverOverlaps(t *testing.T) {
	e := NewSerialExecutor()

	var mu sync.Mutex
	running, maxRunning := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go e.Execute(func() {
			defer wg.Done()
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
		})
	}
	wg.Wait()

	if maxRunning != 1 {
		t.Fatalf("expected serial execution, saw %d concurrent callbacks", maxRunning)
	}
}

func TestSerialExecutorRestartsAfterIdle(t *testing.T) {
	e := NewSerialExecutor()
	for i := 0; i < 2; i++ {
		done := make(chan struct{})
		e.Execute(func() { close(done) })
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("round %d did not run", i)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInlineExecutorRunsImmediately(t *testing.T) {
	ran := false
	InlineExecutor{}.Execute(func() { ran = true })
	if !ran {
		t.Fatal("inline executor should run the callback before returning")
	}
}
