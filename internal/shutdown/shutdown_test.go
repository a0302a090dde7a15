package shutdown

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestManager_ShutdownOnce(t *testing.T) {
	m := NewManager()

	var calls atomic.Int32
	m.AddCleanup(func(reason string) {
		calls.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Shutdown("test")
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("cleanup called %d times, expected 1", n)
	}
}

func TestManager_CleanupOrderAndTerminate(t *testing.T) {
	m := NewManager()

	var order []string
	m.AddCleanup(func(reason string) { order = append(order, "unsubscribe") })
	m.AddCleanup(func(reason string) { order = append(order, "sign-out") })
	m.SetTerminate(func() { order = append(order, "terminate") })

	m.Shutdown("exit")

	want := []string{"unsubscribe", "sign-out", "terminate"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestManager_ReasonAndDone(t *testing.T) {
	m := NewManager()
	if m.Reason() != "" {
		t.Errorf("Reason() = %q before shutdown", m.Reason())
	}

	select {
	case <-m.Done():
		t.Fatal("Done() closed before shutdown")
	default:
	}

	var got atomic.Value
	m.AddCleanup(func(reason string) { got.Store(reason) })
	go m.Shutdown("signal:terminated")

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after shutdown")
	}
	if m.Reason() != "signal:terminated" || got.Load() != "signal:terminated" {
		t.Errorf("Reason() = %q, cleanup saw %v", m.Reason(), got.Load())
	}
}
