package tasks

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestRegistry_IDsNeverReused(t *testing.T) {
	r := NewRegistry()

	var last int64
	for i := 0; i < 100; i++ {
		id := r.Register("cycle")
		if id <= last {
			t.Fatalf("Register() = %d after %d, want strictly increasing", id, last)
		}
		last = id
		r.Deregister(id)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after deregistering everything", r.Len())
	}
}

func TestRegistry_Attributes(t *testing.T) {
	r := NewRegistry()
	id := r.Register("beep-ticker")

	if err := r.SetAttribute(id, "beep_id", 0); err != nil {
		t.Fatalf("SetAttribute() error = %v", err)
	}
	if err := r.SetAttribute(id, "seq", 3); err != nil {
		t.Fatalf("SetAttribute() error = %v", err)
	}

	list := r.List()
	if len(list) != 1 {
		t.Fatalf("List() len = %d, want 1", len(list))
	}
	rec := list[0]
	if rec.Name != "beep-ticker" || rec.Attribute["seq"] != 3 {
		t.Errorf("record = %+v", rec)
	}
	if s := rec.String(); !strings.Contains(s, "beep_id=0 seq=3") {
		t.Errorf("String() = %q", s)
	}

	// The snapshot must not alias the live record.
	rec.Attribute["seq"] = 99
	if r.List()[0].Attribute["seq"] != 3 {
		t.Error("List() snapshot aliases registry state")
	}
}

func TestRegistry_SetAttributeAfterDeregister(t *testing.T) {
	r := NewRegistry()
	id := r.Register("gone")
	r.Deregister(id)

	err := r.SetAttribute(id, "k", "v")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("SetAttribute() error = %v, want ErrTaskNotFound", err)
	}

	// Double deregistration is harmless.
	r.Deregister(id)
}

func TestRegistry_ListOrdered(t *testing.T) {
	r := NewRegistry()
	a := r.Register("a")
	b := r.Register("b")
	c := r.Register("c")
	r.Deregister(b)

	list := r.List()
	if len(list) != 2 || list[0].ID != a || list[1].ID != c {
		t.Errorf("List() = %+v, want ids %d,%d", list, a, c)
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	ids := make(chan int64, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- r.Register("concurrent")
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
}
