package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/vinayprograms/resultkit/results"
)

func TestCache_SetGet(t *testing.T) {
	c := New()

	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss for unknown task")
	}

	rec := results.NewRecord("t1", results.StatusStarted, nil)
	c.Set("t1", rec)

	got, ok := c.Get("t1")
	if !ok || !got.Equal(rec) {
		t.Fatalf("Get = %+v, %v", got, ok)
	}

	// Last write wins.
	c.Set("t1", results.NewRecord("t1", results.StatusSuccess, "done"))
	got, _ = c.Get("t1")
	if got.Status != results.StatusSuccess {
		t.Errorf("Status = %s, want SUCCESS", got.Status)
	}
}

func TestCache_Isolation(t *testing.T) {
	c := New()
	rec := results.NewRecord("t1", results.StatusSuccess, "ok")
	rec.Children = []string{"c1"}
	c.Set("t1", rec)

	rec.Children[0] = "mutated"
	got, _ := c.Get("t1")
	if got.Children[0] != "c1" {
		t.Error("Set should store a copy")
	}

	got.Children[0] = "mutated"
	again, _ := c.Get("t1")
	if again.Children[0] != "c1" {
		t.Error("Get should return a copy")
	}
}

func TestCache_GetReady(t *testing.T) {
	c := New()
	c.Set("started", results.NewRecord("started", results.StatusStarted, nil))
	c.Set("done", results.NewRecord("done", results.StatusSuccess, 1))

	if _, ok := c.GetReady("started"); ok {
		t.Error("STARTED should not be served as ready")
	}
	if _, ok := c.GetReady("done"); !ok {
		t.Error("SUCCESS should be served as ready")
	}
	if _, ok := c.GetReady("missing"); ok {
		t.Error("missing entries are never ready")
	}
}

func TestCache_DeleteClearLen(t *testing.T) {
	c := New()
	c.Set("a", results.Pending("a"))
	c.Set("b", results.Pending("b"))
	c.Set("nil", nil)

	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("a should be deleted")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len after Clear = %d", c.Len())
	}
}

func TestCache_Concurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("t%d", i%5)
			c.Set(id, results.NewRecord(id, results.StatusSuccess, i))
			c.Get(id)
		}(i)
	}
	wg.Wait()
	if c.Len() != 5 {
		t.Errorf("Len = %d, want 5", c.Len())
	}
}
