package scene

import (
	"sync"
	"testing"
)

func TestAppendAssignsOrderedIDs(t *testing.T) {
	s := NewStore()

	var ids []string
	for i, narrative := range []string{"once", "upon", "a time"} {
		sc, err := s.Append("ref-"+narrative, narrative)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if sc.Index != i+1 {
			t.Errorf("Index = %d, want %d", sc.Index, i+1)
		}
		ids = append(ids, sc.ID)
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("ids not monotonic: %q <= %q", ids[i], ids[i-1])
		}
	}

	latest, ok := s.Latest()
	if !ok || latest.Narrative != "a time" {
		t.Errorf("Latest() = %+v, %v", latest, ok)
	}
}

func TestListIsACopy(t *testing.T) {
	s := NewStore()
	s.Append("r", "fox")

	list := s.List()
	list[0].Narrative = "changed"

	if got := s.List()[0].Narrative; got != "fox" {
		t.Errorf("store mutated through List(): %q", got)
	}
}

func TestClearAndLoad(t *testing.T) {
	s := NewStore()
	s.Append("r1", "one")
	s.Append("r2", "two")

	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("Len() = %d after Clear", s.Len())
	}
	if _, ok := s.Latest(); ok {
		t.Error("Latest() on empty store should report false")
	}

	s.Load([]Scene{{ID: "a", Index: 1, Narrative: "restored"}})
	sc, _ := s.Append("r3", "next")
	if sc.Index != 2 {
		t.Errorf("Index after Load = %d, want 2", sc.Index)
	}
}

func TestConcurrentReaders(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = s.List()
				_, _ = s.Latest()
			}
		}()
	}
	for j := 0; j < 100; j++ {
		s.Append("r", "n")
	}
	wg.Wait()
	if s.Len() != 100 {
		t.Errorf("Len() = %d, want 100", s.Len())
	}
}
