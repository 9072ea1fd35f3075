package ringbuf

import (
	"reflect"
	"sync"
	"testing"
)

func TestRing_LatestNewestFirst(t *testing.T) {
	r := New[int](4)
	for i := 1; i <= 3; i++ {
		r.Push(i)
	}

	if r.Len() != 3 {
		t.Fatalf("expected len=3, got %d", r.Len())
	}
	if got := r.Latest(0, nil); !reflect.DeepEqual(got, []int{3, 2, 1}) {
		t.Fatalf("Latest = %v", got)
	}
	if got := r.Latest(2, nil); !reflect.DeepEqual(got, []int{3, 2}) {
		t.Fatalf("Latest(2) = %v", got)
	}
}

func TestRing_Overwrite(t *testing.T) {
	r := New[int](2)
	r.Push(1)
	r.Push(2)
	r.Push(3)

	if got := r.Latest(0, nil); !reflect.DeepEqual(got, []int{3, 2}) {
		t.Fatalf("Latest = %v, want [3 2]", got)
	}
	if r.Overwritten() != 1 {
		t.Fatalf("expected overwritten=1, got %d", r.Overwritten())
	}
	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}
}

func TestRing_Filter(t *testing.T) {
	r := New[int](8)
	for i := 1; i <= 8; i++ {
		r.Push(i)
	}
	even := func(v int) bool { return v%2 == 0 }
	if got := r.Latest(3, even); !reflect.DeepEqual(got, []int{8, 6, 4}) {
		t.Fatalf("Latest(3, even) = %v", got)
	}
}

func TestRing_Empty(t *testing.T) {
	r := New[string](4)
	if got := r.Latest(10, nil); len(got) != 0 {
		t.Fatalf("Latest on empty ring = %v", got)
	}
}

func TestNextPow2(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {1000, 1024},
	}
	for _, tt := range tests {
		if got := nextPow2(tt.in); got != tt.want {
			t.Errorf("nextPow2(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if New[int](3).Cap() != 4 {
		t.Error("capacity not rounded up")
	}
}

func TestRing_ConcurrentReaders(t *testing.T) {
	r := New[int](64)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 10000; i++ {
			r.Push(i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if got := r.Latest(8, nil); len(got) > 8 {
				t.Errorf("Latest returned %d values", len(got))
				return
			}
		}
	}()
	wg.Wait()
	if r.Len() != 64 {
		t.Errorf("len = %d, want 64", r.Len())
	}
}
