package ring

import "testing"

func TestSizeAndMarkInvariant(t *testing.T) {
	// One 16-byte row per chunk, so the effective capacity is exactly 10.
	r := New[float32](4, 16)
	const capacity = 10
	r.Resize(capacity)

	for n := uint64(1); n <= 29; n++ {
		row := r.Push()
		row[0] = float32(n - 1)

		wantSize := n
		if wantSize > capacity {
			wantSize = capacity
		}
		if got := r.Size(); got != wantSize {
			t.Fatalf("after %d pushes: Size() = %d, want %d", n, got, wantSize)
		}
		if got := r.Mark(); got != n%capacity {
			t.Fatalf("after %d pushes: Mark() = %d, want %d", n, got, n%capacity)
		}
	}
}

// S4 — Ring wrap correctness.
func TestRingWrapCorrectness(t *testing.T) {
	// One 16-byte row per chunk, so the effective capacity is exactly 10
	// and 30 pushes wrap the ring twice.
	r := New[float32](4, 16)
	r.Resize(10)

	for k := uint64(0); k < 30; k++ {
		row := r.Push()
		row[0] = float32(k)
	}

	for k := uint64(20); k < 30; k++ {
		row := r.At(k)
		if row[0] != float32(k) {
			t.Errorf("At(%d)[0] = %v, want %v", k, row[0], k)
		}
	}
}

func TestReservationDirtyOnOverlap(t *testing.T) {
	// One 8-byte row per chunk, so the effective capacity is exactly 5.
	r := New[float32](2, 8)
	r.Resize(5)

	for i := 0; i < 5; i++ {
		r.Push()
	}

	h := r.Reserve(0, 3)
	if r.IsDirty(h) {
		t.Fatal("freshly created reservation should not be dirty")
	}

	// Pushing one more row overwrites absolute index 0 (produced=5,
	// capacity=5, overwritten = produced-capacity = 0), which falls
	// inside [0,3).
	r.Push()
	if !r.IsDirty(h) {
		t.Fatal("expected reservation covering overwritten row to be dirty")
	}
}

func TestReservationNotDirtyOutsideRange(t *testing.T) {
	// One 8-byte row per chunk, so the effective capacity is exactly 5.
	r := New[float32](2, 8)
	r.Resize(5)
	for i := 0; i < 5; i++ {
		r.Push()
	}

	h := r.Reserve(3, 5)
	r.Push() // overwrites absolute index 0, outside [3,5)
	if r.IsDirty(h) {
		t.Fatal("reservation outside the overwritten row should stay clean")
	}
}

func TestFreeReservationInvalidHandle(t *testing.T) {
	r := New[float32](2, DefaultChunkSizeLimit)
	r.Resize(5)
	if r.FreeReservation(Handle(9999)) {
		t.Fatal("expected FreeReservation on bogus handle to return false")
	}
}

func TestFreeReservationDoubleFree(t *testing.T) {
	r := New[float32](2, DefaultChunkSizeLimit)
	r.Resize(5)
	h := r.Reserve(0, 1)
	if !r.FreeReservation(h) {
		t.Fatal("expected first free to succeed")
	}
	if r.FreeReservation(h) {
		t.Fatal("expected double free to return false")
	}
}

// S5 — Reservation freelist: repeated reserve/free cycles must reuse
// freelist slots rather than growing the reservation table without
// bound.
func TestReservationFreelistBounded(t *testing.T) {
	r := New[float32](2, DefaultChunkSizeLimit)
	r.Resize(5)

	for i := 0; i < 1000; i++ {
		h := r.Reserve(0, 1)
		if !r.FreeReservation(h) {
			t.Fatalf("iteration %d: free failed", i)
		}
	}
	if got := len(r.reservations); got > 1 {
		t.Fatalf("reservation table grew to %d entries, want a single reused slot", got)
	}
}

func TestSizeFrom(t *testing.T) {
	r := New[float32](1, DefaultChunkSizeLimit)
	r.Resize(4)
	for i := 0; i < 6; i++ {
		r.Push()
	}
	if got := r.SizeFrom(2); got != 4 {
		t.Fatalf("SizeFrom(2) = %d, want 4", got)
	}
	if got := r.SizeFrom(6); got != 0 {
		t.Fatalf("SizeFrom(6) = %d, want 0", got)
	}
}

func TestResizeRoundsCapacityUpToChunkMultiple(t *testing.T) {
	// width=4 float32 rows = 16 bytes/row; force a tiny chunk limit so
	// rowsPerChunk becomes small and capacity rounding is observable.
	r := New[float32](4, 48) // 3 rows per chunk
	r.Resize(7)
	if r.Capacity()%3 != 0 {
		t.Fatalf("capacity %d is not a multiple of rowsPerChunk", r.Capacity())
	}
	if r.Capacity() < 7 {
		t.Fatalf("capacity %d is less than requested 7", r.Capacity())
	}
}
