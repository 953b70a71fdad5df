package alloc

import (
	"bytes"
	"math/rand"
	"sort"
	"testing"
)

func mustValidate(t testing.TB, h *Heap) {
	t.Helper()
	if err := h.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Basic allocation
// ---------------------------------------------------------------------------

func TestNewHeapIsValid(t *testing.T) {
	h := New(4096)
	mustValidate(t, h)
	st := h.Stats()
	if st.Chunks != 0 || st.FreeChunks != 0 {
		t.Errorf("fresh heap stats = %+v", st)
	}
	if st.Wilderness != 4096-HeapStart {
		t.Errorf("Wilderness = %d, want %d", st.Wilderness, 4096-HeapStart)
	}
}

func TestAllocSizes(t *testing.T) {
	h := New(4096)
	for _, n := range []uint32{0, 1, 11, 12, 13, 100, 300} {
		p := h.Alloc(n)
		if p == 0 {
			t.Fatalf("Alloc(%d) failed", n)
		}
		if got := h.UsableSize(p); got < n {
			t.Errorf("UsableSize(Alloc(%d)) = %d", n, got)
		}
		mustValidate(t, h)
	}
}

func TestAllocExhaustion(t *testing.T) {
	h := New(HeapStart + 64)
	if p := h.Alloc(100); p != 0 {
		t.Fatalf("Alloc(100) in 64-byte heap = %#x, want 0", p)
	}
	p := h.Alloc(60)
	if p == 0 {
		t.Fatal("Alloc(60) failed")
	}
	if q := h.Alloc(1); q != 0 {
		t.Fatalf("Alloc after exhaustion = %#x, want 0", q)
	}
	h.Free(p)
	mustValidate(t, h)
	if q := h.Alloc(60); q != p {
		t.Fatalf("Alloc after free = %#x, want %#x", q, p)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	h := New(4096)
	p := h.Alloc(32)
	h.Alloc(32)
	h.Free(p)
	defer func() {
		if recover() == nil {
			t.Fatal("double free did not panic")
		}
	}()
	h.Free(p)
}

// ---------------------------------------------------------------------------
// Reuse and coalescing
// ---------------------------------------------------------------------------

func TestFreedMemoryIsReused(t *testing.T) {
	h := New(4096)
	a := h.Alloc(40)
	h.Alloc(40) // keeps a away from the wilderness
	wild := h.Stats().Wilderness

	h.Free(a)
	mustValidate(t, h)
	if c := h.Alloc(40); c != a {
		t.Errorf("same-size Alloc = %#x, want reuse of %#x", c, a)
	}
	h.Free(a)
	if d := h.Alloc(24); d != a {
		t.Errorf("smaller Alloc = %#x, want reuse of %#x", d, a)
	}
	mustValidate(t, h)
	if got := h.Stats().Wilderness; got != wild {
		t.Errorf("wilderness shrank from %d to %d", wild, got)
	}
}

func TestLargeChunkReuse(t *testing.T) {
	h := New(8192)
	a := h.Alloc(1000)
	h.Alloc(8)
	h.Free(a)
	mustValidate(t, h)
	if b := h.Alloc(500); b != a {
		t.Errorf("Alloc(500) = %#x, want split of %#x", b, a)
	}
	mustValidate(t, h)
	if st := h.Stats(); st.FreeChunks != 1 {
		t.Errorf("FreeChunks = %d, want split remainder", st.FreeChunks)
	}
}

func TestFreeCoalesces(t *testing.T) {
	h := New(4096)
	a := h.Alloc(32)
	b := h.Alloc(32)
	c := h.Alloc(32)
	h.Alloc(32)

	h.Free(a)
	h.Free(c)
	h.Free(b)
	mustValidate(t, h)
	st := h.Stats()
	if st.FreeChunks != 1 {
		t.Fatalf("FreeChunks = %d, want 1 after merging neighbours", st.FreeChunks)
	}
	if got := h.Alloc(100); got != a {
		t.Errorf("Alloc into merged chunk = %#x, want %#x", got, a)
	}
}

func TestFreeReturnsToWilderness(t *testing.T) {
	h := New(4096)
	a := h.Alloc(32)
	b := h.Alloc(32)
	h.Free(b)
	h.Free(a)
	mustValidate(t, h)
	if st := h.Stats(); st.Wilderness != 4096-HeapStart || st.FreeChunks != 0 {
		t.Errorf("stats after freeing everything = %+v", st)
	}
}

// ---------------------------------------------------------------------------
// Realloc
// ---------------------------------------------------------------------------

func TestReallocGrowsIntoWilderness(t *testing.T) {
	h := New(4096)
	p := h.Alloc(16)
	copy(h.Slice(p, 0, 16), "0123456789abcdef")
	q := h.Realloc(p, 200)
	if q != p {
		t.Fatalf("Realloc = %#x, want in-place %#x", q, p)
	}
	if got := string(h.Slice(q, 0, 16)); got != "0123456789abcdef" {
		t.Errorf("contents = %q", got)
	}
	mustValidate(t, h)
}

func TestReallocGrowsIntoFreeNeighbour(t *testing.T) {
	h := New(4096)
	p := h.Alloc(16)
	n := h.Alloc(64)
	h.Alloc(16)
	h.Free(n)
	if q := h.Realloc(p, 48); q != p {
		t.Fatalf("Realloc = %#x, want in-place %#x", q, p)
	}
	mustValidate(t, h)
}

func TestReallocMoves(t *testing.T) {
	h := New(4096)
	p := h.Alloc(16)
	h.Alloc(16)
	copy(h.Slice(p, 0, 4), "abcd")
	q := h.Realloc(p, 100)
	if q == 0 || q == p {
		t.Fatalf("Realloc = %#x, want a new block", q)
	}
	if got := string(h.Slice(q, 0, 4)); got != "abcd" {
		t.Errorf("contents = %q", got)
	}
	mustValidate(t, h)
}

func TestReallocShrinks(t *testing.T) {
	h := New(4096)
	p := h.Alloc(200)
	h.Alloc(8)
	if q := h.Realloc(p, 20); q != p {
		t.Fatalf("shrinking Realloc moved %#x to %#x", p, q)
	}
	mustValidate(t, h)
	if st := h.Stats(); st.FreeChunks != 1 {
		t.Errorf("FreeChunks = %d, want released tail", st.FreeChunks)
	}
}

func TestReallocFailureKeepsBlock(t *testing.T) {
	h := New(HeapStart + 128)
	p := h.Alloc(32)
	h.Alloc(32)
	copy(h.Slice(p, 0, 3), "xyz")
	if q := h.Realloc(p, 500); q != 0 {
		t.Fatalf("Realloc beyond arena = %#x, want 0", q)
	}
	if got := string(h.Slice(p, 0, 3)); got != "xyz" {
		t.Errorf("contents after failed Realloc = %q", got)
	}
	mustValidate(t, h)
}

// ---------------------------------------------------------------------------
// Attach / Validate
// ---------------------------------------------------------------------------

func TestAttachCopy(t *testing.T) {
	h := New(2048)
	p := h.Alloc(10)
	copy(h.Slice(p, 0, 5), "hello")
	h.SetRoot(3, uint32(p))

	mem := bytes.Clone(h.Bytes())
	h2, err := Attach(mem)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	mustValidate(t, h2)
	q := Ptr(h2.Root(3))
	if got := string(h2.Slice(q, 0, 5)); got != "hello" {
		t.Errorf("attached contents = %q", got)
	}
}

func TestAllocations(t *testing.T) {
	h := New(4096)
	a := h.Alloc(10)
	b := h.Alloc(100)
	c := h.Alloc(30)
	h.Free(b)

	var got []Ptr
	h.Allocations(func(p Ptr, n uint32) {
		if n != h.UsableSize(p) {
			t.Errorf("Allocations(%#x) size = %d, want %d", p, n, h.UsableSize(p))
		}
		got = append(got, p)
	})
	if len(got) != 2 || got[0] != a || got[1] != c {
		t.Errorf("Allocations = %v, want [%#x %#x]", got, a, c)
	}
}

func TestAttachRejects(t *testing.T) {
	if _, err := Attach(make([]byte, 100)); err != ErrBadArena {
		t.Errorf("short arena: err = %v", err)
	}
	if _, err := Attach(make([]byte, 4096)); err != ErrBadArena {
		t.Errorf("zero arena: err = %v", err)
	}
	mem := New(4096).Bytes()
	if _, err := Attach(mem[:2048]); err != ErrBadArena {
		t.Errorf("truncated arena: err = %v", err)
	}
}

func TestValidateDetectsCorruption(t *testing.T) {
	h := New(4096)
	a := h.Alloc(40)
	h.Alloc(40)
	h.Free(a)
	mustValidate(t, h)

	// Break the free chunk's footer.
	c := uint32(a) - headerSize
	size := h.chunkSize(c)
	h.setU32(c+size-headerSize, size+8)
	if err := h.Validate(); err == nil {
		t.Error("Validate accepted a bad footer")
	}
	h.setU32(c+size-headerSize, size)

	// Clear the bitmap bit of its bin.
	h.setU32(offBitmap, 0)
	if err := h.Validate(); err == nil {
		t.Error("Validate accepted a stale bitmap")
	}
}

func TestValidateGarbageDoesNotPanic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		mem := bytes.Clone(New(1024).Bytes())
		for j := 0; j < 8; j++ {
			off := rng.Intn(len(mem))
			mem[off] = byte(rng.Intn(256))
		}
		h := &Heap{mem: mem}
		_ = h.Validate()
	}
}

// ---------------------------------------------------------------------------
// Randomized soundness
// ---------------------------------------------------------------------------

type block struct {
	n   uint32
	tag byte
}

// exercise runs a sequence of operations decoded from ops against h,
// checking after every step that live blocks keep their contents, never
// overlap, and that the heap validates.
func exercise(t testing.TB, h *Heap, ops []byte) {
	live := map[Ptr]block{}
	var order []Ptr
	fill := func(p Ptr, b block) {
		s := h.Slice(p, 0, b.n)
		for i := range s {
			s[i] = b.tag
		}
	}
	pick := func(sel byte) (Ptr, int) {
		i := int(sel) % len(order)
		return order[i], i
	}
	remove := func(i int) {
		order[i] = order[len(order)-1]
		order = order[:len(order)-1]
	}

	for k := 0; k+2 < len(ops); k += 3 {
		op, a, b := ops[k], ops[k+1], ops[k+2]
		size := uint32(a)<<2 | uint32(b&3)
		switch {
		case op%4 < 2 || len(order) == 0:
			p := h.Alloc(size)
			if p == 0 {
				break
			}
			if h.UsableSize(p) < size {
				t.Fatalf("Alloc(%d) usable size %d", size, h.UsableSize(p))
			}
			blk := block{n: size, tag: byte(k)}
			live[p] = blk
			order = append(order, p)
			fill(p, blk)
		case op%4 == 2:
			p, i := pick(b)
			h.Free(p)
			delete(live, p)
			remove(i)
		default:
			p, i := pick(b)
			old := live[p]
			nsize := uint32(a)<<2 | 1
			q := h.Realloc(p, nsize)
			if q == 0 {
				break
			}
			keep := old.n
			if nsize < keep {
				keep = nsize
			}
			if !bytes.Equal(h.Slice(q, 0, keep), bytes.Repeat([]byte{old.tag}, int(keep))) {
				t.Fatalf("Realloc lost contents of %#x", p)
			}
			delete(live, p)
			blk := block{n: nsize, tag: old.tag}
			live[q] = blk
			order[i] = q
			fill(q, blk)
		}

		if err := h.Validate(); err != nil {
			t.Fatalf("step %d: %v", k/3, err)
		}
		checkLive(t, h, live)
	}
}

func checkLive(t testing.TB, h *Heap, live map[Ptr]block) {
	t.Helper()
	ptrs := make([]Ptr, 0, len(live))
	for p, b := range live {
		ptrs = append(ptrs, p)
		for _, c := range h.Slice(p, 0, b.n) {
			if c != b.tag {
				t.Fatalf("block %#x was overwritten", p)
			}
		}
	}
	sort.Slice(ptrs, func(i, j int) bool { return ptrs[i] < ptrs[j] })
	for i := 1; i < len(ptrs); i++ {
		prev := ptrs[i-1]
		if uint32(prev)+live[prev].n > uint32(ptrs[i]) {
			t.Fatalf("blocks %#x and %#x overlap", prev, ptrs[i])
		}
	}
}

func TestRandomizedSoundness(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		ops := make([]byte, 3*300)
		rng.Read(ops)
		exercise(t, New(4096+trial*256), ops)
	}
}

func FuzzHeap(f *testing.F) {
	f.Add([]byte{0, 10, 0, 0, 20, 1, 2, 0, 0, 3, 40, 0})
	f.Add(bytes.Repeat([]byte{0, 70, 3}, 20))
	f.Fuzz(func(t *testing.T, ops []byte) {
		exercise(t, New(8192), ops)
	})
}
