// Package alloc manages a single fixed-size byte arena as a chunk heap.
//
// All references handed out by the heap are arena-relative offsets (Ptr),
// so the arena can be copied, saved and restored verbatim without any
// pointer fixup. The allocator metadata (bin heads, bitmap, wilderness
// bound and a small table of root words for the embedding runtime) lives
// at the start of the arena itself.
//
// Chunk layout:
//
//	in use: [size|flags][payload ...............]
//	free:   [size|flags][next][prev][ ...... ][size]
//
// The header word holds the chunk size (a multiple of 8, header included)
// and two flags: the previous physical chunk is in use, and this chunk is
// in use. Free chunks repeat their size in a trailing footer so a chunk
// being freed can find a free predecessor. Free chunks are kept in
// circular doubly linked bins: one exact-fit bin per 8-byte size class
// below smallLimit, and one unsorted bin for everything larger. The tail
// of the arena that has never been carved (the wilderness) has no header;
// its start is tracked in the metadata.
package alloc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

// Ptr is an arena-relative offset of an allocation's payload. Zero is the
// null pointer.
type Ptr uint32

const (
	// Granularity is the chunk size alignment.
	Granularity = 8

	// MinChunk is the smallest chunk: header, two links and a footer.
	MinChunk = 16

	// NumRoots is the number of root words available to the embedder.
	NumRoots = 16

	headerSize = 4

	flagPrevInUse = 1
	flagInUse     = 2
	sizeMask      = ^uint32(Granularity - 1)

	numSmallBins = 32
	largeBin     = numSmallBins
	smallLimit   = MinChunk + numSmallBins*Granularity // 272

	magic = 0x50524853 // "SHRP"
)

// Metadata offsets inside the arena.
const (
	offMagic     = 0
	offSize      = 4
	offWild      = 8
	offWildPrev  = 12
	offBitmap    = 16
	offRoots     = 20
	offBins      = offRoots + NumRoots*4
	binStride    = 12
	numBins      = numSmallBins + 1
	metadataSize = offBins + numBins*binStride

	// HeapStart is the offset of the first chunk.
	HeapStart = (metadataSize + Granularity - 1) &^ (Granularity - 1)
)

// ErrBadArena is returned when attaching to memory that does not hold a
// heap of the same size.
var ErrBadArena = errors.New("alloc: not a heap arena")

// Heap is a chunk allocator over one byte arena.
type Heap struct {
	mem []byte
}

// New creates a heap over a fresh arena of the given size, rounded down to
// the granularity. Arenas must stay below 4 GiB.
func New(size int) *Heap {
	size &^= Granularity - 1
	if size < HeapStart+MinChunk {
		size = HeapStart + MinChunk
	}
	h := &Heap{mem: make([]byte, size)}
	h.setU32(offMagic, magic)
	h.setU32(offSize, uint32(size))
	h.setU32(offWild, HeapStart)
	h.setU32(offWildPrev, 1)
	for i := 0; i < numBins; i++ {
		s := binAt(i)
		h.setNext(s, s)
		h.setPrev(s, s)
	}
	return h
}

// Attach wraps an existing arena, such as one read back from a snapshot.
// Only the identifying metadata is checked; callers that do not trust the
// bytes should run Validate.
func Attach(mem []byte) (*Heap, error) {
	if len(mem) < HeapStart+MinChunk || len(mem)%Granularity != 0 {
		return nil, ErrBadArena
	}
	h := &Heap{mem: mem}
	if h.u32(offMagic) != magic || h.u32(offSize) != uint32(len(mem)) {
		return nil, ErrBadArena
	}
	return h, nil
}

// Bytes returns the arena. The slice aliases the heap.
func (h *Heap) Bytes() []byte { return h.mem }

// Size returns the arena size in bytes.
func (h *Heap) Size() int { return len(h.mem) }

// Root returns root word i.
func (h *Heap) Root(i int) uint32 { return h.u32(uint32(offRoots + 4*i)) }

// SetRoot sets root word i.
func (h *Heap) SetRoot(i int, v uint32) { h.setU32(uint32(offRoots+4*i), v) }

// ---------------------------------------------------------------------------
// Payload accessors
// ---------------------------------------------------------------------------

// U32 reads a little-endian word at p+off.
func (h *Heap) U32(p Ptr, off uint32) uint32 { return h.u32(uint32(p) + off) }

// SetU32 writes a little-endian word at p+off.
func (h *Heap) SetU32(p Ptr, off, v uint32) { h.setU32(uint32(p)+off, v) }

// U8 reads the byte at p+off.
func (h *Heap) U8(p Ptr, off uint32) byte { return h.mem[uint32(p)+off] }

// SetU8 writes the byte at p+off.
func (h *Heap) SetU8(p Ptr, off uint32, v byte) { h.mem[uint32(p)+off] = v }

// Slice returns n bytes starting at p+off. The slice aliases the arena and
// is invalidated by nothing except the allocation being freed.
func (h *Heap) Slice(p Ptr, off, n uint32) []byte {
	start := uint32(p) + off
	return h.mem[start : start+n : start+n]
}

// UsableSize returns the number of payload bytes available at p.
func (h *Heap) UsableSize(p Ptr) uint32 {
	return h.chunkSize(uint32(p)-headerSize) - headerSize
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Alloc returns n bytes of uninitialised memory, or 0 if the arena cannot
// satisfy the request. The arena never grows.
func (h *Heap) Alloc(n uint32) Ptr {
	need, ok := request(n)
	if !ok {
		return 0
	}

	if need < smallLimit {
		idx := smallIndex(need)
		s := binAt(idx)
		if c := h.next(s); c != s {
			h.unlink(c)
			return h.use(c, need)
		}
		// Lowest nonempty larger small bin.
		mask := uint64(h.u32(offBitmap)) &^ (uint64(1)<<(idx+1) - 1)
		if mask != 0 {
			i := bits.TrailingZeros64(mask)
			c := h.next(binAt(i))
			h.unlink(c)
			return h.use(c, need)
		}
	}

	// Best fit over the large list.
	s := binAt(largeBin)
	best, bestSize := uint32(0), uint32(0)
	for c := h.next(s); c != s; c = h.next(c) {
		cs := h.chunkSize(c)
		if cs >= need && (best == 0 || cs < bestSize) {
			best, bestSize = c, cs
			if cs == need {
				break
			}
		}
	}
	if best != 0 {
		h.unlink(best)
		return h.use(best, need)
	}

	return h.carve(need)
}

// Free releases the allocation at p. Freeing 0 is a no-op; freeing memory
// that is not in use panics.
func (h *Heap) Free(p Ptr) {
	if p == 0 {
		return
	}
	c := uint32(p) - headerSize
	hdr := h.u32(c)
	if hdr&flagInUse == 0 {
		panic(fmt.Sprintf("alloc: free of unallocated pointer %#x", uint32(p)))
	}
	size := hdr & sizeMask

	if hdr&flagPrevInUse == 0 {
		prevSize := h.u32(c - headerSize)
		c -= prevSize
		h.unlink(c)
		size += prevSize
	}

	next := c + size
	if next == h.wild() {
		h.setU32(offWild, c)
		h.setU32(offWildPrev, 1)
		return
	}
	nhdr := h.u32(next)
	if nhdr&flagInUse == 0 {
		h.unlink(next)
		size += nhdr & sizeMask
	} else {
		h.setU32(next, nhdr&^flagPrevInUse)
	}
	h.makeFree(c, size)
}

// Realloc resizes the allocation at p to n bytes, preserving its contents
// up to the smaller of the two sizes. It grows in place when the chunk is
// followed by the wilderness or by a large enough free chunk. On failure
// it returns 0 and leaves p untouched. Realloc(0, n) is Alloc(n) and
// Realloc(p, 0) frees p.
func (h *Heap) Realloc(p Ptr, n uint32) Ptr {
	if p == 0 {
		return h.Alloc(n)
	}
	if n == 0 {
		h.Free(p)
		return 0
	}
	need, ok := request(n)
	if !ok {
		return 0
	}
	c := uint32(p) - headerSize
	hdr := h.u32(c)
	size := hdr & sizeMask

	if need <= size {
		if size-need >= MinChunk {
			h.setU32(c, need|hdr&(flagPrevInUse|flagInUse))
			tail := c + need
			h.setU32(tail, (size-need)|flagInUse|flagPrevInUse)
			h.Free(Ptr(tail + headerSize))
		}
		return p
	}

	next := c + size
	if next == h.wild() {
		if uint64(c)+uint64(need) <= uint64(len(h.mem)) {
			h.setU32(c, need|hdr&(flagPrevInUse|flagInUse))
			h.setU32(offWild, c+need)
			h.setU32(offWildPrev, 1)
			return p
		}
	} else if nhdr := h.u32(next); nhdr&flagInUse == 0 && size+nhdr&sizeMask >= need {
		h.unlink(next)
		total := size + nhdr&sizeMask
		h.setU32(c, total|hdr&(flagPrevInUse|flagInUse))
		h.split(c, need)
		return p
	}

	q := h.Alloc(n)
	if q == 0 {
		return 0
	}
	copy(h.mem[uint32(q):uint32(q)+size-headerSize], h.mem[uint32(p):uint32(p)+size-headerSize])
	h.Free(p)
	return q
}

// request converts a payload size to a chunk size.
func request(n uint32) (uint32, bool) {
	if n > 1<<31 {
		return 0, false
	}
	need := (n + headerSize + Granularity - 1) &^ (Granularity - 1)
	if need < MinChunk {
		need = MinChunk
	}
	return need, true
}

// use marks the free, unlinked chunk c as in use, returning any tail of at
// least MinChunk bytes to the bins.
func (h *Heap) use(c, need uint32) Ptr {
	hdr := h.u32(c)
	h.setU32(c, hdr|flagInUse)
	h.split(c, need)
	return Ptr(c + headerSize)
}

// split trims the in-use chunk c down to need bytes if the remainder can
// stand on its own, and fixes up the successor's prev-in-use flag.
func (h *Heap) split(c, need uint32) {
	hdr := h.u32(c)
	size := hdr & sizeMask
	if size-need >= MinChunk {
		h.setU32(c, need|hdr&(flagPrevInUse|flagInUse))
		// The chunk after a free chunk is never the wilderness and its
		// prev-in-use flag is already clear.
		h.makeFree(c+need, size-need)
		return
	}
	next := c + size
	if next == h.wild() {
		h.setU32(offWildPrev, 1)
	} else {
		h.setU32(next, h.u32(next)|flagPrevInUse)
	}
}

// carve takes need bytes from the front of the wilderness.
func (h *Heap) carve(need uint32) Ptr {
	w := h.wild()
	if uint64(w)+uint64(need) > uint64(len(h.mem)) {
		return 0
	}
	hdr := need | flagInUse
	if h.u32(offWildPrev) != 0 {
		hdr |= flagPrevInUse
	}
	h.setU32(w, hdr)
	h.setU32(offWild, w+need)
	h.setU32(offWildPrev, 1)
	return Ptr(w + headerSize)
}

// makeFree writes the header and footer of a free chunk whose predecessor
// is in use, and links it into its bin.
func (h *Heap) makeFree(c, size uint32) {
	h.setU32(c, size|flagPrevInUse)
	h.setU32(c+size-headerSize, size)
	h.insert(c, size)
}

// ---------------------------------------------------------------------------
// Bins
// ---------------------------------------------------------------------------

func binAt(i int) uint32 { return uint32(offBins + i*binStride) }

func smallIndex(size uint32) int { return int(size/Granularity) - 2 }

func binFor(size uint32) int {
	if size < smallLimit {
		return smallIndex(size)
	}
	return largeBin
}

func (h *Heap) insert(c, size uint32) {
	i := binFor(size)
	s := binAt(i)
	first := h.next(s)
	h.setNext(c, first)
	h.setPrev(c, s)
	h.setPrev(first, c)
	h.setNext(s, c)
	if i < numSmallBins {
		h.setU32(offBitmap, h.u32(offBitmap)|1<<i)
	}
}

func (h *Heap) unlink(c uint32) {
	n, p := h.next(c), h.prev(c)
	h.setNext(p, n)
	h.setPrev(n, p)
	if i := binFor(h.chunkSize(c)); i < numSmallBins && n == p && n == binAt(i) {
		h.setU32(offBitmap, h.u32(offBitmap)&^(1<<i))
	}
}

// ---------------------------------------------------------------------------
// Raw access
// ---------------------------------------------------------------------------

func (h *Heap) u32(off uint32) uint32 { return binary.LittleEndian.Uint32(h.mem[off:]) }

func (h *Heap) setU32(off, v uint32) { binary.LittleEndian.PutUint32(h.mem[off:], v) }

func (h *Heap) wild() uint32 { return h.u32(offWild) }

func (h *Heap) chunkSize(c uint32) uint32 { return h.u32(c) & sizeMask }

func (h *Heap) next(c uint32) uint32 { return h.u32(c + 4) }

func (h *Heap) prev(c uint32) uint32 { return h.u32(c + 8) }

func (h *Heap) setNext(c, v uint32) { h.setU32(c+4, v) }

func (h *Heap) setPrev(c, v uint32) { h.setU32(c+8, v) }

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// Stats summarises heap usage.
type Stats struct {
	Arena      int // total arena bytes
	InUse      int // bytes in in-use chunks, headers included
	Free       int // bytes in binned free chunks
	Wilderness int // bytes never carved
	Chunks     int // in-use chunk count
	FreeChunks int
}

// Stats walks the heap and reports usage.
func (h *Heap) Stats() Stats {
	st := Stats{Arena: len(h.mem), Wilderness: len(h.mem) - int(h.wild())}
	for c := uint32(HeapStart); c < h.wild(); c += h.chunkSize(c) {
		size := int(h.chunkSize(c))
		if h.u32(c)&flagInUse != 0 {
			st.InUse += size
			st.Chunks++
		} else {
			st.Free += size
			st.FreeChunks++
		}
	}
	return st
}

// Allocations calls fn with the payload offset and usable size of every
// in-use chunk, in address order. The heap must be valid.
func (h *Heap) Allocations(fn func(p Ptr, n uint32)) {
	for c := uint32(HeapStart); c < h.wild(); c += h.chunkSize(c) {
		if h.u32(c)&flagInUse != 0 {
			fn(Ptr(c+headerSize), h.chunkSize(c)-headerSize)
		}
	}
}
