package alloc

import "fmt"

// Validate checks the whole heap for consistency: every physical chunk's
// size, flags and footer, the absence of adjacent free chunks, bin
// circularity and size classes, the occupancy bitmap, and that the bins
// hold exactly the free chunks found by the physical walk.
//
// Validate never panics, so it can be run over untrusted arenas such as
// snapshots read from disk.
func (h *Heap) Validate() error {
	n := uint32(len(h.mem))
	if n < HeapStart+MinChunk {
		return fmt.Errorf("alloc: arena too small (%d bytes)", n)
	}
	if h.u32(offMagic) != magic {
		return fmt.Errorf("alloc: bad magic %#x", h.u32(offMagic))
	}
	if h.u32(offSize) != n {
		return fmt.Errorf("alloc: recorded size %d, arena is %d", h.u32(offSize), n)
	}
	wild := h.wild()
	if wild < HeapStart || wild > n || wild%Granularity != 0 {
		return fmt.Errorf("alloc: wilderness %#x out of range", wild)
	}

	// Physical walk.
	free := make(map[uint32]bool)
	prevInUse := true
	for c := uint32(HeapStart); c < wild; {
		hdr := h.u32(c)
		size := hdr & sizeMask
		if size < MinChunk || uint64(c)+uint64(size) > uint64(wild) {
			return fmt.Errorf("alloc: chunk %#x has bad size %d", c, size)
		}
		if (hdr&flagPrevInUse != 0) != prevInUse {
			return fmt.Errorf("alloc: chunk %#x prev-in-use flag is wrong", c)
		}
		inUse := hdr&flagInUse != 0
		if !inUse {
			if !prevInUse {
				return fmt.Errorf("alloc: adjacent free chunks at %#x", c)
			}
			if foot := h.u32(c + size - headerSize); foot != size {
				return fmt.Errorf("alloc: chunk %#x footer %d != size %d", c, foot, size)
			}
			free[c] = true
		}
		prevInUse = inUse
		c += size
	}
	if !prevInUse {
		return fmt.Errorf("alloc: free chunk before wilderness")
	}
	if h.u32(offWildPrev) == 0 {
		return fmt.Errorf("alloc: wilderness prev-in-use flag is clear")
	}

	// Bins.
	bitmap := h.u32(offBitmap)
	seen := 0
	for i := 0; i < numBins; i++ {
		s := binAt(i)
		count := 0
		p := s
		for c := h.next(s); c != s; c = h.next(c) {
			if !free[c] {
				return fmt.Errorf("alloc: bin %d links %#x, not a free chunk", i, c)
			}
			if h.prev(c) != p {
				return fmt.Errorf("alloc: bin %d chunk %#x has bad back link", i, c)
			}
			if binFor(h.chunkSize(c)) != i {
				return fmt.Errorf("alloc: chunk %#x of size %d filed in bin %d", c, h.chunkSize(c), i)
			}
			count++
			if count > len(free) {
				return fmt.Errorf("alloc: bin %d does not terminate", i)
			}
			p = c
		}
		if h.prev(s) != p {
			return fmt.Errorf("alloc: bin %d sentinel has bad back link", i)
		}
		if i < numSmallBins && (bitmap&(1<<i) != 0) != (count > 0) {
			return fmt.Errorf("alloc: bitmap bit %d disagrees with bin", i)
		}
		seen += count
	}
	if seen != len(free) {
		return fmt.Errorf("alloc: bins hold %d chunks, heap has %d free", seen, len(free))
	}
	return nil
}
