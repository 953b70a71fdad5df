package vm

import "github.com/chazu/sprout/alloc"

// Table layout. Buckets are u32 entry numbers (index+1, 0 for empty) into
// a growable entry pool; deleted entries go on an intrusive free list
// threaded through their next field. Keys are interned strings and are
// referenced, not copied.
const (
	tblCount    = hdrSize      // live entries
	tblNBuckets = hdrSize + 4  // bucket count, zero or a power of two
	tblBuckets  = hdrSize + 8  // bucket array
	tblEntries  = hdrSize + 12 // entry pool
	tblEntCap   = hdrSize + 16 // pool capacity
	tblUsed     = hdrSize + 20 // pool high-water mark
	tblFree     = hdrSize + 24 // free list head (index+1)
	tblSize     = hdrSize + 28
)

const (
	entKey   = 0
	entNext  = 4
	entValue = 8
	entSize  = 16

	minBuckets = 8
)

func (in *Instance) newTable() Value {
	h := in.heap
	p := in.newObject(KindTable, tblSize)
	for off := uint32(tblCount); off < tblSize; off += 4 {
		h.SetU32(p, off, 0)
	}
	return ref(KindTable, p)
}

func (in *Instance) tableCount(t Value) int {
	return int(in.heap.U32(t.ptr(), tblCount))
}

func entryOff(idx uint32) uint32 { return idx * entSize }

// tableFind returns the entry index holding key.
func (in *Instance) tableFind(p, key alloc.Ptr) (uint32, bool) {
	h := in.heap
	nb := h.U32(p, tblNBuckets)
	if nb == 0 {
		return 0, false
	}
	buckets := alloc.Ptr(h.U32(p, tblBuckets))
	entries := alloc.Ptr(h.U32(p, tblEntries))
	e := h.U32(buckets, 4*(h.U32(key, strHash)&(nb-1)))
	for e != 0 {
		if alloc.Ptr(h.U32(entries, entryOff(e-1)+entKey)) == key {
			return e - 1, true
		}
		e = h.U32(entries, entryOff(e-1)+entNext)
	}
	return 0, false
}

// tableGet returns the value stored under the string key, or undefined.
func (in *Instance) tableGet(t, key Value) Value {
	in.cycles++
	idx, ok := in.tableFind(t.ptr(), key.ptr())
	if !ok {
		return Undefined
	}
	entries := alloc.Ptr(in.heap.U32(t.ptr(), tblEntries))
	return in.loadValue(entries, entryOff(idx)+entValue)
}

// tableSet stores v under the string key. Storing undefined removes the
// key.
func (in *Instance) tableSet(t, key, v Value) {
	in.cycles++
	if v.kind == KindUndefined {
		in.tableDelete(t, key)
		return
	}
	h := in.heap
	p := t.ptr()
	if idx, ok := in.tableFind(p, key.ptr()); ok {
		in.storeValue(alloc.Ptr(h.U32(p, tblEntries)), entryOff(idx)+entValue, v)
		return
	}

	// Reserve everything before linking so running out of memory leaves
	// the table intact.
	if h.U32(p, tblNBuckets) == 0 {
		buckets := in.allocAux(minBuckets * 4)
		clear(h.Slice(buckets, 0, minBuckets*4))
		h.SetU32(p, tblBuckets, uint32(buckets))
		h.SetU32(p, tblNBuckets, minBuckets)
	}
	free := h.U32(p, tblFree)
	if free == 0 && h.U32(p, tblUsed) == h.U32(p, tblEntCap) {
		c := 2 * h.U32(p, tblEntCap)
		if c < minBuckets {
			c = minBuckets
		}
		entries := h.Realloc(alloc.Ptr(h.U32(p, tblEntries)), c*entSize)
		if entries == 0 {
			in.raise("out of memory")
		}
		h.SetU32(p, tblEntries, uint32(entries))
		h.SetU32(p, tblEntCap, c)
	}

	entries := alloc.Ptr(h.U32(p, tblEntries))
	var idx uint32
	if free != 0 {
		idx = free - 1
		h.SetU32(p, tblFree, h.U32(entries, entryOff(idx)+entNext))
	} else {
		idx = h.U32(p, tblUsed)
		h.SetU32(p, tblUsed, idx+1)
	}
	nb := h.U32(p, tblNBuckets)
	buckets := alloc.Ptr(h.U32(p, tblBuckets))
	slot := 4 * (h.U32(key.ptr(), strHash) & (nb - 1))
	h.SetU32(entries, entryOff(idx)+entKey, uint32(key.ptr()))
	h.SetU32(entries, entryOff(idx)+entNext, h.U32(buckets, slot))
	in.storeValue(entries, entryOff(idx)+entValue, v)
	h.SetU32(buckets, slot, idx+1)

	count := h.U32(p, tblCount) + 1
	h.SetU32(p, tblCount, count)
	if count > nb {
		in.rehash(p, 2*nb)
	}
}

// rehash relinks every live entry into a new bucket array. Failure to get
// the memory only leaves the chains longer.
func (in *Instance) rehash(p alloc.Ptr, nb uint32) {
	h := in.heap
	buckets := h.Alloc(nb * 4)
	if buckets == 0 {
		return
	}
	clear(h.Slice(buckets, 0, nb*4))
	entries := alloc.Ptr(h.U32(p, tblEntries))
	used := h.U32(p, tblUsed)
	for idx := uint32(0); idx < used; idx++ {
		key := alloc.Ptr(h.U32(entries, entryOff(idx)+entKey))
		if key == 0 {
			continue
		}
		slot := 4 * (h.U32(key, strHash) & (nb - 1))
		h.SetU32(entries, entryOff(idx)+entNext, h.U32(buckets, slot))
		h.SetU32(buckets, slot, idx+1)
	}
	h.Free(alloc.Ptr(h.U32(p, tblBuckets)))
	h.SetU32(p, tblBuckets, uint32(buckets))
	h.SetU32(p, tblNBuckets, nb)
	in.cycles += int(used)
}

func (in *Instance) tableDelete(t, key Value) {
	h := in.heap
	p := t.ptr()
	nb := h.U32(p, tblNBuckets)
	if nb == 0 {
		return
	}
	buckets := alloc.Ptr(h.U32(p, tblBuckets))
	entries := alloc.Ptr(h.U32(p, tblEntries))
	slot := 4 * (h.U32(key.ptr(), strHash) & (nb - 1))

	prev := uint32(0)
	for e := h.U32(buckets, slot); e != 0; e = h.U32(entries, entryOff(e-1)+entNext) {
		off := entryOff(e - 1)
		if alloc.Ptr(h.U32(entries, off+entKey)) != key.ptr() {
			prev = e
			continue
		}
		next := h.U32(entries, off+entNext)
		if prev == 0 {
			h.SetU32(buckets, slot, next)
		} else {
			h.SetU32(entries, entryOff(prev-1)+entNext, next)
		}
		h.SetU32(entries, off+entKey, 0)
		in.storeValue(entries, off+entValue, Undefined)
		h.SetU32(entries, off+entNext, h.U32(p, tblFree))
		h.SetU32(p, tblFree, e)
		h.SetU32(p, tblCount, h.U32(p, tblCount)-1)
		return
	}
}

// tableEach calls fn for every entry in pool order. fn must not modify
// the table.
func (in *Instance) tableEach(t Value, fn func(key, v Value)) {
	h := in.heap
	p := t.ptr()
	entries := alloc.Ptr(h.U32(p, tblEntries))
	used := h.U32(p, tblUsed)
	for idx := uint32(0); idx < used; idx++ {
		key := alloc.Ptr(h.U32(entries, entryOff(idx)+entKey))
		if key == 0 {
			continue
		}
		fn(ref(KindString, key), in.loadValue(entries, entryOff(idx)+entValue))
	}
}

// tableKeys returns a new array of the table's keys in pool order.
func (in *Instance) tableKeys(t Value) Value {
	arr := in.newArray(in.tableCount(t))
	var keys []Value
	in.tableEach(t, func(key, _ Value) { keys = append(keys, key) })
	for _, k := range keys {
		in.arrayAppend(arr, k)
	}
	return arr
}
