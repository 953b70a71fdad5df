package vm

import (
	"bytes"

	"github.com/chazu/sprout/alloc"
)

// ---------------------------------------------------------------------------
// Object header and arena roots
// ---------------------------------------------------------------------------

// Every heap object starts with an 8-byte header: the offset of the next
// object in the allocation list, the object kind and the mark byte used by
// the collector.
const (
	hdrNext = 0
	hdrKind = 4
	hdrMark = 5
	hdrSize = 8
)

// Root words kept in the arena metadata, so a snapshot carries them.
const (
	rootObjects       = iota // head of the allocation list
	rootGlobals              // globals table
	rootInternBuckets        // intern bucket array (u32 string offsets)
	rootInternSize           // intern bucket count, a power of two
	rootInternCount          // interned strings
	rootFrames               // completed frames
	rootObjectCount          // objects on the allocation list
)

// allocCost is charged to the cycle counter for each object allocation.
const allocCost = 4

// newObject allocates size bytes (header included), links the object into
// the allocation list and returns it. Exhaustion is a runtime error.
func (in *Instance) newObject(k Kind, size uint32) alloc.Ptr {
	h := in.heap
	p := h.Alloc(size)
	if p == 0 {
		in.raise("out of memory")
	}
	h.SetU32(p, hdrNext, h.Root(rootObjects))
	h.SetU32(p, hdrKind, uint32(k))
	h.SetRoot(rootObjects, uint32(p))
	h.SetRoot(rootObjectCount, h.Root(rootObjectCount)+1)
	in.cycles += allocCost
	return p
}

// allocAux allocates storage owned by an object, such as array data.
func (in *Instance) allocAux(n uint32) alloc.Ptr {
	p := in.heap.Alloc(n)
	if p == 0 {
		in.raise("out of memory")
	}
	return p
}

func (in *Instance) objectKind(p alloc.Ptr) Kind {
	return Kind(in.heap.U8(p, hdrKind))
}

// ---------------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------------

// String layout: length, hash, next string in the same intern bucket, then
// the bytes.
const (
	strLen   = hdrSize
	strHash  = hdrSize + 4
	strChain = hdrSize + 8
	strData  = hdrSize + 12
)

const initialInternSize = 64

// hashBytes is 32-bit FNV-1a. The hash is stored in snapshots, so it must
// not depend on the process.
func hashBytes(b []byte) uint32 {
	h := uint32(2166136261)
	for _, c := range b {
		h ^= uint32(c)
		h *= 16777619
	}
	return h
}

func (in *Instance) initIntern() {
	h := in.heap
	buckets := in.allocAux(initialInternSize * 4)
	for i := uint32(0); i < initialInternSize; i++ {
		h.SetU32(buckets, 4*i, 0)
	}
	h.SetRoot(rootInternBuckets, uint32(buckets))
	h.SetRoot(rootInternSize, initialInternSize)
	h.SetRoot(rootInternCount, 0)
}

// findString returns the interned string with the given content and hash,
// or 0.
func (in *Instance) findString(b []byte, hash uint32) alloc.Ptr {
	h := in.heap
	buckets := alloc.Ptr(h.Root(rootInternBuckets))
	slot := 4 * (hash & (h.Root(rootInternSize) - 1))
	for p := alloc.Ptr(h.U32(buckets, slot)); p != 0; p = alloc.Ptr(h.U32(p, strChain)) {
		n := h.U32(p, strLen)
		if h.U32(p, strHash) == hash && int(n) == len(b) && bytes.Equal(h.Slice(p, strData, n), b) {
			return p
		}
	}
	return 0
}

// intern returns the unique string object with the given content,
// creating it on first use.
func (in *Instance) intern(b []byte) Value {
	hash := hashBytes(b)
	if p := in.findString(b, hash); p != 0 {
		return ref(KindString, p)
	}

	h := in.heap
	p := in.newObject(KindString, strData+uint32(len(b)))
	h.SetU32(p, strLen, uint32(len(b)))
	h.SetU32(p, strHash, hash)
	copy(h.Slice(p, strData, uint32(len(b))), b)

	buckets := alloc.Ptr(h.Root(rootInternBuckets))
	size := h.Root(rootInternSize)
	slot := 4 * (hash & (size - 1))
	h.SetU32(p, strChain, h.U32(buckets, slot))
	h.SetU32(buckets, slot, uint32(p))
	count := h.Root(rootInternCount) + 1
	h.SetRoot(rootInternCount, count)
	if count > 2*size {
		in.growIntern()
	}
	return ref(KindString, p)
}

// lookupString returns the string value for s if it has been interned.
func (in *Instance) lookupString(s string) (Value, bool) {
	b := []byte(s)
	if p := in.findString(b, hashBytes(b)); p != 0 {
		return ref(KindString, p), true
	}
	return Undefined, false
}

func (in *Instance) internString(s string) Value {
	return in.intern([]byte(s))
}

// growIntern doubles the bucket array. Running out of memory here is not
// an error; the table just stays denser.
func (in *Instance) growIntern() {
	h := in.heap
	old := alloc.Ptr(h.Root(rootInternBuckets))
	n := h.Root(rootInternSize)
	buckets := h.Alloc(8 * n)
	if buckets == 0 {
		return
	}
	for i := uint32(0); i < 2*n; i++ {
		h.SetU32(buckets, 4*i, 0)
	}
	mask := 2*n - 1
	for i := uint32(0); i < n; i++ {
		p := alloc.Ptr(h.U32(old, 4*i))
		for p != 0 {
			next := alloc.Ptr(h.U32(p, strChain))
			slot := 4 * (h.U32(p, strHash) & mask)
			h.SetU32(p, strChain, h.U32(buckets, slot))
			h.SetU32(buckets, slot, uint32(p))
			p = next
		}
	}
	h.Free(old)
	h.SetRoot(rootInternBuckets, uint32(buckets))
	h.SetRoot(rootInternSize, 2*n)
}

// unintern removes a string that is about to be freed.
func (in *Instance) unintern(p alloc.Ptr) {
	h := in.heap
	buckets := alloc.Ptr(h.Root(rootInternBuckets))
	slot := 4 * (h.U32(p, strHash) & (h.Root(rootInternSize) - 1))
	next := h.U32(p, strChain)
	if alloc.Ptr(h.U32(buckets, slot)) == p {
		h.SetU32(buckets, slot, next)
	} else {
		for q := alloc.Ptr(h.U32(buckets, slot)); q != 0; q = alloc.Ptr(h.U32(q, strChain)) {
			if alloc.Ptr(h.U32(q, strChain)) == p {
				h.SetU32(q, strChain, next)
				break
			}
		}
	}
	h.SetRoot(rootInternCount, h.Root(rootInternCount)-1)
}

// stringBytes returns the content of a string value. The slice aliases the
// arena.
func (in *Instance) stringBytes(v Value) []byte {
	p := v.ptr()
	return in.heap.Slice(p, strData, in.heap.U32(p, strLen))
}

func (in *Instance) goString(v Value) string {
	return string(in.stringBytes(v))
}

func (in *Instance) stringLen(v Value) int {
	return int(in.heap.U32(v.ptr(), strLen))
}

// ---------------------------------------------------------------------------
// Buffers
// ---------------------------------------------------------------------------

const (
	bufLen  = hdrSize
	bufData = hdrSize + 4
)

// newBuffer allocates a zeroed byte buffer.
func (in *Instance) newBuffer(n int) Value {
	p := in.newObject(KindBuffer, bufData+uint32(n))
	in.heap.SetU32(p, bufLen, uint32(n))
	clear(in.heap.Slice(p, bufData, uint32(n)))
	in.cycles += n / 64
	return ref(KindBuffer, p)
}

func (in *Instance) bufferBytes(v Value) []byte {
	p := v.ptr()
	return in.heap.Slice(p, bufData, in.heap.U32(p, bufLen))
}
