package vm

import "github.com/chazu/sprout/alloc"

// Array layout: length, capacity and the offset of a separately allocated
// run of capacity values owned by the array.
const (
	arrLen  = hdrSize
	arrCap  = hdrSize + 4
	arrData = hdrSize + 8
	arrSize = hdrSize + 12
)

// newArray creates an empty array with room for capacity elements.
func (in *Instance) newArray(capacity int) Value {
	h := in.heap
	p := in.newObject(KindArray, arrSize)
	h.SetU32(p, arrLen, 0)
	h.SetU32(p, arrCap, 0)
	h.SetU32(p, arrData, 0)
	if capacity > 0 {
		data := in.allocAux(uint32(capacity) * valueSize)
		h.SetU32(p, arrData, uint32(data))
		h.SetU32(p, arrCap, uint32(capacity))
	}
	return ref(KindArray, p)
}

func (in *Instance) arrayLen(v Value) int {
	return int(in.heap.U32(v.ptr(), arrLen))
}

// arrayAt returns element i, which must be in range.
func (in *Instance) arrayAt(v Value, i int) Value {
	data := alloc.Ptr(in.heap.U32(v.ptr(), arrData))
	return in.loadValue(data, uint32(i)*valueSize)
}

// arrayPut overwrites element i, which must be in range.
func (in *Instance) arrayPut(v Value, i int, x Value) {
	data := alloc.Ptr(in.heap.U32(v.ptr(), arrData))
	in.storeValue(data, uint32(i)*valueSize, x)
}

// arrayAppend adds x at the end, growing the backing store as needed.
func (in *Instance) arrayAppend(v Value, x Value) {
	h := in.heap
	p := v.ptr()
	n := h.U32(p, arrLen)
	if n == h.U32(p, arrCap) {
		in.growArray(p, n+1)
	}
	h.SetU32(p, arrLen, n+1)
	in.arrayPut(v, int(n), x)
}

func (in *Instance) growArray(p alloc.Ptr, need uint32) {
	h := in.heap
	c := 2 * h.U32(p, arrCap)
	if c < 4 {
		c = 4
	}
	if c < need {
		c = need
	}
	data := h.Realloc(alloc.Ptr(h.U32(p, arrData)), c*valueSize)
	if data == 0 {
		in.raise("out of memory")
	}
	h.SetU32(p, arrData, uint32(data))
	h.SetU32(p, arrCap, c)
}

// arrayRemove deletes element i, shifting the rest down, and returns it.
func (in *Instance) arrayRemove(v Value, i int) Value {
	h := in.heap
	p := v.ptr()
	n := h.U32(p, arrLen)
	data := alloc.Ptr(h.U32(p, arrData))
	x := in.loadValue(data, uint32(i)*valueSize)
	elems := h.Slice(data, 0, n*valueSize)
	copy(elems[i*valueSize:], elems[(i+1)*valueSize:])
	h.SetU32(p, arrLen, n-1)
	in.cycles += int(n) - i
	return x
}

// arrayIndex converts an index operand, reporting whether it is a number.
// Fractions truncate toward zero.
func arrayIndex(k Value) (int, bool) {
	if k.kind != KindNumber {
		return 0, false
	}
	return k.Num().Int(), true
}
