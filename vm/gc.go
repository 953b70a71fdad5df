package vm

import "github.com/chazu/sprout/alloc"

// ---------------------------------------------------------------------------
// Mark-sweep collection
// ---------------------------------------------------------------------------

// GCStats reports one collection.
type GCStats struct {
	Live      int // objects that survived
	Freed     int // objects swept
	HeapInUse int // bytes in use afterwards, allocator headers included
	HeapFree  int // bytes available afterwards, wilderness included
}

// Collect frees every object not reachable from the globals table.
//
// The only root is the globals table, so Collect must run between
// invocations, when no script frame or native holds a reference that the
// globals cannot reach. Calling it while the instance is executing is a
// programming error.
func (in *Instance) Collect() GCStats {
	if in.running {
		panic("vm: Collect called during execution")
	}
	in.mark()
	st := in.sweep()
	hs := in.heap.Stats()
	st.HeapInUse = hs.InUse
	st.HeapFree = hs.Free + hs.Wilderness
	log.Debugf("instance %s: collected %d objects, %d live, %d bytes free", in.id, st.Freed, st.Live, st.HeapFree)
	return st
}

// mark sets the mark byte of every reachable object using an explicit
// worklist, so deep structures cannot overflow the Go stack.
func (in *Instance) mark() {
	var gray []alloc.Ptr
	shade := func(v Value) {
		if !v.isObject() {
			return
		}
		p := v.ptr()
		if in.heap.U8(p, hdrMark) != 0 {
			return
		}
		in.heap.SetU8(p, hdrMark, 1)
		if v.kind != KindString && v.kind != KindBuffer {
			gray = append(gray, p)
		}
	}

	shade(in.globals())
	for len(gray) > 0 {
		p := gray[len(gray)-1]
		gray = gray[:len(gray)-1]
		in.traverse(p, shade)
	}
}

// traverse calls visit for every value an object references.
func (in *Instance) traverse(p alloc.Ptr, visit func(Value)) {
	h := in.heap
	switch in.objectKind(p) {
	case KindArray:
		v := ref(KindArray, p)
		for i, n := 0, in.arrayLen(v); i < n; i++ {
			visit(in.arrayAt(v, i))
		}
	case KindTable:
		in.tableEach(ref(KindTable, p), func(key, v Value) {
			visit(key)
			visit(v)
		})
	case KindFunction:
		visit(ref(KindCode, in.fnCode(p)))
		for i, n := 0, int(h.U32(p, fnNUpval)); i < n; i++ {
			if up := in.fnUpval(p, i); up != 0 {
				visit(ref(KindUpvalue, up))
			}
		}
	case KindUpvalue:
		if h.U32(p, upState) == upClosed {
			visit(in.loadValue(p, upValue))
		}
	case KindCode:
		if name := alloc.Ptr(h.U32(p, codeName)); name != 0 {
			visit(ref(KindString, name))
		}
		off := codeBody + 4*h.U32(p, codeNInstr)
		for i, n := uint32(0), h.U32(p, codeNConst); i < n; i++ {
			visit(in.loadValue(p, off+i*valueSize))
		}
	}
}

// sweep unlinks and frees unmarked objects and clears the marks of the
// rest.
func (in *Instance) sweep() GCStats {
	h := in.heap
	var st GCStats
	var prev alloc.Ptr
	p := alloc.Ptr(h.Root(rootObjects))
	for p != 0 {
		next := alloc.Ptr(h.U32(p, hdrNext))
		if h.U8(p, hdrMark) != 0 {
			h.SetU8(p, hdrMark, 0)
			prev = p
			st.Live++
		} else {
			if prev == 0 {
				h.SetRoot(rootObjects, uint32(next))
			} else {
				h.SetU32(prev, hdrNext, uint32(next))
			}
			in.destroy(p)
			st.Freed++
		}
		p = next
	}
	h.SetRoot(rootObjectCount, uint32(st.Live))
	return st
}

// destroy releases an object's auxiliary storage and then the object.
func (in *Instance) destroy(p alloc.Ptr) {
	h := in.heap
	switch in.objectKind(p) {
	case KindString:
		in.unintern(p)
	case KindArray:
		h.Free(alloc.Ptr(h.U32(p, arrData)))
	case KindTable:
		h.Free(alloc.Ptr(h.U32(p, tblBuckets)))
		h.Free(alloc.Ptr(h.U32(p, tblEntries)))
	case KindCode:
		delete(in.codes, p)
	}
	h.Free(p)
}
