package vm

import (
	"github.com/chazu/sprout/alloc"
	"github.com/chazu/sprout/fixed"
)

// ---------------------------------------------------------------------------
// Value representation
// ---------------------------------------------------------------------------

// Kind identifies the type carried by a Value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindBuffer
	KindArray
	KindTable
	KindFunction
	KindNative
	KindUpvalue
	KindCallInfo
	KindCode

	numKinds
)

var kindNames = [numKinds]string{
	KindUndefined: "undefined",
	KindNull:      "null",
	KindBool:      "boolean",
	KindNumber:    "number",
	KindString:    "string",
	KindBuffer:    "buffer",
	KindArray:     "array",
	KindTable:     "table",
	KindFunction:  "function",
	KindNative:    "function",
	KindUpvalue:   "upvalue",
	KindCallInfo:  "callinfo",
	KindCode:      "code",
}

// String returns the name scripts see from type().
func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return "invalid"
}

// Value is a tagged runtime value. Numbers, booleans, native function
// indices and call-info words are stored inline in bits; every heap kind
// stores the arena offset of its object. Values are 8 bytes when stored in
// the arena (kind word, then bits).
type Value struct {
	kind Kind
	bits uint32
}

// Singleton values.
var (
	Undefined = Value{}
	Null      = Value{kind: KindNull}
	True      = Value{kind: KindBool, bits: 1}
	False     = Value{kind: KindBool}
)

// Bool returns True or False.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Number wraps a fixed-point number.
func Number(f fixed.Fix) Value {
	return Value{kind: KindNumber, bits: f.Raw()}
}

// Int wraps an integer as a number. Values outside the 16-bit range wrap.
func Int(n int) Value {
	return Number(fixed.FromInt(n))
}

func ref(k Kind, p alloc.Ptr) Value {
	return Value{kind: k, bits: uint32(p)}
}

func callInfo(n uint32) Value {
	return Value{kind: KindCallInfo, bits: n}
}

// Kind returns the value's type tag.
func (v Value) Kind() Kind { return v.kind }

// Num returns the number payload. It is meaningful only for KindNumber.
func (v Value) Num() fixed.Fix { return fixed.FromRaw(v.bits) }

// IsNumber reports whether v is a number.
func (v Value) IsNumber() bool { return v.kind == KindNumber }

// Truthy reports whether v counts as true in a condition: everything but
// undefined, null, false and the number zero.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindUndefined, KindNull:
		return false
	case KindBool, KindNumber:
		return v.bits != 0
	}
	return true
}

// Equal reports identity. Strings are interned, so this is also content
// equality for strings.
func (v Value) Equal(w Value) bool {
	return v.kind == w.kind && v.bits == w.bits
}

func (v Value) ptr() alloc.Ptr { return alloc.Ptr(v.bits) }

// isObject reports whether v refers to a collectable heap object.
func (v Value) isObject() bool {
	switch v.kind {
	case KindString, KindBuffer, KindArray, KindTable, KindFunction, KindUpvalue, KindCode:
		return v.bits != 0
	}
	return false
}

// ---------------------------------------------------------------------------
// Arena encoding
// ---------------------------------------------------------------------------

const valueSize = 8

func (in *Instance) loadValue(p alloc.Ptr, off uint32) Value {
	return Value{kind: Kind(in.heap.U8(p, off)), bits: in.heap.U32(p, off+4)}
}

func (in *Instance) storeValue(p alloc.Ptr, off uint32, v Value) {
	in.heap.SetU32(p, off, uint32(v.kind))
	in.heap.SetU32(p, off+4, v.bits)
}
