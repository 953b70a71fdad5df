package vm

import (
	"bytes"
	"fmt"

	"github.com/chazu/sprout/fixed"
)

// ---------------------------------------------------------------------------
// Native library
// ---------------------------------------------------------------------------

// nativeFunc receives its arguments as a slice of the value stack.
type nativeFunc func(in *Instance, args []Value) Value

type native struct {
	name     string
	min, max int // accepted argument counts; max < 0 means any
	fn       nativeFunc
}

// natives is indexed by the payload of KindNative values, so entries may
// only ever be appended: snapshots store the indices.
var natives []native

func init() {
	natives = []native{
		{"print", 0, -1, nativePrint},
		{"tostr", 1, 1, nativeToStr},
		{"tonum", 1, 1, nativeToNum},
		{"type", 1, 1, nativeType},
		{"abs", 1, 1, numeric1("abs", fixed.Abs)},
		{"flr", 1, 1, numeric1("flr", fixed.Fix.Floor)},
		{"ceil", 1, 1, numeric1("ceil", fixed.Fix.Ceil)},
		{"min", 2, 2, numeric2("min", func(a, b fixed.Fix) fixed.Fix { return min(a, b) })},
		{"max", 2, 2, numeric2("max", func(a, b fixed.Fix) fixed.Fix { return max(a, b) })},
		{"sqrt", 1, 1, numeric1("sqrt", fixed.Sqrt)},
		{"sub", 2, 3, nativeSub},
		{"chr", 1, 1, nativeChr},
		{"ord", 1, 2, nativeOrd},
		{"add", 2, 2, nativeAdd},
		{"deli", 2, 2, nativeDeli},
		{"count", 1, 1, nativeCount},
		{"keys", 1, 1, nativeKeys},
		{"buffer", 1, 1, nativeBuffer},
		{"peek", 2, 2, nativePeek},
		{"poke", 3, 3, nativePoke},
	}
}

// registerNatives binds every native into the globals table.
func (in *Instance) registerNatives() {
	for i, n := range natives {
		in.tableSet(in.globals(), in.internString(n.name), Value{kind: KindNative, bits: uint32(i)})
	}
}

// callNative checks the argument count and runs a native.
func (in *Instance) callNative(fn Value, args []Value) Value {
	n := &natives[fn.bits]
	if len(args) < n.min || n.max >= 0 && len(args) > n.max {
		switch {
		case n.min == n.max:
			in.raise("%s expects %d argument%s, got %d", n.name, n.min, plural(n.min), len(args))
		case n.max < 0:
			in.raise("%s expects at least %d argument%s, got %d", n.name, n.min, plural(n.min), len(args))
		default:
			in.raise("%s expects %d to %d arguments, got %d", n.name, n.min, n.max, len(args))
		}
	}
	in.cycles++
	return n.fn(in, args)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// ---------------------------------------------------------------------------
// Argument helpers
// ---------------------------------------------------------------------------

func (in *Instance) argError(fn string, i int, want string, got Value) {
	in.raise("bad argument #%d to %s (%s expected, got %s)", i+1, fn, want, got.kind)
}

func (in *Instance) argNumber(fn string, args []Value, i int) fixed.Fix {
	if args[i].kind != KindNumber {
		in.argError(fn, i, "number", args[i])
	}
	return args[i].Num()
}

func (in *Instance) argInt(fn string, args []Value, i int) int {
	return in.argNumber(fn, args, i).Int()
}

func (in *Instance) argKind(fn string, args []Value, i int, k Kind) Value {
	if args[i].kind != k {
		in.argError(fn, i, k.String(), args[i])
	}
	return args[i]
}

func numeric1(name string, op func(fixed.Fix) fixed.Fix) nativeFunc {
	return func(in *Instance, args []Value) Value {
		return Number(op(in.argNumber(name, args, 0)))
	}
}

func numeric2(name string, op func(a, b fixed.Fix) fixed.Fix) nativeFunc {
	return func(in *Instance, args []Value) Value {
		return Number(op(in.argNumber(name, args, 0), in.argNumber(name, args, 1)))
	}
}

// ---------------------------------------------------------------------------
// Natives
// ---------------------------------------------------------------------------

func nativePrint(in *Instance, args []Value) Value {
	var line []byte
	for i, v := range args {
		if i > 0 {
			line = append(line, ' ')
		}
		line = in.appendString(line, v)
	}
	line = append(line, '\n')
	in.cycles += len(line) / 8
	if _, err := in.out.Write(line); err != nil {
		in.raise("print: %v", err)
	}
	return Undefined
}

func nativeToStr(in *Instance, args []Value) Value {
	if args[0].kind == KindString {
		return args[0]
	}
	return in.intern(in.appendString(nil, args[0]))
}

// nativeToNum converts strings with the literal syntax; anything that is
// not a number or a numeric string becomes undefined.
func nativeToNum(in *Instance, args []Value) Value {
	switch v := args[0]; v.kind {
	case KindNumber:
		return v
	case KindBool:
		return Int(int(v.bits))
	case KindString:
		s := bytes.TrimSpace(in.stringBytes(v))
		neg := len(s) > 0 && s[0] == '-'
		if neg {
			s = s[1:]
		}
		f, err := fixed.Parse(string(s))
		if err != nil {
			return Undefined
		}
		if neg {
			f = fixed.Neg(f)
		}
		return Number(f)
	}
	return Undefined
}

func nativeType(in *Instance, args []Value) Value {
	return in.internString(args[0].kind.String())
}

// nativeSub returns s[i:j] with both bounds clamped; j defaults to the
// length.
func nativeSub(in *Instance, args []Value) Value {
	s := in.stringBytes(in.argKind("sub", args, 0, KindString))
	n := len(s)
	i := min(max(in.argInt("sub", args, 1), 0), n)
	j := n
	if len(args) == 3 && args[2].kind != KindUndefined {
		j = min(max(in.argInt("sub", args, 2), i), n)
	}
	in.cycles += (j - i) / 8
	return in.intern(s[i:j])
}

func nativeChr(in *Instance, args []Value) Value {
	return in.intern([]byte{byte(in.argInt("chr", args, 0))})
}

func nativeOrd(in *Instance, args []Value) Value {
	s := in.stringBytes(in.argKind("ord", args, 0, KindString))
	i := 0
	if len(args) == 2 {
		i = in.argInt("ord", args, 1)
	}
	if i < 0 || i >= len(s) {
		return Undefined
	}
	return Int(int(s[i]))
}

func nativeAdd(in *Instance, args []Value) Value {
	in.arrayAppend(in.argKind("add", args, 0, KindArray), args[1])
	return args[1]
}

// nativeDeli removes the element at an index and returns it.
func nativeDeli(in *Instance, args []Value) Value {
	arr := in.argKind("deli", args, 0, KindArray)
	i := in.argInt("deli", args, 1)
	if i < 0 || i >= in.arrayLen(arr) {
		return Undefined
	}
	return in.arrayRemove(arr, i)
}

func nativeCount(in *Instance, args []Value) Value {
	return Int(in.length(args[0]))
}

func nativeKeys(in *Instance, args []Value) Value {
	return in.tableKeys(in.argKind("keys", args, 0, KindTable))
}

func nativeBuffer(in *Instance, args []Value) Value {
	n := in.argInt("buffer", args, 0)
	if n < 0 {
		in.raise("buffer size %d is negative", n)
	}
	return in.newBuffer(n)
}

func nativePeek(in *Instance, args []Value) Value {
	buf := in.argKind("peek", args, 0, KindBuffer)
	in.argNumber("peek", args, 1)
	return in.index(buf, args[1])
}

func nativePoke(in *Instance, args []Value) Value {
	in.poke(in.argKind("poke", args, 0, KindBuffer), args[1], args[2])
	return Undefined
}

// NativeInfo describes a native for tools such as the language server.
type NativeInfo struct {
	Name     string
	Min, Max int // accepted argument counts; Max < 0 means any
}

// Natives lists the native library in registration order.
func Natives() []NativeInfo {
	infos := make([]NativeInfo, len(natives))
	for i, n := range natives {
		infos[i] = NativeInfo{Name: n.name, Min: n.min, Max: n.max}
	}
	return infos
}

// nativeName is used in listings and errors.
func nativeName(v Value) string {
	if int(v.bits) < len(natives) {
		return natives[v.bits].name
	}
	return fmt.Sprintf("native#%d", v.bits)
}
