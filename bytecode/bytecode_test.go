package bytecode

import (
	"bytes"
	"strings"
	"testing"

	"github.com/chazu/sprout/fixed"
)

func TestInstrFields(t *testing.T) {
	in := ABC(OpAdd, 1, 2, 3)
	if in.Op() != OpAdd || in.A() != 1 || in.B() != 2 || in.C() != 3 {
		t.Errorf("ABC decode = %v %d %d %d", in.Op(), in.A(), in.B(), in.C())
	}
	in = ABx(OpLoadK, 7, 0xBEEF)
	if in.Op() != OpLoadK || in.A() != 7 || in.Bx() != 0xBEEF {
		t.Errorf("ABx decode = %v %d %#x", in.Op(), in.A(), in.Bx())
	}
	in = AsBx(OpJmpIf, 4, -3)
	if in.SBx() != -3 || in.A() != 4 {
		t.Errorf("AsBx decode = %d %d", in.A(), in.SBx())
	}
	if got := in.WithSBx(100); got.SBx() != 100 || got.A() != 4 || got.Op() != OpJmpIf {
		t.Errorf("WithSBx = %v %d %d", got.Op(), got.A(), got.SBx())
	}
}

func TestOpcodeTableComplete(t *testing.T) {
	for op := 0; op < 256; op++ {
		o := Opcode(op)
		if o.Valid() && strings.HasPrefix(o.String(), "UNKNOWN") {
			t.Errorf("opcode %#x has no name", op)
		}
	}
	if Opcode(0xFF).Valid() {
		t.Error("0xFF should not be a valid opcode")
	}
	if got := OpReturnUndef.String(); got != "RETURNUNDEF" {
		t.Errorf("OpReturnUndef.String() = %q", got)
	}
}

func TestLineTable(t *testing.T) {
	want := []int{0, 0, 1, 1, 1, 5, 300, 300, 2, 2}
	for i := 0; i < 600; i++ {
		want = append(want, 2)
	}
	want = append(want, 40, 0)

	var w LineWriter
	for pc, line := range want {
		w.Mark(pc, line)
	}
	for pc, line := range want {
		if got := LineAt(w.Bytes(), pc); got != line {
			t.Fatalf("LineAt(%d) = %d, want %d", pc, got, line)
		}
	}
}

func TestLineTableEmpty(t *testing.T) {
	if got := LineAt(nil, 10); got != 0 {
		t.Errorf("LineAt(nil) = %d", got)
	}
}

func sampleProto() *Proto {
	inner := &Proto{
		Name:      "f",
		Line:      1,
		NumParams: 1,
		NumSlots:  6,
		Code: []Instr{
			ABC(OpGetUpval, 5, 0, 0),
			ABC(OpAdd, 5, 5, 4),
			ABC(OpReturn, 5, 0, 0),
		},
		Upvals: []UpvalDesc{{FromStack: true, Index: 4, Name: "x"}},
	}
	var lw LineWriter
	lw.Mark(0, 2)
	inner.Lines = lw.Bytes()

	main := &Proto{
		Name:     "main",
		NumSlots: 6,
		Code: []Instr{
			ABx(OpLoadNum, 4, 0),
			Instr(fixed.FromFloat(1.5).Raw()),
			ABx(OpClosure, 5, 0),
			ABx(OpSetGlobal, 5, 1),
			AsBx(OpJmp, 0, -4),
			ABC(OpReturnUndef, 0, 0, 0),
		},
		Consts: []Const{
			{Kind: ConstProto, Proto: inner},
			{Kind: ConstString, Str: "f"},
		},
	}
	var mw LineWriter
	mw.Mark(2, 1)
	mw.Mark(5, 3)
	main.Lines = mw.Bytes()
	return main
}

func TestDisassemble(t *testing.T) {
	src := []byte("let x = 1.5;\nfunction f(a) {\n  return x + a;\n}\n")
	var buf bytes.Buffer
	if err := Disassemble(&buf, sampleProto(), src); err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"function main (params=0",
		"    1 | let x = 1.5;",
		"LOADNUM     r4",
		"; 1.5",
		"; function f",
		"; \"f\"",
		"; -> 0001",
		"function f (params=1",
		"; upvalue 0 x (stack 4)",
		"    3 |   return x + a;",
		"GETUPVAL    r5 0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
	// The raw number word is not listed as an instruction.
	if strings.Contains(out, "0001  ") {
		t.Errorf("LOADNUM operand word listed as an instruction:\n%s", out)
	}
}

func TestDisassembleWithoutSource(t *testing.T) {
	var buf bytes.Buffer
	if err := Disassemble(&buf, sampleProto(), nil); err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	if strings.Contains(buf.String(), " | ") {
		t.Errorf("listing without source contains source lines:\n%s", buf.String())
	}
}
