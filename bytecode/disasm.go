package bytecode

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/chazu/sprout/fixed"
)

// Disassemble writes a listing of p and every function nested in it.
// When src is non-nil each run of instructions is preceded by the source
// line it was compiled from.
func Disassemble(w io.Writer, p *Proto, src []byte) error {
	var lines []string
	if src != nil {
		lines = strings.Split(string(bytes.ReplaceAll(src, []byte("\r\n"), []byte("\n"))), "\n")
	}
	bw := bufio.NewWriter(w)
	first := true
	p.Walk(func(fn *Proto) {
		if !first {
			bw.WriteString("\n")
		}
		first = false
		disassembleProto(bw, fn, lines)
	})
	return bw.Flush()
}

func disassembleProto(w *bufio.Writer, p *Proto, lines []string) {
	fmt.Fprintf(w, "function %s (params=%d, slots=%d, upvalues=%d, constants=%d) line %d\n",
		p.DisplayName(), p.NumParams, p.NumSlots, len(p.Upvals), len(p.Consts), p.Line+1)
	for i, u := range p.Upvals {
		src := "upvalue"
		if u.FromStack {
			src = "stack"
		}
		fmt.Fprintf(w, "  ; upvalue %d %s (%s %d)\n", i, u.Name, src, u.Index)
	}

	lastLine := -1
	for pc := 0; pc < len(p.Code); pc++ {
		if lines != nil {
			if line := p.LineAt(pc); line != lastLine {
				text := ""
				if line >= 0 && line < len(lines) {
					text = strings.TrimRight(lines[line], " \t")
				}
				fmt.Fprintf(w, "%5d | %s\n", line+1, text)
				lastLine = line
			}
		}
		text, width := FormatInstr(p, pc)
		fmt.Fprintf(w, "        %04d  %s\n", pc, text)
		pc += width - 1
	}
}

// FormatInstr renders the instruction at pc and reports how many words it
// occupies.
func FormatInstr(p *Proto, pc int) (string, int) {
	in := p.Code[pc]
	op := in.Op()
	info := op.Info()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-12s", info.Name)

	switch info.Format {
	case FormatA:
		fmt.Fprintf(&sb, "r%d", in.A())
	case FormatAB:
		fmt.Fprintf(&sb, "r%d %d", in.A(), in.B())
	case FormatABC:
		fmt.Fprintf(&sb, "r%d %d %d", in.A(), in.B(), in.C())
	case FormatABx:
		fmt.Fprintf(&sb, "r%d %d", in.A(), in.Bx())
	case FormatAsBx:
		fmt.Fprintf(&sb, "r%d %d", in.A(), in.SBx())
	case FormatsBx:
		fmt.Fprintf(&sb, "%d", in.SBx())
	}

	comment := ""
	width := 1
	switch op {
	case OpLoadNum:
		if pc+1 < len(p.Code) {
			comment = fixed.FromRaw(uint32(p.Code[pc+1])).String()
			width = 2
		}
	case OpLoadK, OpGetGlobal, OpSetGlobal, OpClosure:
		comment = constComment(p, int(in.Bx()))
	case OpGetField:
		comment = constComment(p, int(in.C()))
	case OpSetField:
		comment = constComment(p, int(in.B()))
	case OpGetUpval, OpSetUpval:
		if int(in.B()) < len(p.Upvals) {
			comment = p.Upvals[in.B()].Name
		}
	case OpJmp, OpJmpIf, OpJmpIfNot, OpJmpClose, OpNext:
		comment = fmt.Sprintf("-> %04d", pc+1+int(in.SBx()))
	case OpCall:
		comment = fmt.Sprintf("%d args", in.B())
	}
	s := sb.String()
	if comment != "" {
		s = fmt.Sprintf("%-28s ; %s", s, comment)
	}
	return s, width
}

func constComment(p *Proto, i int) string {
	if i < len(p.Consts) {
		return p.Consts[i].String()
	}
	return fmt.Sprintf("<bad constant %d>", i)
}
