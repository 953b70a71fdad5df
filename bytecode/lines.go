package bytecode

// The line table is a run-length encoding of (instruction delta, line
// delta) byte pairs. Starting from pc 0 at line 0, each pair advances the
// pc by an unsigned delta and then moves the line by a signed delta; the
// line applies to every instruction from that pc until the next pair.

// LineWriter builds a line table as instructions are emitted.
type LineWriter struct {
	data []byte
	pc   int
	line int
}

// Mark records that instruction pc comes from line. Calls must have
// non-decreasing pc.
func (w *LineWriter) Mark(pc, line int) {
	if line == w.line {
		return
	}
	dpc := pc - w.pc
	for dpc > 255 {
		w.data = append(w.data, 255, 0)
		dpc -= 255
	}
	dl := line - w.line
	for dl > 127 {
		w.data = append(w.data, byte(dpc), 127)
		dpc = 0
		dl -= 127
	}
	for dl < -128 {
		w.data = append(w.data, byte(dpc), byte(0x80)) // -128
		dpc = 0
		dl += 128
	}
	w.data = append(w.data, byte(dpc), byte(int8(dl)))
	w.pc, w.line = pc, line
}

// Bytes returns the encoded table.
func (w *LineWriter) Bytes() []byte { return w.data }

// LineAt decodes table to find the line of instruction pc.
func LineAt(table []byte, pc int) int {
	at, line := 0, 0
	for i := 0; i+1 < len(table); i += 2 {
		if at+int(table[i]) > pc {
			break
		}
		at += int(table[i])
		line += int(int8(table[i+1]))
	}
	return line
}
