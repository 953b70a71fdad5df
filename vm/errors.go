package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/sprout/bytecode"
)

// ErrStopped is returned by every entry point of an instance that a
// runtime error has stopped. Restart clears it.
var ErrStopped = errors.New("vm: instance is stopped")

// maxTrace bounds the frames recorded in a runtime error.
const maxTrace = 32

// Frame is one entry of a runtime error's stack trace.
type Frame struct {
	Function string
	Line     int // 0-based
}

// RuntimeError aborts the current invocation and stops the instance.
type RuntimeError struct {
	Msg   string
	Trace []Frame // innermost first
}

func (e *RuntimeError) Error() string {
	var b strings.Builder
	b.WriteString("runtime error: ")
	b.WriteString(e.Msg)
	for _, f := range e.Trace {
		fmt.Fprintf(&b, "\n\tat %s (line %d)", f.Function, f.Line+1)
	}
	return b.String()
}

// raise unwinds to the invocation boundary with a runtime error.
func (in *Instance) raise(format string, args ...any) {
	panic(&RuntimeError{Msg: fmt.Sprintf(format, args...), Trace: in.trace()})
}

// trace walks the active frames through the resume pc and caller distance
// words of each frame header, mapping each pc to its source line.
func (in *Instance) trace() []Frame {
	if !in.running || in.fr.code == nil {
		return nil
	}
	var frames []Frame
	base, pc, cd := in.fr.base, in.fr.pc-1, in.fr.code
	for {
		if len(frames) == maxTrace {
			frames = append(frames, Frame{Function: "..."})
			break
		}
		frames = append(frames, Frame{Function: cd.displayName(), Line: bytecode.LineAt(cd.lines, pc)})
		resume := in.stack[base+bytecode.SlotPC]
		if resume.bits == hostMarker {
			break
		}
		pc = int(resume.bits) - 1
		base -= int(in.stack[base+bytecode.SlotCaller].bits)
		cd = in.codeAt(in.fnCode(in.stack[base].ptr()))
	}
	return frames
}

// typeError reports an operand of the wrong kind.
func (in *Instance) typeError(what string, v Value) {
	in.raise("attempt to %s a %s value", what, v.kind)
}
