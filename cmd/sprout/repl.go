package main

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/chazu/sprout/vm"
)

// runREPL reads statements and runs them against the instance's globals.
// A line ending in '\' continues on the next line.
func runREPL(in *vm.Instance, r io.Reader, w io.Writer) {
	fmt.Fprintln(w, "Sprout REPL (type 'exit' to quit, ':help' for commands)")

	scanner := bufio.NewScanner(r)
	var lineBuffer strings.Builder

	for {
		if lineBuffer.Len() == 0 {
			fmt.Fprint(w, ">> ")
		} else {
			fmt.Fprint(w, ".. ")
		}
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()

		if lineBuffer.Len() == 0 {
			if line == "exit" || line == "quit" {
				break
			}
			if strings.HasPrefix(line, ":") {
				handleREPLCommand(in, line, w)
				continue
			}
		}

		if rest, ok := strings.CutSuffix(line, "\\"); ok {
			lineBuffer.WriteString(rest)
			lineBuffer.WriteString("\n")
			continue
		}
		lineBuffer.WriteString(line)
		input := strings.TrimSpace(lineBuffer.String())
		lineBuffer.Reset()
		if input != "" {
			eval(in, input, w)
		}
	}
	fmt.Fprintln(w)
}

// eval runs one input. A missing trailing semicolon is supplied.
func eval(in *vm.Instance, input string, w io.Writer) {
	if !strings.HasSuffix(input, ";") && !strings.HasSuffix(input, "}") {
		input += ";"
	}
	if err := in.Exec([]byte(input)); err != nil {
		fmt.Fprintln(w, err)
	}
}

// handleREPLCommand handles REPL meta-commands
func handleREPLCommand(in *vm.Instance, cmd string, w io.Writer) {
	name, arg, _ := strings.Cut(cmd, " ")
	switch name {
	case ":help", ":h", ":?":
		fmt.Fprintln(w, "REPL Commands:")
		fmt.Fprintln(w, "  :help, :h, :?     Show this help")
		fmt.Fprintln(w, "  :frame [n]        Run n frames (default 1)")
		fmt.Fprintln(w, "  :globals          List globals")
		fmt.Fprintln(w, "  :gc               Collect garbage")
		fmt.Fprintln(w, "  :stats            Show heap usage")
		fmt.Fprintln(w, "  :restart          Clear a stopped instance")
		fmt.Fprintln(w, "  exit, quit        Exit REPL")
	case ":frame":
		n := 1
		if arg != "" {
			var err error
			if n, err = strconv.Atoi(strings.TrimSpace(arg)); err != nil {
				fmt.Fprintf(w, "Bad frame count: %s\n", arg)
				return
			}
		}
		if err := runFrames(in, n); err != nil {
			fmt.Fprintln(w, err)
		}
		fmt.Fprintf(w, "frame %d\n", in.Frames())
	case ":globals":
		globals := in.Globals()
		names := make([]string, 0, len(globals))
		for k := range globals {
			names = append(names, k)
		}
		slices.Sort(names)
		for _, k := range names {
			fmt.Fprintf(w, "%-12s %s\n", k, globals[k])
		}
	case ":gc":
		st := in.Collect()
		fmt.Fprintf(w, "freed %d, live %d, %d bytes free\n", st.Freed, st.Live, st.HeapFree)
	case ":stats":
		hs := in.HeapStats()
		fmt.Fprintf(w, "arena %d, in use %d, free %d, wilderness %d, objects %d, cycles %d\n",
			hs.Arena, hs.InUse, hs.Free, hs.Wilderness, in.Objects(), in.Cycles())
	case ":restart":
		in.Restart()
	default:
		fmt.Fprintf(w, "Unknown command: %s (type :help for commands)\n", cmd)
	}
}
