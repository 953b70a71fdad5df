package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const counterCart = `n = 0;
function _update() { n = n + 1; }
function _draw() { print("n", n); }
`

// writeCart writes files into a fresh directory and returns it.
func writeCart(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func runCLI(t *testing.T, cfg config, stdin string) string {
	t.Helper()
	var out bytes.Buffer
	if err := run(context.Background(), cfg, strings.NewReader(stdin), &out); err != nil {
		t.Fatalf("run: %v\noutput:\n%s", err, out.String())
	}
	return out.String()
}

func defaults(file string) config {
	return config{file: file, frames: 1, slot: -1, restore: -1}
}

func TestRunFrames(t *testing.T) {
	dir := writeCart(t, map[string]string{"game.sp": counterCart})
	cfg := defaults(filepath.Join(dir, "game.sp"))
	cfg.frames = 3
	if got, want := runCLI(t, cfg, ""), "n 1\nn 2\nn 3\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestRunDisasm(t *testing.T) {
	dir := writeCart(t, map[string]string{"game.sp": counterCart})
	cfg := defaults(filepath.Join(dir, "game.sp"))
	cfg.disasm = true
	out := runCLI(t, cfg, "")
	for _, want := range []string{"function game ", "function _update ", "function _draw ", "    2 | function _update"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly lacks %q:\n%s", want, out)
		}
	}
}

func TestRunCompileError(t *testing.T) {
	dir := writeCart(t, map[string]string{"bad.sp": "let = 4;"})
	var out bytes.Buffer
	err := run(context.Background(), defaults(filepath.Join(dir, "bad.sp")), strings.NewReader(""), &out)
	if err == nil || !strings.Contains(err.Error(), "bad.sp: line 1") {
		t.Errorf("err = %v, want a compile error naming bad.sp", err)
	}
}

func TestRunRuntimeError(t *testing.T) {
	dir := writeCart(t, map[string]string{"crash.sp": "function _update() { let t = null; t.x = 1; }"})
	var out bytes.Buffer
	err := run(context.Background(), defaults(filepath.Join(dir, "crash.sp")), strings.NewReader(""), &out)
	if err == nil {
		t.Fatal("a stopped instance should fail the run")
	}
	if !strings.Contains(out.String(), "runtime error: ") || !strings.Contains(out.String(), "at _update (line 1)") {
		t.Errorf("output = %q, want the runtime error and its trace", out.String())
	}
}

func TestRunSaveAndLoadImage(t *testing.T) {
	dir := writeCart(t, map[string]string{"game.sp": counterCart})
	image := filepath.Join(dir, "game.img")

	cfg := defaults(filepath.Join(dir, "game.sp"))
	cfg.frames = 2
	cfg.savePath = image
	if out := runCLI(t, cfg, ""); !strings.Contains(out, "Saved "+image+" (2 frames)") {
		t.Errorf("output = %q", out)
	}

	cfg = defaults(filepath.Join(dir, "game.sp"))
	cfg.loadPath = image
	if got := runCLI(t, cfg, ""); got != "n 3\n" {
		t.Errorf("resumed output = %q, want %q", got, "n 3\n")
	}
}

func TestRunSavestates(t *testing.T) {
	dir := writeCart(t, map[string]string{"game.sp": counterCart})
	src := filepath.Join(dir, "game.sp")
	store := filepath.Join(dir, "saves", "db.sqlite")

	cfg := defaults(src)
	cfg.frames = 4
	cfg.storePath = store
	cfg.slot = 2
	runCLI(t, cfg, "")

	cfg = defaults(src)
	cfg.storePath = store
	cfg.list = true
	if out := runCLI(t, cfg, ""); !strings.Contains(out, "  2  ") || !strings.Contains(out, "frame 4") {
		t.Errorf("list = %q", out)
	}

	cfg = defaults(src)
	cfg.storePath = store
	cfg.restore = 2
	if got := runCLI(t, cfg, ""); got != "n 5\n" {
		t.Errorf("restored output = %q, want %q", got, "n 5\n")
	}

	cfg = defaults(src)
	cfg.storePath = store
	cfg.restore = 7
	var out bytes.Buffer
	if err := run(context.Background(), cfg, strings.NewReader(""), &out); err == nil {
		t.Errorf("restoring an empty slot succeeded")
	}
}

func TestRunManifest(t *testing.T) {
	dir := writeCart(t, map[string]string{
		"sprout.toml": "[cart]\nname = \"blob\"\ndata = \"blob.bin\"\n[runtime]\ndata-size = 16\n",
		"main.sp":     "function _draw() { print(#data, peek(data, 1)); }",
		"blob.bin":    "\x07\x09",
	})
	t.Chdir(dir)
	if got := runCLI(t, config{frames: 1, slot: -1, restore: -1}, ""); got != "16 9\n" {
		t.Errorf("output = %q, want %q", got, "16 9\n")
	}
}

func TestRunWithoutManifest(t *testing.T) {
	t.Chdir(t.TempDir())
	var out bytes.Buffer
	err := run(context.Background(), config{frames: 1, slot: -1, restore: -1}, strings.NewReader(""), &out)
	if err == nil || !strings.Contains(err.Error(), "no sprout.toml found") {
		t.Errorf("err = %v", err)
	}
}

func TestREPL(t *testing.T) {
	dir := writeCart(t, map[string]string{"game.sp": counterCart})
	cfg := defaults(filepath.Join(dir, "game.sp"))
	cfg.frames = 0
	cfg.interactive = true
	stdin := strings.Join([]string{
		"x = 2",
		"x = x * \\",
		"  21;",
		"print(x)",
		":frame 2",
		":nope",
		"exit",
		"print(99)",
	}, "\n")
	out := runCLI(t, cfg, stdin)
	for _, want := range []string{"42\n", "n 2\n", "frame 2\n", "Unknown command: :nope"} {
		if !strings.Contains(out, want) {
			t.Errorf("REPL output lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "99") {
		t.Errorf("input after exit was evaluated")
	}
}

func TestCart(t *testing.T) {
	m, err := cart("some/dir/demo.sp")
	if err != nil {
		t.Fatal(err)
	}
	if m.Cart.Name != "demo" || !filepath.IsAbs(m.SourcePath()) || filepath.Base(m.SavestatePath()) != "saves.db" {
		t.Errorf("cart = %+v", m)
	}
}

func TestVerbosityFlag(t *testing.T) {
	var v verbosity
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Var(&v, "v", "")
	if err := fs.Parse([]string{"-v", "-v", "-v"}); err != nil {
		t.Fatal(err)
	}
	if v != 3 {
		t.Errorf("-v -v -v = %d, want 3", v)
	}
	if err := fs.Parse([]string{"-v=0"}); err != nil || v != 0 {
		t.Errorf("-v=0 = %d, %v", v, err)
	}
}

func TestExampleCart(t *testing.T) {
	t.Chdir(filepath.Join("..", "..", "examples", "bounce"))
	out := runCLI(t, config{frames: 120, slot: -1, restore: -1}, "")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "frame 60: ") || !strings.HasPrefix(lines[1], "frame 120: ") {
		t.Fatalf("output = %q", out)
	}
	if n := len(strings.Fields(lines[1])); n != 2+4 {
		t.Errorf("%q reports %d balls, want 4", lines[1], n-2)
	}
}
