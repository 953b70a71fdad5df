package vm

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// newTestInstance creates an instance that prints into the returned buffer.
func newTestInstance(t *testing.T, opts Options) (*Instance, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	opts.Output = &out
	in, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(in.Close)
	return in, &out
}

// load runs src in a fresh instance and fails the test on any error.
func load(t *testing.T, src string) (*Instance, *bytes.Buffer) {
	t.Helper()
	in, out := newTestInstance(t, Options{})
	if err := in.Load([]byte(src), nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return in, out
}

// global returns the tostr() form of a global.
func global(in *Instance, name string) string {
	return in.Format(in.Global(name))
}

// runtimeError loads src and returns the runtime error it must raise.
func runtimeError(t *testing.T, src string) *RuntimeError {
	t.Helper()
	in, _ := newTestInstance(t, Options{})
	err := in.Load([]byte(src), nil)
	var rerr *RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("Load(%q) = %v, want a runtime error", src, err)
	}
	return rerr
}

func TestPrograms(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string // value of the global r
	}{
		{"arithmetic", `r = 1 + 2 * 3 - 4 / 2;`, "5"},
		{"fraction", `r = 1 / 4;`, "0.25"},
		{"negative", `let x = 3; r = -x;`, "-3"},
		{"modulo", `r = 7 % 3;`, "1"},
		{"power", `r = 2 ** 3 ** 2;`, "512"},
		{"bitwise", `let a = 12; r = (a & 10) | (a ^ 5);`, "9"},
		{"shift", `let a = 1; r = a << 4;`, "16"},
		{"concat", `r = "n=" + 42;`, "n=42"},
		{"concat bool", `r = true + "!";`, "true!"},
		{"ternary", `let a = 3; r = a > 2 ? "big" : "small";`, "big"},
		{"or value", `r = null || "fallback";`, "fallback"},
		{"and value", `r = 0 && "never";`, "0"},
		{"string compare", `r = "abc" < "abd";`, "true"},
		{"length", `r = #"hello" + #[1, 2] + #{a: 1};`, "8"},
		{"string index", `r = "hello"[1];`, "e"},
		{"array out of range", `let a = [1]; r = a[5];`, "undefined"},
		{"array append by index", `let a = [1]; a[1] = 2; r = #a;`, "2"},
		{"missing key", `let t = {}; r = t.nope;`, "undefined"},
		{"string key", `let t = {"two words": 2}; r = t["two words"];`, "2"},
		{"nested", `let t = {a: [1, {b: "deep"}]}; r = t.a[1].b;`, "deep"},
		{"while", `let i = 0; r = 0; while (i < 5) { r += i; i += 1; }`, "10"},
		{"do while", `let i = 10; r = 0; do { r += 1; } while (i < 5);`, "1"},
		{"for", `r = 0; for (let i = 0; i < 4; i += 1) { r += i; }`, "6"},
		{"break", `r = 0; for (let i = 0; i < 10; i += 1) { if (i == 3) { break; } r = i; }`, "2"},
		{"continue", `r = 0; for (let i = 0; i < 5; i += 1) { if (i % 2 == 0) { continue; } r += i; }`, "4"},
		{"for in string", `r = ""; for (let c in "abc") { r = c + r; }`, "cba"},
		{"for in array", `r = 0; for (let v in [1, 2, 3]) { r += v; }`, "6"},
		{"for in table", `r = 0; for (let k in {a: 1, b: 2}) { r += 1; }`, "2"},
		{"switch fallthrough", `let x = 1; r = ""; switch (x) { case 1: r += "a"; case 2: r += "b"; break; default: r += "c"; }`, "ab"},
		{"switch continue", `let i = 0; let n = 0; while (i < 3) { i += 1; switch (i) { case 2: continue; } n += 1; } r = n;`, "2"},
		{"switch continue for", `r = 0; for (let i = 0; i < 5; i += 1) { switch (i % 2) { case 0: continue; default: r += i; } }`, "4"},
		{"switch break in loop", `r = 0; for (let v in [1, 2, 3]) { switch (v) { case 2: break; default: r += v; } }`, "4"},
		{"switch case block", `r = ""; switch (2) { case 1: { let z = 5; r = z; } case 2: { let z; r = type(z); } }`, "undefined"},
		{"max round trip", `r = tonum(tostr(32767.99997)) > 0;`, "true"},
		{"division by zero prints", `let z = 0; r = 1 / z;`, "32767.9999"},
		{"switch default", `let x = 9; r = ""; switch (x) { case 1: r += "a"; break; default: r += "c"; }`, "c"},
		{"recursion", `function fib(n) { if (n < 2) { return n; } return fib(n - 1) + fib(n - 2); } r = fib(15);`, "610"},
		{"method this", `let o = {n: 7, get: function () { return this.n; }}; r = o.get();`, "7"},
		{"plain call this", `function f() { return this; } r = f();`, "undefined"},
		{"missing return", `function f() {} r = f();`, "undefined"},
		{"type", `r = type([]) + type({}) + type(print) + type(null);`, "arraytablefunctionnull"},
		{"tonum", `r = tonum("-2.5") + tonum(" 4 ");`, "1.5"},
		{"tonum invalid", `r = tonum("abc");`, "undefined"},
		{"sub", `r = sub("hello", 1, 3) + sub("hello", 3);`, "ello"},
		{"sub clamps", `r = sub("hi", -5, 99);`, "hi"},
		{"chr ord", `r = chr(ord("A") + 1) + ord("xyz", 2);`, "B122"},
		{"ord out of range", `r = ord("a", 3);`, "undefined"},
		{"add deli", `let a = [1, 2, 3]; add(a, 4); r = deli(a, 0) + #a;`, "4"},
		{"keys", `let k = keys({x: 1}); r = k[0];`, "x"},
		{"min max", `r = min(3, 1) + max(3, 1);`, "4"},
		{"flr ceil", `r = flr(1.5) + ceil(1.5) + flr(-1.5);`, "1"},
		{"sqrt", `r = sqrt(16);`, "4"},
		{"abs", `r = abs(-7);`, "7"},
		{"buffer", `let b = buffer(4); poke(b, 1, 300); b[2] = 7; r = peek(b, 1) + b[2] + #b;`, "55"},
		{"tostr", `r = tostr(1 / 3);`, "0.3333"},
		{"tostr array", `r = tostr([1]);`, "[array]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, _ := load(t, tt.src)
			if got := global(in, "r"); got != tt.want {
				t.Errorf("r = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClosureCounter(t *testing.T) {
	in, _ := load(t, `
function counter() {
  let n = 0;
  return function () { n += 1; return n; };
}
c = counter();
c();
r = c();
`)
	if got := global(in, "r"); got != "2" {
		t.Errorf("r = %s, want 2", got)
	}
	v, err := in.Call("c")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := in.Format(v); got != "3" {
		t.Errorf("third call = %s, want 3", got)
	}
}

func TestClosureCapturesByReference(t *testing.T) {
	in, _ := load(t, `let x = 1; function f() { return x; } x = 2;`)
	v, err := in.Call("f")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := in.Format(v); got != "2" {
		t.Errorf("f() = %s, want 2", got)
	}
}

func TestClosuresShareUpvalue(t *testing.T) {
	in, _ := load(t, `
function pair() {
  let n = 0;
  return [function () { n += 1; }, function () { return n; }];
}
let p = pair();
p[0]();
p[0]();
r = p[1]();
`)
	if got := global(in, "r"); got != "2" {
		t.Errorf("r = %s, want 2", got)
	}
}

func TestLoopClosuresCaptureEachIteration(t *testing.T) {
	in, _ := load(t, `
fs = [];
for (let v in [10, 20, 30]) {
  add(fs, function () { return v; });
}
r = fs[0]() + fs[2]();
`)
	if got := global(in, "r"); got != "40" {
		t.Errorf("r = %s, want 40", got)
	}
}

func TestArity(t *testing.T) {
	in, _ := load(t, `
function f(a, b, c) { return type(c); }
function g(a, b, c) { return a + "," + b + "," + type(c); }
few = f(1);
many = f(1, 2, 3, 4, 5);
fewArgs = g(1);
manyArgs = g(1, 2, 3, 4, 5);
`)
	if got := global(in, "few"); got != "undefined" {
		t.Errorf("missing parameter is %s, want undefined", got)
	}
	if got := global(in, "many"); got != "number" {
		t.Errorf("third parameter with extra arguments is %s, want number", got)
	}
	if got := global(in, "fewArgs"); got != "1,undefined,undefined" {
		t.Errorf("g(1) = %s", got)
	}
	if got := global(in, "manyArgs"); got != "1,2,number" {
		t.Errorf("g(1, 2, 3, 4, 5) = %s", got)
	}
}

func TestPrint(t *testing.T) {
	_, out := load(t, `print("a", 1, true, null, undefined); print();`)
	if got, want := out.String(), "a 1 true null undefined\n\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestFrameCallbacks(t *testing.T) {
	in, out := load(t, `
n = 0;
function _update() { n += 1; }
function _draw() { print("frame", n); }
`)
	for i := 0; i < 3; i++ {
		if err := in.Frame(); err != nil {
			t.Fatalf("Frame: %v", err)
		}
	}
	if got, want := out.String(), "frame 1\nframe 2\nframe 3\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	if in.Frames() != 3 {
		t.Errorf("Frames() = %d, want 3", in.Frames())
	}
}

func TestFrameWithoutCallbacks(t *testing.T) {
	in, _ := load(t, `x = 1;`)
	if err := in.Frame(); err != nil {
		t.Fatalf("Frame: %v", err)
	}
}

func TestCompileErrorLeavesNoState(t *testing.T) {
	in, _ := newTestInstance(t, Options{})
	before := in.Objects()
	err := in.Load([]byte("x = ;"), nil)
	if err == nil {
		t.Fatal("expected a compile error")
	}
	var rerr *RuntimeError
	if errors.As(err, &rerr) {
		t.Fatalf("got runtime error %v, want a compile error", err)
	}
	if in.Objects() != before || in.Stopped() {
		t.Errorf("compile error changed the instance")
	}
}

func TestRuntimeErrorStopsInstance(t *testing.T) {
	in, _ := load(t, `
function _update() {
  let x = null;
  x.y = 1;
}
`)
	err := in.Frame()
	var rerr *RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("Frame = %v, want a runtime error", err)
	}
	if rerr.Msg != "attempt to index a null value" {
		t.Errorf("Msg = %q", rerr.Msg)
	}
	if len(rerr.Trace) != 1 || rerr.Trace[0] != (Frame{Function: "_update", Line: 3}) {
		t.Errorf("Trace = %+v", rerr.Trace)
	}
	if !strings.Contains(err.Error(), "at _update (line 4)") {
		t.Errorf("Error() = %q", err.Error())
	}
	if !in.Stopped() || in.Err() == nil {
		t.Fatal("instance should be stopped")
	}
	if err := in.Frame(); !errors.Is(err, ErrStopped) {
		t.Errorf("Frame on stopped instance = %v, want ErrStopped", err)
	}
	if _, err := in.Call("_update"); !errors.Is(err, ErrStopped) {
		t.Errorf("Call on stopped instance = %v, want ErrStopped", err)
	}
	if in.Frames() != 0 {
		t.Errorf("failed frame was counted")
	}

	in.Restart()
	if in.Stopped() || in.Err() != nil {
		t.Fatal("Restart did not clear the stopped state")
	}
	if err := in.Frame(); !errors.As(err, &rerr) {
		t.Errorf("Frame after restart = %v, want the same runtime error", err)
	}
}

func TestRuntimeErrorTrace(t *testing.T) {
	in, _ := load(t, `function inner() { let n = null; return 1 + n; }
function outer() {
  return inner();
}
`)
	_, err := in.Call("outer")
	var rerr *RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("Call = %v, want a runtime error", err)
	}
	if rerr.Msg != "attempt to perform arithmetic on a null value" {
		t.Errorf("Msg = %q", rerr.Msg)
	}
	want := []Frame{{"inner", 0}, {"outer", 2}}
	if len(rerr.Trace) != len(want) {
		t.Fatalf("Trace = %+v, want %+v", rerr.Trace, want)
	}
	for i := range want {
		if rerr.Trace[i] != want[i] {
			t.Errorf("Trace[%d] = %+v, want %+v", i, rerr.Trace[i], want[i])
		}
	}
}

func TestRuntimeErrors(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{`let a = [1]; a[3] = 1;`, "array index 3 out of range"},
		{`let a = [1]; a[-1] = 1;`, "array index -1 out of range"},
		{`let t = {}; t[1] = 2;`, "table key must be a string, not number"},
		{`let x = 1; x();`, "attempt to call a number value"},
		{`let x = true; let y = -x;`, "attempt to negate a boolean value"},
		{`let x = [] < [];`, "attempt to compare array with array"},
		{`let n = 1; let x = #n;`, "attempt to get length of a number value"},
		{`for (let v in 5) {}`, "attempt to iterate over a number value"},
		{`tostr();`, "tostr expects 1 argument, got 0"},
		{`min(1);`, "min expects 2 arguments, got 1"},
		{`sub("a");`, "sub expects 2 to 3 arguments, got 1"},
		{`poke(buffer(1), 0);`, "poke expects 3 arguments, got 2"},
		{`abs("x");`, "bad argument #1 to abs (number expected, got string)"},
		{`add({}, 1);`, "bad argument #1 to add (array expected, got table)"},
		{`poke(buffer(1), 5, 1);`, "buffer index 5 out of range"},
		{`buffer(-1);`, "buffer size -1 is negative"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := runtimeError(t, tt.src).Msg; got != tt.want {
				t.Errorf("Msg = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStackOverflow(t *testing.T) {
	in, _ := newTestInstance(t, Options{StackLimit: 1024})
	if err := in.Load([]byte(`function f(n) { return f(n + 1) + 1; }`), nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err := in.Call("f", Int(0))
	var rerr *RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("Call = %v, want a runtime error", err)
	}
	if rerr.Msg != "stack overflow" {
		t.Errorf("Msg = %q, want stack overflow", rerr.Msg)
	}
	if len(rerr.Trace) != maxTrace+1 || rerr.Trace[maxTrace].Function != "..." {
		t.Errorf("trace has %d frames, want %d ending in ...", len(rerr.Trace), maxTrace+1)
	}
	if err := in.Check(); err != nil {
		t.Errorf("Check after overflow: %v", err)
	}
}

func TestOutOfMemory(t *testing.T) {
	in, _ := newTestInstance(t, Options{ArenaSize: 32 << 10})
	err := in.Load([]byte(`keep = []; while (true) { add(keep, [1, 2, 3]); }`), nil)
	var rerr *RuntimeError
	if !errors.As(err, &rerr) || rerr.Msg != "out of memory" {
		t.Fatalf("Load = %v, want out of memory", err)
	}
	if err := in.Check(); err != nil {
		t.Fatalf("Check after exhaustion: %v", err)
	}
	in.Restart()
	in.SetGlobal("keep", Undefined)
	in.Collect()
	if err := in.Check(); err != nil {
		t.Fatalf("Check after collection: %v", err)
	}
	if err := in.SetGlobal("x", Int(1)); err != nil {
		t.Errorf("SetGlobal after collection: %v", err)
	}
}

func TestCycleBudgetDoesNotSuspend(t *testing.T) {
	in, _ := newTestInstance(t, Options{CycleBudget: 100})
	if err := in.Load([]byte(`r = 0; for (let i = 0; i < 1000; i += 1) { r += 1; }`), nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := global(in, "r"); got != "1000" {
		t.Errorf("r = %s, want 1000", got)
	}
	if in.Cycles() <= 100 {
		t.Errorf("Cycles() = %d, want more than the budget", in.Cycles())
	}
}

func TestDataBuffer(t *testing.T) {
	in, _ := newTestInstance(t, Options{})
	if err := in.Load([]byte(`x = peek(data, 1); n = #data;`), []byte{1, 2, 3}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if global(in, "x") != "2" || global(in, "n") != "3" {
		t.Errorf("x = %s, n = %s; want 2 and 3", global(in, "x"), global(in, "n"))
	}

	in, _ = newTestInstance(t, Options{DataSize: 8})
	if err := in.Load([]byte(`n = #data;`), []byte{1}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if global(in, "n") != "8" {
		t.Errorf("n = %s, want the configured size 8", global(in, "n"))
	}
}

func TestExec(t *testing.T) {
	in, _ := newTestInstance(t, Options{})
	if err := in.Load([]byte(`count = 1;`), []byte{5}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	for range 2 {
		if err := in.Exec([]byte(`count = count + peek(data, 0);`)); err != nil {
			t.Fatalf("Exec: %v", err)
		}
	}
	if got := global(in, "count"); got != "11" {
		t.Errorf("count = %s, want 11", got)
	}
	if err := in.Exec([]byte(`count = ;`)); err == nil {
		t.Errorf("Exec of a syntax error succeeded")
	}
	if got := global(in, "count"); got != "11" {
		t.Errorf("count = %s after a compile error", got)
	}
}

func TestHostGlobals(t *testing.T) {
	in, _ := load(t, `function greet(who) { return "hi " + who; }`)
	who, err := in.NewString("host")
	if err != nil {
		t.Fatalf("NewString: %v", err)
	}
	v, err := in.Call("greet", who)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := in.Format(v); got != "hi host" {
		t.Errorf("greet = %q", got)
	}

	if err := in.SetGlobal("limit", Int(9)); err != nil {
		t.Fatalf("SetGlobal: %v", err)
	}
	if got := in.Describe(in.Global("limit")); got != "9" {
		t.Errorf("limit = %s", got)
	}
	in.SetGlobal("limit", Undefined)
	if _, ok := in.Globals()["limit"]; ok {
		t.Errorf("assigning undefined did not remove the global")
	}
	if _, err := in.Call("nothing"); err == nil {
		t.Errorf("calling a missing global should fail")
	}
}

func TestDescribe(t *testing.T) {
	in, _ := load(t, `
a = [1, "two", null];
t = {k: [true]};
b = buffer(3);
function named() {}
`)
	tests := map[string]string{
		"a":     `[1, "two", null]`,
		"t":     `{k: [true]}`,
		"b":     `buffer(3)`,
		"named": `function named`,
		"print": `native print`,
	}
	g := in.Globals()
	for name, want := range tests {
		if got := g[name]; got != want {
			t.Errorf("%s = %s, want %s", name, got, want)
		}
	}
}

func TestDescribeCycle(t *testing.T) {
	in, _ := load(t, `a = []; add(a, a);`)
	if got := in.Describe(in.Global("a")); !strings.HasSuffix(got, "...]]]]]]]]]") {
		t.Errorf("Describe of a cycle = %s", got)
	}
}

func TestCheckAfterWorkload(t *testing.T) {
	in, _ := load(t, `
t = {};
for (let i = 0; i < 200; i += 1) { t["k" + i] = [i, "v" + i]; }
for (let i = 0; i < 200; i += 2) { t["k" + i] = undefined; }
function _update() { let tmp = {x: "garbage" + 1}; }
`)
	for i := 0; i < 5; i++ {
		if err := in.Frame(); err != nil {
			t.Fatalf("Frame: %v", err)
		}
	}
	if err := in.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
	in.Collect()
	if err := in.Check(); err != nil {
		t.Fatalf("Check after Collect: %v", err)
	}
	if got := in.Format(in.tableGet(in.Global("t"), in.internString("k7"))); got != "[array]" {
		t.Errorf("t.k7 = %s", got)
	}
	if n := in.tableCount(in.Global("t")); n != 100 {
		t.Errorf("table holds %d keys, want 100", n)
	}
}
