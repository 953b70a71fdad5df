package compiler

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// FuzzLexer: ensure the lexer never panics on arbitrary input and always
// makes progress.
// ---------------------------------------------------------------------------

func FuzzLexer(f *testing.F) {
	seeds := []string{
		// Delimiters and operators
		`( ) [ ] { } , ; : . ? ~ # ^`,
		`= == ! != + += - -= * *= ** / /= % %= | || & && < << <= > >> >>> >=`,
		// Numbers
		`42`, `0`, `1.25`, `.5`, `0x1F`, `0b101`, `0o17`, `017`, `12ab`, `1.`,
		// Strings
		`"hello"`, `'hello'`, `""`, `"a\nb"`, `"\x41"`, `"\q"`, `"\x4"`,
		// Identifiers and reserved words
		`foo`, `_bar`, `let`, `function`, `undefined`, `this`,
		// Comments
		"// line\nx", `/* block */ x`, `/* open`, `/**/`,
		// Programs
		`let x = 1; function f() { return x; } x = 2;`,
		"for (let i in [1, 2]) {\n  print(i);\n}",
		// Edge cases
		`"unterminated`, `@`, "\x00", "\xff\xfe",
		``, `   `, "\t\n\r",
	}

	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, data string) {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("lexer panicked on input %q: %v", data, r)
			}
		}()

		l := NewLexer(data)
		last := -1
		for i := 0; i <= len(data)+1; i++ {
			tok := l.NextToken()
			if tok.Type == TokenEOF || tok.Type == TokenError {
				return
			}
			if tok.Pos.Offset <= last {
				t.Fatalf("lexer did not advance at offset %d on %q", tok.Pos.Offset, data)
			}
			last = tok.Pos.Offset
		}
		t.Fatalf("lexer produced more tokens than input bytes for %q", data)
	})
}

// ---------------------------------------------------------------------------
// FuzzCompile: arbitrary source either compiles to well-formed code or
// fails with a compile error. Internal errors and other panics are bugs.
// ---------------------------------------------------------------------------

func FuzzCompile(f *testing.F) {
	seeds := []string{
		`let x = 1; function f() { return x; } x = 2;`,
		`x = 2 + 3 * 4 ** -1;`,
		`x = a ? b : c && d || e;`,
		`t = {a: [1, 2], "b": {c: 3}}; t.a[0] += t.b.c;`,
		`obj.m(1, 2).n()(3);`,
		`while (i < 10) { if (i == 5) { i += 2; continue; } i += 1; }`,
		`do { let y = i; g = function () { return y; }; break; } while (1);`,
		`for (let i = 0; i < 3; i += 1) { for (let c in "abc") print(c); }`,
		`switch (x) { default: a(); case 1: { let z = 2; } case 2: break; }`,
		`while (i < 3) { i += 1; switch (i) { case 2: continue; } n += 1; }`,
		`function outer() { let a = 1; return function () { return function () { return a; }; }; }`,
		`function f(a, b, c) { return this; } return f(1);`,
		// Broken programs
		`let`, `x =`, `f(`, `a.b(`, `{`, `}`, `switch (x) { y; }`, `break`,
		`function (`, `for (let x in`, `x = [1, 2`, `x = {a:`, `1 = 2`,
	}

	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, data string) {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("compiler panicked on input %q: %v", data, r)
			}
		}()

		p, err := Compile("fuzz", []byte(data))
		if err != nil {
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("error %T is not a compile error: %v", err, err)
			}
			if p != nil {
				t.Fatalf("prototype returned with error %v", err)
			}
			return
		}
		if err := checkCode(p); err != nil {
			t.Fatalf("malformed code for %q: %v", data, err)
		}
	})
}
