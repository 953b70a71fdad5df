package fixed

import (
	"errors"
	"math"
	"testing"
)

// ---------------------------------------------------------------------------
// Parse / Format
// ---------------------------------------------------------------------------

func TestParseFormatRoundTrip(t *testing.T) {
	// Any literal with at most four fractional digits survives a trip
	// through the 15-bit fraction.
	for i := 0; i < 100000; i += 7 {
		ip, fp := i/10000, i%10000
		s := FormatInt(int64(ip))
		if fp != 0 {
			d := []byte{'0' + byte(fp/1000), '0' + byte(fp/100%10), '0' + byte(fp/10%10), '0' + byte(fp%10)}
			for len(d) > 0 && d[len(d)-1] == '0' {
				d = d[:len(d)-1]
			}
			s += "." + string(d)
		}
		f, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got := Format(f, 4); got != s {
			t.Fatalf("Format(Parse(%q)) = %q", s, got)
		}
	}
}

func TestParseLiterals(t *testing.T) {
	tests := []struct {
		in   string
		want Fix
	}{
		{"0", 0},
		{"1", One},
		{"1.5", 0x18000},
		{".5", 0x8000},
		{"0.1", 0x199a},
		{"3.1416", 0x32440},
		{"12345.6789", 0x3039adcc},
		{"32767.9999", 0x7ffffffa},
		{"0.0001", 0x6},
		{"0x10", FromInt(16)},
		{"0XfF", FromInt(255)},
		{"0b101", FromInt(5)},
		{"0o17", FromInt(15)},
		{"017", FromInt(15)},
		{"0xFFFF", FromInt(-1)},
		{"0x8000", Min},
		{"32768", Min},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %#x, want %#x", tt.in, uint32(got), uint32(tt.want))
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"", ErrSyntax},
		{".", ErrSyntax},
		{"1.2.3", ErrSyntax},
		{"0x", ErrSyntax},
		{"0b2", ErrSyntax},
		{"08", ErrSyntax},
		{"12a", ErrSyntax},
		{"32769", ErrRange},
		{"32768.5", ErrRange},
		{"0x10000", ErrRange},
		{"99999999999", ErrRange},
	}
	for _, tt := range tests {
		_, err := Parse(tt.in)
		if !errors.Is(err, tt.want) {
			t.Errorf("Parse(%q) error = %v, want %v", tt.in, err, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		f      Fix
		digits int
		want   string
	}{
		{0, 4, "0"},
		{One, 4, "1"},
		{FromInt(-3), 4, "-3"},
		{0x18000, 4, "1.5"},
		{-0x18000, 4, "-1.5"},
		{Max, 4, "32767.9999"},
		{Max, 0, "32767"},
		{Max - 2, 4, "32767.9999"},
		{Max, 5, "32767.99997"},
		{Min, 4, "-32768"},
		{2, 4, "0"},
		{-2, 4, "0"},
		{0x8000, 0, "0"},
		{0x1C000, 0, "2"},
	}
	for _, tt := range tests {
		if got := Format(tt.f, tt.digits); got != tt.want {
			t.Errorf("Format(%#x, %d) = %q, want %q", uint32(tt.f), tt.digits, got, tt.want)
		}
	}
}

func TestFormatMaxParsesBack(t *testing.T) {
	for _, digits := range []int{0, 1, 4} {
		s := Format(Max, digits)
		f, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if f <= 0 || f.Floor() != FromInt(32767) {
			t.Errorf("Parse(Format(Max, %d)) = %#x from %q, want just below 32768", digits, uint32(f), s)
		}
		if again := Format(f, digits); again != s {
			t.Errorf("Format(Parse(%q)) = %q", s, again)
		}
	}
}

func TestAppendIntExtremes(t *testing.T) {
	if got := FormatInt(math.MinInt64); got != "-9223372036854775808" {
		t.Errorf("FormatInt(MinInt64) = %q", got)
	}
	if got := FormatInt(math.MaxInt64); got != "9223372036854775807" {
		t.Errorf("FormatInt(MaxInt64) = %q", got)
	}
	if got := FormatInt(0); got != "0" {
		t.Errorf("FormatInt(0) = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func TestMul(t *testing.T) {
	tests := []struct {
		a, b, want Fix
	}{
		{FromInt(2), FromInt(3), FromInt(6)},
		{0x18000, 0x18000, 0x24000}, // 1.5*1.5 = 2.25
		{FromInt(-2), 0x8000, FromInt(-1)},
		{FromInt(200), FromInt(200), Max},
		{FromInt(-200), FromInt(200), Min},
		{2, 0x8000, 0}, // half a unit rounds to even
		{2, 2, 0},
	}
	for _, tt := range tests {
		if got := Mul(tt.a, tt.b); got != tt.want {
			t.Errorf("Mul(%v, %v) = %v (%#x), want %v", tt.a, tt.b, got, uint32(got), tt.want)
		}
	}
}

func TestDiv(t *testing.T) {
	tests := []struct {
		a, b, want Fix
	}{
		{FromInt(6), FromInt(3), FromInt(2)},
		{FromInt(1), FromInt(2), 0x8000},
		{FromInt(-7), FromInt(2), -0x38000},
		{One, FromInt(3), 0x5556},
		{One, 0, Max},
		{0, 0, Max},
		{FromInt(-1), 0, Min},
		{FromInt(20000), 0x8000, Max},
		{FromInt(-20000), 0x8000, Min},
	}
	for _, tt := range tests {
		if got := Div(tt.a, tt.b); got != tt.want {
			t.Errorf("Div(%v, %v) = %v (%#x), want %#x", tt.a, tt.b, got, uint32(got), uint32(tt.want))
		}
	}
}

func TestMod(t *testing.T) {
	tests := []struct {
		a, b, want Fix
	}{
		{FromInt(7), FromInt(3), FromInt(1)},
		{FromInt(-1), FromInt(3), FromInt(2)},
		{FromInt(1), FromInt(-3), FromInt(-2)},
		{0x38000, One, 0x8000},
		{FromInt(5), 0, 0},
	}
	for _, tt := range tests {
		if got := Mod(tt.a, tt.b); got != tt.want {
			t.Errorf("Mod(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestIntTruncates(t *testing.T) {
	if got := Fix(-0x18000).Int(); got != -1 {
		t.Errorf("Int(-1.5) = %d, want -1", got)
	}
	if got := Fix(0x18000).Int(); got != 1 {
		t.Errorf("Int(1.5) = %d, want 1", got)
	}
	if got := Fix(-0x18000).Floor(); got != FromInt(-2) {
		t.Errorf("Floor(-1.5) = %v, want -2", got)
	}
	if got := Fix(0x18000).Ceil(); got != FromInt(2) {
		t.Errorf("Ceil(1.5) = %v, want 2", got)
	}
	if got := Max.Ceil(); got != Max {
		t.Errorf("Ceil(Max) = %v, want Max", got)
	}
}

func TestBitwise(t *testing.T) {
	if got := And(FromInt(12), FromInt(10)); got != FromInt(8) {
		t.Errorf("12 & 10 = %v", got)
	}
	if got := Or(FromInt(12), FromInt(3)); got != FromInt(15) {
		t.Errorf("12 | 3 = %v", got)
	}
	if got := Xor(FromInt(12), FromInt(10)); got != FromInt(6) {
		t.Errorf("12 ^ 10 = %v", got)
	}
	if got := Not(0); got != FromInt(-1) {
		t.Errorf("~0 = %v", got)
	}
	// Fractions are dropped before the operation.
	if got := And(0x38000, FromInt(3)); got != FromInt(3) {
		t.Errorf("3.5 & 3 = %v", got)
	}
	if got := Shl(One, FromInt(4)); got != FromInt(16) {
		t.Errorf("1 << 4 = %v", got)
	}
	if got := Shl(One, FromInt(15)); got != Min {
		t.Errorf("1 << 15 = %v, want wrap to -32768", got)
	}
	if got := Shr(FromInt(-16), FromInt(2)); got != FromInt(-4) {
		t.Errorf("-16 >> 2 = %v", got)
	}
	if got := UShr(FromInt(-1), FromInt(8)); got != FromInt(255) {
		t.Errorf("-1 >>> 8 = %v", got)
	}
}

func TestSqrt(t *testing.T) {
	if got := Sqrt(FromInt(16)); got != FromInt(4) {
		t.Errorf("sqrt(16) = %v", got)
	}
	if got := Sqrt(FromInt(2)); math.Abs(got.Float64()-math.Sqrt2) > 1.0/32768 {
		t.Errorf("sqrt(2) = %v", got)
	}
	if got := Sqrt(FromInt(-4)); got != 0 {
		t.Errorf("sqrt(-4) = %v", got)
	}
}

// ---------------------------------------------------------------------------
// Pow
// ---------------------------------------------------------------------------

func TestPowExact(t *testing.T) {
	tests := []struct {
		a, b, want Fix
	}{
		{FromInt(2), FromInt(10), FromInt(1024)},
		{FromInt(10), FromInt(2), FromInt(100)},
		{FromInt(3), FromInt(3), FromInt(27)},
		{FromInt(-2), FromInt(3), FromInt(-8)},
		{FromInt(-2), FromInt(2), FromInt(4)},
		{FromInt(2), FromInt(-1), 0x8000},
		{FromInt(9), 0x8000, FromInt(3)},
		{0x8000, FromInt(3), 0x2000},
		{FromInt(7), One, FromInt(7)},
		{FromInt(5), 0, One},
		{0, FromInt(3), 0},
		{0, FromInt(-3), Max},
		{FromInt(-2), 0x8000, 0},
	}
	for _, tt := range tests {
		if got := Pow(tt.a, tt.b); got != tt.want {
			t.Errorf("Pow(%v, %v) = %v (%#x), want %v", tt.a, tt.b, got, uint32(got), tt.want)
		}
	}
}

func TestPowAccuracy(t *testing.T) {
	for _, c := range []struct{ a, b float64 }{
		{2, 0.5}, {1.5, 2}, {3, 0.25}, {100, 0.5}, {0.9, 7}, {2.5, 3.5},
	} {
		got := Pow(FromFloat(c.a), FromFloat(c.b)).Float64()
		want := math.Pow(FromFloat(c.a).Float64(), FromFloat(c.b).Float64())
		if math.Abs(got-want) > 2.0/32768+want*1e-6 {
			t.Errorf("Pow(%v, %v) = %v, want ~%v", c.a, c.b, got, want)
		}
	}
}

func TestPowSaturates(t *testing.T) {
	if got := Pow(FromInt(2), FromInt(16)); got != Max {
		t.Errorf("2^16 = %v, want Max", got)
	}
	if got := Pow(FromInt(10), FromInt(100)); got != Max {
		t.Errorf("10^100 = %v, want Max", got)
	}
	if got := Pow(FromInt(10), FromInt(-100)); got != 0 {
		t.Errorf("10^-100 = %v, want 0", got)
	}
}
