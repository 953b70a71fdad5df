// Package fixed implements the runtime's only numeric type: a signed 16.15
// fixed-point number stored in 32 bits.
//
// The integer part occupies the top 16 bits and the fraction bits 1..15, so
// a value is integer*2^16 + fraction*2^1 and bit 0 is always clear. The bit
// pattern 0x80000000 is both the most negative value and the overflow
// sentinel produced by saturating operations.
package fixed

import "math"

// Fix is a 16.15 fixed-point number.
type Fix int32

const (
	// One is the fixed-point representation of 1.
	One Fix = 1 << 16

	// Max is the largest representable value (32767.99997).
	Max Fix = 0x7FFFFFFE

	// Min is the most negative value and the overflow sentinel.
	Min Fix = math.MinInt32

	fracMask = 0xFFFF

	// q is the largest/smallest multiple of 2^-15 (in 2^-15 units) that
	// still fits in the 32-bit representation.
	qMax = 0x3FFFFFFF
	qMin = -0x40000000
)

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// FromInt returns n as a fixed-point number. Values outside the 16-bit
// integer range wrap.
func FromInt(n int) Fix {
	return Fix(int32(n) << 16)
}

// Int returns the integer part of f truncated toward zero.
func (f Fix) Int() int {
	return int(f) / int(One)
}

// Floor rounds f toward negative infinity.
func (f Fix) Floor() Fix {
	return f &^ fracMask
}

// Ceil rounds f toward positive infinity, saturating at Max.
func (f Fix) Ceil() Fix {
	if f&fracMask == 0 {
		return f
	}
	if f.Floor() == Max.Floor() {
		return Max
	}
	return f.Floor() + One
}

// Frac returns the fractional bits of f.
func (f Fix) Frac() Fix {
	return f & fracMask
}

// IsInt reports whether f has no fractional part.
func (f Fix) IsInt() bool {
	return f&fracMask == 0
}

// Raw returns the underlying bit pattern.
func (f Fix) Raw() uint32 {
	return uint32(f)
}

// FromRaw reinterprets a bit pattern as a fixed-point number, clearing the
// unused low bit.
func FromRaw(bits uint32) Fix {
	return Fix(int32(bits &^ 1))
}

// FromFloat converts a float64, rounding to the nearest representable value
// and saturating on overflow.
func FromFloat(x float64) Fix {
	q := math.RoundToEven(x * (1 << 15))
	switch {
	case math.IsNaN(q):
		return 0
	case q > qMax:
		return Max
	case q < qMin:
		return Min
	}
	return Fix(int32(q) << 1)
}

// Float64 returns f as a float64.
func (f Fix) Float64() float64 {
	return float64(f) / float64(One)
}

// String formats f with up to four fractional digits.
func (f Fix) String() string {
	return Format(f, 4)
}

// saturate converts a count of 2^-15 units into a Fix.
func saturate(q int64) Fix {
	if q > qMax {
		return Max
	}
	if q < qMin {
		return Min
	}
	return Fix(int32(q) << 1)
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

// Add returns a+b. Overflow wraps.
func Add(a, b Fix) Fix { return a + b }

// Sub returns a-b. Overflow wraps.
func Sub(a, b Fix) Fix { return a - b }

// Neg returns -a. Min negates to itself.
func Neg(a Fix) Fix { return -a }

// Abs returns |a|, saturating Min to Max.
func Abs(a Fix) Fix {
	if a == Min {
		return Max
	}
	if a < 0 {
		return -a
	}
	return a
}

// Mul returns a*b rounded to nearest (ties to even), saturating on overflow.
func Mul(a, b Fix) Fix {
	p := int64(a) * int64(b)
	// p is in units of 2^-32; the carry trick rounds to 2^-15 units.
	q := (p + (1<<16 - 1) + ((p >> 17) & 1)) >> 17
	return saturate(q)
}

// Div returns a/b rounded to nearest (ties to even), saturating on
// overflow. Division by zero yields Max for a >= 0 and Min otherwise.
func Div(a, b Fix) Fix {
	if b == 0 {
		if a < 0 {
			return Min
		}
		return Max
	}
	neg := (a < 0) != (b < 0)
	ua, ub := mag(a), mag(b)

	num := ua << 16
	q := num / ub // units of 2^-16
	rem := num % ub
	r := q >> 1
	if q&1 == 1 && (rem != 0 || r&1 == 1) {
		r++
	}
	if neg {
		return saturate(-int64(r))
	}
	return saturate(int64(r))
}

// Mod returns the floored remainder of a/b; the result has the sign of b.
// Mod by zero is zero.
func Mod(a, b Fix) Fix {
	if b == 0 {
		return 0
	}
	m := a % b
	if m != 0 && (m < 0) != (b < 0) {
		m += b
	}
	return m
}

// Sqrt returns the square root of a, truncated. Negative inputs yield 0.
func Sqrt(a Fix) Fix {
	if a <= 0 {
		return 0
	}
	// sqrt(a/2^16) * 2^15 == sqrt(a * 2^14)
	return Fix(int32(isqrt(uint64(a)<<14)) << 1)
}

func isqrt(n uint64) uint64 {
	if n < 2 {
		return n
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}

func mag(a Fix) uint64 {
	if a < 0 {
		return uint64(-int64(a))
	}
	return uint64(a)
}

// ---------------------------------------------------------------------------
// Bitwise operators (through the truncated integer part)
// ---------------------------------------------------------------------------

// And returns the bitwise AND of the integer parts.
func And(a, b Fix) Fix { return FromInt(a.Int() & b.Int()) }

// Or returns the bitwise OR of the integer parts.
func Or(a, b Fix) Fix { return FromInt(a.Int() | b.Int()) }

// Xor returns the bitwise XOR of the integer parts.
func Xor(a, b Fix) Fix { return FromInt(a.Int() ^ b.Int()) }

// Not returns the bitwise complement of the integer part.
func Not(a Fix) Fix { return FromInt(^a.Int()) }

// Shl shifts the integer part of a left by the integer part of n.
func Shl(a, n Fix) Fix {
	s := n.Int()
	if s < 0 {
		return Shr(a, FromInt(-s))
	}
	if s >= 16 {
		return 0
	}
	return FromInt(a.Int() << s)
}

// Shr arithmetically shifts the integer part of a right.
func Shr(a, n Fix) Fix {
	s := n.Int()
	if s < 0 {
		return Shl(a, FromInt(-s))
	}
	if s > 15 {
		s = 15
	}
	return FromInt(int(int16(a.Int())) >> s)
}

// UShr logically shifts the 16-bit integer part of a right.
func UShr(a, n Fix) Fix {
	s := n.Int()
	if s < 0 {
		return Shl(a, FromInt(-s))
	}
	if s >= 16 {
		return 0
	}
	return FromInt(int(uint16(a.Int()) >> s))
}
