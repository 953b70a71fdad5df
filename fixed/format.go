package fixed

import (
	"errors"
	"fmt"
)

// ErrSyntax is returned by Parse for malformed literals.
var ErrSyntax = errors.New("invalid number syntax")

// ErrRange is returned by Parse for literals whose integer part does not fit.
var ErrRange = errors.New("number out of range")

// maxFracDigits bounds the decimal digits kept exactly; later digits only
// contribute a sticky bit to rounding.
const maxFracDigits = 9

var pow10 = [...]uint64{1, 10, 100, 1000, 10000, 100000, 1000000, 10000000, 100000000, 1000000000}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// Parse converts a numeric literal to a Fix. It accepts decimal literals
// with an optional fraction ("12.375"), 0b/0o/0x prefixed integers and bare
// leading-zero octal ("017"). Prefixed literals wrap into the 16-bit
// integer range, so 0xFFFF is -1; decimal literals must fit (32768 is
// accepted as the most negative value, for use under unary minus).
func Parse(s string) (Fix, error) {
	if s == "" {
		return 0, ErrSyntax
	}
	base, digits := 10, s
	if len(s) > 1 && s[0] == '0' {
		switch s[1] {
		case 'x', 'X':
			base, digits = 16, s[2:]
		case 'b', 'B':
			base, digits = 2, s[2:]
		case 'o', 'O':
			base, digits = 8, s[2:]
		case '.':
		default:
			base, digits = 8, s[1:]
		}
	}
	if base != 10 {
		return parsePrefixed(s, digits, base)
	}
	return parseDecimal(s)
}

func parsePrefixed(s, digits string, base int) (Fix, error) {
	if digits == "" {
		return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	var n uint64
	for i := 0; i < len(digits); i++ {
		d, ok := digitVal(digits[i])
		if !ok || d >= base {
			return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
		}
		n = n*uint64(base) + uint64(d)
		if n > 0xFFFF {
			return 0, fmt.Errorf("%w: %q", ErrRange, s)
		}
	}
	return FromInt(int(int16(uint16(n)))), nil
}

func parseDecimal(s string) (Fix, error) {
	i := 0
	var ip uint64
	for ; i < len(s) && isDigit(s[i]); i++ {
		ip = ip*10 + uint64(s[i]-'0')
		if ip > 1<<15 {
			return 0, fmt.Errorf("%w: %q", ErrRange, s)
		}
	}
	if i == 0 && (i >= len(s) || s[i] != '.') {
		return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
	}

	var frac uint32
	carried := false
	if i < len(s) {
		if s[i] != '.' {
			return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
		}
		i++
		start := i
		for ; i < len(s); i++ {
			if !isDigit(s[i]) {
				return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
			}
		}
		if i == start && start == 1 {
			// "." alone
			return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
		}
		frac, carried = fracBits(s[start:i])
		if carried {
			ip++
		}
	}

	if ip > 1<<15-1 {
		if ip == 1<<15 && frac == 0 && !carried {
			return Min, nil
		}
		return 0, fmt.Errorf("%w: %q", ErrRange, s)
	}
	return Fix(int32(ip<<16) | int32(frac<<1)), nil
}

// fracBits converts decimal fraction digits to 15 binary fraction bits by
// repeated doubling of the scaled decimal remainder, rounding to nearest
// with ties to even. carry reports rounding up into the integer part.
func fracBits(digits string) (frac uint32, carry bool) {
	sticky := false
	if len(digits) > maxFracDigits {
		for i := maxFracDigits; i < len(digits); i++ {
			if digits[i] != '0' {
				sticky = true
				break
			}
		}
		digits = digits[:maxFracDigits]
	}
	var rem uint64
	for i := 0; i < len(digits); i++ {
		rem = rem*10 + uint64(digits[i]-'0')
	}
	scale := pow10[len(digits)]

	for k := 0; k < 15; k++ {
		rem *= 2
		frac <<= 1
		if rem >= scale {
			frac |= 1
			rem -= scale
		}
	}
	rem *= 2
	if rem > scale || (rem == scale && (sticky || frac&1 == 1)) {
		frac++
	}
	if frac == 1<<15 {
		return 0, true
	}
	return frac, false
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func digitVal(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

// Format renders f with at most digits fractional decimal digits, rounding
// to nearest and trimming trailing zeros.
func Format(f Fix, digits int) string {
	return string(AppendFormat(make([]byte, 0, 16), f, digits))
}

// AppendFormat appends the Format rendering of f to dst.
func AppendFormat(dst []byte, f Fix, digits int) []byte {
	if digits < 0 {
		digits = 0
	}
	if digits > maxFracDigits {
		digits = maxFracDigits
	}
	v := int64(f)
	neg := v < 0
	if neg {
		v = -v
	}
	ip := v >> 16
	fr := uint64(v&fracMask) >> 1

	scale := pow10[digits]
	q := fr * scale
	d := q >> 15
	rem := q & (1<<15 - 1)
	if rem*2 > 1<<15 || (rem*2 == 1<<15 && d&1 == 1) {
		d++
	}
	if d >= scale {
		d -= scale
		ip++
	}
	if !neg && ip > 1<<15-1 {
		// Rounding up past the largest integer part would not parse back.
		ip, d = 1<<15-1, scale-1
	}

	if neg && (ip != 0 || d != 0) {
		dst = append(dst, '-')
	}
	dst = AppendInt(dst, ip)
	if d == 0 {
		return dst
	}

	var buf [maxFracDigits]byte
	for i := digits - 1; i >= 0; i-- {
		buf[i] = byte('0' + d%10)
		d /= 10
	}
	n := digits
	for n > 0 && buf[n-1] == '0' {
		n--
	}
	dst = append(dst, '.')
	return append(dst, buf[:n]...)
}

// AppendInt appends the decimal form of n. Negation happens in unsigned
// arithmetic so the most negative 64-bit value formats correctly.
func AppendInt(dst []byte, n int64) []byte {
	var buf [20]byte
	i := len(buf)
	u := uint64(n)
	if n < 0 {
		u = -u
	}
	for u >= 10 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	i--
	buf[i] = byte('0' + u)
	if n < 0 {
		dst = append(dst, '-')
	}
	return append(dst, buf[i:]...)
}

// FormatInt returns the decimal form of n.
func FormatInt(n int64) string {
	return string(AppendInt(nil, n))
}
