package fixed

import "math/bits"

// Internal computations use Q30 in int64: one30 represents 1.0.
const one30 int64 = 1 << 30

// recipTab[i] ≈ 1/(1+i/16) and logTab[i] = -log2(recipTab[i]), both Q30.
// Multiplying a mantissa in [1+i/16, 1+(i+1)/16) by recipTab[i] leaves a
// value in [1, 1+1/16) for the polynomial step.
var recipTab = [16]int64{
	1073741824, 1010580540, 954437177, 904203641,
	858993459, 818089009, 780903145, 746950834,
	715827883, 687194767, 660764199, 636291451,
	613566757, 592409282, 572662306, 554189329,
}

var logTab = [16]int64{
	0, 93912511, 182455581, 266210141,
	345667660, 421247625, 493310944, 562170370,
	628098702, 691335320, 752091421, 810554284,
	866890746, 921250079, 973766363, 1024560485,
}

// log1p(z) ≈ z*(c1 + z*(c2 + z*(c3 + z*c4))) on [0, 1/16), Q30.
const (
	log1pC1 int64 = 1073741801
	log1pC2 int64 = -536859056
	log1pC3 int64 = 356957185
	log1pC4 int64 = -243399470

	log2e int64 = 1549082005 // 1/ln(2), Q30
)

// pow2Tab[j] = 2^(j/32), Q30.
var pow2Tab = [32]int64{
	1073741824, 1097253708, 1121280436, 1145833280,
	1170923762, 1196563654, 1222764986, 1249540052,
	1276901417, 1304861917, 1333434672, 1362633090,
	1392470869, 1422962010, 1454120821, 1485961921,
	1518500250, 1551751076, 1585730000, 1620452965,
	1655936265, 1692196547, 1729250827, 1767116489,
	1805811301, 1845353420, 1885761398, 1927054196,
	1969251188, 2012372174, 2056437387, 2101467502,
}

// 2^g - 1 ≈ g*(d1 + g*(d2 + g*d3)) on [0, 1/32), Q30.
const (
	exp2D1 int64 = 744261128
	exp2D2 int64 = 257935539
	exp2D3 int64 = 60083547
)

// Pow returns a raised to the power b, computed as exp2(b*log2(a)).
//
// A negative base is only defined for integral exponents; any fractional
// exponent of a negative base yields zero. 0^b is 0 for b > 0 and Max for
// b < 0. Results saturate at Max.
func Pow(a, b Fix) Fix {
	if b == 0 {
		return One
	}
	if a == 0 {
		if b > 0 {
			return 0
		}
		return Max
	}

	neg := false
	m := mag(a)
	if a < 0 {
		if b&fracMask != 0 {
			return 0
		}
		neg = (b>>16)&1 != 0
	}

	l := log2Q30(uint32(m))
	t := (int64(b) * (l >> 6)) >> 16 // Q24
	r := exp2Q24(t)
	if neg {
		return Neg(r)
	}
	return r
}

// Log2 returns the base-2 logarithm of a; a <= 0 yields Min.
func Log2(a Fix) Fix {
	if a <= 0 {
		return Min
	}
	l := log2Q30(uint32(a))
	// Q30 -> 2^-15 units with rounding.
	return saturate((l + (1 << 14)) >> 15)
}

// Exp2 returns 2 raised to a.
func Exp2(a Fix) Fix {
	return exp2Q24(int64(a) << 8)
}

// log2Q30 returns log2(u / 2^16) in Q30 for u > 0.
func log2Q30(u uint32) int64 {
	e := bits.Len32(u) - 1
	m := int64((uint64(u) << 30) >> uint(e)) // [2^30, 2^31)

	i := (m >> 26) & 15
	y := (m * recipTab[i]) >> 30
	z := y - one30

	p := log1pC4
	p = log1pC3 + (p*z)>>30
	p = log1pC2 + (p*z)>>30
	p = log1pC1 + (p*z)>>30
	ln := (p * z) >> 30

	return int64(e-16)<<30 + logTab[i] + (ln*log2e)>>30
}

// exp2Q24 returns 2^(t/2^24) as a Fix, rounding to nearest (ties to even).
func exp2Q24(t int64) Fix {
	ip := t >> 24
	if ip >= 15 {
		return Max
	}
	if ip < -40 {
		return 0
	}
	f := t & (1<<24 - 1)
	j := f >> 19
	g := (f & (1<<19 - 1)) << 6 // Q30, [0, 1/32)

	p := exp2D3
	p = exp2D2 + (p*g)>>30
	p = exp2D1 + (p*g)>>30
	p = one30 + (p*g)>>30

	r := (pow2Tab[j] * p) >> 30 // [2^30, 2^31)

	sh := uint(15 - ip)
	q := (r + (int64(1)<<(sh-1) - 1) + ((r >> sh) & 1)) >> sh
	return saturate(q)
}
