package vm

import (
	"strconv"

	"github.com/chazu/sprout/fixed"
)

// numberDigits is the number of fraction digits tostr() prints.
const numberDigits = 4

// maxDescribeDepth bounds Describe on nested or cyclic containers.
const maxDescribeDepth = 8

// appendString appends the tostr() form of v.
func (in *Instance) appendString(dst []byte, v Value) []byte {
	switch v.kind {
	case KindUndefined:
		return append(dst, "undefined"...)
	case KindNull:
		return append(dst, "null"...)
	case KindBool:
		return strconv.AppendBool(dst, v.bits != 0)
	case KindNumber:
		return fixed.AppendFormat(dst, v.Num(), numberDigits)
	case KindString:
		return append(dst, in.stringBytes(v)...)
	case KindFunction, KindNative:
		return append(dst, "[function]"...)
	}
	return append(append(append(dst, '['), v.kind.String()...), ']')
}

// Format renders v the way the script's tostr() does.
func (in *Instance) Format(v Value) string {
	return string(in.appendString(nil, v))
}

// Describe renders v with container contents expanded and strings quoted.
// It is used to compare instance states, so the output depends only on the
// values, not on where they live in the arena.
func (in *Instance) Describe(v Value) string {
	return string(in.appendDescribe(nil, v, 0))
}

func (in *Instance) appendDescribe(dst []byte, v Value, depth int) []byte {
	if depth > maxDescribeDepth {
		return append(dst, "..."...)
	}
	switch v.kind {
	case KindString:
		return strconv.AppendQuote(dst, in.goString(v))
	case KindArray:
		dst = append(dst, '[')
		for i := 0; i < in.arrayLen(v); i++ {
			if i > 0 {
				dst = append(dst, ", "...)
			}
			dst = in.appendDescribe(dst, in.arrayAt(v, i), depth+1)
		}
		return append(dst, ']')
	case KindTable:
		dst = append(dst, '{')
		first := true
		in.tableEach(v, func(key, val Value) {
			if !first {
				dst = append(dst, ", "...)
			}
			first = false
			dst = append(dst, in.stringBytes(key)...)
			dst = append(dst, ": "...)
			dst = in.appendDescribe(dst, val, depth+1)
		})
		return append(dst, '}')
	case KindBuffer:
		dst = append(dst, "buffer("...)
		dst = strconv.AppendInt(dst, int64(len(in.bufferBytes(v))), 10)
		return append(dst, ')')
	case KindFunction:
		return append(append(dst, "function "...), in.functionName(v)...)
	case KindNative:
		return append(append(dst, "native "...), nativeName(v)...)
	}
	return in.appendString(dst, v)
}
