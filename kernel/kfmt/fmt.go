// Package kfmt provides an allocation-free Printf implementation suitable
// for use before the Go allocator is available (the entire PMAP/ACPI/KMEM
// bring-up path in this kernel), plus the fatal-panic redirect target.
package kfmt

import (
	"io"
	"unsafe"
)

// maxBufSize defines the buffer size used when formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numFmtBuf = make([]byte, maxBufSize+2)

	// singleByte is a shared single-character buffer used to avoid
	// allocating a new slice header for every literal byte written.
	singleByte = []byte(" ")

	// earlyPrintBuffer accumulates Printf output before SetOutputSink is
	// called.
	earlyPrintBuffer ringBuffer

	// outputSink is where Printf sends its output once attached. A nil
	// sink redirects output to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for Printf output to w and flushes any data
// accumulated in earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf is a minimal, allocation-free Printf implementation. It supports a
// subset of formatting verbs sufficient for kernel diagnostics:
//
//	%s  uninterpreted bytes of a string or []byte
//	%o  integer, base 8
//	%d  integer, base 10
//	%x  integer, base 16 (lower-case)
//	%t  "true" or "false"
//
// An optional decimal width may precede any verb; strings and base-10
// integers are left-padded with spaces, base-8/16 integers with zeroes.
//
// Printf does not support %p: printing pointers would require the reflect
// package, which triggers runtime.convT2E/runtime.newobject allocations that
// are unsafe before the memory manager is initialized.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes to the specified io.Writer (or to
// earlyPrintBuffer if w is nil).
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		nextCh                       byte
		nextArgIndex                 int
		blockStart, blockEnd, padLen int
		fmtLen                       = len(format)
	)

	for blockEnd < fmtLen {
		nextCh = format[blockEnd]
		if nextCh != '%' {
			blockEnd++
			continue
		}

		if blockStart < blockEnd {
			for i := blockStart; i < blockEnd; i++ {
				singleByte[0] = format[i]
				doWrite(w, singleByte)
			}
		}

		padLen = 0
		blockEnd++
	parseFmt:
		for ; blockEnd < fmtLen; blockEnd++ {
			nextCh = format[blockEnd]
			switch {
			case nextCh == '%':
				singleByte[0] = '%'
				doWrite(w, singleByte)
				break parseFmt
			case nextCh >= '0' && nextCh <= '9':
				padLen = (padLen * 10) + int(nextCh-'0')
				continue
			case nextCh == 'd' || nextCh == 'x' || nextCh == 'o' || nextCh == 's' || nextCh == 't':
				if nextArgIndex >= len(args) {
					doWrite(w, errMissingArg)
					break parseFmt
				}

				switch nextCh {
				case 'o':
					fmtInt(w, args[nextArgIndex], 8, padLen)
				case 'd':
					fmtInt(w, args[nextArgIndex], 10, padLen)
				case 'x':
					fmtInt(w, args[nextArgIndex], 16, padLen)
				case 's':
					fmtString(w, args[nextArgIndex], padLen)
				case 't':
					fmtBool(w, args[nextArgIndex])
				}

				nextArgIndex++
				break parseFmt
			}

			doWrite(w, errNoVerb)
		}
		blockStart, blockEnd = blockEnd+1, blockEnd+1
	}

	if blockStart != blockEnd {
		for i := blockStart; i < blockEnd; i++ {
			singleByte[0] = format[i]
			doWrite(w, singleByte)
		}
	}

	for ; nextArgIndex < len(args); nextArgIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	switch bVal := v.(type) {
	case bool:
		if bVal {
			doWrite(w, trueValue)
		} else {
			doWrite(w, falseValue)
		}
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtString(w io.Writer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		for i := 0; i < len(castedVal); i++ {
			singleByte[0] = castedVal[i]
			doWrite(w, singleByte)
		}
	case []byte:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		doWrite(w, castedVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtRepeat(w io.Writer, ch byte, count int) {
	singleByte[0] = ch
	for i := 0; i < count; i++ {
		doWrite(w, singleByte)
	}
}

// fmtInt prints a formatted version of v in the requested base, applying
// padLen of padding. Supports all built-in signed/unsigned integer types and
// bases 8, 10, 16.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	var (
		sval             int64
		uval             uint64
		divider          uint64
		remainder        uint64
		padCh            byte
		left, right, end int
	)

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	switch base {
	case 8:
		divider = 8
		padCh = '0'
	case 10:
		divider = 10
		padCh = ' '
	case 16:
		divider = 16
		padCh = '0'
	}

	switch tv := v.(type) {
	case uint8:
		uval = uint64(tv)
	case uint16:
		uval = uint64(tv)
	case uint32:
		uval = uint64(tv)
	case uint64:
		uval = tv
	case uintptr:
		uval = uint64(tv)
	case int8:
		sval = int64(tv)
	case int16:
		sval = int64(tv)
	case int32:
		sval = int64(tv)
	case int64:
		sval = tv
	case int:
		sval = int64(tv)
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if sval < 0 {
		uval = uint64(-sval)
	} else if sval > 0 {
		uval = uint64(sval)
	}

	for right < maxBufSize {
		remainder = uval % divider
		if remainder < 10 {
			numFmtBuf[right] = byte(remainder) + '0'
		} else {
			numFmtBuf[right] = byte(remainder-10) + 'a'
		}

		right++

		uval /= divider
		if uval == 0 {
			break
		}
	}

	for ; right-left < padLen; right++ {
		numFmtBuf[right] = padCh
	}

	if sval < 0 {
		for end = right - 1; numFmtBuf[end] == ' '; end-- {
		}

		if end == right-1 {
			right++
		}

		numFmtBuf[end+1] = '-'
	}

	end = right
	for right = right - 1; left < right; left, right = left+1, right-1 {
		numFmtBuf[left], numFmtBuf[right] = numFmtBuf[right], numFmtBuf[left]
	}

	doWrite(w, numFmtBuf[0:end])
}

// doWrite hides p from escape analysis via noEscape. Without this, the
// compiler cannot prove p does not escape through the not-yet-resolved
// outputSink interface call and flags it as escaping, which would trigger a
// heap allocation on every Printf call made before the allocator exists.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. Copied from the approach
// used by runtime/stubs.go.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
