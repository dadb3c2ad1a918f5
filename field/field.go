// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package field implements the escape grammar used for field values in
// protocol lines.
//
// A field list is a sequence of values separated by an unescaped colon (":").
// Within a value, a backslash introduces an escape:
//
//	\:  \/  \\  \n  \r  \t   the character following the backslash
//	\dNNN                    the codepage character with decimal code NNN,
//	                         where 032 ≤ NNN ≤ 255
//
// The codepage for \dNNN escapes is Windows-1252, the "Latin-1" codepage used
// by the device firmware.
package field

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

const (
	Separator = ':'  // separates fields
	Escape    = '\\' // introduces an escape sequence

	minCode = 32
	maxCode = 255
)

// Reasons reported by a DecodeError.
const (
	ReasonDangling = "dangling escape"
	ReasonIllegal  = "illegal escape"
	ReasonLatin1   = "invalid latin-1 escape"
)

var codepage = charmap.Windows1252

// DecodeError is the concrete type of errors reported by Decode.
type DecodeError struct {
	Offset int    // byte offset of the offending escape
	Reason string // one of the Reason constants
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid field data at offset %d: %s", e.Offset, e.Reason)
}

// EncodeError is the concrete type of errors reported by Encode.
type EncodeError struct {
	Field  int  // index of the field containing the character
	Offset int  // byte offset of the character within the field
	Rune   rune // the character that has no encoding
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("field %d offset %d: character %q has no encoding", e.Field, e.Offset, e.Rune)
}

// Decode splits data into fields at each unescaped separator and decodes the
// escape sequences in each field. The final field is always included, so the
// result has at least one element even when data is empty.
func Decode(data string) ([]string, error) {
	var fields []string
	var buf strings.Builder
	for i := 0; i < len(data); i++ {
		c := data[i]
		switch c {
		case Separator:
			fields = append(fields, buf.String())
			buf.Reset()

		case Escape:
			start := i
			i++
			if i == len(data) {
				return nil, &DecodeError{Offset: start, Reason: ReasonDangling}
			}
			switch e := data[i]; e {
			case 'n', 'r', 't', '/', '\\', ':':
				buf.WriteByte(e)
			case 'd':
				code, ok := parseCode(data[i+1:])
				if !ok {
					return nil, &DecodeError{Offset: start, Reason: ReasonLatin1}
				}
				buf.WriteRune(codepage.DecodeByte(byte(code)))
				i += 3
			default:
				return nil, &DecodeError{Offset: start, Reason: ReasonIllegal}
			}

		default:
			buf.WriteByte(c)
		}
	}
	return append(fields, buf.String()), nil
}

// parseCode parses the three-digit decimal code at the front of s, and
// reports whether it is present and in range.
func parseCode(s string) (int, bool) {
	if len(s) < 3 {
		return 0, false
	}
	var v int
	for _, c := range []byte(s[:3]) {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = 10*v + int(c-'0')
	}
	return v, v >= minCode && v <= maxCode
}

// Encode escapes each of fields and joins them with separators, so that
// Decode of the result reproduces fields. Characters outside the codepage, and
// control characters below space, have no encoding and are reported as an
// error of concrete type *EncodeError.
func Encode(fields ...string) (string, error) {
	var buf strings.Builder
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(Separator)
		}
		for pos, r := range f {
			switch {
			case r == Separator || r == Escape || r == '/':
				buf.WriteByte(Escape)
				buf.WriteRune(r)
			case r >= minCode && r < utf8.RuneSelf:
				buf.WriteRune(r)
			default:
				b, ok := codepage.EncodeRune(r)
				if !ok || b < minCode {
					return "", &EncodeError{Field: i, Offset: pos, Rune: r}
				}
				fmt.Fprintf(&buf, "\\d%03d", b)
			}
		}
	}
	return buf.String(), nil
}
