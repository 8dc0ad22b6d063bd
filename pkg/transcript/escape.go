package transcript

import (
	"strconv"
	"strings"
)

// Escape prefixes every double quote and backslash in s with a backslash.
// No other characters are touched.
func Escape(s string) string {
	if !strings.ContainsAny(s, `"\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Unescape reverses [Escape]: a backslash makes the following byte literal.
// A trailing lone backslash is kept.
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			i++
			c = s[i]
		}
		b.WriteByte(c)
	}
	return b.String()
}

// IsDocument reports whether s is delimited like an encoded document, that
// is it starts with '{' and ends with '}' or starts with '[' and ends with ']'.
func IsDocument(s string) bool {
	if len(s) < 2 {
		return false
	}
	first, last := s[0], s[len(s)-1]
	return (first == '{' && last == '}') || (first == '[' && last == ']')
}

// EncodeArgs renders an argument list for an event payload. Strings that
// already look like a document are embedded verbatim; other strings are
// escaped and quoted. Integers and booleans are written as literals. A
// [fmt.Stringer] is quoted like a string; any other value becomes null.
func EncodeArgs(args ...any) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, a := range args {
		if i != 0 {
			b.WriteString(", ")
		}
		switch v := a.(type) {
		case string:
			if IsDocument(v) {
				b.WriteString(v)
			} else {
				b.WriteByte('"')
				b.WriteString(Escape(v))
				b.WriteByte('"')
			}
		case int:
			b.WriteString(strconv.Itoa(v))
		case int64:
			b.WriteString(strconv.FormatInt(v, 10))
		case bool:
			b.WriteString(strconv.FormatBool(v))
		case float32:
			b.WriteString(FormatProbability(v))
		case interface{ String() string }:
			b.WriteByte('"')
			b.WriteString(Escape(v.String()))
			b.WriteByte('"')
		default:
			b.WriteString("null")
		}
	}
	b.WriteByte(']')
	return b.String()
}
