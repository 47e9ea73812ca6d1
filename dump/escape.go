package dump

import (
	"fmt"
	"strings"
)

// escapeJSON5 renders data as a JSON5-ish double-quoted string body
// (without the surrounding quotes): printable ASCII passes through,
// control bytes and the quote/backslash characters are escaped,
// non-ASCII bytes are escaped as \xHH since the source data is not
// guaranteed to be valid UTF-8.
func escapeJSON5(data []byte) string {
	var b strings.Builder
	for _, c := range data {
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case 0:
			b.WriteString(`\0`)
		default:
			if c < 0x20 || c >= 0x7f {
				fmt.Fprintf(&b, `\x%02x`, c)
			} else {
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}
