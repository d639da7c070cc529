package common

import (
	"strings"
)

// Trim 0x or 0X prefix off the string.
func Trim0xPrefix(str string) string {
	s := strings.TrimPrefix(str, "0x")
	return strings.TrimPrefix(s, "0X")
}

// Shorten keeps n characters on both sides of a long string and replaces
// the rest with "...".
func Shorten(str string, n int) string {
	str = Trim0xPrefix(str)
	if len(str) <= n*2 {
		return str
	}
	return str[:n] + "..." + str[len(str)-n:]
}
