package canon

import "strings"

var romanSymbols = []struct {
	value  int
	symbol string
}{
	{1000, "m"}, {900, "cm"}, {500, "d"}, {400, "cd"},
	{100, "c"}, {90, "xc"}, {50, "l"}, {40, "xl"},
	{10, "x"}, {9, "ix"}, {5, "v"}, {4, "iv"}, {1, "i"},
}

var romanDigit = map[byte]int{
	'i': 1, 'v': 5, 'x': 10, 'l': 50, 'c': 100, 'd': 500, 'm': 1000,
}

const (
	maxRomanLen   = 6
	maxRomanValue = 3999
)

// ParseRoman converts a lowercase token of at most six letters to its value
// when the token is exactly the standard Roman spelling of that value.
// Non-standard spellings such as "iiii" or "il" are rejected.
func ParseRoman(tok string) (int, bool) {
	if tok == "" || len(tok) > maxRomanLen {
		return 0, false
	}
	n := 0
	for i := 0; i < len(tok); i++ {
		v, ok := romanDigit[tok[i]]
		if !ok {
			return 0, false
		}
		if i+1 < len(tok) && v < romanDigit[tok[i+1]] {
			n -= v
		} else {
			n += v
		}
	}
	if n <= 0 || n > maxRomanValue {
		return 0, false
	}
	if FormatRoman(n) != tok {
		return 0, false
	}
	return n, true
}

// FormatRoman returns the standard lowercase Roman spelling of n (1..3999).
func FormatRoman(n int) string {
	if n <= 0 || n > maxRomanValue {
		return ""
	}
	var b strings.Builder
	for _, rs := range romanSymbols {
		for n >= rs.value {
			b.WriteString(rs.symbol)
			n -= rs.value
		}
	}
	return b.String()
}
