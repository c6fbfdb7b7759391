// Package canon turns free-text plant names from vendor portals into matching
// keys. Canonicalization is rule based and deterministic: the same raw name
// always produces the same key, and a key is a fixed point of Canonicalize.
package canon

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Facility-type words dropped only while they lead the name.
var leadingPrefixes = map[string]bool{
	"ufv":    true,
	"sfv":    true,
	"fot":    true,
	"usina":  true,
	"planta": true,
	"solar":  true,
	"pv":     true,
}

// Words dropped wherever they appear, including generation-class codes.
var noiseWords = map[string]bool{
	"comercial":   true,
	"residencial": true,
	"gsm":         true,
	"gd":          true,
	"gdg":         true,
	"grupo":       true,
	"energia":     true,
	"ambiental":   true,
	"otimizacao":  true,
}

var (
	innerParensRE  = regexp.MustCompile(`\([^()]*\)`)
	separatorRE    = regexp.MustCompile(`[_\-.,;/]+`)
	postalCodeRE   = regexp.MustCompile(`\bcep\s*:?\s*\d{2}\s?\d{3}\s?\d{3}\b|\b\d{5} \d{3}\b`)
	lotBlockRE     = regexp.MustCompile(`\b(?:lote|lt|quadra|qd|qdr)\s*[a-z0-9]+\b`)
	streetNumberRE = regexp.MustCompile(`(?:^|\s)(?:n[o°]?|nr|num|numero|#)\s*\d+\b`)
	nonKeyCharRE   = regexp.MustCompile(`[^a-z0-9 ]+`)
)

// maxPasses bounds the fixed-point iteration. Every pass after the first only
// removes tokens or turns numerals into digits, so two or three passes settle.
const maxPasses = 5

// Keyer produces canonical keys.
type Keyer interface {
	Canonicalize(raw string) string
}

// Func adapts a plain function to Keyer.
type Func func(string) string

func (f Func) Canonicalize(raw string) string { return f(raw) }

// Default is the uncached canonicalizer.
var Default Keyer = Func(Canonicalize)

// Canonicalize returns the matching key for raw. The result may be empty,
// which callers must treat as unmatchable.
func Canonicalize(raw string) string {
	s := raw
	for i := 0; i < maxPasses; i++ {
		next := canonicalPass(s)
		if next == s {
			break
		}
		s = next
	}
	return s
}

func canonicalPass(s string) string {
	if s == "" {
		return ""
	}

	s = stripParens(s)
	s = foldDiacritics(strings.ToLower(s))
	s = separatorRE.ReplaceAllString(s, " ")

	s = postalCodeRE.ReplaceAllString(s, " ")
	s = lotBlockRE.ReplaceAllString(s, " ")
	s = streetNumberRE.ReplaceAllString(s, " ")
	s = nonKeyCharRE.ReplaceAllString(s, " ")

	tokens := strings.Fields(s)
	for i, tok := range tokens {
		if n, ok := ParseRoman(tok); ok {
			tokens[i] = strconv.Itoa(n)
		}
	}

	for len(tokens) > 0 && leadingPrefixes[tokens[0]] {
		tokens = tokens[1:]
	}

	kept := tokens[:0]
	for _, tok := range tokens {
		if !noiseWords[tok] {
			kept = append(kept, tok)
		}
	}
	return strings.Join(kept, " ")
}

// stripParens removes parenthesised text, innermost first, so nested groups
// disappear entirely.
func stripParens(s string) string {
	for strings.Contains(s, "(") {
		next := innerParensRE.ReplaceAllString(s, " ")
		if next == s {
			break
		}
		s = next
	}
	return s
}

func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return strings.ToLower(out)
}

// Similarity scores two raw names in [0,1] by normalised edit distance of
// their canonical keys. It is a review aid only; matching is exact-key.
// An empty key is similar to nothing, not even another empty key.
func Similarity(a, b string) float64 {
	ka, kb := Canonicalize(a), Canonicalize(b)
	if ka == "" || kb == "" {
		return 0
	}
	if ka == kb {
		return 1
	}
	maxLen := len(ka)
	if len(kb) > maxLen {
		maxLen = len(kb)
	}
	d := levenshtein.Distance(ka, kb, nil)
	return 1 - float64(d)/float64(maxLen)
}
