// Package normalize produces the canonical form of a company name used as
// the lookup and dedup key across the resolution subsystem.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

var multiSpaceRe = regexp.MustCompile(`\s{2,}`)

// punctReplacer unifies punctuation the way upstream systems vary it.
// Parentheses are kept: they distinguish branch entities like 联想(北京).
var punctReplacer = strings.NewReplacer(
	",", "",
	".", "",
	"'", "",
	"\"", "",
	"`", "",
	";", "",
	"&", "AND",
	"-", " ",
	"_", " ",
)

// Name standardizes a raw company name for matching by:
//  1. Collapsing full-width characters to their half-width forms
//  2. Trimming and upper-casing
//  3. Unifying punctuation (commas, periods, quotes, ampersands)
//  4. Collapsing whitespace runs to single spaces
//  5. Dropping spaces adjacent to CJK runes or parentheses
//
// The function is pure and total: the same raw string always yields the
// same result, and every raw string yields a result.
func Name(raw string) string {
	name := width.Narrow.String(raw)
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return ""
	}

	name = punctReplacer.Replace(name)
	name = multiSpaceRe.ReplaceAllString(name, " ")
	name = stripCJKSpacing(name)

	return strings.TrimSpace(name)
}

// stripCJKSpacing removes spaces whose neighbor is a CJK rune or a
// parenthesis, so that " 联想 (北京) 有限公司 " and "联想（北京）有限公司"
// collapse to the same key.
func stripCJKSpacing(name string) string {
	runes := []rune(name)
	var b strings.Builder
	b.Grow(len(name))

	for i, r := range runes {
		if r == ' ' {
			prev := rune(0)
			next := rune(0)
			if i > 0 {
				prev = runes[i-1]
			}
			if i < len(runes)-1 {
				next = runes[i+1]
			}
			if joinsTight(prev) || joinsTight(next) {
				continue
			}
		}
		b.WriteRune(r)
	}

	return b.String()
}

func joinsTight(r rune) bool {
	if r == '(' || r == ')' {
		return true
	}
	return unicode.In(r, unicode.Han, unicode.Hangul, unicode.Hiragana, unicode.Katakana)
}
