package errorreport

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/tan-res-space/rag-interface/pkg/ser"
)

const defaultPhoneticThreshold = 0.70

// CategorizerOption is a functional option for configuring a [Categorizer].
type CategorizerOption func(*Categorizer)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score a phonetically
// overlapping token pair needs to count as a pronunciation error.
// Default: 0.70.
func WithPhoneticThreshold(threshold float64) CategorizerOption {
	return func(c *Categorizer) {
		c.phoneticThreshold = threshold
	}
}

// Categorizer suggests error categories from a reported correction. It is
// read-only after construction and safe for concurrent use.
//
// Rules, first match wins:
//
//  0. No change at all: [CategoryOther].
//  1. Only letter case or spacing differs: [CategoryFormatting].
//  2. Only punctuation differs: [CategoryPunctuation].
//  3. A removed token and an added token share a Double Metaphone code and
//     their Jaro-Winkler similarity reaches the threshold:
//     [CategoryPronunciation].
//  4. Tokens were only added: [CategoryOmission]. Only removed:
//     [CategoryInsertion].
//  5. Exactly one token was replaced: [CategoryTerminology].
//  6. Anything else: [CategoryOther].
type Categorizer struct {
	phoneticThreshold float64
}

// NewCategorizer returns a [Categorizer] configured with opts.
func NewCategorizer(opts ...CategorizerOption) *Categorizer {
	c := &Categorizer{phoneticThreshold: defaultPhoneticThreshold}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Suggest returns the categories for a change from original to corrected.
// The result is never empty.
func (c *Categorizer) Suggest(original, corrected string) []Category {
	if original == corrected {
		return []Category{CategoryOther}
	}
	if squash(original) == squash(corrected) {
		return []Category{CategoryFormatting}
	}
	if stripPunct(original) == stripPunct(corrected) {
		return []Category{CategoryPunctuation}
	}

	removed, added := tokenDiff(
		ser.Tokenize(ser.Normalize(original)),
		ser.Tokenize(ser.Normalize(corrected)),
	)

	if c.phoneticPair(removed, added) {
		return []Category{CategoryPronunciation}
	}
	switch {
	case len(removed) == 0 && len(added) > 0:
		return []Category{CategoryOmission}
	case len(added) == 0 && len(removed) > 0:
		return []Category{CategoryInsertion}
	case len(removed) == 1 && len(added) == 1:
		return []Category{CategoryTerminology}
	}
	return []Category{CategoryOther}
}

// phoneticPair reports whether any removed token sounds like any added one.
func (c *Categorizer) phoneticPair(removed, added []string) bool {
	for _, r := range removed {
		rc := codesFor(r)
		for _, a := range added {
			if !codesOverlap(rc, codesFor(a)) {
				continue
			}
			if matchr.JaroWinkler(r, a, false) >= c.phoneticThreshold {
				return true
			}
		}
	}
	return false
}

// tokenDiff returns the tokens of before missing from after (removed) and
// the tokens of after missing from before (added), as multisets.
func tokenDiff(before, after []string) (removed, added []string) {
	counts := make(map[string]int, len(before))
	for _, t := range before {
		counts[t]++
	}
	for _, t := range after {
		if counts[t] > 0 {
			counts[t]--
			continue
		}
		added = append(added, t)
	}
	for _, t := range before {
		if counts[t] > 0 {
			counts[t]--
			removed = append(removed, t)
		}
	}
	return removed, added
}

// codesFor returns the non-empty Double Metaphone codes of token.
func codesFor(token string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(token)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// stripPunct removes punctuation and collapses whitespace, keeping case.
func stripPunct(s string) string {
	kept := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(kept), " ")
}

// squash lowercases s and drops all whitespace.
func squash(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}
