// Package provenance verifies that a rule's source pointers quote text
// that actually appears in the evidence documents they cite.
//
// Matching runs in two stages. The first stage looks for the exact,
// case-sensitive quote. The second stage normalizes both sides and
// retries, which tolerates whitespace damage, soft hyphens and curly
// quotes introduced by PDF extraction. Normalization never folds case:
// a quote that differs from the evidence by letter case alone is
// reported as not found.
package provenance

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/lexfabric/canon/pkg/rule"
)

// Match describes where a quote was located. Offsets are byte positions
// in the matched text: the original evidence for exact matches, the
// normalized evidence for normalized matches. Both are -1 when the quote
// was not found.
type Match struct {
	Type  rule.MatchType `json:"type"`
	Start int            `json:"start"`
	End   int            `json:"end"`
}

// quoteFolds maps typographic quote characters onto their ASCII forms.
// NFKC leaves these untouched, so the folding is explicit.
var quoteFolds = strings.NewReplacer(
	"‘", "'", "’", "'", "‚", "'", "‛", "'",
	"‹", "'", "›", "'",
	"“", `"`, "”", `"`, "„", `"`, "‟", `"`,
	"«", `"`, "»", `"`,
)

// Normalize applies the tolerant cleanup used by the second matching
// stage: quote folding, NFKC, removal of soft hyphens and zero-width
// characters, and collapsing of all whitespace runs (including
// non-breaking spaces) into single spaces with the ends trimmed.
func Normalize(s string) string {
	s = quoteFolds.Replace(s)
	s = norm.NFKC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	started := false
	for _, r := range s {
		switch {
		case r == '­' || r == '​' || r == '‌' || r == '‍' || r == '\uFEFF':
			// Soft hyphens and zero-width characters vanish entirely.
		case unicode.IsSpace(r):
			pendingSpace = true
		default:
			if pendingSpace && started {
				b.WriteRune(' ')
			}
			pendingSpace = false
			started = true
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FindQuote locates quote inside evidence, preferring an exact match over
// a normalized one. An empty quote is never found.
func FindQuote(quote, evidence string) Match {
	if quote == "" {
		return Match{Type: rule.MatchNotFound, Start: -1, End: -1}
	}

	if i := strings.Index(evidence, quote); i >= 0 {
		return Match{Type: rule.MatchExact, Start: i, End: i + len(quote)}
	}

	nq := Normalize(quote)
	if nq != "" {
		ne := Normalize(evidence)
		if i := strings.Index(ne, nq); i >= 0 {
			return Match{Type: rule.MatchNormalized, Start: i, End: i + len(nq)}
		}
	}

	return Match{Type: rule.MatchNotFound, Start: -1, End: -1}
}

// Acceptable reports whether a match outcome satisfies the tier policy.
// T0 and T1 pointers must match exactly; T2 and T3 also accept
// normalized matches. A quote that was not found never passes.
func Acceptable(mt rule.MatchType, tier rule.RiskTier) bool {
	switch mt {
	case rule.MatchExact:
		return true
	case rule.MatchNormalized:
		return tier != rule.TierT0 && tier != rule.TierT1
	default:
		return false
	}
}

// Stamp writes a match outcome onto the pointer. Outcomes are stamped
// even for failures, so audits can tell "verified absent" apart from
// "never checked".
func Stamp(p *rule.SourcePointer, m Match, at time.Time) {
	p.MatchType = m.Type
	p.MatchStart = m.Start
	p.MatchEnd = m.End
	t := at.UTC()
	p.ValidatedAt = &t
}
