package provenance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexfabric/canon/pkg/rule"
)

func TestFindQuote_ExactMatch(t *testing.T) {
	evidence := "The quick brown fox jumps over the lazy dog"

	m := FindQuote("quick brown", evidence)
	assert.Equal(t, rule.MatchExact, m.Type)
	assert.Equal(t, 4, m.Start)
	assert.Equal(t, 15, m.End)
	assert.Equal(t, "quick brown", evidence[m.Start:m.End])
}

func TestFindQuote_SoftHyphen(t *testing.T) {
	// PDF extraction left a soft hyphen inside the word.
	evidence := "Porez­na uprava objavljuje stopu"

	m := FindQuote("Porezna uprava", evidence)
	assert.Equal(t, rule.MatchNormalized, m.Type)
	assert.Equal(t, 0, m.Start)
	assert.Equal(t, len("Porezna uprava"), m.End)
}

func TestFindQuote_NonBreakingSpace(t *testing.T) {
	evidence := "Stopa iznosi 25% na sve isporuke"

	m := FindQuote("iznosi 25%", evidence)
	assert.Equal(t, rule.MatchNormalized, m.Type)
}

func TestFindQuote_CurlyQuotes(t *testing.T) {
	evidence := "Pojam “porezna stopa” definiran je zakonom"

	m := FindQuote(`"porezna stopa"`, evidence)
	assert.Equal(t, rule.MatchNormalized, m.Type)
}

func TestFindQuote_WhitespaceCollapse(t *testing.T) {
	evidence := "Stopa  poreza\n\tiznosi   25 posto"

	m := FindQuote("Stopa poreza iznosi 25 posto", evidence)
	assert.Equal(t, rule.MatchNormalized, m.Type)
}

func TestFindQuote_CaseIsNeverFolded(t *testing.T) {
	evidence := "Tax is levied on all supplies"

	m := FindQuote("tax is", evidence)
	assert.Equal(t, rule.MatchNotFound, m.Type)
	assert.Equal(t, -1, m.Start)
	assert.Equal(t, -1, m.End)
}

func TestFindQuote_ExactWinsOverNormalized(t *testing.T) {
	// Both stages would succeed; the exact stage must be reported.
	evidence := "plain text with a plain quote"

	m := FindQuote("plain quote", evidence)
	assert.Equal(t, rule.MatchExact, m.Type)
	assert.Equal(t, 18, m.Start)
}

func TestFindQuote_EmptyQuote(t *testing.T) {
	m := FindQuote("", "anything")
	assert.Equal(t, rule.MatchNotFound, m.Type)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trim and collapse", "  a \t b\n c  ", "a b c"},
		{"nbsp", "a b", "a b"},
		{"soft hyphen removed", "Po­rez", "Porez"},
		{"zero width removed", "a​b\uFEFFc", "abc"},
		{"curly single quotes", "‘x’", "'x'"},
		{"curly double quotes", "“x”", `"x"`},
		{"guillemets", "«x»", `"x"`},
		{"case preserved", "MiXeD Case", "MiXeD Case"},
		{"empty", "", ""},
		{"whitespace only", " \t\n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestAcceptable_TierPolicy(t *testing.T) {
	tests := []struct {
		mt   rule.MatchType
		tier rule.RiskTier
		want bool
	}{
		{rule.MatchExact, rule.TierT0, true},
		{rule.MatchExact, rule.TierT1, true},
		{rule.MatchExact, rule.TierT2, true},
		{rule.MatchExact, rule.TierT3, true},
		{rule.MatchNormalized, rule.TierT0, false},
		{rule.MatchNormalized, rule.TierT1, false},
		{rule.MatchNormalized, rule.TierT2, true},
		{rule.MatchNormalized, rule.TierT3, true},
		{rule.MatchNotFound, rule.TierT0, false},
		{rule.MatchNotFound, rule.TierT3, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Acceptable(tt.mt, tt.tier),
			"match %s tier %s", tt.mt, tt.tier)
	}
}

func TestStamp_PersistsFailuresToo(t *testing.T) {
	p := &rule.SourcePointer{ID: "p-1", RuleID: "r-1", EvidenceID: "e-1", ExactQuote: "missing"}
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	Stamp(p, Match{Type: rule.MatchNotFound, Start: -1, End: -1}, at)

	require.NotNil(t, p.ValidatedAt)
	assert.Equal(t, at, *p.ValidatedAt)
	assert.Equal(t, rule.MatchNotFound, p.MatchType)
	assert.Equal(t, -1, p.MatchStart)
	assert.Equal(t, -1, p.MatchEnd)
}
