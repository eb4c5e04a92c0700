package screening

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/aegisshield/compliance-audit/internal/compliance"
)

// WatchlistEntry is one listed party.
type WatchlistEntry struct {
	Name string `mapstructure:"name" yaml:"name"`
	List string `mapstructure:"list" yaml:"list"`
	Risk string `mapstructure:"risk" yaml:"risk"`
}

// WatchlistProvider screens names against a locally configured list. An exact
// normalized name match is confirmed; a match on every token of the shorter
// name is reported for review.
type WatchlistProvider struct {
	entries []watchlistEntry
	clock   func() time.Time
}

type watchlistEntry struct {
	WatchlistEntry
	normalized string
	tokens     map[string]struct{}
}

// NewWatchlistProvider indexes entries for matching.
func NewWatchlistProvider(entries []WatchlistEntry) *WatchlistProvider {
	p := &WatchlistProvider{clock: time.Now}
	for _, e := range entries {
		tokens := tokenize(e.Name)
		if len(tokens) == 0 {
			continue
		}
		p.entries = append(p.entries, watchlistEntry{
			WatchlistEntry: e,
			normalized:     strings.Join(tokens, " "),
			tokens:         tokenSet(tokens),
		})
	}
	return p
}

func (p *WatchlistProvider) Name() string { return "watchlist" }

// Screen matches the entity's name attribute against the list.
func (p *WatchlistProvider) Screen(ctx context.Context, entity compliance.Entity) (compliance.AmlResult, error) {
	if err := ctx.Err(); err != nil {
		return compliance.AmlResult{}, err
	}
	result := compliance.AmlResult{
		Source:      p.Name(),
		MatchStatus: compliance.MatchNone,
		RiskLevel:   compliance.RiskLow,
		ScreenedAt:  p.clock().UTC(),
	}

	name := entityName(entity)
	if name == "" {
		result.Details = "no name attribute to screen"
		return result, nil
	}
	tokens := tokenize(name)
	normalized := strings.Join(tokens, " ")

	var potential *watchlistEntry
	for i := range p.entries {
		e := &p.entries[i]
		if e.normalized == normalized {
			result.MatchStatus = compliance.MatchConfirmed
			result.RiskLevel = entryRisk(e.Risk)
			result.Details = fmt.Sprintf("exact match on %s list entry %q", e.List, e.Name)
			return result, nil
		}
		if potential == nil && tokensOverlap(tokens, e.tokens) {
			potential = e
		}
	}
	if potential != nil {
		result.MatchStatus = compliance.MatchPotential
		result.RiskLevel = compliance.RiskMedium
		result.Details = fmt.Sprintf("partial match on %s list entry %q", potential.List, potential.Name)
		return result, nil
	}
	result.Details = fmt.Sprintf("no match among %d entries", len(p.entries))
	return result, nil
}

func entityName(entity compliance.Entity) string {
	for _, key := range []string{"name", "full_name", "legal_name"} {
		if v, ok := entity.Attribute(key); ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func entryRisk(risk string) compliance.RiskLevel {
	level := compliance.RiskLevel(strings.ToUpper(strings.TrimSpace(risk)))
	if level.Valid() && level != compliance.RiskUnknown {
		return level
	}
	return compliance.RiskHigh
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// tokensOverlap reports whether the shorter of the two names has at least two
// tokens and every one of them appears in the other.
func tokensOverlap(tokens []string, listed map[string]struct{}) bool {
	candidate := tokenSet(tokens)
	small, large := candidate, listed
	if len(listed) < len(candidate) {
		small, large = listed, candidate
	}
	if len(small) < 2 {
		return false
	}
	for t := range small {
		if _, ok := large[t]; !ok {
			return false
		}
	}
	return true
}
