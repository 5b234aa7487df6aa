// Package filter decides whether a normalized item is kept for a tenant.
package filter

import "dealhub/domain"

// Verdict is the outcome of evaluating an item.
type Verdict int

const (
	Accepted Verdict = iota
	BelowMinQuality
	Blocked
	NotAllowed
)

func (v Verdict) String() string {
	switch v {
	case BelowMinQuality:
		return "below_min_quality"
	case Blocked:
		return "blocked"
	case NotAllowed:
		return "not_allowed"
	default:
		return "accepted"
	}
}

// Evaluate applies the quality threshold, then the blocklist, then the
// allowlist. Items without a quality score skip the threshold rule.
func Evaluate(it domain.Item, s domain.Settings) Verdict {
	if s.MinQuality != nil && it.Quality != nil && *it.Quality < *s.MinQuality {
		return BelowMinQuality
	}

	text := it.SearchText()
	if block := domain.NormalizeKeywords(s.KeywordBlocklist); len(block) > 0 && domain.MatchesAny(text, block) {
		return Blocked
	}
	if allow := domain.NormalizeKeywords(s.KeywordAllowlist); len(allow) > 0 && !domain.MatchesAny(text, allow) {
		return NotAllowed
	}
	return Accepted
}

// Accept reports whether the item passes all rules.
func Accept(it domain.Item, s domain.Settings) bool {
	return Evaluate(it, s) == Accepted
}
