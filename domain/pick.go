package domain

// PickKeywordMatch returns a uniformly random entry whose title or
// description contains at least one allowlist term. intn must behave like
// rand.IntN.
func PickKeywordMatch(entries []CacheEntry, allowlist []string, intn func(int) int) (Item, bool) {
	terms := NormalizeKeywords(allowlist)
	if len(terms) == 0 {
		return Item{}, false
	}
	var matched []Item
	for _, e := range entries {
		if MatchesAny(e.Item.SearchText(), terms) {
			matched = append(matched, e.Item)
		}
	}
	if len(matched) == 0 {
		return Item{}, false
	}
	return matched[intn(len(matched))], true
}
