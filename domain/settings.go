package domain

import (
	"strings"
	"time"
)

const (
	DefaultPollIntervalSeconds  = 120
	DefaultMaxDeliveriesPerTick = 5
)

// DefaultSettings returns the settings a tenant has without a persisted record.
func DefaultSettings(tenantID string) Settings {
	return Settings{
		TenantID:             tenantID,
		AutopostEnabled:      true,
		Sources:              map[string]bool{},
		PollIntervalSeconds:  DefaultPollIntervalSeconds,
		MaxDeliveriesPerTick: DefaultMaxDeliveriesPerTick,
		LinkRewriteEnabled:   true,
	}
}

// Merge applies patch onto current and stamps updatedAt. current is not
// modified.
func Merge(current Settings, patch SettingsPatch, updatedAt time.Time) Settings {
	out := current
	out.Sources = make(map[string]bool, len(current.Sources)+len(patch.Sources))
	for tag, on := range current.Sources {
		out.Sources[tag] = on
	}
	for tag, on := range patch.Sources {
		out.Sources[tag] = on
	}
	if patch.AutopostEnabled != nil {
		out.AutopostEnabled = *patch.AutopostEnabled
	}
	if patch.DestinationID != nil {
		out.DestinationID = strings.TrimSpace(*patch.DestinationID)
	}
	if patch.PollIntervalSeconds != nil {
		out.PollIntervalSeconds = *patch.PollIntervalSeconds
	}
	if patch.MaxDeliveriesPerTick != nil {
		out.MaxDeliveriesPerTick = *patch.MaxDeliveriesPerTick
	}
	if patch.KeywordAllowlist != nil {
		out.KeywordAllowlist = NormalizeKeywords(*patch.KeywordAllowlist)
	}
	if patch.KeywordBlocklist != nil {
		out.KeywordBlocklist = NormalizeKeywords(*patch.KeywordBlocklist)
	}
	if patch.ClearMinQuality {
		out.MinQuality = nil
	} else if patch.MinQuality != nil {
		q := *patch.MinQuality
		out.MinQuality = &q
	}
	if patch.LinkRewriteEnabled != nil {
		out.LinkRewriteEnabled = *patch.LinkRewriteEnabled
	}
	out.UpdatedAt = updatedAt
	return out
}

// NormalizeKeywords lowercases and trims terms, dropping empties and
// duplicates while keeping the first-seen order. An empty result is nil.
func NormalizeKeywords(terms []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		t = lower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// SplitKeywords parses a comma separated keyword list.
func SplitKeywords(s string) []string {
	return NormalizeKeywords(strings.Split(s, ","))
}

// MatchesAny reports whether text contains any of the terms.
func MatchesAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

func lower(s string) string { return strings.ToLower(s) }
