package domain

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings("g1")
	assert.Equal(t, "g1", s.TenantID)
	assert.True(t, s.AutopostEnabled)
	assert.Empty(t, s.DestinationID)
	assert.Equal(t, 120, s.PollIntervalSeconds)
	assert.Equal(t, 5, s.MaxDeliveriesPerTick)
	assert.Nil(t, s.MinQuality)
	assert.True(t, s.LinkRewriteEnabled)
	assert.True(t, s.SourceEnabled("mydealz"))
	assert.Equal(t, 2*time.Minute, s.PollInterval())
}

func TestMerge(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	base := DefaultSettings("g1")
	base.Sources = map[string]bool{"mydealz": false}
	base.MinQuality = ptr(50)

	tests := []struct {
		name  string
		patch SettingsPatch
		want  func(s Settings) Settings
	}{
		{
			name:  "empty patch only stamps time",
			patch: SettingsPatch{},
			want:  func(s Settings) Settings { return s },
		},
		{
			name: "scalar fields",
			patch: SettingsPatch{
				AutopostEnabled:      ptr(false),
				DestinationID:        ptr(" 42 "),
				PollIntervalSeconds:  ptr(300),
				MaxDeliveriesPerTick: ptr(0),
				LinkRewriteEnabled:   ptr(false),
			},
			want: func(s Settings) Settings {
				s.AutopostEnabled = false
				s.DestinationID = "42"
				s.PollIntervalSeconds = 300
				s.MaxDeliveriesPerTick = 0
				s.LinkRewriteEnabled = false
				return s
			},
		},
		{
			name:  "sources merge key-wise",
			patch: SettingsPatch{Sources: map[string]bool{"hotukdeals": false, "mydealz": true}},
			want: func(s Settings) Settings {
				s.Sources = map[string]bool{"mydealz": true, "hotukdeals": false}
				return s
			},
		},
		{
			name:  "keywords are normalized",
			patch: SettingsPatch{KeywordAllowlist: ptr([]string{" Laptop", "laptop", "", "SSD"})},
			want: func(s Settings) Settings {
				s.KeywordAllowlist = []string{"laptop", "ssd"}
				return s
			},
		},
		{
			name:  "empty keyword list clears",
			patch: SettingsPatch{KeywordBlocklist: ptr([]string{})},
			want:  func(s Settings) Settings { return s },
		},
		{
			name:  "min quality set",
			patch: SettingsPatch{MinQuality: ptr(100)},
			want: func(s Settings) Settings {
				s.MinQuality = ptr(100)
				return s
			},
		},
		{
			name:  "min quality cleared",
			patch: SettingsPatch{ClearMinQuality: true, MinQuality: ptr(7)},
			want: func(s Settings) Settings {
				s.MinQuality = nil
				return s
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(base, tt.patch, now)
			want := tt.want(base)
			want.UpdatedAt = now
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMergeDoesNotAliasCurrent(t *testing.T) {
	base := DefaultSettings("g1")
	base.Sources = map[string]bool{"a": true}
	base.MinQuality = ptr(1)

	got := Merge(base, SettingsPatch{Sources: map[string]bool{"a": false}, MinQuality: ptr(9)}, time.Now())
	require.False(t, got.Sources["a"])
	assert.True(t, base.Sources["a"])
	assert.Equal(t, 1, *base.MinQuality)
}

func TestSplitKeywords(t *testing.T) {
	assert.Equal(t, []string{"a", "b c"}, SplitKeywords(" A ,b C,,a"))
	assert.Nil(t, SplitKeywords(""))
}

func TestParsePickMode(t *testing.T) {
	for in, want := range map[string]PickMode{"": PickRandom, "random": PickRandom, "HOT": PickHot, "handpicked": PickHandpicked} {
		got, err := ParsePickMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePickMode("timo")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestPickKeywordMatch(t *testing.T) {
	entries := []CacheEntry{
		{Item: Item{ID: "1", Title: "Gaming Laptop"}},
		{Item: Item{ID: "2", Title: "Coffee"}},
		{Item: Item{ID: "3", Title: "Mouse", Description: "fits any LAPTOP bag"}},
	}
	last := func(n int) int { return n - 1 }

	got, ok := PickKeywordMatch(entries, []string{"laptop"}, last)
	require.True(t, ok)
	assert.Equal(t, "3", got.ID)

	_, ok = PickKeywordMatch(entries, []string{"tv"}, last)
	assert.False(t, ok)

	_, ok = PickKeywordMatch(entries, nil, last)
	assert.False(t, ok)
}
