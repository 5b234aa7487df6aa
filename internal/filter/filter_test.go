package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dealhub/domain"
)

func intp(v int) *int { return &v }

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		item     domain.Item
		settings func(*domain.Settings)
		want     Verdict
	}{
		{
			name:     "no rules",
			item:     domain.Item{Title: "Anything"},
			settings: func(*domain.Settings) {},
			want:     Accepted,
		},
		{
			name:     "below threshold",
			item:     domain.Item{Title: "Cheap", Quality: intp(50)},
			settings: func(s *domain.Settings) { s.MinQuality = intp(100) },
			want:     BelowMinQuality,
		},
		{
			name:     "no score is never rejected by threshold",
			item:     domain.Item{Title: "Cheap"},
			settings: func(s *domain.Settings) { s.MinQuality = intp(100) },
			want:     Accepted,
		},
		{
			name:     "score equal to threshold passes",
			item:     domain.Item{Title: "Cheap", Quality: intp(100)},
			settings: func(s *domain.Settings) { s.MinQuality = intp(100) },
			want:     Accepted,
		},
		{
			name:     "negative score against zero threshold",
			item:     domain.Item{Title: "Cold", Quality: intp(-3)},
			settings: func(s *domain.Settings) { s.MinQuality = intp(0) },
			want:     BelowMinQuality,
		},
		{
			name:     "blocklist matches description case-insensitively",
			item:     domain.Item{Title: "Phone", Description: "B-Ware, REFURBISHED"},
			settings: func(s *domain.Settings) { s.KeywordBlocklist = []string{"refurbished"} },
			want:     Blocked,
		},
		{
			name: "blocklist wins over allowlist",
			item: domain.Item{Title: "Refurbished Laptop Deal"},
			settings: func(s *domain.Settings) {
				s.KeywordBlocklist = []string{"refurbished"}
				s.KeywordAllowlist = []string{"laptop"}
			},
			want: Blocked,
		},
		{
			name:     "allowlist miss",
			item:     domain.Item{Title: "Coffee maker"},
			settings: func(s *domain.Settings) { s.KeywordAllowlist = []string{"laptop", "ssd"} },
			want:     NotAllowed,
		},
		{
			name:     "allowlist hit with unnormalized terms",
			item:     domain.Item{Title: "Samsung SSD 2TB"},
			settings: func(s *domain.Settings) { s.KeywordAllowlist = []string{" SSD "} },
			want:     Accepted,
		},
		{
			name:     "empty allowlist accepts",
			item:     domain.Item{Title: "Coffee maker"},
			settings: func(s *domain.Settings) { s.KeywordAllowlist = []string{"", " "} },
			want:     Accepted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := domain.DefaultSettings("g1")
			tt.settings(&s)
			got := Evaluate(tt.item, s)
			assert.Equal(t, tt.want, got, "verdict %s", got)
			assert.Equal(t, tt.want == Accepted, Accept(tt.item, s))
		})
	}
}

func TestAcceptIsDeterministic(t *testing.T) {
	s := domain.DefaultSettings("g1")
	s.KeywordAllowlist = []string{"laptop"}
	s.KeywordBlocklist = []string{"refurbished"}
	s.MinQuality = intp(10)
	it := domain.Item{Title: "Laptop", Quality: intp(20)}

	first := Accept(it, s)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Accept(it, s))
	}
	assert.Equal(t, []string{"laptop"}, s.KeywordAllowlist)
}
