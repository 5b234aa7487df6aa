package domain

import (
	"encoding/json"
	"time"
)

// Settings is the full per-tenant configuration record.
type Settings struct {
	TenantID             string          `json:"tenant_id"`
	AutopostEnabled      bool            `json:"autopost_enabled"`
	DestinationID        string          `json:"destination_id"`
	Sources              map[string]bool `json:"sources"`
	PollIntervalSeconds  int             `json:"poll_interval_seconds"`
	MaxDeliveriesPerTick int             `json:"max_deliveries_per_tick"`
	KeywordAllowlist     []string        `json:"keyword_allowlist"`
	KeywordBlocklist     []string        `json:"keyword_blocklist"`
	MinQuality           *int            `json:"min_quality"`
	LinkRewriteEnabled   bool            `json:"link_rewrite_enabled"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// SourceEnabled reports whether the source tag is enabled. Tags without an
// explicit flag are enabled.
func (s Settings) SourceEnabled(tag string) bool {
	enabled, ok := s.Sources[tag]
	return !ok || enabled
}

// PollInterval returns the configured poll interval as a duration.
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// SettingsPatch is a partial settings update. Nil fields are left untouched.
type SettingsPatch struct {
	AutopostEnabled      *bool           `json:"autopost_enabled,omitempty" yaml:"autopost_enabled,omitempty"`
	DestinationID        *string         `json:"destination_id,omitempty" yaml:"destination_id,omitempty"`
	Sources              map[string]bool `json:"sources,omitempty" yaml:"sources,omitempty"`
	PollIntervalSeconds  *int            `json:"poll_interval_seconds,omitempty" yaml:"poll_interval_seconds,omitempty"`
	MaxDeliveriesPerTick *int            `json:"max_deliveries_per_tick,omitempty" yaml:"max_deliveries_per_tick,omitempty"`
	KeywordAllowlist     *[]string       `json:"keyword_allowlist,omitempty" yaml:"keyword_allowlist,omitempty"`
	KeywordBlocklist     *[]string       `json:"keyword_blocklist,omitempty" yaml:"keyword_blocklist,omitempty"`
	MinQuality           *int            `json:"min_quality,omitempty" yaml:"min_quality,omitempty"`
	ClearMinQuality      bool            `json:"clear_min_quality,omitempty" yaml:"clear_min_quality,omitempty"`
	LinkRewriteEnabled   *bool           `json:"link_rewrite_enabled,omitempty" yaml:"link_rewrite_enabled,omitempty"`
}

// Item is a normalized feed entry.
type Item struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	URL         string          `json:"url"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Price       string          `json:"price,omitempty"`
	Quality     *int            `json:"quality"`
	PublishedAt time.Time       `json:"published_at"`
	Raw         json.RawMessage `json:"-"`
}

// SearchText is the lowercase title+description used by keyword rules.
func (it Item) SearchText() string {
	return lower(it.Title + " " + it.Description)
}

// CacheEntry is an item held in a tenant's recency cache.
type CacheEntry struct {
	TenantID   string
	Item       Item
	InsertedAt time.Time
}

// SentRecord witnesses one delivery of an item to a destination.
type SentRecord struct {
	TenantID      string    `json:"tenant_id"`
	DestinationID string    `json:"destination_id"`
	ItemID        string    `json:"item_id"`
	Source        string    `json:"source"`
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	DeliveredAt   time.Time `json:"delivered_at"`
}

// Source is a configured feed.
type Source struct {
	Tag string `yaml:"tag"`
	URL string `yaml:"url"`
}

// Destination is a resolved delivery target.
type Destination struct {
	ID   string
	Name string
}

// Variant selects the presentation of a delivered message.
type Variant int

const (
	VariantNormal Variant = iota
	VariantHandpicked
)

func (v Variant) String() string {
	switch v {
	case VariantHandpicked:
		return "handpicked"
	default:
		return "normal"
	}
}

// Message is what the delivery sink receives.
type Message struct {
	Title       string
	URL         string
	Description string
	Price       string
	Quality     *int
	Source      string
	PublishedAt time.Time
	Variant     Variant
}

// NewMessage builds a message for an item.
func NewMessage(it Item, v Variant) Message {
	return Message{
		Title:       it.Title,
		URL:         it.URL,
		Description: it.Description,
		Price:       it.Price,
		Quality:     it.Quality,
		Source:      it.Source,
		PublishedAt: it.PublishedAt,
		Variant:     v,
	}
}

// PickMode is an on-demand selection strategy over the recency cache.
type PickMode int

const (
	PickRandom PickMode = iota
	PickHot
	PickHandpicked
)

func (m PickMode) String() string {
	switch m {
	case PickHot:
		return "hot"
	case PickHandpicked:
		return "handpicked"
	default:
		return "random"
	}
}

// ParsePickMode parses the textual form of a PickMode.
func ParsePickMode(s string) (PickMode, error) {
	switch lower(s) {
	case "random", "":
		return PickRandom, nil
	case "hot":
		return PickHot, nil
	case "handpicked":
		return PickHandpicked, nil
	}
	return PickRandom, ErrUnknownMode
}
