package rss

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"dealhub/domain"
)

const (
	maxDescriptionLen = 600
	placeholderTitle  = "No Title"
)

var (
	signedIntRe   = regexp.MustCompile(`-?\d+`)
	temperatureRe = regexp.MustCompile(`(?i)(-?\d+)\s*(?:°|grad|deg)`)
	priceRe       = regexp.MustCompile(`(?i)((?:£|€|\$)\s?\d{1,3}(?:[.,]\d{3})*(?:[.,]\d{2})?)|(\d{1,3}(?:[.,]\d{3})*(?:[.,]\d{2})?\s?(?:£|€|\$|EUR|GBP|USD))`)
)

// normalize maps a parsed feed entry onto an Item. URL rewriting and
// filtering happen in the caller.
func normalize(entry *gofeed.Item, sourceTag string, fetchedAt time.Time) domain.Item {
	title := strings.TrimSpace(entry.Title)
	if title == "" {
		title = placeholderTitle
	}
	link := strings.TrimSpace(entry.Link)
	id := strings.TrimSpace(entry.GUID)
	if id == "" {
		id = link
	}
	if id == "" {
		id = title
	}
	published := fetchedAt
	if entry.PublishedParsed != nil {
		published = *entry.PublishedParsed
	}

	desc := entry.Description
	if strings.TrimSpace(desc) == "" {
		desc = entry.Content
	}

	it := domain.Item{
		ID:          id,
		Source:      sourceTag,
		URL:         link,
		Title:       title,
		Description: cleanDescription(desc),
		Price:       extractPrice(title),
		Quality:     extractQuality(title, structuredTemperature(entry)),
		PublishedAt: published,
	}
	if raw, err := json.Marshal(entry); err == nil {
		it.Raw = raw
	}
	return it
}

// structuredTemperature returns the pepper:temperature extension value that
// the mydealz/hotukdeals feeds carry, if present.
func structuredTemperature(entry *gofeed.Item) string {
	if entry.Extensions == nil {
		return ""
	}
	for _, ext := range entry.Extensions["pepper"]["temperature"] {
		if v := strings.TrimSpace(ext.Value); v != "" {
			return v
		}
	}
	return ""
}

// extractQuality prefers the structured field, then a temperature marker in
// the title. The first successful match wins.
func extractQuality(title, structured string) *int {
	if structured != "" {
		if m := signedIntRe.FindString(structured); m != "" {
			if n, err := strconv.Atoi(m); err == nil {
				return &n
			}
		}
	}
	if m := temperatureRe.FindStringSubmatch(title); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return &n
		}
	}
	return nil
}

func extractPrice(title string) string {
	return strings.TrimSpace(priceRe.FindString(title))
}

func cleanDescription(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	text := html
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		text = doc.Text()
	}
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > maxDescriptionLen {
		text = string(r[:maxDescriptionLen])
	}
	return text
}
