package discord

import (
	"fmt"
	"time"

	"dealhub/domain"
)

const (
	colorNormal     = 0x0099ff
	colorHandpicked = 0xff5500

	footerNormal     = "dealhub deals"
	footerHandpicked = "handpicked · dealhub deals"
)

var handpickedQuotes = []string{
	"This one looks neat!",
	"Grab it before it's gone!",
	"Handpicked with code!",
	"Beep boop, great deal!",
	"Wallet safe? Maybe not.",
}

type Embed struct {
	Title       string       `json:"title"`
	URL         string       `json:"url,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

// NewEmbed renders msg. intn picks the handpicked quote and may be nil for
// the first quote.
func NewEmbed(msg domain.Message, intn func(int) int) Embed {
	e := Embed{
		Title:       msg.Title,
		URL:         msg.URL,
		Description: msg.Description,
		Color:       colorNormal,
		Timestamp:   msg.PublishedAt.UTC().Format(time.RFC3339),
	}
	if msg.Price != "" {
		e.Fields = append(e.Fields, EmbedField{Name: "Price", Value: msg.Price, Inline: true})
	}
	if msg.Quality != nil {
		emoji := "🔥"
		if *msg.Quality < 0 {
			emoji = "❄️"
		}
		e.Fields = append(e.Fields, EmbedField{Name: "Temperature", Value: fmt.Sprintf("%s %d°", emoji, *msg.Quality), Inline: true})
	}
	e.Fields = append(e.Fields, EmbedField{Name: "Source", Value: msg.Source, Inline: true})

	switch msg.Variant {
	case domain.VariantHandpicked:
		e.Color = colorHandpicked
		e.Footer = &EmbedFooter{Text: footerHandpicked}
		i := 0
		if intn != nil {
			i = intn(len(handpickedQuotes))
		}
		e.Fields = append(e.Fields, EmbedField{Name: "Handpicked", Value: handpickedQuotes[i]})
	default:
		e.Footer = &EmbedFooter{Text: footerNormal}
	}
	return e
}
