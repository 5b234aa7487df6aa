package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dealhub/domain"
)

const userAgent = "DiscordBot (https://github.com/dealhub, 1.0)"

// Sink delivers messages to Discord channels through the REST API.
type Sink struct {
	baseURL string
	token   string
	client  *http.Client
	intn    func(int) int
}

var _ domain.DeliverySink = (*Sink)(nil)

type Option func(*Sink)

func WithHTTPClient(c *http.Client) Option { return func(s *Sink) { s.client = c } }

func WithRand(intn func(int) int) Option { return func(s *Sink) { s.intn = intn } }

func NewSink(baseURL, token string, opts ...Option) *Sink {
	s := &Sink{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		intn:    rand.IntN,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("discord api: %d %s", e.Status, e.Message)
}

// ResolveDestination looks up a channel. Unknown or inaccessible channels
// return domain.ErrNotFound.
func (s *Sink) ResolveDestination(ctx context.Context, id string) (domain.Destination, error) {
	var ch struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := s.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(id), nil, &ch); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusForbidden) {
			return domain.Destination{}, fmt.Errorf("channel %s: %w", id, domain.ErrNotFound)
		}
		return domain.Destination{}, err
	}
	if ch.ID == "" {
		ch.ID = id
	}
	return domain.Destination{ID: ch.ID, Name: ch.Name}, nil
}

// Deliver posts msg as a single embed.
func (s *Sink) Deliver(ctx context.Context, dest domain.Destination, msg domain.Message) error {
	body := map[string]any{"embeds": []Embed{NewEmbed(msg, s.intn)}}
	return s.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(dest.ID)+"/messages", body, nil)
}

func (s *Sink) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+s.token)
	req.Header.Set("User-Agent", userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Message: e.Message}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
