package affiliate

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"dealhub/domain"
)

const userAgent = "dealhub/1.0"

var hostPrefixes = []string{"www.", "smile."}

// Rewriter appends affiliate tags to shop links. Tags are keyed by the bare
// shop domain (amazon.de); the www. and smile. hosts share the same tag.
type Rewriter struct {
	tags       map[string]string
	shortHosts map[string]bool
	client     *http.Client
}

var _ domain.LinkRewriter = (*Rewriter)(nil)

type Option func(*Rewriter)

func WithHTTPClient(c *http.Client) Option { return func(r *Rewriter) { r.client = c } }

// WithShortHosts replaces the list of link-shortener hosts that are resolved
// before tagging.
func WithShortHosts(hosts ...string) Option {
	return func(r *Rewriter) {
		r.shortHosts = make(map[string]bool, len(hosts))
		for _, h := range hosts {
			r.shortHosts[strings.ToLower(h)] = true
		}
	}
}

func New(tags map[string]string, opts ...Option) *Rewriter {
	r := &Rewriter{
		tags:       make(map[string]string, len(tags)),
		shortHosts: map[string]bool{"amzn.to": true},
		client:     &http.Client{Timeout: 10 * time.Second},
	}
	for host, tag := range tags {
		if tag != "" {
			r.tags[strings.ToLower(host)] = tag
		}
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Rewrite returns rawURL with the affiliate tag of its shop applied. Short
// links are expanded first. On any failure the input is returned unchanged.
func (r *Rewriter) Rewrite(ctx context.Context, rawURL string) string {
	if rawURL == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}

	target := u
	if r.shortHosts[strings.ToLower(u.Hostname())] {
		resolved, err := r.resolve(ctx, rawURL)
		if err != nil {
			logr.FromContextOrDiscard(ctx).V(1).Info("Short link not resolved", "url", rawURL, "error", err.Error())
			return rawURL
		}
		target = resolved
	}

	tag := r.tagFor(target.Hostname())
	if tag == "" {
		return target.String()
	}
	q := target.Query()
	q.Set("tag", tag)
	target.RawQuery = q.Encode()
	target.Scheme = "https"
	return target.String()
}

func (r *Rewriter) tagFor(host string) string {
	host = strings.ToLower(host)
	for _, p := range hostPrefixes {
		if strings.HasPrefix(host, p) {
			host = strings.TrimPrefix(host, p)
			break
		}
	}
	return r.tags[host]
}

// resolve follows the redirect chain of a short link with HEAD requests.
// It stops at the first hop onto a tagged shop host.
func (r *Rewriter) resolve(ctx context.Context, rawURL string) (*url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	client := *r.client
	client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		if r.tagFor(next.URL.Hostname()) != "" {
			return http.ErrUseLastResponse
		}
		return nil
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return resp.Location()
	}
	return resp.Request.URL, nil
}
