package helper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"dealhub/domain"
)

const MaxWorkers = 15

// ValidateFeedURL checks that feedURL is an absolute http(s) URL.
func ValidateFeedURL(feedURL string) error {
	u, err := url.ParseRequestURI(feedURL)
	if err != nil {
		return fmt.Errorf("invalid feed URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("feed URL has no host")
	}
	return nil
}

// CheckFeedReachable validates feedURL and probes it with a GET.
func CheckFeedReachable(ctx context.Context, client *http.Client, feedURL string) error {
	if err := ValidateFeedURL(feedURL); err != nil {
		return err
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bad response status: %s", resp.Status)
	}
	return nil
}

func ValidateInterval(d time.Duration) error {
	if d <= 0 {
		return errors.New("interval must be > 0")
	}
	return nil
}

func ValidateWorkers(n int) error {
	if n <= 0 || n > MaxWorkers {
		return fmt.Errorf("number of workers should be between 1 and %d", MaxWorkers)
	}
	return nil
}

// ValidatePatch rejects settings updates the store would persist verbatim
// but the scheduler cannot run with.
func ValidatePatch(p domain.SettingsPatch) error {
	var errs []error
	if p.PollIntervalSeconds != nil && *p.PollIntervalSeconds <= 0 {
		errs = append(errs, errors.New("poll_interval_seconds must be > 0"))
	}
	if p.MaxDeliveriesPerTick != nil && *p.MaxDeliveriesPerTick < 0 {
		errs = append(errs, errors.New("max_deliveries_per_tick must be >= 0"))
	}
	if p.ClearMinQuality && p.MinQuality != nil {
		errs = append(errs, errors.New("min_quality and clear_min_quality are exclusive"))
	}
	return errors.Join(errs...)
}
