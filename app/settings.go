package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"dealhub/domain"
)

// ConfigStore is the only write path into tenant behaviour.
type ConfigStore struct {
	repo domain.SettingsRepository
	now  func() time.Time
}

func NewConfigStore(repo domain.SettingsRepository, now func() time.Time) *ConfigStore {
	if now == nil {
		now = time.Now
	}
	return &ConfigStore{repo: repo, now: now}
}

// Get never fails. Tenants without a record, or whose record cannot be
// read, get the defaults.
func (c *ConfigStore) Get(ctx context.Context, tenantID string) domain.Settings {
	s, err := c.repo.LoadSettings(ctx, tenantID)
	if err == nil {
		return s
	}
	if !errors.Is(err, domain.ErrNotFound) {
		logr.FromContextOrDiscard(ctx).Error(err, "Loading settings failed, using defaults", "tenant", tenantID)
	}
	return domain.DefaultSettings(tenantID)
}

// Set merges patch onto the current record, persists and returns it.
// Validation of the patch is the caller's job.
func (c *ConfigStore) Set(ctx context.Context, tenantID string, patch domain.SettingsPatch) (domain.Settings, error) {
	current, err := c.repo.LoadSettings(ctx, tenantID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		current = domain.DefaultSettings(tenantID)
	case err != nil:
		return domain.Settings{}, fmt.Errorf("load settings %s: %w", tenantID, err)
	}
	next := domain.Merge(current, patch, c.now().UTC())
	next.TenantID = tenantID
	if err := c.repo.SaveSettings(ctx, next); err != nil {
		return domain.Settings{}, fmt.Errorf("save settings %s: %w", tenantID, err)
	}
	return next, nil
}

// Seed applies patch only when tenantID has no persisted record yet, so
// changes made at runtime survive a restart. It reports whether it wrote.
func (c *ConfigStore) Seed(ctx context.Context, tenantID string, patch domain.SettingsPatch) (bool, error) {
	_, err := c.repo.LoadSettings(ctx, tenantID)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return false, fmt.Errorf("load settings %s: %w", tenantID, err)
	}
	if _, err := c.Set(ctx, tenantID, patch); err != nil {
		return false, err
	}
	return true, nil
}

// ListAll returns tenants with a persisted record only.
func (c *ConfigStore) ListAll(ctx context.Context) ([]domain.Settings, error) {
	return c.repo.ListSettings(ctx)
}
