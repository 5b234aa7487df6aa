package cmd

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/go-logr/logr"

	"dealhub/app"
	"dealhub/domain"
	"dealhub/internal/helper"
)

// tenantSeeder applies the config file's tenant patches. At startup only
// tenants without a stored record are written, so runtime edits survive a
// restart. On reload only patches that differ from the previously loaded
// file are applied.
type tenantSeeder struct {
	settings *app.ConfigStore

	mu   sync.Mutex
	last map[string]domain.SettingsPatch
}

func newTenantSeeder(settings *app.ConfigStore) *tenantSeeder {
	return &tenantSeeder{settings: settings}
}

func (s *tenantSeeder) seed(ctx context.Context, tenants map[string]domain.SettingsPatch) error {
	if err := validateTenants(tenants); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := logr.FromContextOrDiscard(ctx)
	for _, tenant := range slices.Sorted(maps.Keys(tenants)) {
		wrote, err := s.settings.Seed(ctx, tenant, tenants[tenant])
		if err != nil {
			return fmt.Errorf("seeding tenant %s: %w", tenant, err)
		}
		if wrote {
			logger.Info("Seeded tenant settings from config", "tenant", tenant)
		} else {
			logger.V(1).Info("Tenant already stored, config seed skipped", "tenant", tenant)
		}
	}
	s.last = tenants
	return nil
}

// reload applies changed patches. An invalid file applies nothing.
func (s *tenantSeeder) reload(ctx context.Context, tenants map[string]domain.SettingsPatch) error {
	if err := validateTenants(tenants); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := logr.FromContextOrDiscard(ctx)
	for _, tenant := range slices.Sorted(maps.Keys(tenants)) {
		patch := tenants[tenant]
		if prev, ok := s.last[tenant]; ok && reflect.DeepEqual(prev, patch) {
			continue
		}
		if _, err := s.settings.Set(ctx, tenant, patch); err != nil {
			return fmt.Errorf("applying tenant %s: %w", tenant, err)
		}
		logger.Info("Applied changed tenant settings from config", "tenant", tenant)
	}
	s.last = tenants
	return nil
}

func validateTenants(tenants map[string]domain.SettingsPatch) error {
	for _, tenant := range slices.Sorted(maps.Keys(tenants)) {
		if err := helper.ValidatePatch(tenants[tenant]); err != nil {
			return fmt.Errorf("config tenant %s: %w", tenant, err)
		}
	}
	return nil
}
