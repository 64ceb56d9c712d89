package webhook

import (
	"sort"

	"go.uber.org/zap"

	"github.com/teranos/studioos/am"
	"github.com/teranos/studioos/delivery"
)

// RegisterPlatforms registers a webhook adapter for every configured platform
func RegisterPlatforms(registry *delivery.AdapterRegistry, platforms map[string]am.PlatformConfig, log *zap.SugaredLogger) error {
	ids := make([]string, 0, len(platforms))
	for id := range platforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		cfg := delivery.PlatformConfigFromAm(id, platforms[id])
		adapter, err := New(cfg, nil, log)
		if err != nil {
			return err
		}
		registry.Register(adapter, cfg)
	}
	return nil
}
