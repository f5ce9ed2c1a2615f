package group

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// configDocument is the shape of the GROUP_CONFIG_FILE JSON document.
type configDocument struct {
	GroupEntries []InstanceGroup `json:"groupEntries"`
}

// LoadConfigFile reads and parses the group-bootstrap document at path.
// An unreadable or malformed file is a fatal startup error.
func LoadConfigFile(path string) ([]InstanceGroup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("group: reading config file %q: %w", path, err)
	}

	var doc configDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("group: parsing config file %q: %w", path, err)
	}

	for i := range doc.GroupEntries {
		if errs := doc.GroupEntries[i].Validate(); len(errs) > 0 {
			return nil, fmt.Errorf("group: config file %q entry %q invalid: %v", path, doc.GroupEntries[i].Name, errs)
		}
	}

	return doc.GroupEntries, nil
}

// Bootstrap seeds the registry from the baseline entries, writing only
// groups that do not already exist so a restart never clobbers
// admin-mutated state.
func Bootstrap(ctx context.Context, r *Registry, baseline []InstanceGroup) error {
	for i := range baseline {
		g := baseline[i]
		_, exists, err := r.Get(ctx, g.Name)
		if err != nil {
			return fmt.Errorf("group: bootstrap checking %q: %w", g.Name, err)
		}
		if exists {
			continue
		}
		if err := r.Upsert(ctx, &g); err != nil {
			return fmt.Errorf("group: bootstrap writing %q: %w", g.Name, err)
		}
	}
	return nil
}

// Reset restores every baseline group to its config-defined definition,
// overwriting any admin mutations (POST /groups/actions/reset).
func Reset(ctx context.Context, r *Registry, baseline []InstanceGroup) error {
	for i := range baseline {
		g := baseline[i]
		if err := r.Upsert(ctx, &g); err != nil {
			return fmt.Errorf("group: reset writing %q: %w", g.Name, err)
		}
	}
	return nil
}
