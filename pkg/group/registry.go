package group

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fleetscale/controller/internal/store"
)

const (
	groupKeyPrefix      = "group:"
	autoScaleGracePrefx = "autoScaleGrace:"
)

// Registry provides CRUD over InstanceGroup definitions and per-group
// grace-period bookkeeping, backed by the shared Store.
type Registry struct {
	store             store.Store
	autoScaleGraceTTL time.Duration
}

// NewRegistry creates a Registry. autoScaleGraceTTL is the TTL applied to
// a group's autoScaleGrace marker after any scaling decision.
func NewRegistry(s store.Store, autoScaleGraceTTL time.Duration) *Registry {
	return &Registry{store: s, autoScaleGraceTTL: autoScaleGraceTTL}
}

func groupKey(name string) string { return groupKeyPrefix + name }

// Get loads one group by name. ok is false if it does not exist.
func (r *Registry) Get(ctx context.Context, name string) (*InstanceGroup, bool, error) {
	raw, ok, err := r.store.Get(ctx, groupKey(name))
	if err != nil {
		return nil, false, fmt.Errorf("group: get %q: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	var g InstanceGroup
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, false, fmt.Errorf("group: decode %q: %w", name, err)
	}
	return &g, true, nil
}

// List returns every defined group, sorted by name for a stable response.
func (r *Registry) List(ctx context.Context) ([]InstanceGroup, error) {
	keys, err := r.store.ScanMatch(ctx, groupKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("group: scanning groups: %w", err)
	}
	if len(keys) == 0 {
		return []InstanceGroup{}, nil
	}

	results, err := r.store.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("group: loading groups: %w", err)
	}

	groups := make([]InstanceGroup, 0, len(results))
	for _, res := range results {
		if !res.OK {
			continue
		}
		var g InstanceGroup
		if err := json.Unmarshal([]byte(res.Value), &g); err != nil {
			return nil, fmt.Errorf("group: decode %q: %w", res.Key, err)
		}
		groups = append(groups, g)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

// Upsert writes a group definition verbatim. Callers must validate first;
// Upsert does not re-check invariants.
func (r *Registry) Upsert(ctx context.Context, g *InstanceGroup) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("group: encode %q: %w", g.Name, err)
	}
	if err := r.store.Set(ctx, groupKey(g.Name), string(raw), 0); err != nil {
		return fmt.Errorf("group: upsert %q: %w", g.Name, err)
	}
	return nil
}

// Delete removes a group definition.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := r.store.Delete(ctx, groupKey(name)); err != nil {
		return fmt.Errorf("group: delete %q: %w", name, err)
	}
	return nil
}

// UpdateDesiredCount clamps and writes a new desiredCount on an existing
// group. Callers are expected to hold the group's autoscaling lock.
func (r *Registry) UpdateDesiredCount(ctx context.Context, name string, n int) (*InstanceGroup, error) {
	g, ok, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("group: %w: %q", store.ErrNotFound, name)
	}

	g.ScalingOptions.DesiredCount = g.ScalingOptions.ClampDesiredCount(n)
	if err := r.Upsert(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// HasAutoScaleGrace reports whether the group is currently within its
// post-decision grace window.
func (r *Registry) HasAutoScaleGrace(ctx context.Context, name string) (bool, error) {
	_, ok, err := r.store.Get(ctx, autoScaleGracePrefx+name)
	if err != nil {
		return false, fmt.Errorf("group: checking autoscale grace %q: %w", name, err)
	}
	return ok, nil
}

// SetAutoScaleGrace marks the group as within its grace window.
func (r *Registry) SetAutoScaleGrace(ctx context.Context, name string) error {
	if err := r.store.Set(ctx, autoScaleGracePrefx+name, "1", r.autoScaleGraceTTL); err != nil {
		return fmt.Errorf("group: setting autoscale grace %q: %w", name, err)
	}
	return nil
}
