// Package shutdown tracks two per-instance TTL flags: the shutdown
// signal a sidecar polls for, and the scale-down protection window that
// makes an instance ineligible for victim selection.
package shutdown

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetscale/controller/internal/store"
)

const (
	shutdownKeyPrefix   = "shutdown:"
	protectionKeyPrefix = "scaleDownProtection:"
)

// Manager sets and queries ShutdownFlag and ScaleDownProtection entries.
type Manager struct {
	store       store.Store
	shutdownTTL time.Duration
}

// NewManager creates a shutdown Manager. shutdownTTL bounds how long a
// ShutdownFlag is retained before the controller assumes the instance is
// gone and forgets it; a flag, once set, is never cleared early.
func NewManager(s store.Store, shutdownTTL time.Duration) *Manager {
	return &Manager{store: s, shutdownTTL: shutdownTTL}
}

func shutdownKey(instanceID string) string { return shutdownKeyPrefix + instanceID }

func protectionKey(groupName, instanceID string) string {
	return protectionKeyPrefix + groupName + ":" + instanceID
}

// Signal sets the ShutdownFlag for an instance, instructing its sidecar
// to terminate on its next poll. Setting an already-set flag is a
// harmless overwrite with a fresh TTL.
func (m *Manager) Signal(ctx context.Context, instanceID string) error {
	if err := m.store.Set(ctx, shutdownKey(instanceID), "1", m.shutdownTTL); err != nil {
		return fmt.Errorf("shutdown: signaling %q: %w", instanceID, err)
	}
	return nil
}

// IsShutdown reports whether instanceID currently has an active
// ShutdownFlag.
func (m *Manager) IsShutdown(ctx context.Context, instanceID string) (bool, error) {
	_, ok, err := m.store.Get(ctx, shutdownKey(instanceID))
	if err != nil {
		return false, fmt.Errorf("shutdown: checking %q: %w", instanceID, err)
	}
	return ok, nil
}

// Protect marks an instance immune to victim selection for ttl. Used
// after a launch-protected admin action or when a group's
// protectedTTLSec is configured.
func (m *Manager) Protect(ctx context.Context, groupName, instanceID string, ttl time.Duration) error {
	if err := m.store.Set(ctx, protectionKey(groupName, instanceID), "1", ttl); err != nil {
		return fmt.Errorf("shutdown: protecting %q/%q: %w", groupName, instanceID, err)
	}
	return nil
}

// IsProtected reports whether an instance currently has active
// scale-down protection.
func (m *Manager) IsProtected(ctx context.Context, groupName, instanceID string) (bool, error) {
	_, ok, err := m.store.Get(ctx, protectionKey(groupName, instanceID))
	if err != nil {
		return false, fmt.Errorf("shutdown: checking protection %q/%q: %w", groupName, instanceID, err)
	}
	return ok, nil
}
