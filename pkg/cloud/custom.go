package cloud

import (
	"context"
	"log/slog"

	"github.com/fleetscale/controller/pkg/group"
)

// CustomDriver is the "custom" cloud shell: groups configured with it are
// provisioned by an operator outside the controller's automation. Launch
// is a no-op that only logs the request; List always reports empty,
// since there is no API to enumerate against.
type CustomDriver struct {
	logger *slog.Logger
}

// NewCustomDriver creates a CustomDriver.
func NewCustomDriver(logger *slog.Logger) *CustomDriver {
	return &CustomDriver{logger: logger}
}

func (d *CustomDriver) Launch(_ context.Context, g *group.InstanceGroup, region string, n int) ([]LaunchResult, error) {
	d.logger.Warn("custom cloud: launch request requires manual provisioning", "group", g.Name, "region", region, "count", n)
	return nil, nil
}

func (d *CustomDriver) List(_ context.Context, g *group.InstanceGroup) ([]Instance, error) {
	return []Instance{}, nil
}

func (d *CustomDriver) Status(_ context.Context, g *group.InstanceGroup, instanceID string) (LifecycleStatus, error) {
	return StatusRunning, nil
}
