package executor

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// SimulatedController is an in-process remediation target used when no real
// cloud backend is configured. Unknown resources materialise as running
// instances with one boot disk so issued action links stay exercisable
// end to end in development.
type SimulatedController struct {
	mu        sync.Mutex
	instances map[string]Instance
	logger    zerolog.Logger
}

func NewSimulatedController(logger zerolog.Logger) *SimulatedController {
	return &SimulatedController{
		instances: make(map[string]Instance),
		logger:    logger.With().Str("component", "simulated_target").Logger(),
	}
}

// SetInstance pins a resource to a fixed state.
func (c *SimulatedController) SetInstance(resourceID string, inst Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[resourceID] = inst
}

func (c *SimulatedController) Describe(ctx context.Context, projectID, resourceID string) (Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, ok := c.instances[resourceID]
	if !ok {
		inst = Instance{
			Name:   resourceID,
			Status: "running",
			Tags:   map[string]string{"env": "development"},
			Disks:  []string{resourceID + "-boot"},
		}
		c.instances[resourceID] = inst
	}
	return inst, nil
}

func (c *SimulatedController) Stop(ctx context.Context, projectID, resourceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, ok := c.instances[resourceID]
	if !ok {
		return ErrResourceNotFound
	}
	inst.Status = StatusStopped
	c.instances[resourceID] = inst
	c.logger.Info().Str("resource_id", resourceID).Msg("simulated target stopped")
	return nil
}

func (c *SimulatedController) Snapshot(ctx context.Context, projectID, resourceID, disk string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.instances[resourceID]; !ok {
		return ErrResourceNotFound
	}
	c.logger.Info().Str("resource_id", resourceID).Str("disk", disk).Msg("simulated snapshot created")
	return nil
}

var _ Controller = (*SimulatedController)(nil)
