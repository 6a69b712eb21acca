package actuator

import (
	"context"
	"errors"
	"io"

	"github.com/banshee-data/scout/internal/faults"
	"github.com/banshee-data/scout/internal/motion"
	"github.com/banshee-data/scout/internal/monitoring"
	"github.com/banshee-data/scout/internal/observation"
	"github.com/banshee-data/scout/internal/rpc"
)

// Sim drives a simulator through the bridge service. Moves are issued as
// relative pose changes and the bridge replies once the simulator has
// finished executing them.
type Sim struct {
	bridge Caller
	log    *monitoring.Logger
}

// NewSim returns a simulator backend talking to bridge.
func NewSim(bridge Caller, log *monitoring.Logger) *Sim {
	return &Sim{bridge: bridge, log: log}
}

// Name implements Backend.
func (s *Sim) Name() string { return "sim" }

// SensorFrame implements Backend.
func (s *Sim) SensorFrame(ctx context.Context) (*observation.Frame, error) {
	f, err := fetchFrame(ctx, s.bridge)
	if err != nil {
		return nil, faults.Actuator("sensor_frame", err)
	}
	return f, nil
}

// Move implements Backend.
func (s *Sim) Move(ctx context.Context, cmd motion.Command) error {
	forward, yaw := cmd.Relative()
	resp, err := s.bridge.Call(ctx, "GoToRelative", map[string]any{
		"forward": forward,
		"lateral": 0.0,
		"yaw":     yaw,
		"wait":    true,
	})
	if err != nil {
		return faults.Actuator("move", err)
	}
	if !rpc.Bool(resp, "ok") {
		reason, _ := rpc.String(resp, "error")
		if reason == "" {
			reason = "rejected"
		}
		return faults.Actuator("move", errors.New(reason))
	}
	s.log.Tracef("sim moved forward=%.3f yaw=%.4f", forward, yaw)
	return nil
}

// Close implements Backend.
func (s *Sim) Close() error {
	if c, ok := s.bridge.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
