// Package actuator provides the two execution environments the controller
// can drive: a simulator reached through the bridge service, and a physical
// robot whose camera is served over gRPC and whose base is commanded over a
// serial link. Both expose the same capability so the controller never
// inspects which one it holds.
package actuator

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/scout/internal/motion"
	"github.com/banshee-data/scout/internal/observation"
	"github.com/banshee-data/scout/internal/rpc"
)

// BridgeService is the gRPC service implemented by simulator bridges and by
// the robot's camera process.
const BridgeService = "scout.bridge.v1.Bridge"

// Backend is the actuator capability consumed by the controller.
type Backend interface {
	// Name identifies the backend in logs and episode records.
	Name() string
	// SensorFrame returns the latest RGB-D frame and pose.
	SensorFrame(ctx context.Context) (*observation.Frame, error)
	// Move executes cmd and blocks until the backend reports completion.
	Move(ctx context.Context, cmd motion.Command) error
	// Close releases the backend's connections.
	Close() error
}

// Caller is the subset of *rpc.Client used by the backends.
type Caller interface {
	Call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error)
}

func encodeFrame(f *observation.Frame) map[string]any {
	b := f.RGB.Bounds()
	return map[string]any{
		"width":  b.Dx(),
		"height": b.Dy(),
		"rgb":    rpc.EncodeRGB(f.RGB),
		"depth":  rpc.EncodeFloat32s(f.Depth.Data),
		"pose":   rpc.Floats([]float64{f.Pose.X, f.Pose.Y, f.Pose.Theta}),
	}
}

func decodeFrame(resp *structpb.Struct) (*observation.Frame, error) {
	w, err := rpc.Int(resp, "width")
	if err != nil {
		return nil, err
	}
	h, err := rpc.Int(resp, "height")
	if err != nil {
		return nil, err
	}
	enc, err := rpc.String(resp, "rgb")
	if err != nil {
		return nil, err
	}
	rgb, err := rpc.DecodeRGB(enc, w, h)
	if err != nil {
		return nil, err
	}
	enc, err = rpc.String(resp, "depth")
	if err != nil {
		return nil, err
	}
	depth, err := rpc.DecodeFloat32s(enc, w*h)
	if err != nil {
		return nil, fmt.Errorf("depth: %w", err)
	}
	pose, err := rpc.NumberList(resp, "pose")
	if err != nil {
		return nil, err
	}
	if len(pose) != 3 {
		return nil, fmt.Errorf("pose has %d elements, want [x, y, theta]", len(pose))
	}
	return &observation.Frame{
		RGB:   rgb,
		Depth: &observation.DepthMap{Width: w, Height: h, Data: depth},
		Pose:  observation.Pose{X: pose[0], Y: pose[1], Theta: pose[2]},
	}, nil
}

// fetchFrame calls GetSensorFrame on a bridge-compatible service.
func fetchFrame(ctx context.Context, c Caller) (*observation.Frame, error) {
	resp, err := c.Call(ctx, "GetSensorFrame", map[string]any{})
	if err != nil {
		return nil, err
	}
	return decodeFrame(resp)
}
