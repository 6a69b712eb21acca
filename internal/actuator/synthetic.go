package actuator

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/scout/internal/motion"
	"github.com/banshee-data/scout/internal/monitoring"
	"github.com/banshee-data/scout/internal/observation"
	"github.com/banshee-data/scout/internal/rpc"
)

// Simulator is the server side of the bridge contract.
type Simulator interface {
	SensorFrame(ctx context.Context) (*observation.Frame, error)
	GoToRelative(ctx context.Context, forward, lateral, yaw float64) error
}

// SyntheticBridge is a stand-in simulator for development without a
// rendering engine. The scene is a single wall Goal metres ahead of the
// start pose along +x; depth shrinks as the robot approaches it and the
// pose integrates every relative move.
type SyntheticBridge struct {
	Width  int
	Height int
	// Goal is the x coordinate of the wall.
	Goal float64

	mu   sync.Mutex
	pose observation.Pose
	log  *monitoring.Logger
}

// NewSyntheticBridge returns a bridge producing width x height frames.
func NewSyntheticBridge(width, height int, goal float64, log *monitoring.Logger) *SyntheticBridge {
	return &SyntheticBridge{Width: width, Height: height, Goal: goal, log: log}
}

// Name implements Backend.
func (b *SyntheticBridge) Name() string { return "synthetic" }

// Pose returns the integrated pose.
func (b *SyntheticBridge) Pose() observation.Pose {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pose
}

// SensorFrame renders the scene from the current pose.
func (b *SyntheticBridge) SensorFrame(context.Context) (*observation.Frame, error) {
	pose := b.Pose()

	// distance to the wall along the viewing direction, infinite when
	// facing away from it
	dist := float32(math.Inf(1))
	if c := math.Cos(pose.Theta); c > 1e-6 {
		dist = float32(math.Max(b.Goal-pose.X, 0) / c)
	}

	rgb := image.NewRGBA(image.Rect(0, 0, b.Width, b.Height))
	depth := observation.NewDepthMap(b.Width, b.Height)
	horizon := b.Height / 2
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			if y < horizon {
				rgb.SetRGBA(x, y, color.RGBA{R: 200, G: 180, B: 150, A: 0xff})
				depth.Set(x, y, dist)
				continue
			}
			rgb.SetRGBA(x, y, color.RGBA{R: 90, G: 90, B: 90, A: 0xff})
			// floor recedes toward the horizon
			depth.Set(x, y, float32(b.Height-horizon)/float32(y-horizon+1))
		}
	}
	return &observation.Frame{RGB: rgb, Depth: depth, Pose: pose}, nil
}

// GoToRelative turns by yaw then translates forward along the new heading
// and lateral to its left.
func (b *SyntheticBridge) GoToRelative(_ context.Context, forward, lateral, yaw float64) error {
	if math.IsNaN(forward) || math.IsNaN(lateral) || math.IsNaN(yaw) {
		return errors.New("relative pose contains NaN")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pose.Theta = math.Remainder(b.pose.Theta+yaw, 2*math.Pi)
	sin, cos := math.Sincos(b.pose.Theta)
	b.pose.X += forward*cos - lateral*sin
	b.pose.Y += forward*sin + lateral*cos
	b.log.Tracef("synthetic pose x=%.3f y=%.3f theta=%.3f", b.pose.X, b.pose.Y, b.pose.Theta)
	return nil
}

// Move implements Backend so the bridge can be driven in-process.
func (b *SyntheticBridge) Move(ctx context.Context, cmd motion.Command) error {
	forward, yaw := cmd.Relative()
	return b.GoToRelative(ctx, forward, 0, yaw)
}

// Close implements Backend.
func (b *SyntheticBridge) Close() error { return nil }

// RegisterBridge exposes sim on srv under BridgeService.
func RegisterBridge(srv *rpc.Server, sim Simulator) {
	srv.Handle(BridgeService, "GetSensorFrame", func(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
		f, err := sim.SensorFrame(ctx)
		if err != nil {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return structpb.NewStruct(encodeFrame(f))
	})
	srv.Handle(BridgeService, "GoToRelative", func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		var args [3]float64
		for i, key := range []string{"forward", "lateral", "yaw"} {
			v, err := rpc.Number(req, key)
			if err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			args[i] = v
		}
		if err := sim.GoToRelative(ctx, args[0], args[1], args[2]); err != nil {
			return structpb.NewStruct(map[string]any{"ok": false, "error": err.Error()})
		}
		return structpb.NewStruct(map[string]any{"ok": true})
	})
}
