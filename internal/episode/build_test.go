package episode

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/scout/internal/actuator"
	"github.com/banshee-data/scout/internal/categories"
	"github.com/banshee-data/scout/internal/config"
	"github.com/banshee-data/scout/internal/faults"
	"github.com/banshee-data/scout/internal/observation"
	"github.com/banshee-data/scout/internal/policy"
	"github.com/banshee-data/scout/internal/rpc"
	"github.com/banshee-data/scout/internal/segmentation"
)

func str(v string) *string { return &v }
func num(v int) *int       { return &v }

// serveSynthetic hosts a synthetic bridge and a depth-band encoder on one
// in-memory listener and returns dial options reaching it.
func serveSynthetic(t *testing.T) []grpc.DialOption {
	t.Helper()
	bridge := actuator.NewSyntheticBridge(observation.Width, observation.Height, 3, nil)
	srv := rpc.NewServer(nil)
	actuator.RegisterBridge(srv, bridge)
	segmentation.Register(srv, segmentation.DepthBandEncoder{Category: 0, Near: 0, Far: 0.4}, nil)

	lis := bufconn.Listen(4 << 20)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
}

func writeCheckpoint(t *testing.T) string {
	t.Helper()
	ckpt, err := policy.InitCheckpoint(policy.DefaultDims, 11)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "policy.safetensors")
	require.NoError(t, policy.SaveCheckpoint(path, ckpt))
	return path
}

func TestBuildRunsSyntheticEpisode(t *testing.T) {
	opts := serveSynthetic(t)
	cfg := &config.Config{
		Goal:                 str("tv"),
		MaxSteps:             num(4),
		CheckpointPath:       str(writeCheckpoint(t)),
		SegmentationEndpoint: str("passthrough:///bufnet"),
		BridgeEndpoint:       str("passthrough:///bufnet"),
	}
	rec := &memRecorder{}

	ctl, err := Build(context.Background(), cfg, Deps{Recorder: rec, DialOptions: opts})
	require.NoError(t, err)
	defer ctl.Close()

	tv, err := categories.ResolveGoal("tv")
	require.NoError(t, err)
	ep := ctl.Episode()
	assert.Equal(t, tv, ep.Goal)
	assert.Equal(t, "sim", ep.Backend)

	require.NoError(t, ctl.Run(context.Background()))
	ep = ctl.Episode()
	assert.True(t, ep.Finished)
	assert.LessOrEqual(t, ep.StepCount, 5)
	assert.Len(t, rec.steps, ep.StepCount)
	require.NotNil(t, ctl.LastVisualization())
	assert.Equal(t, observation.Width, ctl.LastVisualization().Bounds().Dx())
	assert.Equal(t, rec.steps[len(rec.steps)-1].Step, ep.StepCount)
	require.Len(t, rec.finished, 1)
}

func TestBuildConfigErrors(t *testing.T) {
	opts := serveSynthetic(t)
	ckpt := writeCheckpoint(t)

	tests := []struct {
		name string
		cfg  *config.Config
		deps Deps
	}{
		{
			name: "missing checkpoint",
			cfg:  &config.Config{CheckpointPath: str(filepath.Join(t.TempDir(), "absent.safetensors"))},
		},
		{
			name: "no checkpoint path",
			cfg:  &config.Config{},
		},
		{
			name: "invalid backend",
			cfg:  &config.Config{CheckpointPath: str(ckpt), Backend: str("boat")},
		},
		{
			name: "robot without link",
			cfg:  &config.Config{CheckpointPath: str(ckpt), Backend: str(config.BackendRobot)},
		},
		{
			name: "unknown goal",
			cfg:  &config.Config{CheckpointPath: str(ckpt), Goal: str("unicorn")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.deps.DialOptions = opts
			tt.cfg.SegmentationEndpoint = str("passthrough:///bufnet")
			tt.cfg.BridgeEndpoint = str("passthrough:///bufnet")

			ctl, err := Build(context.Background(), tt.cfg, tt.deps)
			assert.Nil(t, ctl)
			require.Error(t, err)
			assert.ErrorIs(t, err, faults.ErrConfiguration)
			assert.True(t, faults.IsFatal(err))
		})
	}
}

func TestBuildWithInjectedBackend(t *testing.T) {
	opts := serveSynthetic(t)
	backend := &fakeBackend{frame: constantFrame(observation.Width, observation.Height)}
	cfg := &config.Config{
		MaxSteps:             num(0),
		CheckpointPath:       str(writeCheckpoint(t)),
		SegmentationEndpoint: str("passthrough:///bufnet"),
		Backend:              str(config.BackendRobot),
	}

	ctl, err := Build(context.Background(), cfg, Deps{Backend: backend, DialOptions: opts})
	require.NoError(t, err)
	require.NoError(t, ctl.Step(context.Background()))
	assert.True(t, ctl.Finished())
	assert.Equal(t, 1, backend.frames)
	assert.Equal(t, "fake", ctl.Episode().Backend)
	require.NoError(t, ctl.Close())
}
