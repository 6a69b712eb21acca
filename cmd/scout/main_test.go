package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/banshee-data/scout/internal/actuator"
	"github.com/banshee-data/scout/internal/config"
	"github.com/banshee-data/scout/internal/db"
	"github.com/banshee-data/scout/internal/observation"
	"github.com/banshee-data/scout/internal/policy"
	"github.com/banshee-data/scout/internal/rpc"
	"github.com/banshee-data/scout/internal/segmentation"
	"github.com/banshee-data/scout/internal/serialmux"
)

func str(v string) *string { return &v }
func num(v int) *int       { return &v }

// executeArgs runs the root command with args and returns its output.
func executeArgs(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		configPath, dbPath = "", ""
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// startSynthetic serves the synthetic bridge and segmentation on a
// loopback port.
func startSynthetic(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := rpc.NewServer(nil)
	actuator.RegisterBridge(srv, actuator.NewSyntheticBridge(observation.Width, observation.Height, 3, nil))
	segmentation.Register(srv, segmentation.DepthBandEncoder{Category: 0, Near: 0, Far: 0.4}, nil)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func devConfig(t *testing.T, endpoint string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	ckpt, err := policy.InitCheckpoint(policy.DefaultDims, 5)
	require.NoError(t, err)
	ckptPath := filepath.Join(dir, "policy.safetensors")
	require.NoError(t, policy.SaveCheckpoint(ckptPath, ckpt))

	return &config.Config{
		Goal:                 str("chair"),
		MaxSteps:             num(3),
		CheckpointPath:       str(ckptPath),
		BridgeEndpoint:       str(endpoint),
		SegmentationEndpoint: str(endpoint),
		DBPath:               str(filepath.Join(dir, "scout.db")),
		VisDir:               str(filepath.Join(dir, "vis")),
	}
}

func TestRunSyntheticEpisode(t *testing.T) {
	logger = zap.NewNop()
	cfg := devConfig(t, startSynthetic(t))

	store, err := db.NewDB(cfg.GetDBPath(), nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, runWith(context.Background(), cfg, store, nil, "", nil))

	eps, err := store.Episodes(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	ep := eps[0]
	assert.True(t, ep.Finished)
	assert.Equal(t, "chair", ep.GoalLabel)
	assert.Equal(t, "sim", ep.Backend)

	steps, err := store.Steps(context.Background(), ep.ID)
	require.NoError(t, err)
	require.NotEmpty(t, steps)

	// the encoder output is rendered for every dispatched step
	pngs, err := filepath.Glob(filepath.Join(cfg.GetVisDir(), ep.ID, "step_*.png"))
	require.NoError(t, err)
	assert.Len(t, pngs, len(steps))

	out, err := executeArgs(t, "episodes", "--db", cfg.GetDBPath())
	require.NoError(t, err)
	assert.Contains(t, out, ep.ID)

	out, err = executeArgs(t, "episodes", "--db", cfg.GetDBPath(), ep.ID[:8])
	require.NoError(t, err)
	assert.Contains(t, out, "STEP")

	reports := t.TempDir()
	out, err = executeArgs(t, "report", "--db", cfg.GetDBPath(), "-o", reports, ep.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "trajectory.png")
	for _, name := range []string{"trajectory.png", "steps.html"} {
		info, err := os.Stat(filepath.Join(reports, ep.ID, name))
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
}

func TestRunRobotEpisodeOverFakeBase(t *testing.T) {
	logger = zap.NewNop()
	endpoint := startSynthetic(t)
	cfg := devConfig(t, endpoint)
	cfg.Backend = str(config.BackendRobot)
	cfg.CameraEndpoint = str(endpoint)
	cfg.VisDir = nil

	store, err := db.NewDB(cfg.GetDBPath(), nil)
	require.NoError(t, err)
	defer store.Close()

	base := serialmux.NewSimulatedBase()
	link := serialmux.NewSerialMux(base)
	require.NoError(t, link.Initialise())
	defer link.Close()

	require.NoError(t, runWith(context.Background(), cfg, store, link, "", nil))

	cmds := base.Commands()
	require.GreaterOrEqual(t, len(cmds), 3)
	assert.True(t, strings.HasPrefix(cmds[0], "C="))
	assert.Equal(t, "MODE NAV", cmds[1])
	assert.Equal(t, "ECHO OFF", cmds[2])
	for _, c := range cmds[3:] {
		assert.True(t, strings.HasPrefix(c, "LL "), "unexpected command %q", c)
	}
}

func TestRunBuildFailure(t *testing.T) {
	logger = zap.NewNop()
	cfg := devConfig(t, startSynthetic(t))
	cfg.CheckpointPath = str(filepath.Join(t.TempDir(), "missing.safetensors"))

	store, err := db.NewDB(cfg.GetDBPath(), nil)
	require.NoError(t, err)
	defer store.Close()

	err = runWith(context.Background(), cfg, store, nil, "", nil)
	require.Error(t, err)
}

func TestCheckpointInitAndInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.safetensors")

	out, err := executeArgs(t, "checkpoint", "init", path, "--seed", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "seed 3")

	_, err = executeArgs(t, "checkpoint", "init", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	out, err = executeArgs(t, "checkpoint", "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, policy.ActionBiasKey)
	assert.Contains(t, out, "network: 4 actions")
}

func TestVersionCommand(t *testing.T) {
	out, err := executeArgs(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "scout dev"), out)
}
