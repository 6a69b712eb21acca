package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/scout/internal/actuator"
	"github.com/banshee-data/scout/internal/categories"
	"github.com/banshee-data/scout/internal/observation"
	"github.com/banshee-data/scout/internal/policy"
	"github.com/banshee-data/scout/internal/rpc"
	"github.com/banshee-data/scout/internal/segmentation"
)

var (
	serveListen   string
	serveWallDist float64
	servePortrait bool
	serveBand     float64
	serveLabel    string

	servePolicyCheckpoint string
	servePolicyListen     string
)

var serveSyntheticCmd = &cobra.Command{
	Use:   "serve-synthetic",
	Short: "Serve a synthetic simulator bridge and segmentation model",
	Long: `Serves the Bridge and Segmentation services on one address so that
"scout run" can be exercised end to end without a simulator or an
accelerator. The scene is a single wall ahead of the start pose; pixels
nearer than the band are labelled with the chosen category.

Example:
  scout serve-synthetic --listen localhost:50061 --wall 3 --label chair
  scout run --config dev.yaml   # bridge_endpoint and segmentation_endpoint = localhost:50061`,
	Args: cobra.NoArgs,
	RunE: serveSynthetic,
}

var servePolicyCmd = &cobra.Command{
	Use:   "serve-policy",
	Short: "Serve a checkpoint over the Policy service",
	Long: `Binds a checkpoint to the local recurrent network and serves it over
gRPC, for use as policy_endpoint by a controller on another host.`,
	Args: cobra.NoArgs,
	RunE: servePolicy,
}

func init() {
	serveSyntheticCmd.Flags().StringVar(&serveListen, "listen", "localhost:50061", "gRPC listen address")
	serveSyntheticCmd.Flags().Float64Var(&serveWallDist, "wall", 3, "Distance to the wall in metres")
	serveSyntheticCmd.Flags().BoolVar(&servePortrait, "portrait", false, "Render 480x640 portrait frames")
	serveSyntheticCmd.Flags().Float64Var(&serveBand, "band", 0.4, "Normalised depth below which pixels are labelled")
	serveSyntheticCmd.Flags().StringVar(&serveLabel, "label", "chair", "Category label assigned to near pixels")

	servePolicyCmd.Flags().StringVar(&servePolicyListen, "listen", "localhost:50070", "gRPC listen address")
	servePolicyCmd.Flags().StringVar(&servePolicyCheckpoint, "checkpoint", "", "Checkpoint path (defaults to checkpoint_path from config)")
}

func serveSynthetic(cmd *cobra.Command, args []string) error {
	category, err := categories.ResolveGoal(serveLabel)
	if err != nil {
		return err
	}
	w, h := observation.Width, observation.Height
	if servePortrait {
		w, h = h, w
	}

	srv := rpc.NewServer(componentLog("rpc"))
	bridge := actuator.NewSyntheticBridge(w, h, serveWallDist, componentLog("synthetic"))
	actuator.RegisterBridge(srv, bridge)
	segmentation.Register(srv, segmentation.DepthBandEncoder{
		Category: int32(category),
		Near:     0,
		Far:      float32(serveBand),
	}, nil)

	fmt.Fprintf(cmd.OutOrStdout(), "synthetic %dx%d bridge, wall at %.2fm, label %q on %s\n", w, h, serveWallDist, serveLabel, serveListen)
	return serveUntilDone(cmd.Context(), srv, serveListen)
}

func servePolicy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := servePolicyCheckpoint
	if path == "" {
		path = cfg.GetCheckpointPath()
	}

	ckpt, err := policy.LoadCheckpoint(path, cfg.GetStripPrefixes())
	if err != nil {
		return err
	}
	net, err := policy.NewGRUNetwork(ckpt)
	if err != nil {
		return err
	}

	srv := rpc.NewServer(componentLog("rpc"))
	policy.Register(srv, net)
	fmt.Fprintf(cmd.OutOrStdout(), "policy %s (%d actions) on %s\n", ckpt.Path, net.NumActions(), servePolicyListen)
	return serveUntilDone(cmd.Context(), srv, servePolicyListen)
}

// serveUntilDone serves until ctx is cancelled, then stops gracefully.
func serveUntilDone(ctx context.Context, srv *rpc.Server, addr string) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(addr) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		srv.Stop()
		<-errc
		return nil
	}
}
