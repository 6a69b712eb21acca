package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/banshee-data/scout/internal/config"
	"github.com/banshee-data/scout/internal/policy"
)

var (
	checkpointSeed  int64
	checkpointForce bool
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or create policy checkpoints",
}

var checkpointInspectCmd = &cobra.Command{
	Use:   "inspect [path]",
	Short: "List checkpoint parameters and check they bind to the policy network",
	Long: `Loads a safetensors checkpoint with the configured prefix stripping,
prints every parameter and its shape, then binds it to the local
recurrent network and prints the resulting dimensions.

Example:
  scout checkpoint inspect models/objectnav.safetensors`,
	Args: cobra.ExactArgs(1),
	RunE: inspectCheckpoint,
}

var checkpointInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a randomly initialised development checkpoint",
	Long: `Writes a checkpoint with the default network shape and seeded random
weights. It drives the full pipeline without a trained model.`,
	Args: cobra.ExactArgs(1),
	RunE: initCheckpoint,
}

func init() {
	checkpointInitCmd.Flags().Int64Var(&checkpointSeed, "seed", 1, "Random seed for the weights")
	checkpointInitCmd.Flags().BoolVar(&checkpointForce, "force", false, "Overwrite an existing file")

	checkpointCmd.AddCommand(checkpointInspectCmd)
	checkpointCmd.AddCommand(checkpointInitCmd)
}

func inspectCheckpoint(cmd *cobra.Command, args []string) error {
	prefixes := config.DefaultStripPrefixes
	if configPath != "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		prefixes = cfg.GetStripPrefixes()
	}

	ckpt, err := policy.LoadCheckpoint(args[0], prefixes)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d parameters, %d actions\n", ckpt.Path, len(ckpt.Tensors), ckpt.NumActions)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSHAPE\tELEMENTS")
	for _, key := range ckpt.Keys() {
		t := ckpt.Tensors[key]
		fmt.Fprintf(tw, "%s\t%v\t%d\n", key, t.Shape, t.Len())
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	net, err := policy.NewGRUNetwork(ckpt)
	if err != nil {
		return fmt.Errorf("checkpoint does not bind to the local network: %w", err)
	}
	d := net.Dims()
	fmt.Fprintf(out, "network: %d actions, %d semantic, visual %d, goals %d, gru %dx%d\n",
		d.NumActions, d.Semantic, d.Visual, d.Goals, d.Layers, d.Hidden)
	return nil
}

func initCheckpoint(cmd *cobra.Command, args []string) error {
	path := args[0]
	if !checkpointForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	ckpt, err := policy.InitCheckpoint(policy.DefaultDims, checkpointSeed)
	if err != nil {
		return err
	}
	if err := policy.SaveCheckpoint(path, ckpt); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d parameters, seed %d)\n", path, len(ckpt.Tensors), checkpointSeed)
	return nil
}
