package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/banshee-data/scout/internal/report"
)

var reportOut string

var reportCmd = &cobra.Command{
	Use:   "report [episode-id]",
	Short: "Render the trajectory plot and step chart of an episode",
	Long: `Writes <out>/<episode-id>/trajectory.png and steps.html for a recorded
episode. The ID may be a unique prefix.`,
	Args: cobra.ExactArgs(1),
	RunE: writeReport,
}

func init() {
	reportCmd.Flags().StringVarP(&reportOut, "out", "o", "reports", "Output directory")
	reportCmd.Flags().StringVar(&dbPath, "db", "", "Episode database (defaults to db_path from config)")
}

func writeReport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	ep, err := store.Episode(ctx, args[0])
	if err != nil {
		return err
	}
	steps, err := store.Steps(ctx, ep.ID)
	if err != nil {
		return err
	}

	dir := filepath.Join(reportOut, ep.ID)
	plotPath := filepath.Join(dir, "trajectory.png")
	if err := report.WriteTrajectoryPlot(plotPath, ep, steps); err != nil {
		return err
	}

	chartPath := filepath.Join(dir, "steps.html")
	f, err := os.Create(chartPath)
	if err != nil {
		return err
	}
	if err := report.WriteStepChart(f, ep, steps); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nwrote %s\n", plotPath, chartPath)
	return nil
}
