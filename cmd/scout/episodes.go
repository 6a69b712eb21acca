package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/scout/internal/db"
	"github.com/banshee-data/scout/internal/motion"
)

var (
	dbPath        string
	episodesLimit int
)

var episodesCmd = &cobra.Command{
	Use:   "episodes [episode-id]",
	Short: "List recorded episodes, or the steps of one episode",
	Long: `Without arguments lists the most recent episodes. Given an episode ID
(or a unique prefix of one) prints every recorded step.`,
	Args: cobra.MaximumNArgs(1),
	RunE: listEpisodes,
}

func init() {
	episodesCmd.Flags().StringVar(&dbPath, "db", "", "Episode database (defaults to db_path from config)")
	episodesCmd.Flags().IntVarP(&episodesLimit, "limit", "n", 20, "Number of episodes to list")
}

// openStore opens the episode database named by --db or the config.
func openStore() (*db.DB, error) {
	path := dbPath
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.GetDBPath()
	}
	return db.NewDB(path, componentLog("db"))
}

func listEpisodes(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

	if len(args) == 0 {
		eps, err := store.Episodes(ctx, episodesLimit)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "ID\tSTARTED\tGOAL\tBACKEND\tSTEPS\tRETRIES\tEND")
		for _, ep := range eps {
			end := ep.EndReason
			if !ep.Finished {
				end = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\n",
				ep.ID, ep.Started.Format(time.RFC3339), ep.GoalLabel, ep.Backend,
				ep.StepCount, ep.MaxSteps, ep.Retries, end)
		}
		return tw.Flush()
	}

	ep, err := store.Episode(ctx, args[0])
	if err != nil {
		return err
	}
	steps, err := store.Steps(ctx, ep.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "episode %s goal %s backend %s (%d steps)\n", ep.ID, ep.GoalLabel, ep.Backend, ep.StepCount)
	fmt.Fprintln(tw, "STEP\tACTION\tOUTCOME\tX\tY\tTHETA\tLATENCY\tATTEMPTS\tERROR")
	for _, s := range steps {
		action := "-"
		if s.Action >= 0 {
			action = motion.Action(s.Action).String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.3f\t%.3f\t%.3f\t%.1fms\t%d\t%s\n",
			s.Step, action, s.Outcome, s.PoseX, s.PoseY, s.PoseTheta, s.LatencyMs, s.Attempts, s.Error)
	}
	return tw.Flush()
}
