package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/scout/internal/api"
	"github.com/banshee-data/scout/internal/config"
	"github.com/banshee-data/scout/internal/db"
	"github.com/banshee-data/scout/internal/episode"
	"github.com/banshee-data/scout/internal/monitoring"
	"github.com/banshee-data/scout/internal/serialmux"
)

var (
	runGoal         string
	runMaxSteps     int
	runBackend      string
	runSegmentation string
	runListen       string
	runFakeBase     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one navigation episode",
	Long: `Builds the controller from the config file and flags, then steps the
episode until the policy stops or the step limit is exceeded.

With the robot backend the base serial link is opened and monitored for
the duration of the episode. The HTTP server serves recorded episodes and
the running one under /api/, and the episode database and serial link
under /debug/.

Example:
  scout run --config scout.yaml --goal tv --max-steps 200`,
	Args: cobra.NoArgs,
	RunE: runEpisode,
}

func init() {
	runCmd.Flags().StringVar(&runGoal, "goal", "", "Goal category label (overrides config)")
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "Step limit (overrides config)")
	runCmd.Flags().StringVar(&runBackend, "backend", "", "Actuator backend: sim or robot (overrides config)")
	runCmd.Flags().StringVar(&runSegmentation, "segmentation", "", "Segmentation backend: mp3d or coco (overrides config)")
	runCmd.Flags().StringVar(&runListen, "listen", "localhost:8080", "HTTP listen address for /api/ and /debug/, empty to disable")
	runCmd.Flags().BoolVar(&runFakeBase, "fake-base", false, "Use a simulated base controller instead of the serial port")
}

func runEpisode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Override(runGoal, runMaxSteps, runBackend, runSegmentation)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := db.NewDB(cfg.GetDBPath(), componentLog("db"))
	if err != nil {
		return err
	}
	defer store.Close()

	var link serialmux.SerialMuxInterface
	if cfg.GetBackend() == config.BackendRobot {
		link, err = openLink(cfg, runFakeBase)
		if err != nil {
			return err
		}
		defer link.Close()
	}

	return runWith(cmd.Context(), cfg, store, link, runListen, componentLog("run"))
}

// openLink opens the base serial link and sends the start-up commands.
func openLink(cfg *config.Config, fake bool) (serialmux.SerialMuxInterface, error) {
	var link serialmux.SerialMuxInterface
	if fake {
		link = serialmux.NewSerialMux(serialmux.NewSimulatedBase())
	} else {
		opts, err := cfg.GetSerial().Normalise()
		if err != nil {
			return nil, fmt.Errorf("invalid serial options: %w", err)
		}
		port, err := serialmux.NewRealSerialMux(cfg.GetSerialPort(), opts)
		if err != nil {
			return nil, fmt.Errorf("failed to open base link %s: %w", cfg.GetSerialPort(), err)
		}
		link = port
	}
	if err := link.Initialise(); err != nil {
		link.Close()
		return nil, fmt.Errorf("failed to initialise base: %w", err)
	}
	return link, nil
}

// runWith runs the serial monitor, the debug server and the episode
// together. The episode finishing, failing or the context being cancelled
// stops all three.
func runWith(ctx context.Context, cfg *config.Config, store *db.DB, link serialmux.SerialMuxInterface, listen string, log *monitoring.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if link != nil {
		g.Go(func() error {
			err := link.Monitor(ctx)
			log.Diagf("monitor routine terminated")
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("failed to monitor base link: %w", err)
			}
			return nil
		})
	}

	live := &liveController{}
	if listen != "" {
		mux := api.NewServer(store, live, log.Named("api")).ServeMux()
		if err := store.AttachAdminRoutes(mux); err != nil {
			return err
		}
		if link != nil {
			link.AttachAdminRoutes(mux)
		}
		server := &http.Server{Addr: listen, Handler: api.LoggingMiddleware(log, mux)}
		g.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Opsf("failed to shut down debug server: %v", err)
			}
			return nil
		})
		log.Diagf("debug server listening on %s", listen)
	}

	g.Go(func() error {
		defer cancel()
		return navigate(ctx, cfg, store, link, live, log)
	})

	return g.Wait()
}

func navigate(ctx context.Context, cfg *config.Config, store *db.DB, link serialmux.SerialMuxInterface, live *liveController, log *monitoring.Logger) error {
	rec := &visRecorder{Recorder: store, dir: cfg.GetVisDir(), log: log.Named("vis")}
	ctl, err := episode.Build(ctx, cfg, episode.Deps{
		Link:     link,
		Recorder: rec,
		Log:      componentLog("episode"),
	})
	if err != nil {
		return err
	}
	defer ctl.Close()
	rec.ctl = ctl
	live.ctl.Store(ctl)

	if err := ctl.Run(ctx); err != nil {
		ep := ctl.Episode()
		return fmt.Errorf("episode %s stopped at step %d: %w", ep.ID, ep.StepCount, err)
	}

	ep := ctl.Episode()
	fmt.Printf("episode %s: %s after %d steps (goal %s, %d retries)\n",
		ep.ID, ep.EndReason, ep.StepCount, ep.GoalLabel, ep.Retries)
	return nil
}

// liveController exposes the running controller to the HTTP API.
type liveController struct {
	ctl atomic.Pointer[episode.Controller]
}

func (l *liveController) Current() (episode.Episode, episode.StepRecord, *image.RGBA, bool) {
	ctl := l.ctl.Load()
	if ctl == nil {
		return episode.Episode{}, episode.StepRecord{}, nil, false
	}
	return ctl.Episode(), ctl.LastStep(), ctl.LastVisualization(), true
}
