package main

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"path/filepath"

	"github.com/banshee-data/scout/internal/episode"
	"github.com/banshee-data/scout/internal/monitoring"
)

// visRecorder forwards to the episode store and, when dir is set, saves the
// segmentation visualization of every dispatched step as
// <dir>/<episode>/step_NNNN.png.
type visRecorder struct {
	episode.Recorder

	dir string
	ctl *episode.Controller
	log *monitoring.Logger
}

func (r *visRecorder) RecordStep(ctx context.Context, episodeID string, rec episode.StepRecord) error {
	if r.dir != "" && r.ctl != nil && rec.Action >= 0 {
		if err := r.save(episodeID, rec.Step); err != nil {
			r.log.Opsf("failed to save visualization for step %d: %v", rec.Step, err)
		}
	}
	return r.Recorder.RecordStep(ctx, episodeID, rec)
}

func (r *visRecorder) save(episodeID string, step int) error {
	img := r.ctl.LastVisualization()
	if img == nil {
		return nil
	}
	dir := filepath.Join(r.dir, episodeID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, fmt.Sprintf("step_%04d.png", step)))
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
