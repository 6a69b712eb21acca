// Package report renders stored episodes for offline review: a trajectory
// plot of the base pose and an interactive per-step chart.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/scout/internal/db"
	"github.com/banshee-data/scout/internal/motion"
)

// ErrNoSteps is returned when an episode has no dispatched steps to render.
var ErrNoSteps = errors.New("episode has no recorded steps")

var (
	pathColor  = color.RGBA{R: 49, G: 104, B: 142, A: 255}
	startColor = color.RGBA{R: 53, G: 183, B: 121, A: 255}
	endColor   = color.RGBA{R: 200, G: 40, B: 40, A: 255}
)

// dispatched drops steps that were aborted before an action was chosen.
func dispatched(steps []db.StepRow) []db.StepRow {
	out := make([]db.StepRow, 0, len(steps))
	for _, s := range steps {
		if s.Action >= 0 {
			out = append(out, s)
		}
	}
	return out
}

// TrajectoryPlot builds the x/y path of the base over an episode. Poses are
// those reported with each step's sensor frame.
func TrajectoryPlot(ep db.EpisodeRow, steps []db.StepRow) (*plot.Plot, error) {
	steps = dispatched(steps)
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Episode %s - goal %s", shortID(ep.ID), ep.GoalLabel)
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, 0, len(steps))
	for _, s := range steps {
		pts = append(pts, plotter.XY{X: s.PoseX, Y: s.PoseY})
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("failed to create path line: %w", err)
	}
	line.Color = pathColor
	line.Width = vg.Points(1.5)
	p.Add(line)
	p.Legend.Add("path", line)

	start, err := plotter.NewScatter(pts[:1])
	if err != nil {
		return nil, fmt.Errorf("failed to create start marker: %w", err)
	}
	start.GlyphStyle.Color = startColor
	start.GlyphStyle.Shape = draw.CircleGlyph{}
	start.GlyphStyle.Radius = vg.Points(4)
	p.Add(start)
	p.Legend.Add("start", start)

	end, err := plotter.NewScatter(pts[len(pts)-1:])
	if err != nil {
		return nil, fmt.Errorf("failed to create end marker: %w", err)
	}
	end.GlyphStyle.Color = endColor
	end.GlyphStyle.Shape = draw.CrossGlyph{}
	end.GlyphStyle.Radius = vg.Points(5)
	p.Add(end)
	p.Legend.Add(endLabel(ep), end)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p, nil
}

// WriteTrajectoryPlot renders the trajectory to a PNG file, creating the
// parent directory if needed.
func WriteTrajectoryPlot(path string, ep db.EpisodeRow, steps []db.StepRow) error {
	p, err := TrajectoryPlot(ep, steps)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// StepChart builds a page with per-step inference latency and the action
// chosen at each step.
func StepChart(ep db.EpisodeRow, steps []db.StepRow) (*components.Page, error) {
	steps = dispatched(steps)
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}

	x := make([]string, 0, len(steps))
	latency := make([]opts.LineData, 0, len(steps))
	actions := make([]opts.BarData, 0, len(steps))
	for _, s := range steps {
		x = append(x, strconv.Itoa(s.Step))
		latency = append(latency, opts.LineData{Value: s.LatencyMs})
		actions = append(actions, opts.BarData{
			Value: s.Action,
			Name:  motion.Action(s.Action).String(),
		})
	}

	subtitle := fmt.Sprintf("episode=%s goal=%s backend=%s steps=%d", shortID(ep.ID), ep.GoalLabel, ep.Backend, ep.StepCount)

	lat := charts.NewLine()
	lat.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Episode Steps", Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Inference Latency", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Step", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms", NameLocation: "middle", NameGap: 40}),
	)
	lat.SetXAxis(x).AddSeries("latency", latency)

	act := charts.NewBar()
	act.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{Title: "Actions", Subtitle: "0=stop 1=forward 2=left 3=right"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Step", NameLocation: "middle", NameGap: 25}),
	)
	act.SetXAxis(x).AddSeries("action", actions)

	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("Episode %s", shortID(ep.ID))
	page.AddCharts(lat, act)
	return page, nil
}

// WriteStepChart renders the step chart as a standalone HTML page.
func WriteStepChart(w io.Writer, ep db.EpisodeRow, steps []db.StepRow) error {
	page, err := StepChart(ep, steps)
	if err != nil {
		return err
	}
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render error: %w", err)
	}
	return nil
}

func endLabel(ep db.EpisodeRow) string {
	if ep.EndReason == "" {
		return "last"
	}
	return "end (" + ep.EndReason + ")"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
