package observation

import (
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/banshee-data/scout/internal/faults"
	"github.com/banshee-data/scout/internal/monitoring"
)

// Portrait sensor frames are cropped to rows [portraitCropTop, end) before
// resizing.
const (
	portraitWidth   = 480
	portraitHeight  = 640
	portraitCropTop = 280
)

// Trained depth operating range in metres.
const (
	DefaultMinDepth = 0.5
	DefaultMaxDepth = 5.0
)

// Preprocessor normalises raw sensor frames into observations.
type Preprocessor struct {
	minDepth float64
	maxDepth float64
	log      *monitoring.Logger
}

// NewPreprocessor returns a Preprocessor for the given depth range.
func NewPreprocessor(minDepth, maxDepth float64, log *monitoring.Logger) (*Preprocessor, error) {
	if minDepth < 0 || maxDepth <= minDepth {
		return nil, faults.Configf("depth_range", "need 0 <= min < max, got [%g, %g]", minDepth, maxDepth)
	}
	return &Preprocessor{minDepth: minDepth, maxDepth: maxDepth, log: log}, nil
}

// Preprocess harmonises the frame shape, normalises depth and converts the
// pose. Semantic fields are left empty.
func (p *Preprocessor) Preprocess(frame Frame, goal int) (*Observation, error) {
	if frame.RGB == nil || frame.Depth == nil {
		return nil, faults.Configf("frame", "rgb and depth are required")
	}
	rgb, depth, err := Harmonize(frame.RGB, frame.Depth)
	if err != nil {
		return nil, err
	}
	gps, compass := PoseToGPSCompass(frame.Pose)
	p.log.Tracef("pose x=%.3f y=%.3f theta=%.3f gps=(%.3f, %.3f) compass=%.3f",
		frame.Pose.X, frame.Pose.Y, frame.Pose.Theta, gps[0], gps[1], compass)

	return &Observation{
		RGB:        rgb,
		Depth:      PreprocessDepth(depth, p.minDepth, p.maxDepth),
		GPS:        gps,
		Compass:    compass,
		ObjectGoal: goal,
	}, nil
}

// PoseToGPSCompass converts a localization pose into the policy's frame.
// The y axis is negated: the robot's localization and the trained policy
// use opposite lateral conventions. Compass is theta wrapped to [-pi, pi].
func PoseToGPSCompass(p Pose) ([2]float32, float32) {
	gps := [2]float32{float32(p.X), float32(-p.Y)}
	return gps, float32(math.Remainder(p.Theta, 2*math.Pi))
}

// PreprocessDepth clips valid (> 0) readings to [minDepth, maxDepth] and
// rescales them to [0, 1]. Invalid readings, including NaN, are returned
// unchanged. The input is not modified.
func PreprocessDepth(d *DepthMap, minDepth, maxDepth float64) *DepthMap {
	out := d.Clone()
	span := maxDepth - minDepth
	for i, v := range out.Data {
		if !(v > 0) {
			continue
		}
		c := math.Min(math.Max(float64(v), minDepth), maxDepth)
		out.Data[i] = float32((c - minDepth) / span)
	}
	return out
}

// Harmonize brings a frame to the trained Width x Height resolution.
// Portrait 480x640 frames are cropped and resized, rgb bilinearly and depth
// by nearest neighbour so invalid readings are never blended. Frames
// already at the trained resolution are returned as is. Any other shape is a
// configuration error.
func Harmonize(rgb *image.RGBA, depth *DepthMap) (*image.RGBA, *DepthMap, error) {
	b := rgb.Bounds()
	if b.Dx() != depth.Width || b.Dy() != depth.Height {
		return nil, nil, faults.Configf("frame", "rgb %dx%d and depth %dx%d disagree", b.Dx(), b.Dy(), depth.Width, depth.Height)
	}

	switch {
	case b.Dx() == Width && b.Dy() == Height:
		return rgb, depth, nil

	case b.Dx() == portraitWidth && b.Dy() == portraitHeight:
		crop := image.Rect(b.Min.X, b.Min.Y+portraitCropTop, b.Max.X, b.Max.Y)
		out := image.NewRGBA(image.Rect(0, 0, Width, Height))
		draw.BiLinear.Scale(out, out.Bounds(), rgb, crop, draw.Src, nil)
		return out, resizeNearest(depth, portraitCropTop, Width, Height), nil

	default:
		return nil, nil, faults.Configf("frame", "unsupported resolution %dx%d (want %dx%d or %dx%d)",
			b.Dx(), b.Dy(), Width, Height, portraitWidth, portraitHeight)
	}
}

// resizeNearest resamples rows [top, d.Height) of d to w x h using the
// floor(dst * src / dst_size) source index.
func resizeNearest(d *DepthMap, top, w, h int) *DepthMap {
	srcH := d.Height - top
	out := NewDepthMap(w, h)
	for y := 0; y < h; y++ {
		sy := top + min(y*srcH/h, srcH-1)
		for x := 0; x < w; x++ {
			sx := min(x*d.Width/w, d.Width-1)
			out.Set(x, y, d.At(sx, sy))
		}
	}
	return out
}
