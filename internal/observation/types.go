// Package observation turns raw RGB-D and pose readings into the fixed
// shape observation the policy was trained on.
package observation

import (
	"image"
	"math"

	"github.com/banshee-data/scout/internal/categories"
	"github.com/banshee-data/scout/internal/faults"
)

// Trained policy input resolution.
const (
	Width  = 640
	Height = 480
)

// Pose is a planar pose from the robot's localization source, in metres and
// radians.
type Pose struct {
	X     float64
	Y     float64
	Theta float64
}

// DepthMap is a row-major single channel depth image.
type DepthMap struct {
	Width  int
	Height int
	Data   []float32
}

// NewDepthMap allocates a zeroed depth map.
func NewDepthMap(width, height int) *DepthMap {
	return &DepthMap{Width: width, Height: height, Data: make([]float32, width*height)}
}

// At returns the value at column x, row y.
func (d *DepthMap) At(x, y int) float32 { return d.Data[y*d.Width+x] }

// Set stores v at column x, row y.
func (d *DepthMap) Set(x, y int, v float32) { d.Data[y*d.Width+x] = v }

// Clone returns a deep copy.
func (d *DepthMap) Clone() *DepthMap {
	out := &DepthMap{Width: d.Width, Height: d.Height, Data: make([]float32, len(d.Data))}
	copy(out.Data, d.Data)
	return out
}

// SemanticMap is a row-major per-pixel category map.
type SemanticMap struct {
	Width  int
	Height int
	Data   []int32
}

// NewSemanticMap allocates a zeroed semantic map.
func NewSemanticMap(width, height int) *SemanticMap {
	return &SemanticMap{Width: width, Height: height, Data: make([]int32, width*height)}
}

// At returns the category at column x, row y.
func (s *SemanticMap) At(x, y int) int32 { return s.Data[y*s.Width+x] }

// Set stores c at column x, row y.
func (s *SemanticMap) Set(x, y int, c int32) { s.Data[y*s.Width+x] = c }

// Frame is one raw sensor reading from the active backend.
type Frame struct {
	RGB   *image.RGBA
	Depth *DepthMap // metres; values <= 0 are invalid readings
	Pose  Pose
}

// Observation is the per-step input to the policy. Semantic and SemanticVis
// are filled in by segmentation.
type Observation struct {
	RGB         *image.RGBA
	Depth       *DepthMap // normalised to [0, 1], invalid readings unchanged
	GPS         [2]float32
	Compass     float32
	ObjectGoal  int
	Semantic    *SemanticMap
	SemanticVis *image.RGBA
}

// ClearGoalConditioning holds gps, compass and objectgoal at zero for policy
// variants that were not trained to rely on them.
func (o *Observation) ClearGoalConditioning() {
	o.GPS = [2]float32{}
	o.Compass = 0
	o.ObjectGoal = 0
}

// Validate checks the observation against the policy's observation space.
func (o *Observation) Validate() error {
	if o.RGB == nil || o.Depth == nil {
		return faults.Configf("observation", "rgb and depth are required")
	}
	b := o.RGB.Bounds()
	if b.Dx() != Width || b.Dy() != Height {
		return faults.Configf("observation", "rgb is %dx%d, want %dx%d", b.Dx(), b.Dy(), Width, Height)
	}
	if o.Depth.Width != Width || o.Depth.Height != Height {
		return faults.Configf("observation", "depth is %dx%d, want %dx%d", o.Depth.Width, o.Depth.Height, Width, Height)
	}
	if o.Semantic != nil && (o.Semantic.Width != Width || o.Semantic.Height != Height) {
		return faults.Configf("observation", "semantic map is %dx%d, want %dx%d", o.Semantic.Width, o.Semantic.Height, Width, Height)
	}
	if o.ObjectGoal < 0 || o.ObjectGoal > categories.MaxGoalCategory {
		return faults.Configf("objectgoal", "%d outside [0, %d]", o.ObjectGoal, categories.MaxGoalCategory)
	}
	if c := float64(o.Compass); math.IsNaN(c) || c < -math.Pi-1e-6 || c > math.Pi+1e-6 {
		return faults.Configf("compass", "%f outside [-pi, pi]", o.Compass)
	}
	return nil
}
