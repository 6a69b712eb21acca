package observation

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scout/internal/faults"
)

func solidFrame(w, h int, c color.RGBA, depth float32) (*image.RGBA, *DepthMap) {
	rgb := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(rgb.Pix); i += 4 {
		rgb.Pix[i], rgb.Pix[i+1], rgb.Pix[i+2], rgb.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	d := NewDepthMap(w, h)
	for i := range d.Data {
		d.Data[i] = depth
	}
	return rgb, d
}

func TestPreprocessDepth(t *testing.T) {
	in := &DepthMap{Width: 8, Height: 1, Data: []float32{
		0, -1, float32(math.NaN()), 0.5, 5.0, 2.75, 0.1, 12,
	}}

	out := PreprocessDepth(in, DefaultMinDepth, DefaultMaxDepth)

	assert.Equal(t, float32(0), out.Data[0], "zero is an invalid reading and passes through")
	assert.Equal(t, float32(-1), out.Data[1], "negative readings pass through")
	assert.True(t, math.IsNaN(float64(out.Data[2])), "NaN passes through")
	assert.Equal(t, float32(0), out.Data[3], "min depth maps to 0")
	assert.Equal(t, float32(1), out.Data[4], "max depth maps to 1")
	assert.InDelta(t, 0.5, out.Data[5], 1e-6)
	assert.Equal(t, float32(0), out.Data[6], "below min is clipped to min")
	assert.Equal(t, float32(1), out.Data[7], "above max is clipped to max")

	assert.Equal(t, float32(12), in.Data[7], "input must not be modified")
}

func TestPreprocessDepthRange(t *testing.T) {
	in := NewDepthMap(100, 1)
	for i := range in.Data {
		in.Data[i] = float32(i) * 0.1
	}
	for i, v := range PreprocessDepth(in, 0.5, 5).Data {
		if in.Data[i] > 0 {
			require.GreaterOrEqual(t, v, float32(0))
			require.LessOrEqual(t, v, float32(1))
		}
	}
}

func TestPoseToGPSCompass(t *testing.T) {
	gps, compass := PoseToGPSCompass(Pose{X: 1.5, Y: 2, Theta: 0.25})
	assert.Equal(t, [2]float32{1.5, -2}, gps)
	assert.Equal(t, float32(0.25), compass)

	_, wrapped := PoseToGPSCompass(Pose{Theta: 3 * math.Pi / 2})
	assert.InDelta(t, -math.Pi/2, wrapped, 1e-6)
}

func TestHarmonizeTrainedResolutionIsNoop(t *testing.T) {
	rgb, depth := solidFrame(Width, Height, color.RGBA{10, 20, 30, 255}, 1.5)
	rgb.Pix[0] = 99

	outRGB, outDepth, err := Harmonize(rgb, depth)
	require.NoError(t, err)
	assert.Same(t, rgb, outRGB)
	assert.Same(t, depth, outDepth)
}

func TestHarmonizePortrait(t *testing.T) {
	rgb, depth := solidFrame(portraitWidth, portraitHeight, color.RGBA{200, 100, 50, 255}, 2)
	// mark the cropped band so it can be detected if it leaks through
	for y := 0; y < portraitCropTop; y++ {
		for x := 0; x < portraitWidth; x++ {
			rgb.SetRGBA(x, y, color.RGBA{0, 0, 0, 255})
			depth.Set(x, y, -1)
		}
	}
	// invalid readings below the crop must survive resizing untouched
	depth.Set(0, portraitHeight-1, 0)

	outRGB, outDepth, err := Harmonize(rgb, depth)
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, Width, Height), outRGB.Bounds())
	assert.Equal(t, Width, outDepth.Width)
	assert.Equal(t, Height, outDepth.Height)

	assert.Equal(t, color.RGBA{200, 100, 50, 255}, outRGB.RGBAAt(Width/2, 0))
	assert.Equal(t, color.RGBA{200, 100, 50, 255}, outRGB.RGBAAt(Width/2, Height-1))

	for _, v := range outDepth.Data {
		require.Contains(t, []float32{0, 2}, v, "nearest neighbour must not blend values")
	}
	assert.Equal(t, float32(0), outDepth.At(0, Height-1))
	assert.Equal(t, float32(2), outDepth.At(Width-1, 0))
}

func TestHarmonizeRejectsOtherShapes(t *testing.T) {
	tests := []struct {
		name string
		w, h int
	}{
		{"landscape 720p", 1280, 720},
		{"square", 480, 480},
		{"swapped trained", Height, Width + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rgb, depth := solidFrame(tt.w, tt.h, color.RGBA{}, 1)
			_, _, err := Harmonize(rgb, depth)
			require.Error(t, err)
			assert.True(t, errors.Is(err, faults.ErrConfiguration))
		})
	}
}

func TestHarmonizeRejectsMismatchedDepth(t *testing.T) {
	rgb, _ := solidFrame(Width, Height, color.RGBA{}, 1)
	_, _, err := Harmonize(rgb, NewDepthMap(portraitWidth, portraitHeight))
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
}

func TestPreprocess(t *testing.T) {
	p, err := NewPreprocessor(DefaultMinDepth, DefaultMaxDepth, nil)
	require.NoError(t, err)

	rgb, depth := solidFrame(portraitWidth, portraitHeight, color.RGBA{1, 2, 3, 255}, 5)
	obs, err := p.Preprocess(Frame{RGB: rgb, Depth: depth, Pose: Pose{X: 1, Y: 1, Theta: 0.5}}, 3)
	require.NoError(t, err)

	assert.Equal(t, 3, obs.ObjectGoal)
	if diff := cmp.Diff([2]float32{1, -1}, obs.GPS); diff != "" {
		t.Errorf("gps mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, float32(0.5), obs.Compass)
	assert.Equal(t, float32(1), obs.Depth.At(10, 10))
	assert.Nil(t, obs.Semantic)
	assert.NoError(t, obs.Validate())

	obs.ClearGoalConditioning()
	assert.Equal(t, [2]float32{}, obs.GPS)
	assert.Zero(t, obs.Compass)
	assert.Zero(t, obs.ObjectGoal)
}

func TestPreprocessRejectsMissingChannels(t *testing.T) {
	p, err := NewPreprocessor(DefaultMinDepth, DefaultMaxDepth, nil)
	require.NoError(t, err)
	_, err = p.Preprocess(Frame{}, 0)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
}

func TestNewPreprocessorRejectsBadRange(t *testing.T) {
	_, err := NewPreprocessor(5, 0.5, nil)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
}

func TestObservationValidate(t *testing.T) {
	rgb, depth := solidFrame(Width, Height, color.RGBA{}, 0.5)

	obs := &Observation{RGB: rgb, Depth: depth, ObjectGoal: 21}
	assert.True(t, errors.Is(obs.Validate(), faults.ErrConfiguration))

	obs.ObjectGoal = 20
	obs.Compass = 4
	assert.Error(t, obs.Validate())

	obs.Compass = 0
	obs.Semantic = NewSemanticMap(10, 10)
	assert.Error(t, obs.Validate())

	obs.Semantic = NewSemanticMap(Width, Height)
	assert.NoError(t, obs.Validate())
}
