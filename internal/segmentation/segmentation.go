// Package segmentation produces the per-pixel category map fused into the
// policy observation. Two backends exist: an encoder trained in simulation,
// whose categories already match the policy, and a real-world detector
// whose categories are remapped. The backend is chosen once at construction.
package segmentation

import (
	"context"
	"errors"
	"image"

	"github.com/banshee-data/scout/internal/categories"
	"github.com/banshee-data/scout/internal/faults"
	"github.com/banshee-data/scout/internal/monitoring"
	"github.com/banshee-data/scout/internal/observation"
)

// Kind selects the segmentation backend.
type Kind int

const (
	// SimEncoder is the simulation-trained encoder ("mp3d").
	SimEncoder Kind = iota
	// Detector is the real-world instance detector ("coco").
	Detector
)

func (k Kind) String() string {
	switch k {
	case SimEncoder:
		return "mp3d"
	case Detector:
		return "coco"
	default:
		return "unknown"
	}
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "mp3d":
		return SimEncoder, nil
	case "coco":
		return Detector, nil
	default:
		return 0, faults.Configf("segmentation", "unknown backend %q, must be mp3d or coco", name)
	}
}

// EncoderNetwork emits categories in the policy's space, possibly numbered
// from one.
type EncoderNetwork interface {
	Predict(ctx context.Context, rgb *image.RGBA, depth *observation.DepthMap) (*observation.SemanticMap, error)
}

// DetectorNetwork emits categories in the detector's vocabulary together
// with its own visualization frame (which may be nil).
type DetectorNetwork interface {
	Detect(ctx context.Context, rgb *image.RGBA, depth *observation.DepthMap) (*observation.SemanticMap, *image.RGBA, error)
}

// Segmenter runs exactly one backend. It holds no per-call state.
type Segmenter struct {
	kind         Kind
	encoder      EncoderNetwork
	detector     DetectorNetwork
	indexFromOne bool
	log          *monitoring.Logger
}

// NewSimEncoder returns a Segmenter over a simulation-trained encoder.
// indexFromOne shifts the encoder's output down by one.
func NewSimEncoder(net EncoderNetwork, indexFromOne bool, log *monitoring.Logger) (*Segmenter, error) {
	if net == nil {
		return nil, faults.Configf("segmentation", "encoder network is required")
	}
	return &Segmenter{kind: SimEncoder, encoder: net, indexFromOne: indexFromOne, log: log}, nil
}

// NewDetector returns a Segmenter over a real-world detector.
func NewDetector(net DetectorNetwork, log *monitoring.Logger) (*Segmenter, error) {
	if net == nil {
		return nil, faults.Configf("segmentation", "detector network is required")
	}
	return &Segmenter{kind: Detector, detector: net, log: log}, nil
}

// Kind reports the selected backend.
func (s *Segmenter) Kind() Kind { return s.kind }

// Segment returns the category map in the policy's space and an overlay
// frame for display. Backend failures are InferenceErrors.
func (s *Segmenter) Segment(ctx context.Context, rgb *image.RGBA, depth *observation.DepthMap) (*observation.SemanticMap, *image.RGBA, error) {
	var (
		sem *observation.SemanticMap
		vis *image.RGBA
		err error
	)
	switch s.kind {
	case SimEncoder:
		sem, err = s.encoder.Predict(ctx, rgb, depth)
		if err == nil {
			err = checkShape(sem, rgb)
		}
		if err != nil {
			return nil, nil, faults.Inference("segmentation", err)
		}
		if s.indexFromOne {
			sem = offset(sem, -1)
		}
		vis = RenderOverlay(rgb, sem)

	case Detector:
		var detected *observation.SemanticMap
		detected, vis, err = s.detector.Detect(ctx, rgb, depth)
		if err == nil {
			err = checkShape(detected, rgb)
		}
		if err != nil {
			return nil, nil, faults.Inference("segmentation", err)
		}
		sem = RemapDetector(detected)
		if vis == nil {
			vis = RenderOverlay(rgb, sem)
		}
	}

	s.log.Tracef("segmentation %s produced %dx%d map", s.kind, sem.Width, sem.Height)
	return sem, vis, nil
}

var errShape = errors.New("segmentation map does not match frame")

func checkShape(sem *observation.SemanticMap, rgb *image.RGBA) error {
	if sem == nil {
		return errors.New("segmentation returned no map")
	}
	b := rgb.Bounds()
	if sem.Width != b.Dx() || sem.Height != b.Dy() || len(sem.Data) != sem.Width*sem.Height {
		return errShape
	}
	return nil
}

func offset(sem *observation.SemanticMap, delta int32) *observation.SemanticMap {
	out := observation.NewSemanticMap(sem.Width, sem.Height)
	for i, c := range sem.Data {
		out.Data[i] = c + delta
	}
	return out
}

// RemapDetector converts a detector-vocabulary map into the policy's space.
// Detector classes that are not goals become categories.Void.
func RemapDetector(sem *observation.SemanticMap) *observation.SemanticMap {
	out := observation.NewSemanticMap(sem.Width, sem.Height)
	for i, c := range sem.Data {
		if goal, ok := categories.DetectorToPolicy[int(c)]; ok {
			out.Data[i] = int32(goal)
		} else {
			out.Data[i] = categories.Void
		}
	}
	return out
}

// RenderOverlay colours each policy category through the detector palette
// and composites it over rgb wherever the colour is not the empty sentinel.
func RenderOverlay(rgb *image.RGBA, sem *observation.SemanticMap) *image.RGBA {
	b := rgb.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := categories.PolicyColor(int(sem.At(x, y)))
			if c == categories.Empty {
				c = rgb.RGBAAt(b.Min.X+x, b.Min.Y+y)
			}
			out.SetRGBA(x, y, c)
		}
	}
	return out
}
