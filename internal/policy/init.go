package policy

import (
	"fmt"
	"math"
	"math/rand"
)

// DefaultDims is the shape of the development checkpoint produced by
// `scout checkpoint init`: four actions, the six goal categories plus the
// remaining trained goal slots, and a two-layer GRU.
var DefaultDims = Dims{
	NumActions:    4,
	Semantic:      6,
	Visual:        32,
	PrevActionDim: 8,
	Goals:         21,
	GoalDim:       8,
	GPSDim:        8,
	CompassDim:    8,
	Layers:        2,
	Hidden:        32,
}

// InitCheckpoint builds a checkpoint for d with weights drawn uniformly from
// [-1/sqrt(fan_in), 1/sqrt(fan_in)], like torch's default initialisation.
// The same seed always yields the same checkpoint. Keys carry the
// historical "actor_critic." prefix so loading exercises prefix stripping.
func InitCheckpoint(d Dims, seed int64) (*Checkpoint, error) {
	if d.NumActions <= 0 || d.Visual <= 0 || d.PrevActionDim <= 0 || d.Goals <= 0 ||
		d.GoalDim <= 0 || d.GPSDim <= 0 || d.CompassDim <= 0 || d.Layers <= 0 || d.Hidden <= 0 || d.Semantic < 0 {
		return nil, fmt.Errorf("invalid dimensions %+v", d)
	}
	rng := rand.New(rand.NewSource(seed))
	c := &Checkpoint{
		Tensors:    make(map[string]*Tensor),
		Metadata:   map[string]string{"format": "pt", "seed": fmt.Sprint(seed)},
		NumActions: d.NumActions,
	}
	add := func(key string, fanIn int, shape ...int) {
		t := &Tensor{Shape: shape}
		t.Data = make([]float64, t.Len())
		bound := 1 / math.Sqrt(float64(fanIn))
		for i := range t.Data {
			t.Data[i] = (2*rng.Float64() - 1) * bound
		}
		c.Tensors["actor_critic."+key] = t
	}

	features := fixedFeatures + d.Semantic
	add(keyVisualWeight, features, d.Visual, features)
	add(keyVisualBias, features, d.Visual)
	add(keyPrevAction, 1, d.NumActions+1, d.PrevActionDim)
	add(keyGoal, 1, d.Goals, d.GoalDim)
	add(keyGPSWeight, 2, d.GPSDim, 2)
	add(keyGPSBias, 2, d.GPSDim)
	add(keyCompassWeight, 2, d.CompassDim, 2)
	add(keyCompassBias, 2, d.CompassDim)

	in := d.Visual + d.PrevActionDim + d.GoalDim + d.GPSDim + d.CompassDim
	for l := 0; l < d.Layers; l++ {
		suffix := fmt.Sprintf("_l%d", l)
		add(keyRNNPrefix+"weight_ih"+suffix, d.Hidden, 3*d.Hidden, in)
		add(keyRNNPrefix+"weight_hh"+suffix, d.Hidden, 3*d.Hidden, d.Hidden)
		add(keyRNNPrefix+"bias_ih"+suffix, d.Hidden, 3*d.Hidden)
		add(keyRNNPrefix+"bias_hh"+suffix, d.Hidden, 3*d.Hidden)
		in = d.Hidden
	}

	add(keyActionWeight, d.Hidden, d.NumActions, d.Hidden)
	add(ActionBiasKey, d.Hidden, d.NumActions)
	return c, nil
}
