package policy

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/scout/internal/faults"
	"github.com/banshee-data/scout/internal/observation"
)

// Parameter names bound by GRUNetwork.
const (
	keyVisualWeight  = "net.visual_fc.weight"
	keyVisualBias    = "net.visual_fc.bias"
	keyPrevAction    = "net.prev_action_embedding.weight"
	keyGoal          = "net.obj_categories_embedding.weight"
	keyGPSWeight     = "net.gps_embedding.weight"
	keyGPSBias       = "net.gps_embedding.bias"
	keyCompassWeight = "net.compass_embedding.weight"
	keyCompassBias   = "net.compass_embedding.bias"
	keyActionWeight  = "action_distribution.linear.weight"
	keyRNNPrefix     = "net.state_encoder.rnn."
)

// Hand-crafted visual features: a 4x4 grid of mean depth, the mean of each
// RGB channel, then the fraction of pixels in each semantic category.
const (
	depthGrid     = 4
	depthFeatures = depthGrid * depthGrid
	rgbFeatures   = 3
	fixedFeatures = depthFeatures + rgbFeatures
)

type linear struct {
	w *mat.Dense
	b *mat.VecDense
}

func (l linear) apply(x *mat.VecDense) *mat.VecDense {
	r, _ := l.w.Dims()
	out := mat.NewVecDense(r, nil)
	out.MulVec(l.w, x)
	out.AddVec(out, l.b)
	return out
}

type gruLayer struct {
	wih, whh *mat.Dense
	bih, bhh *mat.VecDense
}

// GRUNetwork is a CPU reference policy: visual features, embeddings of the
// previous action, goal, gps and compass, a multi-layer GRU state encoder
// (torch gate order r, z, n) and a linear action head.
type GRUNetwork struct {
	visual     linear
	prevAction *mat.Dense // (actions+1) x P, row 0 is the start token
	goal       *mat.Dense // goals x Q
	gps        linear
	compass    linear
	layers     []gruLayer
	head       linear

	numActions int
	hidden     int
	semantic   int // number of semantic fraction features
}

// Dims summarises the shape of a GRUNetwork.
type Dims struct {
	NumActions    int
	Semantic      int
	Visual        int
	PrevActionDim int
	Goals         int
	GoalDim       int
	GPSDim        int
	CompassDim    int
	Layers        int
	Hidden        int
}

// NewGRUNetwork binds a checkpoint strictly: every expected parameter must
// be present with a consistent shape and no other keys may remain.
func NewGRUNetwork(ckpt *Checkpoint) (*GRUNetwork, error) {
	b := &binder{ckpt: ckpt, used: make(map[string]bool)}
	n := &GRUNetwork{numActions: ckpt.NumActions}

	n.visual = b.linear(keyVisualWeight, keyVisualBias, -1, -1)
	if b.err == nil {
		_, in := n.visual.w.Dims()
		n.semantic = in - fixedFeatures
		if n.semantic < 0 {
			b.fail("%s has %d inputs, need at least %d", keyVisualWeight, in, fixedFeatures)
		}
	}
	n.prevAction = b.matrix(keyPrevAction, ckpt.NumActions+1, -1)
	n.goal = b.matrix(keyGoal, -1, -1)
	n.gps = b.linear(keyGPSWeight, keyGPSBias, -1, 2)
	n.compass = b.linear(keyCompassWeight, keyCompassBias, -1, 2)

	if b.err == nil {
		in := n.inputSize()
		for l := 0; ; l++ {
			suffix := fmt.Sprintf("_l%d", l)
			if _, ok := ckpt.Tensors[keyRNNPrefix+"weight_ih"+suffix]; !ok {
				break
			}
			if l == 0 {
				hh := ckpt.Tensors[keyRNNPrefix+"weight_hh"+suffix]
				if hh == nil || len(hh.Shape) != 2 {
					b.fail("%sweight_hh%s missing or not a matrix", keyRNNPrefix, suffix)
					break
				}
				n.hidden = hh.Shape[1]
			}
			layer := gruLayer{
				wih: b.matrix(keyRNNPrefix+"weight_ih"+suffix, 3*n.hidden, in),
				whh: b.matrix(keyRNNPrefix+"weight_hh"+suffix, 3*n.hidden, n.hidden),
				bih: b.vector(keyRNNPrefix+"bias_ih"+suffix, 3*n.hidden),
				bhh: b.vector(keyRNNPrefix+"bias_hh"+suffix, 3*n.hidden),
			}
			if b.err != nil {
				break
			}
			n.layers = append(n.layers, layer)
			in = n.hidden
		}
		if b.err == nil && len(n.layers) == 0 {
			b.fail("no state encoder layers (%sweight_ih_l0)", keyRNNPrefix)
		}
	}

	n.head = b.linear(keyActionWeight, ActionBiasKey, ckpt.NumActions, n.hidden)

	if b.err == nil {
		var extra []string
		for k := range ckpt.Tensors {
			if !b.used[k] {
				extra = append(extra, k)
			}
		}
		if len(extra) > 0 {
			sort.Strings(extra)
			b.fail("unexpected keys %v", extra)
		}
	}
	if b.err != nil {
		return nil, faults.Config("checkpoint", b.err)
	}
	return n, nil
}

func (n *GRUNetwork) inputSize() int {
	v, _ := n.visual.w.Dims()
	_, p := n.prevAction.Dims()
	_, q := n.goal.Dims()
	g, _ := n.gps.w.Dims()
	c, _ := n.compass.w.Dims()
	return v + p + q + g + c
}

// Dims reports the bound shape.
func (n *GRUNetwork) Dims() Dims {
	v, _ := n.visual.w.Dims()
	_, p := n.prevAction.Dims()
	goals, q := n.goal.Dims()
	g, _ := n.gps.w.Dims()
	c, _ := n.compass.w.Dims()
	return Dims{
		NumActions:    n.numActions,
		Semantic:      n.semantic,
		Visual:        v,
		PrevActionDim: p,
		Goals:         goals,
		GoalDim:       q,
		GPSDim:        g,
		CompassDim:    c,
		Layers:        len(n.layers),
		Hidden:        n.hidden,
	}
}

// NumActions implements Network.
func (n *GRUNetwork) NumActions() int { return n.numActions }

// HiddenShape implements Network.
func (n *GRUNetwork) HiddenShape() (int, int) { return len(n.layers), n.hidden }

// Forward implements Network.
func (n *GRUNetwork) Forward(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	if in.Obs == nil {
		return Output{}, fmt.Errorf("nil observation")
	}
	if in.Hidden == nil {
		return Output{}, fmt.Errorf("nil hidden state")
	}
	if r, c := in.Hidden.Dims(); r != len(n.layers) || c != n.hidden {
		return Output{}, fmt.Errorf("hidden state is %dx%d, want %dx%d", r, c, len(n.layers), n.hidden)
	}
	goals, _ := n.goal.Dims()
	if in.Obs.ObjectGoal < 0 || in.Obs.ObjectGoal >= goals {
		return Output{}, fmt.Errorf("objectgoal %d outside embedding table of %d", in.Obs.ObjectGoal, goals)
	}
	if in.PrevAction < 0 || in.PrevAction >= n.numActions {
		return Output{}, fmt.Errorf("previous action %d outside [0, %d)", in.PrevAction, n.numActions)
	}

	mask := 0.0
	if in.NotDone {
		mask = 1
	}

	visual := n.visual.apply(mat.NewVecDense(fixedFeatures+n.semantic, n.features(in.Obs)))
	for i := 0; i < visual.Len(); i++ {
		visual.SetVec(i, math.Max(0, visual.AtVec(i)))
	}
	prevIdx := int(float64(in.PrevAction+1) * mask)
	compass := float64(in.Obs.Compass)

	x := concat(
		visual,
		mat.VecDenseCopyOf(n.prevAction.RowView(prevIdx)),
		mat.VecDenseCopyOf(n.goal.RowView(in.Obs.ObjectGoal)),
		n.gps.apply(mat.NewVecDense(2, []float64{float64(in.Obs.GPS[0]), float64(in.Obs.GPS[1])})),
		n.compass.apply(mat.NewVecDense(2, []float64{math.Cos(compass), math.Sin(compass)})),
	)

	hidden := mat.NewDense(len(n.layers), n.hidden, nil)
	for l, layer := range n.layers {
		h := mat.VecDenseCopyOf(in.Hidden.RowView(l))
		h.ScaleVec(mask, h)
		x = layer.step(x, h, n.hidden)
		hidden.SetRow(l, x.RawVector().Data)
	}

	logits := n.head.apply(x)
	return Output{Logits: append([]float64(nil), logits.RawVector().Data...), Hidden: hidden}, nil
}

// step computes one GRU cell update.
func (g gruLayer) step(x, h *mat.VecDense, size int) *mat.VecDense {
	gi := mat.NewVecDense(3*size, nil)
	gi.MulVec(g.wih, x)
	gi.AddVec(gi, g.bih)
	gh := mat.NewVecDense(3*size, nil)
	gh.MulVec(g.whh, h)
	gh.AddVec(gh, g.bhh)

	out := mat.NewVecDense(size, nil)
	for i := 0; i < size; i++ {
		r := sigmoid(gi.AtVec(i) + gh.AtVec(i))
		z := sigmoid(gi.AtVec(size+i) + gh.AtVec(size+i))
		nn := math.Tanh(gi.AtVec(2*size+i) + r*gh.AtVec(2*size+i))
		out.SetVec(i, (1-z)*nn+z*h.AtVec(i))
	}
	return out
}

// features computes the fixed visual feature vector for obs.
func (n *GRUNetwork) features(obs *observation.Observation) []float64 {
	f := make([]float64, fixedFeatures+n.semantic)

	d := obs.Depth
	var counts [depthFeatures]float64
	for y := 0; y < d.Height; y++ {
		gy := y * depthGrid / d.Height
		for x := 0; x < d.Width; x++ {
			v := float64(d.At(x, y))
			if math.IsNaN(v) {
				continue
			}
			cell := gy*depthGrid + x*depthGrid/d.Width
			f[cell] += v
			counts[cell]++
		}
	}
	for i := range counts {
		if counts[i] > 0 {
			f[i] /= counts[i]
		}
	}

	b := obs.RGB.Bounds()
	pixels := float64(b.Dx() * b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := obs.RGB.Pix[obs.RGB.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			f[depthFeatures] += float64(row[4*x])
			f[depthFeatures+1] += float64(row[4*x+1])
			f[depthFeatures+2] += float64(row[4*x+2])
		}
	}
	for i := 0; i < rgbFeatures; i++ {
		f[depthFeatures+i] /= 255 * pixels
	}

	if obs.Semantic != nil && n.semantic > 0 {
		total := float64(len(obs.Semantic.Data))
		for _, c := range obs.Semantic.Data {
			if c >= 0 && int(c) < n.semantic {
				f[fixedFeatures+int(c)]++
			}
		}
		for i := 0; i < n.semantic; i++ {
			f[fixedFeatures+i] /= total
		}
	}
	return f
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func concat(parts ...*mat.VecDense) *mat.VecDense {
	var data []float64
	for _, p := range parts {
		data = append(data, p.RawVector().Data...)
	}
	return mat.NewVecDense(len(data), data)
}

// binder tracks the first binding error and which keys were consumed.
type binder struct {
	ckpt *Checkpoint
	used map[string]bool
	err  error
}

func (b *binder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
}

func (b *binder) tensor(key string, dims int) *Tensor {
	if b.err != nil {
		return nil
	}
	t, ok := b.ckpt.Tensors[key]
	if !ok {
		b.fail("missing parameter %q", key)
		return nil
	}
	if len(t.Shape) != dims {
		b.fail("parameter %q has shape %v, want %d dimensions", key, t.Shape, dims)
		return nil
	}
	b.used[key] = true
	return t
}

// matrix binds a 2-D parameter; negative rows or cols accept any size.
func (b *binder) matrix(key string, rows, cols int) *mat.Dense {
	t := b.tensor(key, 2)
	if t == nil {
		return nil
	}
	if (rows >= 0 && t.Shape[0] != rows) || (cols >= 0 && t.Shape[1] != cols) || t.Shape[0] == 0 || t.Shape[1] == 0 {
		b.fail("parameter %q has shape %v, want [%d %d]", key, t.Shape, rows, cols)
		return nil
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], append([]float64(nil), t.Data...))
}

func (b *binder) vector(key string, n int) *mat.VecDense {
	t := b.tensor(key, 1)
	if t == nil {
		return nil
	}
	if t.Shape[0] != n || n == 0 {
		b.fail("parameter %q has shape %v, want [%d]", key, t.Shape, n)
		return nil
	}
	return mat.NewVecDense(n, append([]float64(nil), t.Data...))
}

func (b *binder) linear(weightKey, biasKey string, out, in int) linear {
	w := b.matrix(weightKey, out, in)
	if w == nil {
		return linear{}
	}
	r, _ := w.Dims()
	return linear{w: w, b: b.vector(biasKey, r)}
}
