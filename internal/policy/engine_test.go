package policy

import (
	"context"
	"errors"
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/scout/internal/faults"
	"github.com/banshee-data/scout/internal/monitoring"
)

// scriptedNetwork returns queued outputs and records its inputs.
type scriptedNetwork struct {
	outputs []Output
	errs    []error
	inputs  []Input
}

func (s *scriptedNetwork) NumActions() int          { return 4 }
func (s *scriptedNetwork) HiddenShape() (int, int) { return 1, 2 }

func (s *scriptedNetwork) Forward(_ context.Context, in Input) (Output, error) {
	s.inputs = append(s.inputs, in)
	i := len(s.inputs) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return Output{}, s.errs[i]
	}
	return s.outputs[i], nil
}

func out(hidden float64, logits ...float64) Output {
	return Output{Logits: logits, Hidden: mat.NewDense(1, 2, []float64{hidden, hidden})}
}

func TestEngineActUpdatesState(t *testing.T) {
	net := &scriptedNetwork{outputs: []Output{out(1, 0, 5, 1, 2), out(2, 9, 0, 0, 0)}}
	e, err := NewEngine(net, nil)
	require.NoError(t, err)

	obs := testObservation(1, 0.5, 0)
	obs.SemanticVis = image.NewRGBA(image.Rect(0, 0, 1, 1))

	action, vis, err := e.Act(context.Background(), obs)
	require.NoError(t, err)
	assert.Equal(t, 1, action)
	assert.Same(t, obs.SemanticVis, vis)

	first := net.inputs[0]
	assert.False(t, first.NotDone, "first step starts a new episode")
	assert.Equal(t, 0, first.PrevAction)
	assert.True(t, mat.Equal(mat.NewDense(1, 2, nil), first.Hidden))

	st := e.State()
	assert.True(t, st.NotDone)
	assert.Equal(t, 1, st.PrevAction)
	assert.Equal(t, 1.0, st.Hidden.At(0, 0))

	action, _, err = e.Act(context.Background(), obs)
	require.NoError(t, err)
	assert.Equal(t, 0, action)
	assert.True(t, net.inputs[1].NotDone)
	assert.Equal(t, 1, net.inputs[1].PrevAction)
	assert.Equal(t, 1.0, net.inputs[1].Hidden.At(0, 1))
}

func TestEngineFailuresLeaveStateUntouched(t *testing.T) {
	tests := []struct {
		name string
		net  *scriptedNetwork
	}{
		{"forward error", &scriptedNetwork{outputs: []Output{out(1, 1, 0, 0, 0), {}}, errs: []error{nil, errors.New("device lost")}}},
		{"wrong logit count", &scriptedNetwork{outputs: []Output{out(1, 1, 0, 0, 0), out(2, 1, 2)}}},
		{"nan logit", &scriptedNetwork{outputs: []Output{out(1, 1, 0, 0, 0), out(2, math.NaN(), 0, 0, 0)}}},
		{"missing hidden", &scriptedNetwork{outputs: []Output{out(1, 1, 0, 0, 0), {Logits: []float64{0, 0, 0, 1}}}}},
		{"wrong hidden shape", &scriptedNetwork{outputs: []Output{out(1, 1, 0, 0, 0), {Logits: []float64{0, 0, 0, 1}, Hidden: mat.NewDense(2, 2, nil)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEngine(tt.net, nil)
			require.NoError(t, err)
			obs := testObservation(0, 0.5, 0)

			_, _, err = e.Act(context.Background(), obs)
			require.NoError(t, err)
			before := e.State()

			_, _, err = e.Act(context.Background(), obs)
			require.Error(t, err)
			assert.True(t, errors.Is(err, faults.ErrInference))

			after := e.State()
			assert.Equal(t, before.PrevAction, after.PrevAction)
			assert.Equal(t, before.NotDone, after.NotDone)
			assert.True(t, mat.Equal(before.Hidden, after.Hidden))
		})
	}
}

func TestEngineRejectsInvalidObservation(t *testing.T) {
	net := &scriptedNetwork{}
	e, err := NewEngine(net, nil)
	require.NoError(t, err)

	_, _, err = e.Act(context.Background(), testObservation(21, 0.5, 0))
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
	assert.Empty(t, net.inputs, "network must not run on an invalid observation")
}

func TestEngineReset(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	net := &scriptedNetwork{outputs: []Output{out(3, 0, 0, 7, 0)}}
	e, err := NewEngine(net, monitoring.New(zap.New(core), "policy"))
	require.NoError(t, err)

	_, _, err = e.Act(context.Background(), testObservation(0, 0.5, 0))
	require.NoError(t, err)

	e.Reset()
	e.Reset() // idempotent apart from the counter

	st := e.State()
	assert.False(t, st.NotDone)
	assert.Equal(t, 0, st.PrevAction)
	assert.True(t, mat.Equal(mat.NewDense(1, 2, nil), st.Hidden))
	assert.Equal(t, 2, e.Episodes())

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "Episode done: 2", logs.All()[1].Message)
}

func TestEngineResetThenActIsReproducible(t *testing.T) {
	n, err := NewGRUNetwork(loadTestCheckpoint(t, smallDims, 5))
	require.NoError(t, err)
	e, err := NewEngine(n, nil)
	require.NoError(t, err)
	obs := testObservation(3, 0.7, 2)

	run := func() ([]int, *mat.Dense) {
		e.Reset()
		var actions []int
		for i := 0; i < 4; i++ {
			a, _, err := e.Act(context.Background(), obs)
			require.NoError(t, err)
			actions = append(actions, a)
		}
		return actions, e.State().Hidden
	}

	a1, h1 := run()
	a2, h2 := run()
	assert.Equal(t, a1, a2)
	assert.True(t, mat.Equal(h1, h2))
}

func TestNewEngineRejectsBadNetwork(t *testing.T) {
	_, err := NewEngine(nil, nil)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
}
