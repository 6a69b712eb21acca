package policy

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/scout/internal/faults"
	"github.com/banshee-data/scout/internal/monitoring"
	"github.com/banshee-data/scout/internal/observation"
)

// State is the recurrent state carried between steps.
type State struct {
	Hidden     *mat.Dense
	PrevAction int
	NotDone    bool
}

// Engine owns the policy network and its recurrent state. Act and Reset are
// serialised; nothing else may touch the state.
type Engine struct {
	mu       sync.Mutex
	net      Network
	state    State
	episodes int
	log      *monitoring.Logger
}

// NewEngine wraps net with zeroed recurrent state.
func NewEngine(net Network, log *monitoring.Logger) (*Engine, error) {
	if net == nil {
		return nil, faults.Configf("policy", "network is required")
	}
	layers, size := net.HiddenShape()
	if net.NumActions() <= 0 || layers <= 0 || size <= 0 {
		return nil, faults.Configf("policy", "invalid network shape: %d actions, hidden %dx%d", net.NumActions(), layers, size)
	}
	e := &Engine{net: net, log: log}
	e.zero()
	return e, nil
}

func (e *Engine) zero() {
	layers, size := e.net.HiddenShape()
	e.state = State{Hidden: mat.NewDense(layers, size, nil)}
}

// NumActions returns the size of the policy's action space.
func (e *Engine) NumActions() int { return e.net.NumActions() }

// Act runs one forward pass and returns the greedy action together with the
// observation's segmentation overlay. The recurrent state only advances
// when the pass succeeds and its output is well formed.
func (e *Engine) Act(ctx context.Context, obs *observation.Observation) (int, *image.RGBA, error) {
	if err := obs.Validate(); err != nil {
		return 0, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.net.Forward(ctx, Input{
		Obs:        obs,
		Hidden:     mat.DenseCopyOf(e.state.Hidden),
		PrevAction: e.state.PrevAction,
		NotDone:    e.state.NotDone,
	})
	if err != nil {
		return 0, nil, faults.Inference("policy", err)
	}
	if err := e.check(out); err != nil {
		return 0, nil, faults.Inference("policy", err)
	}

	action := floats.MaxIdx(out.Logits)
	e.state = State{Hidden: out.Hidden, PrevAction: action, NotDone: true}
	e.log.Tracef("logits=%v action=%d", out.Logits, action)
	return action, obs.SemanticVis, nil
}

func (e *Engine) check(out Output) error {
	if len(out.Logits) != e.net.NumActions() {
		return fmt.Errorf("got %d logits, want %d", len(out.Logits), e.net.NumActions())
	}
	for i, v := range out.Logits {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("logit %d is %v", i, v)
		}
	}
	if out.Hidden == nil {
		return fmt.Errorf("no hidden state returned")
	}
	layers, size := e.net.HiddenShape()
	if r, c := out.Hidden.Dims(); r != layers || c != size {
		return fmt.Errorf("hidden state is %dx%d, want %dx%d", r, c, layers, size)
	}
	return nil
}

// Reset zeroes the recurrent state and previous action and clears the
// continuation mask. It also counts episodes.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.zero()
	e.episodes++
	e.log.Diagf("Episode done: %d", e.episodes)
}

// Episodes returns how many times Reset has been called.
func (e *Engine) Episodes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.episodes
}

// State returns a copy of the current recurrent state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Hidden:     mat.DenseCopyOf(e.state.Hidden),
		PrevAction: e.state.PrevAction,
		NotDone:    e.state.NotDone,
	}
}
