// Package policy runs the recurrent navigation policy: it loads checkpoints,
// binds them to a network (local or remote) and threads the recurrent state
// across steps.
package policy

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/scout/internal/observation"
)

// Input is one single-element batch for a forward pass.
type Input struct {
	Obs        *observation.Observation
	Hidden     *mat.Dense // layers x hidden size
	PrevAction int
	NotDone    bool
}

// Output is the result of a forward pass.
type Output struct {
	Logits []float64
	Hidden *mat.Dense
}

// Network is a recurrent policy. Implementations must be deterministic and
// must not modify in.Hidden.
type Network interface {
	NumActions() int
	HiddenShape() (layers, size int)
	Forward(ctx context.Context, in Input) (Output, error)
}
