// Package motion translates the policy's abstract actions into relative
// motion commands for whichever backend was selected.
package motion

import (
	"context"
	"fmt"
	"math"

	"github.com/banshee-data/scout/internal/monitoring"
)

// Action is one of the policy's discrete outputs.
type Action int

// The trained action alphabet.
const (
	Stop Action = iota
	MoveForward
	TurnLeft
	TurnRight
)

func (a Action) String() string {
	switch a {
	case Stop:
		return "stop"
	case MoveForward:
		return "forward"
	case TurnLeft:
		return "left"
	case TurnRight:
		return "right"
	default:
		return fmt.Sprintf("unrecognized(%d)", int(a))
	}
}

// Recognized reports whether a is part of the dispatch alphabet.
func (a Action) Recognized() bool {
	return a >= Stop && a <= TurnRight
}

// Command is a motion request. Distance and Angle are non-negative
// magnitudes; Action selects the direction.
type Command struct {
	Action   Action
	Distance float64 // metres
	Angle    float64 // radians
}

// Relative returns the command as a forward translation and a yaw rotation
// in the robot frame, where a left turn is positive yaw.
func (c Command) Relative() (forward, yaw float64) {
	switch c.Action {
	case MoveForward:
		return c.Distance, 0
	case TurnLeft:
		return 0, c.Angle
	case TurnRight:
		return 0, -c.Angle
	default:
		return 0, 0
	}
}

// Mover executes a command and blocks until the backend reports completion.
type Mover interface {
	Move(ctx context.Context, cmd Command) error
}

// Outcome reports what Dispatch did.
type Outcome int

const (
	// Moved means a motion command was issued and completed.
	Moved Outcome = iota
	// Stopped means the policy chose STOP; no motion was issued.
	Stopped
	// Ignored means the action was not recognized; no motion was issued.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Moved:
		return "moved"
	case Stopped:
		return "stopped"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Default motion primitive sizes.
const (
	DefaultForwardDist  = 0.25 // metres
	DefaultTurnAngleDeg = 30.0
)

// Dispatcher maps actions to commands on a single Mover.
type Dispatcher struct {
	mover       Mover
	forwardDist float64
	turnAngle   float64 // radians
	log         *monitoring.Logger
}

// NewDispatcher returns a Dispatcher issuing forwardDist metre steps and
// turnAngleDeg degree turns.
func NewDispatcher(mover Mover, forwardDist, turnAngleDeg float64, log *monitoring.Logger) *Dispatcher {
	return &Dispatcher{
		mover:       mover,
		forwardDist: forwardDist,
		turnAngle:   turnAngleDeg * math.Pi / 180,
		log:         log,
	}
}

// CommandFor returns the command for a recognized movement action.
func (d *Dispatcher) CommandFor(a Action) Command {
	switch a {
	case MoveForward:
		return Command{Action: a, Distance: d.forwardDist}
	case TurnLeft, TurnRight:
		return Command{Action: a, Angle: d.turnAngle}
	default:
		return Command{Action: a}
	}
}

// Dispatch performs action. STOP and unrecognized actions issue no motion;
// only a failed Move returns an error.
func (d *Dispatcher) Dispatch(ctx context.Context, action int) (Outcome, error) {
	a := Action(action)
	switch {
	case a == Stop:
		d.log.Tracef("Action: stop")
		return Stopped, nil
	case !a.Recognized():
		d.log.Opsf("Action not implemented: %d", action)
		return Ignored, nil
	}

	d.log.Tracef("Action: %s", a)
	if err := d.mover.Move(ctx, d.CommandFor(a)); err != nil {
		return Moved, err
	}
	return Moved, nil
}
