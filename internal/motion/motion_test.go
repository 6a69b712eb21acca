package motion

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/banshee-data/scout/internal/monitoring"
)

type recordingMover struct {
	cmds []Command
	err  error
}

func (r *recordingMover) Move(_ context.Context, cmd Command) error {
	r.cmds = append(r.cmds, cmd)
	return r.err
}

func TestDispatch(t *testing.T) {
	turn := 30 * math.Pi / 180
	tests := []struct {
		name    string
		action  int
		outcome Outcome
		wantCmd bool
		forward float64
		yaw     float64
	}{
		{"forward", 1, Moved, true, 0.25, 0},
		{"left", 2, Moved, true, 0, turn},
		{"right", 3, Moved, true, 0, -turn},
		{"stop", 0, Stopped, false, 0, 0},
		{"unrecognized high", 7, Ignored, false, 0, 0},
		{"unrecognized negative", -1, Ignored, false, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &recordingMover{}
			d := NewDispatcher(m, DefaultForwardDist, DefaultTurnAngleDeg, nil)

			outcome, err := d.Dispatch(context.Background(), tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, outcome)

			if !tt.wantCmd {
				assert.Empty(t, m.cmds)
				return
			}
			require.Len(t, m.cmds, 1)
			forward, yaw := m.cmds[0].Relative()
			assert.InDelta(t, tt.forward, forward, 1e-12)
			assert.InDelta(t, tt.yaw, yaw, 1e-12)
			assert.GreaterOrEqual(t, m.cmds[0].Angle, 0.0)
		})
	}
}

func TestDispatchMoveError(t *testing.T) {
	m := &recordingMover{err: errors.New("timeout")}
	d := NewDispatcher(m, 0.5, 15, nil)

	outcome, err := d.Dispatch(context.Background(), int(MoveForward))
	assert.Equal(t, Moved, outcome)
	assert.EqualError(t, err, "timeout")
	assert.Equal(t, Command{Action: MoveForward, Distance: 0.5}, m.cmds[0])
}

func TestDispatchLogsUnrecognized(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewDispatcher(&recordingMover{}, DefaultForwardDist, DefaultTurnAngleDeg, monitoring.New(zap.New(core), "dispatch"))

	_, err := d.Dispatch(context.Background(), 9)
	require.NoError(t, err)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Action not implemented: 9", logs.All()[0].Message)
}

func TestActionStrings(t *testing.T) {
	assert.Equal(t, "forward", MoveForward.String())
	assert.Equal(t, "unrecognized(12)", Action(12).String())
	assert.True(t, TurnRight.Recognized())
	assert.False(t, Action(4).Recognized())
	assert.Equal(t, "ignored", Ignored.String())

	forward, yaw := Command{Action: Stop, Distance: 1, Angle: 1}.Relative()
	assert.Zero(t, forward)
	assert.Zero(t, yaw)
}
