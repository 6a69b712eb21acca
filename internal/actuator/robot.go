package actuator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/banshee-data/scout/internal/faults"
	"github.com/banshee-data/scout/internal/motion"
	"github.com/banshee-data/scout/internal/monitoring"
	"github.com/banshee-data/scout/internal/observation"
	"github.com/banshee-data/scout/internal/serialmux"
	"github.com/banshee-data/scout/internal/timeutil"
)

// ErrLinkClosed is returned when the serial link closes while a motion
// command is outstanding.
var ErrLinkClosed = errors.New("base link closed")

// Robot drives the physical platform. Frames come from the camera service
// and motion commands go to the base controller over the serial link, whose
// Monitor loop must be running for replies to be observed.
type Robot struct {
	camera  Caller
	link    serialmux.SerialMuxInterface
	clock   timeutil.Clock
	timeout time.Duration
	seq     atomic.Uint64
	log     *monitoring.Logger
}

// NewRobot returns a physical backend. timeout bounds the wait for a DONE or
// ERR reply to each motion command.
func NewRobot(camera Caller, link serialmux.SerialMuxInterface, clock timeutil.Clock, timeout time.Duration, log *monitoring.Logger) *Robot {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Robot{
		camera:  camera,
		link:    link,
		clock:   clock,
		timeout: timeout,
		log:     log,
	}
}

// Name implements Backend.
func (r *Robot) Name() string { return "robot" }

// SensorFrame implements Backend.
func (r *Robot) SensorFrame(ctx context.Context) (*observation.Frame, error) {
	f, err := fetchFrame(ctx, r.camera)
	if err != nil {
		return nil, faults.Actuator("sensor_frame", err)
	}
	return f, nil
}

// Move sends an LL command and waits for the base to complete or reject it.
func (r *Robot) Move(ctx context.Context, cmd motion.Command) error {
	seq := r.seq.Add(1)
	line := serialmux.FormatMotion(seq, int(cmd.Action), cmd.Distance, cmd.Angle)

	// subscribe before sending so the reply cannot race the subscription
	id, replies := r.link.Subscribe()
	defer r.link.Unsubscribe(id)

	if err := r.link.SendCommand(line); err != nil {
		return faults.Actuator("move", fmt.Errorf("failed to send %q: %w", line, err))
	}
	r.log.Tracef("sent %q", line)

	start := r.clock.Now()
	deadline := r.clock.After(r.timeout)
	for {
		select {
		case l, ok := <-replies:
			if !ok {
				return faults.Actuator("move", ErrLinkClosed)
			}
			reply := serialmux.ParseReply(l)
			if reply.Seq != seq {
				continue
			}
			switch reply.Kind {
			case serialmux.ReplyDone:
				r.log.Tracef("command %d done in %s", seq, r.clock.Since(start))
				return nil
			case serialmux.ReplyErr:
				return faults.Actuator("move", fmt.Errorf("base rejected command %d: %s", seq, reply.Reason))
			}
		case <-deadline:
			return faults.Actuator("move", fmt.Errorf("no completion for command %d after %s", seq, r.timeout))
		case <-ctx.Done():
			return faults.Actuator("move", ctx.Err())
		}
	}
}

// Close releases the camera connection. The serial link belongs to
// whoever runs its Monitor loop.
func (r *Robot) Close() error {
	if c, ok := r.camera.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
