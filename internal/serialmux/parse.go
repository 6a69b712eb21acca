package serialmux

import (
	"fmt"
	"strconv"
	"strings"
)

// Reply kinds emitted by the robot base controller.
const (
	ReplyAck     = "ACK"
	ReplyDone    = "DONE"
	ReplyErr     = "ERR"
	ReplyUnknown = "unknown"
)

// Reply is one parsed line from the base controller. Lines that are not
// replies to a motion command (telemetry, banners) parse as ReplyUnknown.
type Reply struct {
	Kind   string
	Seq    uint64
	Reason string
}

// FormatMotion renders a low-level motion command. Distances are metres and
// angles radians; both are magnitudes, the action selects the direction.
func FormatMotion(seq uint64, action int, distance, angleRad float64) string {
	return fmt.Sprintf("LL %d %d %.4f %.6f", seq, action, distance, angleRad)
}

// ParseReply classifies a line read from the base controller.
func ParseReply(line string) Reply {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Reply{Kind: ReplyUnknown}
	}
	kind := strings.ToUpper(fields[0])
	switch kind {
	case ReplyAck, ReplyDone, ReplyErr:
	default:
		return Reply{Kind: ReplyUnknown}
	}
	seq, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Reply{Kind: ReplyUnknown}
	}
	r := Reply{Kind: kind, Seq: seq}
	if kind == ReplyErr {
		r.Reason = strings.Join(fields[2:], " ")
		if r.Reason == "" {
			r.Reason = "unspecified"
		}
	}
	return r
}
