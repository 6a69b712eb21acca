package policy

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/scout/internal/faults"
	"github.com/banshee-data/scout/internal/observation"
	"github.com/banshee-data/scout/internal/rpc"
)

// ServiceName is the gRPC service hosting the policy.
const ServiceName = "scout.inference.v1.Policy"

// Caller is the subset of *rpc.Client used by RemoteNetwork.
type Caller interface {
	Call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error)
}

// RemoteNetwork runs the policy on an inference server that holds the same
// checkpoint. Shapes are taken from the local copy of the checkpoint so a
// mismatched server is detected on the first call.
type RemoteNetwork struct {
	client     Caller
	model      string
	numActions int
	layers     int
	hidden     int
}

// NewRemoteNetwork returns a network backed by client with the action count
// and hidden shape of ckpt.
func NewRemoteNetwork(client Caller, ckpt *Checkpoint) (*RemoteNetwork, error) {
	layers, hidden := 0, 0
	for ; ; layers++ {
		hh, ok := ckpt.Tensors[fmt.Sprintf("%sweight_hh_l%d", keyRNNPrefix, layers)]
		if !ok {
			break
		}
		if len(hh.Shape) != 2 {
			return nil, faults.Configf("checkpoint", "state encoder layer %d is not a matrix", layers)
		}
		hidden = hh.Shape[1]
	}
	if layers == 0 || hidden == 0 {
		return nil, faults.Configf("checkpoint", "cannot infer recurrent state shape")
	}
	return &RemoteNetwork{
		client:     client,
		model:      filepath.Base(ckpt.Path),
		numActions: ckpt.NumActions,
		layers:     layers,
		hidden:     hidden,
	}, nil
}

// NumActions implements Network.
func (r *RemoteNetwork) NumActions() int { return r.numActions }

// HiddenShape implements Network.
func (r *RemoteNetwork) HiddenShape() (int, int) { return r.layers, r.hidden }

// Forward implements Network.
func (r *RemoteNetwork) Forward(ctx context.Context, in Input) (Output, error) {
	req := encodeInput(in)
	req["model"] = r.model
	resp, err := r.client.Call(ctx, "Forward", req)
	if err != nil {
		return Output{}, err
	}
	logits, err := rpc.NumberList(resp, "logits")
	if err != nil {
		return Output{}, err
	}
	enc, err := rpc.String(resp, "hidden")
	if err != nil {
		return Output{}, err
	}
	hidden, err := decodeHidden(enc, r.layers, r.hidden)
	if err != nil {
		return Output{}, err
	}
	return Output{Logits: logits, Hidden: hidden}, nil
}

func encodeInput(in Input) map[string]any {
	obs := in.Obs
	layers, size := in.Hidden.Dims()
	req := map[string]any{
		"width":       obs.Depth.Width,
		"height":      obs.Depth.Height,
		"rgb":         rpc.EncodeRGB(obs.RGB),
		"depth":       rpc.EncodeFloat32s(obs.Depth.Data),
		"gps":         rpc.Floats([]float64{float64(obs.GPS[0]), float64(obs.GPS[1])}),
		"compass":     float64(obs.Compass),
		"objectgoal":  obs.ObjectGoal,
		"hidden":      encodeHidden(in.Hidden),
		"layers":      layers,
		"hidden_size": size,
		"prev_action": in.PrevAction,
		"not_done":    in.NotDone,
	}
	if obs.Semantic != nil {
		req["semantic"] = rpc.EncodeInt32s(obs.Semantic.Data)
	}
	return req
}

func encodeHidden(h *mat.Dense) string {
	r, c := h.Dims()
	vals := make([]float32, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			vals = append(vals, float32(h.At(i, j)))
		}
	}
	return rpc.EncodeFloat32s(vals)
}

func decodeHidden(s string, layers, size int) (*mat.Dense, error) {
	vals, err := rpc.DecodeFloat32s(s, layers*size)
	if err != nil {
		return nil, fmt.Errorf("hidden: %w", err)
	}
	data := make([]float64, len(vals))
	for i, v := range vals {
		data[i] = float64(v)
	}
	return mat.NewDense(layers, size, data), nil
}

func decodeInput(req *structpb.Struct) (Input, error) {
	var in Input
	w, err := rpc.Int(req, "width")
	if err != nil {
		return in, err
	}
	h, err := rpc.Int(req, "height")
	if err != nil {
		return in, err
	}
	enc, err := rpc.String(req, "rgb")
	if err != nil {
		return in, err
	}
	rgb, err := rpc.DecodeRGB(enc, w, h)
	if err != nil {
		return in, err
	}
	if enc, err = rpc.String(req, "depth"); err != nil {
		return in, err
	}
	depth, err := rpc.DecodeFloat32s(enc, w*h)
	if err != nil {
		return in, fmt.Errorf("depth: %w", err)
	}
	obs := &observation.Observation{
		RGB:   rgb,
		Depth: &observation.DepthMap{Width: w, Height: h, Data: depth},
	}
	if enc, err := rpc.String(req, "semantic"); err == nil {
		sem, err := rpc.DecodeInt32s(enc, w*h)
		if err != nil {
			return in, fmt.Errorf("semantic: %w", err)
		}
		obs.Semantic = &observation.SemanticMap{Width: w, Height: h, Data: sem}
	}
	gps, err := rpc.NumberList(req, "gps")
	if err != nil {
		return in, err
	}
	if len(gps) != 2 {
		return in, fmt.Errorf("gps has %d values, want 2", len(gps))
	}
	obs.GPS = [2]float32{float32(gps[0]), float32(gps[1])}
	compass, err := rpc.Number(req, "compass")
	if err != nil {
		return in, err
	}
	obs.Compass = float32(compass)
	if obs.ObjectGoal, err = rpc.Int(req, "objectgoal"); err != nil {
		return in, err
	}

	layers, err := rpc.Int(req, "layers")
	if err != nil {
		return in, err
	}
	size, err := rpc.Int(req, "hidden_size")
	if err != nil {
		return in, err
	}
	if enc, err = rpc.String(req, "hidden"); err != nil {
		return in, err
	}
	if in.Hidden, err = decodeHidden(enc, layers, size); err != nil {
		return in, err
	}
	if in.PrevAction, err = rpc.Int(req, "prev_action"); err != nil {
		return in, err
	}
	in.NotDone = rpc.Bool(req, "not_done")
	in.Obs = obs
	return in, nil
}

// Register serves net on srv under ServiceName.
func Register(srv *rpc.Server, net Network) {
	srv.Handle(ServiceName, "Forward", func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		in, err := decodeInput(req)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		out, err := net.Forward(ctx, in)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		for _, v := range out.Logits {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, status.Error(codes.Internal, "non-finite logits")
			}
		}
		return structpb.NewStruct(map[string]any{
			"logits": rpc.Floats(out.Logits),
			"hidden": encodeHidden(out.Hidden),
		})
	})
}
