package segmentation

import (
	"context"
	"fmt"
	"image"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/scout/internal/observation"
	"github.com/banshee-data/scout/internal/rpc"
)

// ServiceName is the gRPC service hosting both segmentation backends.
const ServiceName = "scout.inference.v1.Segmentation"

// Caller is the subset of *rpc.Client used by the remote backends.
type Caller interface {
	Call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error)
}

// RemoteEncoder runs the simulation-trained encoder on an inference server.
type RemoteEncoder struct {
	client Caller
}

// NewRemoteEncoder returns an encoder backed by client.
func NewRemoteEncoder(client Caller) *RemoteEncoder {
	return &RemoteEncoder{client: client}
}

// Predict implements EncoderNetwork.
func (r *RemoteEncoder) Predict(ctx context.Context, rgb *image.RGBA, depth *observation.DepthMap) (*observation.SemanticMap, error) {
	resp, err := r.client.Call(ctx, "Predict", frameRequest(rgb, depth))
	if err != nil {
		return nil, err
	}
	return decodeCategories(resp, rgb.Bounds().Dx(), rgb.Bounds().Dy())
}

// RemoteDetector runs the real-world detector on an inference server.
type RemoteDetector struct {
	client Caller
}

// NewRemoteDetector returns a detector backed by client.
func NewRemoteDetector(client Caller) *RemoteDetector {
	return &RemoteDetector{client: client}
}

// Detect implements DetectorNetwork.
func (r *RemoteDetector) Detect(ctx context.Context, rgb *image.RGBA, depth *observation.DepthMap) (*observation.SemanticMap, *image.RGBA, error) {
	w, h := rgb.Bounds().Dx(), rgb.Bounds().Dy()
	resp, err := r.client.Call(ctx, "Detect", frameRequest(rgb, depth))
	if err != nil {
		return nil, nil, err
	}
	sem, err := decodeCategories(resp, w, h)
	if err != nil {
		return nil, nil, err
	}
	enc, err := rpc.String(resp, "vis_rgb")
	if err != nil {
		return sem, nil, nil // visualization is optional
	}
	vis, err := rpc.DecodeRGB(enc, w, h)
	if err != nil {
		return nil, nil, fmt.Errorf("vis_rgb: %w", err)
	}
	return sem, vis, nil
}

func frameRequest(rgb *image.RGBA, depth *observation.DepthMap) map[string]any {
	return map[string]any{
		"width":  rgb.Bounds().Dx(),
		"height": rgb.Bounds().Dy(),
		"rgb":    rpc.EncodeRGB(rgb),
		"depth":  rpc.EncodeFloat32s(depth.Data),
	}
}

func decodeFrame(req *structpb.Struct) (*image.RGBA, *observation.DepthMap, error) {
	w, err := rpc.Int(req, "width")
	if err != nil {
		return nil, nil, err
	}
	h, err := rpc.Int(req, "height")
	if err != nil {
		return nil, nil, err
	}
	enc, err := rpc.String(req, "rgb")
	if err != nil {
		return nil, nil, err
	}
	rgb, err := rpc.DecodeRGB(enc, w, h)
	if err != nil {
		return nil, nil, err
	}
	enc, err = rpc.String(req, "depth")
	if err != nil {
		return nil, nil, err
	}
	data, err := rpc.DecodeFloat32s(enc, w*h)
	if err != nil {
		return nil, nil, fmt.Errorf("depth: %w", err)
	}
	return rgb, &observation.DepthMap{Width: w, Height: h, Data: data}, nil
}

func decodeCategories(resp *structpb.Struct, w, h int) (*observation.SemanticMap, error) {
	enc, err := rpc.String(resp, "categories")
	if err != nil {
		return nil, err
	}
	data, err := rpc.DecodeInt32s(enc, w*h)
	if err != nil {
		return nil, fmt.Errorf("categories: %w", err)
	}
	return &observation.SemanticMap{Width: w, Height: h, Data: data}, nil
}

// Register exposes local networks on srv under ServiceName. Either network
// may be nil, in which case its method is not served.
func Register(srv *rpc.Server, encoder EncoderNetwork, detector DetectorNetwork) {
	if encoder != nil {
		srv.Handle(ServiceName, "Predict", func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			rgb, depth, err := decodeFrame(req)
			if err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			sem, err := encoder.Predict(ctx, rgb, depth)
			if err != nil {
				return nil, status.Error(codes.Internal, err.Error())
			}
			return structpb.NewStruct(map[string]any{"categories": rpc.EncodeInt32s(sem.Data)})
		})
	}
	if detector != nil {
		srv.Handle(ServiceName, "Detect", func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			rgb, depth, err := decodeFrame(req)
			if err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			sem, vis, err := detector.Detect(ctx, rgb, depth)
			if err != nil {
				return nil, status.Error(codes.Internal, err.Error())
			}
			out := map[string]any{"categories": rpc.EncodeInt32s(sem.Data)}
			if vis != nil {
				out["vis_rgb"] = rpc.EncodeRGB(vis)
			}
			return structpb.NewStruct(out)
		})
	}
}
