package rpc

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"image"
	"math"

	"google.golang.org/protobuf/types/known/structpb"
)

// EncodeRGB packs the image as H*W*3 bytes, row-major, and base64 encodes it.
func EncodeRGB(img *image.RGBA) string {
	b := img.Bounds()
	buf := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			buf = append(buf, row[4*x], row[4*x+1], row[4*x+2])
		}
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeRGB unpacks an EncodeRGB payload into an opaque width x height image.
func DecodeRGB(s string, width, height int) (*image.RGBA, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("rgb: %w", err)
	}
	if width <= 0 || height <= 0 || len(raw) != width*height*3 {
		return nil, fmt.Errorf("rgb: %d bytes for %dx%d frame", len(raw), width, height)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < len(raw); i, j = i+3, j+4 {
		img.Pix[j], img.Pix[j+1], img.Pix[j+2], img.Pix[j+3] = raw[i], raw[i+1], raw[i+2], 0xff
	}
	return img, nil
}

// EncodeFloat32s encodes values as little-endian float32 bytes in base64.
func EncodeFloat32s(values []float32) string {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeFloat32s decodes an EncodeFloat32s payload holding exactly n values.
func DecodeFloat32s(s string, n int) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != 4*n {
		return nil, fmt.Errorf("%d bytes for %d float32 values", len(raw), n)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}

// EncodeInt32s encodes values as little-endian int32 bytes in base64.
func EncodeInt32s(values []int32) string {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeInt32s decodes an EncodeInt32s payload holding exactly n values.
func DecodeInt32s(s string, n int) ([]int32, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != 4*n {
		return nil, fmt.Errorf("%d bytes for %d int32 values", len(raw), n)
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}

// Floats converts values to a list accepted by structpb.NewStruct.
func Floats(values []float64) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// Number returns the numeric field key of s.
func Number(s *structpb.Struct, key string) (float64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("missing field %q", key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("field %q is not a number", key)
	}
	return n.NumberValue, nil
}

// Int returns the integral numeric field key of s.
func Int(s *structpb.Struct, key string) (int, error) {
	f, err := Number(s, key)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("field %q is not an integer: %g", key, f)
	}
	return int(f), nil
}

// String returns the string field key of s.
func String(s *structpb.Struct, key string) (string, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return "", fmt.Errorf("missing field %q", key)
	}
	str, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("field %q is not a string", key)
	}
	return str.StringValue, nil
}

// Bool returns the boolean field key of s, or false when absent.
func Bool(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

// NumberList returns the numeric list field key of s.
func NumberList(s *structpb.Struct, key string) ([]float64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, fmt.Errorf("missing field %q", key)
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("field %q is not a list", key)
	}
	out := make([]float64, len(list.GetValues()))
	for i, item := range list.GetValues() {
		n, ok := item.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("field %q[%d] is not a number", key, i)
		}
		out[i] = n.NumberValue
	}
	return out, nil
}
