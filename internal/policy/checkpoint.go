package policy

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/scout/internal/faults"
)

// ActionBiasKey names the final linear layer whose bias length fixes the
// number of actions.
const ActionBiasKey = "action_distribution.linear.bias"

// maxHeaderSize bounds the JSON header of a checkpoint file.
const maxHeaderSize = 100 * 1024 * 1024

// Tensor is a dense row-major parameter.
type Tensor struct {
	Shape []int
	Data  []float64
}

// Len returns the number of elements implied by the shape.
func (t *Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Checkpoint holds policy parameters keyed by their bound names.
type Checkpoint struct {
	Path       string
	Tensors    map[string]*Tensor
	Metadata   map[string]string
	NumActions int
}

// Keys returns the parameter names in sorted order.
func (c *Checkpoint) Keys() []string {
	keys := make([]string, 0, len(c.Tensors))
	for k := range c.Tensors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StripPrefixes removes any of prefixes from the front of key, repeatedly,
// so "actor_critic.module.net.x" and "module.actor_critic.net.x" both
// become "net.x".
func StripPrefixes(key string, prefixes []string) string {
	for {
		trimmed := false
		for _, p := range prefixes {
			if p != "" && strings.HasPrefix(key, p) {
				key = key[len(p):]
				trimmed = true
			}
		}
		if !trimmed {
			return key
		}
	}
}

type tensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// LoadCheckpoint reads a safetensors file, strips prefixes from every key
// and infers the action count. A missing file, a malformed container, a
// key collision after stripping or a missing action bias are configuration
// errors.
func LoadCheckpoint(path string, prefixes []string) (*Checkpoint, error) {
	if path == "" {
		return nil, faults.Configf("checkpoint_path", "model checkpoint was not provided")
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, faults.Config("checkpoint_path", err)
	}
	defer f.Close()

	ckpt, err := readCheckpoint(f, prefixes)
	if err != nil {
		return nil, faults.Config("checkpoint", fmt.Errorf("%s: %w", path, err))
	}
	ckpt.Path = path

	bias, ok := ckpt.Tensors[ActionBiasKey]
	if !ok || len(bias.Shape) != 1 || bias.Shape[0] == 0 {
		return nil, faults.Configf("checkpoint", "%s: cannot infer action count, %q missing or not a vector", path, ActionBiasKey)
	}
	ckpt.NumActions = bias.Shape[0]
	return ckpt, nil
}

func readCheckpoint(r io.Reader, prefixes []string) (*Checkpoint, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	if n == 0 || n > maxHeaderSize {
		return nil, fmt.Errorf("invalid header length %d", n)
	}
	header := make([]byte, n)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read tensor data: %w", err)
	}

	ckpt := &Checkpoint{Tensors: make(map[string]*Tensor, len(raw))}
	for name, msg := range raw {
		if name == "__metadata__" {
			if err := json.Unmarshal(msg, &ckpt.Metadata); err != nil {
				return nil, fmt.Errorf("parse metadata: %w", err)
			}
			continue
		}
		var h tensorHeader
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, fmt.Errorf("parse %q: %w", name, err)
		}
		t, err := decodeTensor(h, data)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		key := StripPrefixes(name, prefixes)
		if _, dup := ckpt.Tensors[key]; dup {
			return nil, fmt.Errorf("tensor %q collides with another key after prefix stripping", name)
		}
		ckpt.Tensors[key] = t
	}
	return ckpt, nil
}

func decodeTensor(h tensorHeader, data []byte) (*Tensor, error) {
	t := &Tensor{Shape: h.Shape}
	for _, d := range h.Shape {
		if d < 0 {
			return nil, fmt.Errorf("negative dimension in shape %v", h.Shape)
		}
	}
	start, end := h.DataOffsets[0], h.DataOffsets[1]
	if start < 0 || end < start || end > int64(len(data)) {
		return nil, fmt.Errorf("data offsets [%d, %d) outside %d bytes", start, end, len(data))
	}
	buf := data[start:end]
	n := t.Len()

	var width int
	switch h.DType {
	case "F32":
		width = 4
	case "F64", "I64":
		width = 8
	default:
		return nil, fmt.Errorf("unsupported dtype %q", h.DType)
	}
	if len(buf) != n*width {
		return nil, fmt.Errorf("%d bytes for %d %s elements", len(buf), n, h.DType)
	}

	t.Data = make([]float64, n)
	for i := range t.Data {
		switch h.DType {
		case "F32":
			t.Data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:])))
		case "F64":
			t.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
		case "I64":
			t.Data[i] = float64(int64(binary.LittleEndian.Uint64(buf[8*i:])))
		}
	}
	return t, nil
}

// SaveCheckpoint writes c as a safetensors file with F32 tensors. Keys are
// written as they are, so a checkpoint saved after loading has no prefixes.
func SaveCheckpoint(path string, c *Checkpoint) error {
	if len(c.Tensors) == 0 {
		return errors.New("checkpoint has no tensors")
	}
	header := make(map[string]any, len(c.Tensors)+1)
	if len(c.Metadata) > 0 {
		header["__metadata__"] = c.Metadata
	}
	var body bytes.Buffer
	for _, key := range c.Keys() {
		t := c.Tensors[key]
		if t.Len() != len(t.Data) {
			return fmt.Errorf("tensor %q: shape %v holds %d elements, data has %d", key, t.Shape, t.Len(), len(t.Data))
		}
		start := int64(body.Len())
		for _, v := range t.Data {
			binary.Write(&body, binary.LittleEndian, math.Float32bits(float32(v)))
		}
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[key] = tensorHeader{DType: "F32", Shape: shape, DataOffsets: [2]int64{start, int64(body.Len())}}
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	// pad the header to 8 bytes as the format recommends
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint64(len(hdr)))
	out.Write(hdr)
	out.Write(body.Bytes())
	return os.WriteFile(path, out.Bytes(), 0o644)
}
