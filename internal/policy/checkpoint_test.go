package policy

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scout/internal/faults"
)

var defaultPrefixes = []string{"actor_critic.", "module."}

var smallDims = Dims{
	NumActions:    4,
	Semantic:      3,
	Visual:        6,
	PrevActionDim: 3,
	Goals:         21,
	GoalDim:       3,
	GPSDim:        2,
	CompassDim:    2,
	Layers:        2,
	Hidden:        5,
}

func writeTestCheckpoint(t *testing.T, d Dims, seed int64) string {
	t.Helper()
	c, err := InitCheckpoint(d, seed)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "policy.safetensors")
	require.NoError(t, SaveCheckpoint(path, c))
	return path
}

func loadTestCheckpoint(t *testing.T, d Dims, seed int64) *Checkpoint {
	t.Helper()
	c, err := LoadCheckpoint(writeTestCheckpoint(t, d, seed), defaultPrefixes)
	require.NoError(t, err)
	return c
}

// writeRaw writes a safetensors file from a header and raw data section.
func writeRaw(t *testing.T, header map[string]any, data []byte) string {
	t.Helper()
	hdr, err := json.Marshal(header)
	require.NoError(t, err)
	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(hdr)))
	buf = append(buf, hdr...)
	buf = append(buf, data...)
	path := filepath.Join(t.TempDir(), "raw.safetensors")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestStripPrefixes(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"actor_critic.net.visual_fc.weight", "net.visual_fc.weight"},
		{"module.actor_critic.net.x", "net.x"},
		{"actor_critic.module.net.x", "net.x"},
		{"net.module.x", "net.module.x"},
		{"action_distribution.linear.bias", "action_distribution.linear.bias"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, StripPrefixes(tt.key, defaultPrefixes))
		})
	}
	assert.Equal(t, "x", StripPrefixes("x", nil))
	assert.Equal(t, "a.x", StripPrefixes("a.x", []string{""}))
}

func TestSaveLoadCheckpoint(t *testing.T) {
	orig, err := InitCheckpoint(smallDims, 7)
	require.NoError(t, err)

	c := loadTestCheckpoint(t, smallDims, 7)
	assert.Equal(t, 4, c.NumActions)
	assert.Equal(t, "7", c.Metadata["seed"])
	assert.Len(t, c.Tensors, len(orig.Tensors))

	for key, want := range orig.Tensors {
		got, ok := c.Tensors[StripPrefixes(key, defaultPrefixes)]
		require.True(t, ok, key)
		assert.Equal(t, want.Shape, got.Shape, key)
		for i := range want.Data {
			require.InDelta(t, want.Data[i], got.Data[i], 1e-6, key)
		}
	}
	for _, key := range c.Keys() {
		assert.NotContains(t, key, "actor_critic.")
	}
}

func TestLoadCheckpointMissingFile(t *testing.T) {
	_, err := LoadCheckpoint(filepath.Join(t.TempDir(), "absent.safetensors"), defaultPrefixes)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = LoadCheckpoint("", defaultPrefixes)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
}

func TestLoadCheckpointMissingActionBias(t *testing.T) {
	path := writeRaw(t, map[string]any{
		"actor_critic.net.visual_fc.bias": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int{0, 4}},
	}, make([]byte, 4))

	_, err := LoadCheckpoint(path, defaultPrefixes)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
	assert.Contains(t, err.Error(), ActionBiasKey)
}

func TestLoadCheckpointDTypes(t *testing.T) {
	data := binary.LittleEndian.AppendUint64(nil, math.Float64bits(2.5))
	data = binary.LittleEndian.AppendUint64(data, uint64(0xFFFFFFFFFFFFFFFF)) // -1
	data = binary.LittleEndian.AppendUint64(data, 3)
	path := writeRaw(t, map[string]any{
		"__metadata__":                           map[string]string{"format": "pt"},
		"module.net.f64":                         map[string]any{"dtype": "F64", "shape": []int{1}, "data_offsets": []int{0, 8}},
		"module.action_distribution.linear.bias": map[string]any{"dtype": "I64", "shape": []int{2}, "data_offsets": []int{8, 24}},
	}, data)

	c, err := LoadCheckpoint(path, defaultPrefixes)
	require.NoError(t, err)
	assert.Equal(t, []float64{2.5}, c.Tensors["net.f64"].Data)
	assert.Equal(t, []float64{-1, 3}, c.Tensors[ActionBiasKey].Data)
	assert.Equal(t, 2, c.NumActions)
}

func TestLoadCheckpointMalformed(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]any
		data   []byte
	}{
		{"unsupported dtype", map[string]any{
			ActionBiasKey: map[string]any{"dtype": "BF16", "shape": []int{2}, "data_offsets": []int{0, 4}},
		}, make([]byte, 4)},
		{"offsets out of range", map[string]any{
			ActionBiasKey: map[string]any{"dtype": "F32", "shape": []int{2}, "data_offsets": []int{0, 80}},
		}, make([]byte, 8)},
		{"size mismatch", map[string]any{
			ActionBiasKey: map[string]any{"dtype": "F32", "shape": []int{3}, "data_offsets": []int{0, 8}},
		}, make([]byte, 8)},
		{"collision after stripping", map[string]any{
			"actor_critic." + ActionBiasKey: map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int{0, 4}},
			"module." + ActionBiasKey:       map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int{4, 8}},
		}, make([]byte, 8)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCheckpoint(writeRaw(t, tt.header, tt.data), defaultPrefixes)
			require.Error(t, err)
			assert.True(t, errors.Is(err, faults.ErrConfiguration))
		})
	}
}

func TestLoadCheckpointTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.safetensors")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o644))
	_, err := LoadCheckpoint(path, defaultPrefixes)
	assert.True(t, errors.Is(err, faults.ErrConfiguration))
}

func TestSaveCheckpointRejectsBadTensors(t *testing.T) {
	dir := t.TempDir()
	assert.Error(t, SaveCheckpoint(filepath.Join(dir, "a"), &Checkpoint{}))
	assert.Error(t, SaveCheckpoint(filepath.Join(dir, "b"), &Checkpoint{Tensors: map[string]*Tensor{
		"x": {Shape: []int{2}, Data: []float64{1}},
	}}))
}

func TestInitCheckpointDeterministic(t *testing.T) {
	a, err := InitCheckpoint(smallDims, 1)
	require.NoError(t, err)
	b, err := InitCheckpoint(smallDims, 1)
	require.NoError(t, err)
	assert.Equal(t, a.Tensors, b.Tensors)

	_, err = InitCheckpoint(Dims{}, 1)
	assert.Error(t, err)
}
