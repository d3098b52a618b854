package serialization

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/eco/internal/tensor"
)

func sampleState(t *testing.T) tensor.StateDict {
	t.Helper()
	conv, err := tensor.New(tensor.Shape{2, 3, 1, 1}, []float64{0.1, -0.2, 0.3, 1e-9, 5, -7.25})
	require.NoError(t, err)
	bias, err := tensor.New(tensor.Shape{2}, []float64{0.5, -0.5})
	require.NoError(t, err)
	return tensor.StateDict{
		"module.base_model.conv1.weight": conv,
		"module.base_model.conv1.bias":   bias,
	}
}

func TestWriteReadRoundTripIsBitExact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.born")
	state := sampleState(t)

	header := Header{
		ModelType: "ECO",
		Checkpoint: &CheckpointMeta{
			Epoch:     3,
			Step:      120,
			Arch:      "ECO",
			BestPrec1: 41.5,
		},
	}
	require.NoError(t, WriteFile(path, state, header))

	loaded, got, err := ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, FormatVersion, got.FormatVersion)
	assert.Equal(t, Producer, got.Producer)
	require.NotNil(t, got.Checkpoint)
	assert.Equal(t, 3, got.Checkpoint.Epoch)
	assert.Equal(t, int64(120), got.Checkpoint.Step)
	assert.Equal(t, 41.5, got.Checkpoint.BestPrec1)

	require.Len(t, loaded, len(state))
	for name, want := range state {
		assert.True(t, want.Equal(loaded[name]), "tensor %s differs after round trip", name)
	}
}

func TestWriteSortsTensorsByName(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleState(t), Header{}, WriteOptions{DType: tensor.Float64}))

	_, header, err := Read(&buf)
	require.NoError(t, err)
	require.Len(t, header.Tensors, 2)
	assert.Equal(t, "module.base_model.conv1.bias", header.Tensors[0].Name)
	assert.Equal(t, int64(0), header.Tensors[0].Offset)
	assert.Equal(t, int64(16), header.Tensors[1].Offset)
}

func TestReadDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.born")
	require.NoError(t, WriteFile(path, sampleState(t), Header{}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, _, err = ReadFile(path)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestReadRejectsBadMagic(t *testing.T) {
	_, _, err := Read(bytes.NewReader(make([]byte, FixedHeaderSize)))
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestReadRejectsOversizedDataSection(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleState(t), Header{}, WriteOptions{DType: tensor.Float64}))
	raw := buf.Bytes()

	for _, size := range []uint64{1 << 62, 1<<64 - 1} {
		binary.LittleEndian.PutUint64(raw[24:32], size)
		_, _, err := Read(bytes.NewReader(raw))
		assert.ErrorIs(t, err, ErrOutOfBounds, "data size %d", size)
	}

	path := filepath.Join(t.TempDir(), "truncated.born")
	binary.LittleEndian.PutUint64(raw[24:32], 1<<62)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	_, _, err := ReadFile(path)
	require.ErrorIs(t, err, ErrOutOfBounds)

	_, _, err = OpenStateDict(path)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestValidateTensorOffsets(t *testing.T) {
	tests := []struct {
		name     string
		tensors  []TensorMeta
		dataSize int64
		wantType string
	}{
		{
			name:     "valid",
			tensors:  []TensorMeta{{Name: "a", Offset: 0, Size: 8}, {Name: "b", Offset: 8, Size: 8}},
			dataSize: 16,
		},
		{
			name:     "negative",
			tensors:  []TensorMeta{{Name: "a", Offset: -8, Size: 8}},
			dataSize: 16,
			wantType: "negative_offset",
		},
		{
			name:     "out of bounds",
			tensors:  []TensorMeta{{Name: "a", Offset: 8, Size: 16}},
			dataSize: 16,
			wantType: "out_of_bounds",
		},
		{
			name:     "overlap",
			tensors:  []TensorMeta{{Name: "a", Offset: 0, Size: 12}, {Name: "b", Offset: 8, Size: 8}},
			dataSize: 16,
			wantType: "offset_overlap",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTensorOffsets(tt.tensors, tt.dataSize)
			if tt.wantType == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.wantType, verr.Type)
		})
	}
}

func TestValidateTensorName(t *testing.T) {
	assert.NoError(t, ValidateTensorName("module.new_fc.weight"))
	assert.Error(t, ValidateTensorName(""))
	assert.Error(t, ValidateTensorName("../escape"))
	assert.Error(t, ValidateTensorName("a\x00b"))
}

func TestOpenStateDictDetectsFormat(t *testing.T) {
	dir := t.TempDir()
	state := sampleState(t)

	bornPath := filepath.Join(dir, "weights.born")
	require.NoError(t, WriteFile(bornPath, state, Header{}))

	stPath := filepath.Join(dir, "weights.safetensors")
	var buf bytes.Buffer
	require.NoError(t, WriteSafeTensors(&buf, state, map[string]string{"arch": "BNInception"}, tensor.Float64))
	require.NoError(t, os.WriteFile(stPath, buf.Bytes(), 0o600))

	for path, want := range map[string]Format{bornPath: FormatBorn, stPath: FormatSafeTensors} {
		loaded, format, err := OpenStateDict(path)
		require.NoError(t, err)
		assert.Equal(t, want, format)
		for name, tt := range state {
			assert.True(t, tt.Equal(loaded[name]), "%s: tensor %s differs", format, name)
		}
	}
}

func TestReadSafeTensorsFloat32(t *testing.T) {
	var buf bytes.Buffer
	state := sampleState(t)
	require.NoError(t, WriteSafeTensors(&buf, state, nil, tensor.Float32))

	loaded, metadata, err := ReadSafeTensors(&buf)
	require.NoError(t, err)
	assert.Empty(t, metadata)

	got := loaded["module.base_model.conv1.weight"]
	require.NotNil(t, got)
	assert.Equal(t, tensor.Shape{2, 3, 1, 1}, got.Shape())
	assert.InDelta(t, 0.1, got.Data()[0], 1e-7)
	assert.InDelta(t, -7.25, got.Data()[5], 1e-7)
}
