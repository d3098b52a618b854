package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/eco/internal/tensor"
)

// SafeTensorsDType represents supported SafeTensors data types.
type SafeTensorsDType string

// Supported SafeTensors dtypes.
const (
	SafeTensorsF32 SafeTensorsDType = "F32"
	SafeTensorsF64 SafeTensorsDType = "F64"
)

// SafeTensorInfo describes a tensor in SafeTensors format.
type SafeTensorInfo struct {
	DType       SafeTensorsDType `json:"dtype"`
	Shape       []int            `json:"shape"`
	DataOffsets [2]int64         `json:"data_offsets"` // [start, end]
}

// ReadSafeTensorsFile reads every tensor of a SafeTensors file.
func ReadSafeTensorsFile(path string) (tensor.StateDict, map[string]string, error) {
	//nolint:gosec // G304: File path comes from the run configuration
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() {
		_ = file.Close() // Read-only; close errors carry no information
	}()

	return ReadSafeTensors(file)
}

// ReadSafeTensors decodes a SafeTensors stream.
//
// F32 and F64 tensors are supported; half-precision exports must be
// converted before they can be used as a transplant source.
func ReadSafeTensors(r io.Reader) (tensor.StateDict, map[string]string, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, nil, fmt.Errorf("failed to read header size: %w", err)
	}
	if headerSize > MaxHeaderSize {
		return nil, nil, fmt.Errorf("%w: %d", ErrHeaderTooLarge, headerSize)
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawMap); err != nil {
		return nil, nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	var metadata map[string]string
	infos := make(map[string]SafeTensorInfo, len(rawMap))
	var dataSize int64
	for key, value := range rawMap {
		if key == "__metadata__" {
			if err := json.Unmarshal(value, &metadata); err != nil {
				return nil, nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
			continue
		}
		var info SafeTensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return nil, nil, fmt.Errorf("failed to unmarshal tensor %s: %w", key, err)
		}
		if info.DataOffsets[1] > dataSize {
			dataSize = info.DataOffsets[1]
		}
		infos[key] = info
	}

	data := make([]byte, dataSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, nil, fmt.Errorf("failed to read tensor data: %w", err)
	}

	state := make(tensor.StateDict, len(infos))
	for name, info := range infos {
		var dtype tensor.DataType
		switch info.DType {
		case SafeTensorsF32:
			dtype = tensor.Float32
		case SafeTensorsF64:
			dtype = tensor.Float64
		default:
			return nil, nil, fmt.Errorf("%w: %s (tensor %s)", ErrUnsupportedDType, info.DType, name)
		}

		shape := tensor.Shape(info.Shape)
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		if start < 0 || end < start || end-start != int64(shape.NumElements()*dtype.Size()) {
			return nil, nil, &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  name,
				Details: fmt.Sprintf("data offsets [%d, %d] do not fit shape %v", start, end, info.Shape),
			}
		}

		t, err := tensor.New(shape, decodeValues(data[start:end], shape.NumElements(), dtype))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid tensor %s: %w", name, err)
		}
		state[name] = t
	}

	return state, metadata, nil
}

// safeTensorHeader represents a tensor entry when writing SafeTensors.
type safeTensorHeader struct {
	DType       SafeTensorsDType `json:"dtype"`
	Shape       []int64          `json:"shape"`
	DataOffsets [2]int64         `json:"data_offsets"`
}

// WriteSafeTensorsFile exports state to a SafeTensors file with F32 data.
//
// Tensors are written in alphabetical order by name.
func WriteSafeTensorsFile(path string, state tensor.StateDict, metadata map[string]string) (err error) {
	//nolint:gosec // G304: File path comes from the run configuration
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return WriteSafeTensors(file, state, metadata, tensor.Float32)
}

// WriteSafeTensors encodes state in SafeTensors format to w.
func WriteSafeTensors(w io.Writer, state tensor.StateDict, metadata map[string]string, dtype tensor.DataType) error {
	stDType := SafeTensorsF32
	if dtype == tensor.Float64 {
		stDType = SafeTensorsF64
	}

	header := make(map[string]any, len(state)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	names := state.Names()
	var currentOffset int64
	for _, name := range names {
		t := state[name]
		size := int64(t.NumElements() * dtype.Size())
		shape := make([]int64, len(t.Shape()))
		for i, dim := range t.Shape() {
			shape[i] = int64(dim)
		}
		header[name] = safeTensorHeader{
			DType:       stDType,
			Shape:       shape,
			DataOffsets: [2]int64{currentOffset, currentOffset + size},
		}
		currentOffset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	data := make([]byte, currentOffset)
	var offset int64
	for _, name := range names {
		t := state[name]
		encodeValues(data[offset:], t.Data(), dtype)
		offset += int64(t.NumElements() * dtype.Size())
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write tensor data: %w", err)
	}
	return nil
}
