package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/born-ml/eco/internal/tensor"
)

// WriteOptions controls how tensor data is encoded.
type WriteOptions struct {
	// DType is the on-disk element type. WriteFile uses Float64, which
	// round-trips bit-for-bit; Float32 halves the file size.
	DType tensor.DataType
}

// WriteFile writes state and header to path in .born format.
func WriteFile(path string, state tensor.StateDict, header Header) error {
	return WriteFileWithOptions(path, state, header, WriteOptions{DType: tensor.Float64})
}

// WriteFileWithOptions writes state to path using the given encoding options.
func WriteFileWithOptions(path string, state tensor.StateDict, header Header, opts WriteOptions) (err error) {
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

	return Write(file, state, header, opts)
}

// Write encodes state in .born format to w.
//
// Tensors are written in sorted name order so identical states produce
// identical data sections (and checksums).
func Write(w io.Writer, state tensor.StateDict, header Header, opts WriteOptions) error {
	header.FormatVersion = FormatVersion
	header.Producer = Producer
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}
	if header.Metadata == nil {
		header.Metadata = make(map[string]string)
	}

	names := state.Names()
	elemSize := opts.DType.Size()

	var currentOffset int64
	header.Tensors = make([]TensorMeta, 0, len(names))
	for _, name := range names {
		t := state[name]
		size := int64(t.NumElements() * elemSize)
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   name,
			DType:  dtypeToString(opts.DType),
			Shape:  []int(t.Shape().Clone()),
			Offset: currentOffset,
			Size:   size,
		})
		currentOffset += size
	}

	data := make([]byte, currentOffset)
	for i, name := range names {
		encodeValues(data[header.Tensors[i].Offset:], state[name].Data(), opts.DType)
	}
	checksum := ComputeChecksum(data)

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	fixedHeader := make([]byte, FixedHeaderSize)
	copy(fixedHeader[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixedHeader[4:8], uint32(FormatVersion))

	flags := uint32(0)
	if len(header.Metadata) > 0 {
		flags |= FlagHasMetadata
	}
	if header.Checkpoint != nil {
		flags |= FlagHasCheckpoint
	}
	binary.LittleEndian.PutUint32(fixedHeader[8:12], flags)
	binary.LittleEndian.PutUint64(fixedHeader[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixedHeader[24:32], uint64(len(data)))
	copy(fixedHeader[ChecksumOffset:ChecksumOffset+ChecksumSize], checksum[:])

	if _, err := w.Write(fixedHeader); err != nil {
		return fmt.Errorf("failed to write fixed header: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header JSON: %w", err)
	}

	padding := alignedDataOffset(int64(len(headerJSON))) - int64(FixedHeaderSize+len(headerJSON))
	if padding > 0 {
		if _, err := w.Write(make([]byte, padding)); err != nil {
			return fmt.Errorf("failed to write padding: %w", err)
		}
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write tensor data: %w", err)
	}
	return nil
}

// encodeValues writes values little-endian into dst using dtype.
func encodeValues(dst []byte, values []float64, dtype tensor.DataType) {
	switch dtype {
	case tensor.Float32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(float32(v)))
		}
	default:
		for i, v := range values {
			binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(v))
		}
	}
}

// decodeValues reads little-endian values of dtype from src.
func decodeValues(src []byte, n int, dtype tensor.DataType) []float64 {
	values := make([]float64, n)
	switch dtype {
	case tensor.Float32:
		for i := range values {
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:])))
		}
	default:
		for i := range values {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
		}
	}
	return values
}
