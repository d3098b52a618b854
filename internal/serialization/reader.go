package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/born-ml/eco/internal/tensor"
)

// ReadFile reads a .born file into a state dictionary and its header.
func ReadFile(path string) (tensor.StateDict, Header, error) {
	//nolint:gosec // G304: File path comes from the run configuration
	file, err := os.Open(path)
	if err != nil {
		return nil, Header{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() {
		_ = file.Close() // Read-only; close errors carry no information
	}()

	info, err := file.Stat()
	if err != nil {
		return nil, Header{}, fmt.Errorf("failed to stat file: %w", err)
	}
	return read(file, info.Size())
}

// Read decodes a .born stream.
//
// The SHA-256 checksum of the data section is always verified; a corrupted
// file returns ErrChecksumMismatch. A data size in the fixed header that the
// stream cannot supply returns ErrOutOfBounds.
func Read(r io.Reader) (tensor.StateDict, Header, error) {
	return read(r, -1)
}

// read decodes a .born stream of total length size, or of unknown length
// when size is negative.
func read(r io.Reader, size int64) (tensor.StateDict, Header, error) {
	fixedHeader := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(r, fixedHeader); err != nil {
		return nil, Header{}, fmt.Errorf("failed to read fixed header: %w", err)
	}
	if string(fixedHeader[0:4]) != MagicBytes {
		return nil, Header{}, ErrInvalidMagic
	}
	if version := binary.LittleEndian.Uint32(fixedHeader[4:8]); version != FormatVersion {
		return nil, Header{}, fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, version, FormatVersion)
	}

	headerSize := binary.LittleEndian.Uint64(fixedHeader[16:24])
	dataSize := binary.LittleEndian.Uint64(fixedHeader[24:32])
	var stored [ChecksumSize]byte
	copy(stored[:], fixedHeader[ChecksumOffset:ChecksumOffset+ChecksumSize])

	if headerSize > MaxHeaderSize {
		return nil, Header{}, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, Header{}, fmt.Errorf("failed to read header JSON: %w", err)
	}
	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, Header{}, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	//nolint:gosec // G115: headerSize bounded by MaxHeaderSize above
	dataOffset := alignedDataOffset(int64(headerSize))
	padding := dataOffset - int64(FixedHeaderSize) - int64(headerSize)
	if _, err := io.CopyN(io.Discard, r, padding); err != nil {
		return nil, Header{}, fmt.Errorf("failed to skip padding: %w", err)
	}

	if size >= 0 {
		remaining := max(size-dataOffset, 0)
		if dataSize > uint64(remaining) {
			return nil, Header{}, fmt.Errorf("%w: header declares %d data bytes, file holds %d", ErrOutOfBounds, dataSize, remaining)
		}
	}
	if dataSize > math.MaxInt64 {
		return nil, Header{}, fmt.Errorf("%w: header declares %d data bytes", ErrOutOfBounds, dataSize)
	}
	//nolint:gosec // G115: dataSize checked against MaxInt64 above
	data, err := io.ReadAll(io.LimitReader(r, int64(dataSize)))
	if err != nil {
		return nil, Header{}, fmt.Errorf("failed to read tensor data: %w", err)
	}
	if uint64(len(data)) != dataSize {
		return nil, Header{}, fmt.Errorf("%w: header declares %d data bytes, stream holds %d", ErrOutOfBounds, dataSize, len(data))
	}
	if ComputeChecksum(data) != stored {
		return nil, Header{}, ErrChecksumMismatch
	}

	//nolint:gosec // G115: dataSize was fully read into memory above
	if err := ValidateHeader(&header, int64(dataSize)); err != nil {
		return nil, Header{}, fmt.Errorf("validation failed: %w", err)
	}

	state := make(tensor.StateDict, len(header.Tensors))
	for _, meta := range header.Tensors {
		dtype, _ := stringToDtype(meta.DType) // checked by ValidateHeader
		shape := tensor.Shape(meta.Shape)
		values := decodeValues(data[meta.Offset:meta.Offset+meta.Size], shape.NumElements(), dtype)
		t, err := tensor.New(shape, values)
		if err != nil {
			return nil, Header{}, fmt.Errorf("failed to load tensor %s: %w", meta.Name, err)
		}
		state[meta.Name] = t
	}

	return state, header, nil
}
