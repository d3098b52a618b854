package serialization

import (
	"fmt"
	"io"
	"os"

	"github.com/born-ml/eco/internal/tensor"
)

// Format identifies a weight file container.
type Format int

// Supported container formats.
const (
	FormatBorn Format = iota
	FormatSafeTensors
)

// String returns the conventional file extension of the format.
func (f Format) String() string {
	if f == FormatBorn {
		return "born"
	}
	return "safetensors"
}

// DetectFormat reports the container format of the file at path.
//
// Files starting with the .born magic are FormatBorn; anything else is
// treated as SafeTensors and validated when read.
func DetectFormat(path string) (Format, error) {
	//nolint:gosec // G304: File path comes from the run configuration
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(file, magic); err != nil {
		return 0, fmt.Errorf("failed to read magic: %w", err)
	}
	if string(magic) == MagicBytes {
		return FormatBorn, nil
	}
	return FormatSafeTensors, nil
}

// OpenStateDict reads a state dictionary from either supported format.
func OpenStateDict(path string) (tensor.StateDict, Format, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, 0, err
	}
	switch format {
	case FormatBorn:
		state, _, err := ReadFile(path)
		return state, format, err
	default:
		state, _, err := ReadSafeTensorsFile(path)
		return state, format, err
	}
}
