package tensor

// DataType is the on-disk element type of a serialized tensor.
//
// In memory every tensor holds float64 values; DataType only matters when a
// tensor crosses a file boundary (checkpoints, pretrained exports).
type DataType int

// Supported data types for serialized tensors.
const (
	Float32 DataType = iota
	Float64
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Float64:
		return 8
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}
