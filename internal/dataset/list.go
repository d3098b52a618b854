package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Record is one line of a list file: a directory of extracted frames, the
// number of frames in it and the class label.
type Record struct {
	Path      string
	NumFrames int
	Label     int
}

// ReadList reads a list file from path.
func ReadList(path string) ([]Record, error) {
	//nolint:gosec // G304: list path comes from the run configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open list file: %w", err)
	}
	defer func() { _ = f.Close() }()

	records, err := ParseList(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}

// ParseList parses list-file lines of the form
//
//	<frames dir> <num_frames> <label>
//
// Blank lines are skipped. The directory may contain spaces; the last two
// fields are always the frame count and the label.
func ParseList(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("%w: line %d: want 3 fields, got %d", ErrBadRecord, line, len(fields))
		}
		n := len(fields)
		numFrames, err := strconv.Atoi(fields[n-2])
		if err != nil || numFrames < 0 {
			return nil, fmt.Errorf("%w: line %d: frame count %q", ErrBadRecord, line, fields[n-2])
		}
		label, err := strconv.Atoi(fields[n-1])
		if err != nil || label < 0 {
			return nil, fmt.Errorf("%w: line %d: label %q", ErrBadRecord, line, fields[n-1])
		}
		records = append(records, Record{
			Path:      strings.Join(fields[:n-2], " "),
			NumFrames: numFrames,
			Label:     label,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read list: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrEmptyList
	}
	return records, nil
}
