package dataset

import (
	"math/rand/v2"
	"slices"
)

// TrainOffsets picks one random start frame per segment for training.
//
// The usable range [0, numFrames-newLength] is split into numSegments equal
// chunks and a start is drawn uniformly inside each. Clips shorter than one
// frame per segment fall back to sorted uniform draws over the whole range,
// and clips shorter than that start every segment at the first frame.
// Offsets are 1-based frame numbers.
func TrainOffsets(numFrames, numSegments, newLength int, rng *rand.Rand) []int {
	offsets := make([]int, numSegments)
	usable := numFrames - newLength + 1
	avg := usable / numSegments
	switch {
	case avg > 0:
		for i := range offsets {
			offsets[i] = i*avg + rng.IntN(avg)
		}
	case numFrames > numSegments:
		for i := range offsets {
			offsets[i] = rng.IntN(usable)
		}
		slices.Sort(offsets)
	}
	for i := range offsets {
		offsets[i]++
	}
	return offsets
}

// EvalOffsets picks the deterministic start frame at the center of each
// segment, as used for validation. Offsets are 1-based frame numbers.
func EvalOffsets(numFrames, numSegments, newLength int) []int {
	offsets := make([]int, numSegments)
	if numFrames > numSegments+newLength-1 {
		tick := float64(numFrames-newLength+1) / float64(numSegments)
		for i := range offsets {
			offsets[i] = int(tick/2 + tick*float64(i))
		}
	}
	for i := range offsets {
		offsets[i]++
	}
	return offsets
}

// FrameIndices expands segment offsets into the newLength consecutive frame
// numbers read for each segment. A stack running past the last frame repeats
// the last frame.
func FrameIndices(offsets []int, newLength, numFrames int) []int {
	out := make([]int, 0, len(offsets)*newLength)
	for _, p := range offsets {
		for range newLength {
			out = append(out, p)
			if p < numFrames {
				p++
			}
		}
	}
	return out
}
