package memgate

import (
	"bufio"
	"os"
)

// inputSplit describes the byte range of an input file assigned to a
// single map task.
type inputSplit struct {
	Filename    string
	StartOffset int64
	EndOffset   int64
}

// Size returns the number of bytes covered by the split.
func (i inputSplit) Size() int64 {
	return i.EndOffset - i.StartOffset
}

// splitInputFile cuts a file into splits of at most maxSplitSize bytes.
func splitInputFile(name string, info os.FileInfo, maxSplitSize int64) []inputSplit {
	splits := make([]inputSplit, 0)
	for start := int64(0); start < info.Size(); start += maxSplitSize {
		end := start + maxSplitSize
		if end > info.Size() {
			end = info.Size()
		}
		splits = append(splits, inputSplit{
			Filename:    name,
			StartOffset: start,
			EndOffset:   end,
		})
	}
	return splits
}

// packInputSplits greedily packs splits into bins of at most binSize
// bytes. Each bin becomes one map task.
func packInputSplits(splits []inputSplit, binSize int64) [][]inputSplit {
	bins := make([][]inputSplit, 0)
	current := make([]inputSplit, 0)
	var currentSize int64

	for _, split := range splits {
		if currentSize+split.Size() > binSize && len(current) > 0 {
			bins = append(bins, current)
			current = make([]inputSplit, 0)
			currentSize = 0
		}
		current = append(current, split)
		currentSize += split.Size()
	}
	if len(current) > 0 {
		bins = append(bins, current)
	}
	return bins
}

// countingSplitFunc wraps a bufio.SplitFunc so that consumed bytes are
// accumulated into counter.
func countingSplitFunc(split bufio.SplitFunc, counter *int64) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		advance, token, err := split(data, atEOF)
		*counter += int64(advance)
		return advance, token, err
	}
}
