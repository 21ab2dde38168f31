package stream

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultChunkSize is the backend fetch unit.
const DefaultChunkSize int64 = 1024 * 1024

// Range is an inclusive byte range of an object.
type Range struct {
	From  int64
	Until int64
	Size  int64
	// Partial is true when the client asked for a range (206) rather than
	// the whole object (200).
	Partial bool
}

// Length returns the number of bytes in the range.
func (r Range) Length() int64 {
	return r.Until - r.From + 1
}

// ContentRange formats the Content-Range header value.
func (r Range) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.From, r.Until, r.Size)
}

// ParseRange interprets a Range header against an object of size bytes.
// An empty header selects the whole object. Only a single byte range is
// supported: "bytes=from-", "bytes=from-until" or the suffix form "bytes=-n".
func ParseRange(header string, size int64) (Range, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		// Zero-byte objects are served as an empty 200 rather than a 416.
		return Range{From: 0, Until: size - 1, Size: size}, nil
	}

	invalid := &RangeError{Header: header, Size: size}

	byteRange, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(byteRange, ",") {
		return Range{}, invalid
	}
	first, last, ok := strings.Cut(strings.TrimSpace(byteRange), "-")
	if !ok {
		return Range{}, invalid
	}

	var from, until int64
	switch {
	case first == "":
		// Suffix range: the final n bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return Range{}, invalid
		}
		from = max(size-n, 0)
		until = size - 1
	default:
		var err error
		from, err = strconv.ParseInt(first, 10, 64)
		if err != nil {
			return Range{}, invalid
		}
		until = size - 1
		if last != "" {
			until, err = strconv.ParseInt(last, 10, 64)
			if err != nil {
				return Range{}, invalid
			}
		}
	}

	if from < 0 || until >= size || until < from {
		return Range{}, invalid
	}
	return Range{From: from, Until: until, Size: size, Partial: true}, nil
}

// Plan describes how to assemble a Range from fixed-size backend chunks.
type Plan struct {
	Range

	ChunkSize     int64
	AlignedOffset int64 // first byte of the first chunk, a multiple of ChunkSize
	HeadTrim      int64 // bytes to drop from the front of the first chunk
	TailTrim      int64 // bytes to keep from the last chunk
	ChunkCount    int64
}

// NewPlan computes the chunk-aligned fetch plan for r.
func NewPlan(r Range, chunkSize int64) Plan {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	p := Plan{Range: r, ChunkSize: chunkSize}
	if r.Length() <= 0 {
		return p
	}

	p.AlignedOffset = r.From - r.From%chunkSize
	p.HeadTrim = r.From - p.AlignedOffset
	p.TailTrim = r.Until%chunkSize + 1
	p.ChunkCount = ceilDiv(r.Until+1, chunkSize) - p.AlignedOffset/chunkSize
	return p
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
