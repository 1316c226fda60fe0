package engine

import "tachyonengine/internal/storage"

// DefaultSegmentSize is the smallest byte span planSegments gives a
// segment when it splits a file: the thread count is reduced to
// size/DefaultSegmentSize, so only a single-segment plan can be smaller.
const DefaultSegmentSize = 4 * 1024 * 1024

// MaxSegments bounds how many concurrent range requests a single download
// may open, regardless of requested thread count or file size.
const MaxSegments = 16

// planSegments partitions [0, size-1] into contiguous, non-overlapping
// segments. threads requests a segment count; it is clamped to
// [1, MaxSegments] and to size/DefaultSegmentSize so tiny files don't get
// needlessly fragmented. acceptRanges false or size<=0 always yields
// exactly one segment spanning the whole (possibly unknown) file.
func planSegments(size int64, threads int, acceptRanges bool) []storage.Segment {
	if size <= 0 || !acceptRanges {
		return []storage.Segment{{Index: 0, StartByte: 0, EndByte: max64(size-1, 0), Status: "pending"}}
	}

	if threads < 1 {
		threads = 1
	}
	if threads > MaxSegments {
		threads = MaxSegments
	}
	bySizeCap := int(size / DefaultSegmentSize)
	if bySizeCap < 1 {
		bySizeCap = 1
	}
	if threads > bySizeCap {
		threads = bySizeCap
	}

	segmentSize := (size + int64(threads) - 1) / int64(threads) // ceil; the last segment may be shorter
	segments := make([]storage.Segment, 0, threads)
	var start int64
	for i := 0; i < threads; i++ {
		end := start + segmentSize - 1
		if i == threads-1 {
			end = size - 1
		}
		segments = append(segments, storage.Segment{
			Index:     i,
			StartByte: start,
			EndByte:   end,
			Status:    "pending",
		})
		start = end + 1
	}
	return segments
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
