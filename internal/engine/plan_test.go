package engine

import "testing"

func TestPlanSegmentsPartitionsExactly(t *testing.T) {
	segments := planSegments(10_000_000, 4, true)
	if len(segments) == 0 {
		t.Fatal("expected at least one segment")
	}
	var prevEnd int64 = -1
	for i, s := range segments {
		if s.Index != i {
			t.Errorf("segment %d has index %d", i, s.Index)
		}
		if s.StartByte != prevEnd+1 {
			t.Errorf("segment %d starts at %d, want %d", i, s.StartByte, prevEnd+1)
		}
		prevEnd = s.EndByte
	}
	if segments[len(segments)-1].EndByte != 10_000_000-1 {
		t.Errorf("last segment ends at %d, want %d", segments[len(segments)-1].EndByte, 10_000_000-1)
	}
}

func TestPlanSegmentsSingleWhenRangesUnsupported(t *testing.T) {
	segments := planSegments(5_000_000, 8, false)
	if len(segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segments))
	}
	if segments[0].EndByte != 5_000_000-1 {
		t.Errorf("unexpected end byte %d", segments[0].EndByte)
	}
}

func TestPlanSegmentsUnknownSize(t *testing.T) {
	segments := planSegments(0, 4, true)
	if len(segments) != 1 {
		t.Fatalf("expected 1 segment for unknown size, got %d", len(segments))
	}
	if segments[0].EndByte != 0 {
		t.Errorf("expected end byte 0 for unknown size, got %d", segments[0].EndByte)
	}
}

func TestPlanSegmentsClampsTinyFiles(t *testing.T) {
	segments := planSegments(1000, 16, true)
	if len(segments) != 1 {
		t.Fatalf("expected small file to collapse to 1 segment, got %d", len(segments))
	}
}

func TestPlanSegmentsClampsToMax(t *testing.T) {
	segments := planSegments(1_000_000_000, 64, true)
	if len(segments) > MaxSegments {
		t.Fatalf("expected at most %d segments, got %d", MaxSegments, len(segments))
	}
}
