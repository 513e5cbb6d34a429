package timeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/forPelevin/clipreel/internal/types"
)

// Build lays the timeline out on an absolute clock. Each transition overlaps
// the tail of one segment with the head of the next, so the total duration is
// the sum of segment durations minus the sum of transition durations.
func Build(tl types.Timeline, fps int) (types.RenderInstruction, error) {
	geo := tl.Geometry
	if geo.Width <= 0 || geo.Height <= 0 {
		return types.RenderInstruction{}, fmt.Errorf("invalid target geometry %dx%d", geo.Width, geo.Height)
	}
	if fps <= 0 {
		return types.RenderInstruction{}, fmt.Errorf("invalid fps %d", fps)
	}
	if len(tl.Entries) == 0 {
		return types.RenderInstruction{}, errors.New("empty timeline")
	}

	out := types.RenderInstruction{
		Width:    geo.Width,
		Height:   geo.Height,
		FPS:      fps,
		Segments: make([]types.Segment, 0, len(tl.Entries)),
	}

	var start, in time.Duration
	for k, e := range tl.Entries {
		if e.Duration <= 0 {
			return types.RenderInstruction{}, fmt.Errorf("entry %d (%s): non-positive duration %s", k, e.Clip.Source.ID, e.Duration)
		}
		if e.Clip.Path == "" {
			return types.RenderInstruction{}, fmt.Errorf("entry %d: empty clip path", k)
		}
		seg := types.Segment{
			Index:     k,
			Role:      e.Role,
			Input:     e.Clip.Path,
			Source:    e.Clip.Source.ID,
			HasAudio:  e.Clip.HasAudio,
			TrimStart: e.TrimStart,
			Duration:  e.Duration,
			Start:     start,
			End:       start + e.Duration,
			Transform: Fit(e.Clip.Width, e.Clip.Height, geo.Width, geo.Height),
		}

		var d time.Duration
		if k+1 < len(tl.Entries) && e.Next.Kind != types.TransitionCut && e.Next.Kind != "" {
			d = e.Next.Duration
			// the outgoing window may not reach into the incoming one
			if d > e.Duration-in {
				d = e.Duration - in
			}
			if next := tl.Entries[k+1].Duration; d >= next {
				d = 0
			}
		}
		if d > 0 {
			seg.Out = &types.SegmentTransition{Kind: e.Next.Kind, Duration: d, Offset: seg.End - d}
		}
		out.Segments = append(out.Segments, seg)

		start = seg.End - d
		in = d
	}
	out.TotalDuration = out.Segments[len(out.Segments)-1].End
	return out, nil
}

// Fit scales a srcW x srcH frame to cover dstW x dstH and center-crops the
// overflow. It never letterboxes. Scaled sizes are rounded up to even values.
func Fit(srcW, srcH, dstW, dstH int) types.Transform {
	t := types.Transform{ScaleWidth: dstW, ScaleHeight: dstH, CropWidth: dstW, CropHeight: dstH}
	if srcW <= 0 || srcH <= 0 {
		return t
	}
	w, h := int64(srcW), int64(srcH)
	W, H := int64(dstW), int64(dstH)
	if w*H >= h*W {
		// wider than target: match height, crop sides
		t.ScaleHeight = dstH
		t.ScaleWidth = even(int((2*w*H + h) / (2 * h)))
	} else {
		t.ScaleWidth = dstW
		t.ScaleHeight = even(int((2*h*W + w) / (2 * w)))
	}
	if t.ScaleWidth < dstW {
		t.ScaleWidth = dstW
	}
	if t.ScaleHeight < dstH {
		t.ScaleHeight = dstH
	}
	t.CropX = (t.ScaleWidth - dstW) / 2
	t.CropY = (t.ScaleHeight - dstH) / 2
	return t
}

func even(n int) int {
	if n%2 != 0 {
		return n + 1
	}
	return n
}
