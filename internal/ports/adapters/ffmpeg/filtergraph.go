package ffmpeg

import (
	"errors"
	"fmt"
	"strings"

	"github.com/forPelevin/clipreel/internal/types"
)

const (
	audioRate   = 44100
	audioLayout = "stereo"
	audioFormat = "aformat=sample_fmts=fltp:sample_rates=44100:channel_layouts=stereo"
)

// xfadeNames maps transition kinds to ffmpeg xfade transitions.
var xfadeNames = map[types.TransitionKind]string{
	types.TransitionCrossfade:  "fade",
	types.TransitionFade:       "fadeblack",
	types.TransitionWipe:       "wipeleft",
	types.TransitionSlideLeft:  "slideleft",
	types.TransitionSlideRight: "slideright",
	types.TransitionZoomIn:     "zoomin",
}

func XfadeName(k types.TransitionKind) (string, bool) {
	n, ok := xfadeNames[k]
	return n, ok
}

// FilterGraph compiles a render instruction into a filter_complex script.
// Input k of the graph is Segments[k].Input. The result ends in the [vout]
// and [aout] pads.
func FilterGraph(instr types.RenderInstruction) (string, error) {
	if len(instr.Segments) == 0 {
		return "", errors.New("no segments")
	}
	if instr.FPS <= 0 {
		return "", fmt.Errorf("invalid fps %d", instr.FPS)
	}

	var chains []string
	for k, s := range instr.Segments {
		chains = append(chains, videoChain(k, s, instr.FPS), audioChain(k, s))
	}

	vacc, aacc := "v0", "a0"
	for k := 1; k < len(instr.Segments); k++ {
		prev := instr.Segments[k-1]
		vout, aout := fmt.Sprintf("vx%d", k), fmt.Sprintf("ax%d", k)
		if prev.Out == nil {
			chains = append(chains, fmt.Sprintf("[%s][%s][v%d][a%d]concat=n=2:v=1:a=1[%s][%s]",
				vacc, aacc, k, k, vout, aout))
		} else {
			name, ok := XfadeName(prev.Out.Kind)
			if !ok {
				return "", fmt.Errorf("segment %d: unsupported transition %q", k-1, prev.Out.Kind)
			}
			d := fmtSeconds(prev.Out.Duration)
			chains = append(chains,
				fmt.Sprintf("[%s][v%d]xfade=transition=%s:duration=%s:offset=%s[%s]",
					vacc, k, name, d, fmtSeconds(prev.Out.Offset), vout),
				fmt.Sprintf("[%s][a%d]acrossfade=d=%s[%s]", aacc, k, d, aout),
			)
		}
		vacc, aacc = vout, aout
	}
	chains = append(chains,
		fmt.Sprintf("[%s]null[vout]", vacc),
		fmt.Sprintf("[%s]anull[aout]", aacc),
	)
	return strings.Join(chains, ";\n"), nil
}

// videoChain cuts segment k to exactly its Duration. A video stream shorter
// than the container is extended by cloning its last frame so it stays in
// step with the padded audio.
func videoChain(k int, s types.Segment, fps int) string {
	t := s.Transform
	d := fmtSeconds(s.Duration)
	return fmt.Sprintf(
		"[%d:v:0]trim=start=%s:duration=%s,setpts=PTS-STARTPTS,scale=%d:%d:flags=lanczos,crop=%d:%d:%d:%d,setsar=1,fps=%d,tpad=stop_mode=clone:stop_duration=%s,trim=duration=%s,settb=AVTB,format=yuv420p[v%d]",
		k, fmtSeconds(s.TrimStart), d,
		t.ScaleWidth, t.ScaleHeight,
		t.CropWidth, t.CropHeight, t.CropX, t.CropY,
		fps, d, d, k,
	)
}

func audioChain(k int, s types.Segment) string {
	d := fmtSeconds(s.Duration)
	if !s.HasAudio {
		return fmt.Sprintf("anullsrc=channel_layout=%s:sample_rate=%d,atrim=duration=%s,%s[a%d]",
			audioLayout, audioRate, d, audioFormat, k)
	}
	return fmt.Sprintf("[%d:a:0]atrim=start=%s:duration=%s,asetpts=PTS-STARTPTS,%s,apad=whole_dur=%s[a%d]",
		k, fmtSeconds(s.TrimStart), d, audioFormat, d, k)
}
