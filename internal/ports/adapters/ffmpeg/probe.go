package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/forPelevin/clipreel/internal/types"
)

// Probe reads container and stream metadata with a single ffprobe JSON call.
func (a *Adapter) Probe(ctx context.Context, path string) (types.ClipMeta, error) {
	cmd := exec.CommandContext(ctx, a.ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)
	b, err := cmd.Output()
	if err != nil {
		var stderr string
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = tail(ee.Stderr, stderrTail)
		}
		return types.ClipMeta{}, fmt.Errorf("ffprobe %q: %w\n%s", path, err, stderr)
	}
	return ParseProbe(b)
}

// ParseProbe converts raw ffprobe JSON into clip metadata.
func ParseProbe(data []byte) (types.ClipMeta, error) {
	var raw probeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return types.ClipMeta{}, fmt.Errorf("parse ffprobe json: %w", err)
	}

	m := types.ClipMeta{
		Format: raw.Format.FormatName,
		Size:   parseInt64(raw.Format.Size),
	}
	dur := parseFloat(raw.Format.Duration)
	for _, s := range raw.Streams {
		switch s.CodecType {
		case "video":
			if m.HasVideo || s.Disposition["attached_pic"] == 1 {
				continue
			}
			m.HasVideo = true
			m.VideoCodec = s.CodecName
			m.Width, m.Height = s.Width, s.Height
			if rotated(s) {
				m.Width, m.Height = s.Height, s.Width
			}
			if dur <= 0 {
				dur = parseFloat(s.Duration)
			}
		case "audio":
			if m.HasAudio {
				continue
			}
			m.HasAudio = true
			m.AudioCodec = s.CodecName
		}
	}
	if dur > 0 {
		m.Duration = time.Duration(dur * float64(time.Second))
	}
	return m, nil
}

type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

type probeStream struct {
	Index        int               `json:"index"`
	CodecName    string            `json:"codec_name"`
	CodecType    string            `json:"codec_type"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	Duration     string            `json:"duration"`
	Disposition  map[string]int    `json:"disposition"`
	Tags         map[string]string `json:"tags"`
	SideDataList []struct {
		Rotation int `json:"rotation"`
	} `json:"side_data_list"`
}

// phone footage often stores portrait video as landscape plus a rotation
func rotated(s probeStream) bool {
	rot := 0
	if v, ok := s.Tags["rotate"]; ok {
		rot, _ = strconv.Atoi(strings.TrimSpace(v))
	}
	for _, sd := range s.SideDataList {
		if sd.Rotation != 0 {
			rot = sd.Rotation
		}
	}
	rot = ((rot % 360) + 360) % 360
	return rot == 90 || rot == 270
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
