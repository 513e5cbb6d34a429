package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/forPelevin/clipreel/internal/domain/timeline"
	"github.com/forPelevin/clipreel/internal/ports"
	"github.com/forPelevin/clipreel/internal/types"
)

const (
	stderrTail   = 4 << 10
	waitDelay    = 5 * time.Second
	defaultLimit = 30 * time.Minute
)

type Adapter struct {
	ffmpeg  string
	ffprobe string
	timeout time.Duration
	log     hclog.Logger
}

// New returns an adapter for the given binaries. timeout bounds each encoder
// invocation; 0 means the default.
func New(ffmpegPath, ffprobePath string, timeout time.Duration, log hclog.Logger) *Adapter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if timeout <= 0 {
		timeout = defaultLimit
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Adapter{ffmpeg: ffmpegPath, ffprobe: ffprobePath, timeout: timeout, log: log}
}

// Check verifies both binaries resolve and ffmpeg starts.
func (a *Adapter) Check(ctx context.Context) error {
	for _, bin := range []string{a.ffmpeg, a.ffprobe} {
		if _, err := exec.LookPath(bin); err != nil {
			return &ports.RenderError{Kind: ports.RenderEngineMissing, Err: err}
		}
	}
	if err := ctx.Err(); err != nil {
		return &ports.RenderError{Kind: ports.RenderCancelled, Err: err}
	}
	cmd := exec.CommandContext(ctx, a.ffmpeg, "-hide_banner", "-version")
	b, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return &ports.RenderError{Kind: ports.RenderCancelled, Err: ctx.Err()}
		}
		return &ports.RenderError{Kind: ports.RenderEngineMissing, Stderr: tail(b, stderrTail), Err: err}
	}
	return nil
}

// Render encodes the instruction into outPath. The filter graph is written
// to workDir so long graphs never hit argv limits.
func (a *Adapter) Render(ctx context.Context, instr types.RenderInstruction, workDir, outPath string) error {
	graph, err := FilterGraph(instr)
	if err != nil {
		return fmt.Errorf("ffmpeg filter graph: %w", err)
	}
	script := filepath.Join(workDir, "filter_complex.txt")
	if err := os.WriteFile(script, []byte(graph), 0o644); err != nil {
		return fmt.Errorf("write filter graph: %w", err)
	}

	args := []string{"-y", "-hide_banner", "-nostdin", "-loglevel", "error"}
	for _, s := range instr.Segments {
		args = append(args, "-i", s.Input)
	}
	args = append(args,
		"-filter_complex_script", script,
		"-map", "[vout]",
		"-map", "[aout]",
	)
	args = append(args, encodeArgs(instr.FPS)...)

	a.log.Info("rendering compilation", "segments", len(instr.Segments), "duration", instr.TotalDuration, "out", outPath)
	return a.run(ctx, args, outPath)
}

// RenderShort re-cuts one clip to the short geometry, keeping at most
// spec.MaxDuration from its start.
func (a *Adapter) RenderShort(ctx context.Context, clip types.Clip, spec types.ShortSpec, _ string, outPath string) error {
	if spec.Width <= 0 || spec.Height <= 0 {
		return fmt.Errorf("invalid short geometry %dx%d", spec.Width, spec.Height)
	}
	fps := spec.FPS
	if fps <= 0 {
		fps = 30
	}
	d := clip.Duration
	if spec.MaxDuration > 0 && (d <= 0 || d > spec.MaxDuration) {
		d = spec.MaxDuration
	}

	t := timeline.Fit(clip.Width, clip.Height, spec.Width, spec.Height)
	vf := fmt.Sprintf("scale=%d:%d:flags=lanczos,crop=%d:%d:%d:%d,setsar=1,fps=%d,format=yuv420p",
		t.ScaleWidth, t.ScaleHeight, t.CropWidth, t.CropHeight, t.CropX, t.CropY, fps)

	args := []string{"-y", "-hide_banner", "-nostdin", "-loglevel", "error",
		"-i", clip.Path,
		"-t", fmtSeconds(d),
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-vf", vf,
	}
	args = append(args, encodeArgs(fps)...)

	a.log.Debug("rendering short", "source", clip.Source.ID, "duration", d, "out", outPath)
	return a.run(ctx, args, outPath)
}

// Thumbnail grabs one frame at the given offset.
func (a *Adapter) Thumbnail(ctx context.Context, videoPath string, at time.Duration, outPath string) error {
	args := []string{"-y", "-hide_banner", "-nostdin", "-loglevel", "error",
		"-ss", fmtSeconds(at),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
	}
	return a.run(ctx, args, outPath)
}

func encodeArgs(fps int) []string {
	return []string{
		"-r", strconv.Itoa(fps),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "20",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "192k",
		"-movflags", "+faststart",
	}
}

// run executes ffmpeg writing to a sibling part file, then renames it into
// place. outPath only ever holds complete, non-empty output.
func (a *Adapter) run(ctx context.Context, args []string, outPath string) error {
	ext := filepath.Ext(outPath)
	part := strings.TrimSuffix(outPath, ext) + ".part" + ext
	args = append(args, part)

	rctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(rctx, a.ffmpeg, args...)
	cmd.WaitDelay = waitDelay
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	started := time.Now()
	err := cmd.Run()
	if err != nil {
		_ = os.Remove(part)
		switch {
		case errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			return &ports.RenderError{Kind: ports.RenderTimeout, Stderr: stderr.String(), Err: fmt.Errorf("ffmpeg exceeded %s", a.timeout)}
		case ctx.Err() != nil:
			return &ports.RenderError{Kind: ports.RenderCancelled, Stderr: stderr.String(), Err: ctx.Err()}
		case errors.Is(err, exec.ErrNotFound):
			return &ports.RenderError{Kind: ports.RenderEngineMissing, Err: err}
		}
		return &ports.RenderError{Kind: ports.RenderExit, Stderr: stderr.String(), Err: err}
	}

	st, err := os.Stat(part)
	if err != nil || st.Size() == 0 {
		_ = os.Remove(part)
		if err == nil {
			err = errors.New("zero-byte output")
		}
		return &ports.RenderError{Kind: ports.RenderEmptyOutput, Stderr: stderr.String(), Err: err}
	}
	if err := os.Rename(part, outPath); err != nil {
		return fmt.Errorf("ffmpeg finalize output: %w", err)
	}
	a.log.Debug("ffmpeg done", "out", outPath, "bytes", st.Size(), "elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}

func fmtSeconds(d time.Duration) string {
	sec := float64(d) / float64(time.Second)
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.max {
		t.buf.Reset()
		t.buf.Write(p[len(p)-t.max:])
		return n, nil
	}
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return strings.TrimSpace(t.buf.String()) }

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
