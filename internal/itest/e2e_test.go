//go:build integration

package itest

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forPelevin/clipreel/internal/config"
	"github.com/forPelevin/clipreel/internal/pipeline"
	"github.com/forPelevin/clipreel/internal/types"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	tmp := t.TempDir()
	c := config.Default()
	c.CacheDir = filepath.Join(tmp, "cache")
	c.OutDir = filepath.Join(tmp, "out")
	c.YtDlpPath = filepath.Join(tmp, "no-yt-dlp")
	c.MinFreeSpaceMB = 0
	c.Title = "itest"
	seed := int64(7)
	c.Seed = &seed
	return c
}

func TestE2E_MixedSources(t *testing.T) {
	requireTools(t)

	tmp := t.TempDir()
	landscape := filepath.Join(tmp, "landscape.mp4")
	portrait := filepath.Join(tmp, "portrait.mp4")
	tiny := filepath.Join(tmp, "tiny.mp4")
	garbage := filepath.Join(tmp, "garbage.mp4")
	makeClip(t, landscape, 1280, 720, 3, true)
	makeClip(t, portrait, 720, 1280, 2.5, false)
	makeClip(t, tiny, 640, 480, 0.5, true)
	if err := os.WriteFile(garbage, []byte("definitely not a video"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	cfg := baseConfig(t)
	cfg.TransitionType = string(types.TransitionCrossfade)
	cfg.TransitionDuration = 500 * time.Millisecond
	cfg.Shorts = config.ShortsPerClip
	cfg.ShortWidth, cfg.ShortHeight = 540, 960

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	res, err := pipeline.Run(ctx, pipeline.Config{Config: cfg, Sources: []types.SourceRef{
		{ID: landscape},
		{ID: portrait},
		{ID: tiny},
		{ID: garbage},
		{ID: filepath.Join(tmp, "missing.mp4")},
	}})
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	if res.State != types.StateDone {
		t.Fatalf("state = %s, want done", res.State)
	}
	if res.UsedCount != 2 || res.DroppedCount != 3 {
		t.Fatalf("used/dropped = %d/%d, want 2/3", res.UsedCount, res.DroppedCount)
	}
	wantReasons := map[int]types.Reason{2: types.ReasonTooShort, 3: types.ReasonCorrupt, 4: types.ReasonNotFound}
	for i, want := range wantReasons {
		if got := res.Outcomes[i].Reason; got != want {
			t.Fatalf("outcome %d reason = %q, want %q", i, got, want)
		}
	}

	p, err := probe(res.CompilationPath)
	if err != nil {
		t.Fatalf("probe compilation: %v", err)
	}
	if p.Width != 1080 || p.Height != 1920 {
		t.Fatalf("compilation size = %dx%d, want 1080x1920", p.Width, p.Height)
	}
	if !p.HasAudio {
		t.Fatalf("compilation has no audio track")
	}
	if math.Abs(p.Duration-5.0) > 0.3 {
		t.Fatalf("compilation duration = %.2fs, want ~5.0s", p.Duration)
	}

	if len(res.ShortPaths) != 2 {
		t.Fatalf("expected 2 shorts, got %d (%+v)", len(res.ShortPaths), res.RenderFailures)
	}
	for _, sp := range res.ShortPaths {
		sh, err := probe(sp)
		if err != nil {
			t.Fatalf("probe short: %v", err)
		}
		if sh.Width != 540 || sh.Height != 960 {
			t.Fatalf("short size = %dx%d, want 540x960", sh.Width, sh.Height)
		}
	}

	if _, err := os.Stat(res.ThumbnailPath); err != nil {
		t.Fatalf("missing thumbnail: %v", err)
	}
	runDir := filepath.Dir(res.CompilationPath)
	for _, name := range []string{"report.json", "instruction.json"} {
		if _, err := os.Stat(filepath.Join(runDir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
}

func TestE2E_BumpersAndRandomTransitions(t *testing.T) {
	requireTools(t)

	tmp := t.TempDir()
	intro := filepath.Join(tmp, "intro.mp4")
	outro := filepath.Join(tmp, "outro.mp4")
	makeClip(t, intro, 1080, 1920, 1.5, true)
	makeClip(t, outro, 1080, 1920, 1.5, false)

	var refs []types.SourceRef
	for i, d := range []float64{2, 3, 2.5, 1.2} {
		p := filepath.Join(tmp, "clip"+string(rune('a'+i))+".mp4")
		makeClip(t, p, 1280, 720, d, i%2 == 0)
		refs = append(refs, types.SourceRef{ID: p})
	}

	cfg := baseConfig(t)
	cfg.UseIntro, cfg.IntroPath = true, intro
	cfg.UseOutro, cfg.OutroPath = true, outro
	cfg.BumperTransition = string(types.TransitionFade)
	cfg.Order = string(types.OrderShuffled)
	cfg.MaxVideos = 3
	cfg.Width, cfg.Height = 540, 960
	cfg.Thumbnail = false

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	res, err := pipeline.Run(ctx, pipeline.Config{Config: cfg, Sources: refs})
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}
	if res.UsedCount != 3 || res.DroppedCount != 1 {
		t.Fatalf("used/dropped = %d/%d, want 3/1", res.UsedCount, res.DroppedCount)
	}
	if res.CompilationPath == "" {
		t.Fatalf("no compilation: %+v", res.RenderFailures)
	}
	p, err := probe(res.CompilationPath)
	if err != nil {
		t.Fatalf("probe compilation: %v", err)
	}
	if p.Width != 540 || p.Height != 960 {
		t.Fatalf("compilation size = %dx%d, want 540x960", p.Width, p.Height)
	}
	// 1.5 + 3 clips + 1.5 minus four transitions; at most 1s each
	if p.Duration < 3 || p.Duration > 12 {
		t.Fatalf("compilation duration %.2fs out of range", p.Duration)
	}
}
