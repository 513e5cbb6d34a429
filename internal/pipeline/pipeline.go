package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/hashicorp/go-hclog"

	"github.com/forPelevin/clipreel/internal/acquire"
	"github.com/forPelevin/clipreel/internal/config"
	"github.com/forPelevin/clipreel/internal/domain/validate"
	"github.com/forPelevin/clipreel/internal/ledger"
	"github.com/forPelevin/clipreel/internal/ports"
	"github.com/forPelevin/clipreel/internal/ports/adapters/ffmpeg"
	"github.com/forPelevin/clipreel/internal/ports/adapters/httpfetch"
	"github.com/forPelevin/clipreel/internal/ports/adapters/source"
	"github.com/forPelevin/clipreel/internal/ports/adapters/ytdlp"
	"github.com/forPelevin/clipreel/internal/store"
	"github.com/forPelevin/clipreel/internal/types"
	"github.com/forPelevin/clipreel/internal/usecase"
)

type Config struct {
	config.Config

	Sources []types.SourceRef
	Log     hclog.Logger
}

func (c Config) Validate() error {
	if len(c.Sources) == 0 {
		return errors.New("no sources given")
	}
	return c.Config.Validate()
}

// Report is what report.json holds.
type Report struct {
	types.PipelineResult
	Title            string    `json:"title"`
	PrivacyStatus    string    `json:"privacy_status"`
	OutDir           string    `json:"out_dir"`
	SkippedProcessed []string  `json:"skipped_processed,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

func Run(ctx context.Context, cfg Config) (types.PipelineResult, error) {
	log := cfg.Log
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if err := cfg.Validate(); err != nil {
		return types.PipelineResult{State: types.StateAborted}, abort("config", err)
	}
	started := time.Now().UTC()

	st, err := store.New(cfg.CacheDir, "", log.Named("store"))
	if err != nil {
		return types.PipelineResult{State: types.StateAborted}, abort("store", err)
	}
	log = log.With("run", st.RunID())
	defer func() {
		if err := st.CleanupTemp(); err != nil {
			log.Warn("temp cleanup failed", "error", err)
		}
	}()

	led, err := ledger.Open(ledgerPath(cfg.Config), log.Named("ledger"))
	if err != nil {
		return types.PipelineResult{RunID: st.RunID(), State: types.StateAborted}, abort("ledger", err)
	}
	defer led.Close()

	seed := resolveSeed(cfg.Seed)
	log.Info("run started", "sources", len(cfg.Sources), "seed", seed)

	sources := cfg.Sources
	var skipped []string
	if cfg.SkipProcessed {
		sources, skipped, err = filterProcessed(ctx, led, sources)
		if err != nil {
			return types.PipelineResult{RunID: st.RunID(), State: types.StateAborted}, abort("ledger", err)
		}
		if len(skipped) > 0 {
			log.Info("skipping processed sources", "count", len(skipped))
		}
		if len(sources) == 0 {
			log.Info("every source was already processed")
			return types.PipelineResult{RunID: st.RunID(), State: types.StateDone, Seed: seed, ShortPaths: []string{}}, nil
		}
	}

	// adapters
	direct, err := httpfetch.New(httpfetch.Options{Proxy: cfg.Proxy, UserAgent: cfg.UserAgent}, log.Named("http"))
	if err != nil {
		return types.PipelineResult{RunID: st.RunID(), State: types.StateAborted}, abort("fetcher", err)
	}
	var platform ports.Fetcher
	if yt := ytdlp.New(cfg.YtDlpPath, cfg.Proxy, log.Named("ytdlp")); yt.Available() {
		platform = yt
	} else {
		log.Warn("yt-dlp not found, platform links fall back to direct download", "bin", cfg.YtDlpPath)
	}
	fetcher := source.NewRouter(direct, platform, cfg.PlatformHosts, log.Named("source"))
	engine := ffmpeg.New(cfg.FFmpegPath, cfg.FFprobePath, cfg.RenderTimeout, log.Named("render"))

	uc := usecase.New(usecase.Deps{
		Acquirer: acquire.New(fetcher, st, log.Named("acquire")),
		Store:    st,
		Prober:   engine,
		Engine:   engine,
		Thumbs:   engine,
		Log:      log.Named("controller"),
	})

	runOutDir := buildRunOutDir(cfg.OutDir, cfg.Title, started)
	if err := os.MkdirAll(runOutDir, 0o755); err != nil {
		return types.PipelineResult{RunID: st.RunID(), State: types.StateAborted}, abort("output", err)
	}
	log.Info("output run dir", "dir", runOutDir)

	res, runErr := uc.Run(ctx, input(cfg.Config, st.RunID(), sources, seed, runOutDir))
	finished := time.Now().UTC()

	report := Report{
		PipelineResult:   res.PipelineResult,
		Title:            cfg.Title,
		PrivacyStatus:    cfg.PrivacyStatus,
		OutDir:           runOutDir,
		SkippedProcessed: skipped,
		StartedAt:        started,
		FinishedAt:       finished,
	}
	if err := writeJSON(filepath.Join(runOutDir, "report.json"), report); err != nil {
		log.Error("write report", "error", err)
	}
	if res.Instruction != nil {
		if err := writeJSON(filepath.Join(runOutDir, "instruction.json"), res.Instruction); err != nil {
			log.Error("write instruction", "error", err)
		}
	}
	if err := led.RecordRun(context.WithoutCancel(ctx), res.PipelineResult, started, finished); err != nil {
		log.Warn("ledger update failed", "error", err)
	}

	log.Info("run finished",
		"state", res.State,
		"used", res.UsedCount,
		"dropped", res.DroppedCount,
		"compilation", res.CompilationPath,
		"cancelled", res.Cancelled,
		"elapsed", finished.Sub(started).Round(time.Millisecond),
	)
	return res.PipelineResult, runErr
}

func abort(stage string, err error) error {
	return &usecase.AbortError{Stage: stage, Err: err}
}

// History lists the most recent runs recorded in the ledger.
func History(ctx context.Context, cfg config.Config, limit int, log hclog.Logger) ([]ledger.RunSummary, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	led, err := ledger.Open(ledgerPath(cfg), log.Named("ledger"))
	if err != nil {
		return nil, err
	}
	defer led.Close()
	return led.Runs(ctx, limit)
}

func input(c config.Config, runID string, sources []types.SourceRef, seed int64, outDir string) usecase.Input {
	bumper, _ := types.ParseTransitionKind(c.BumperTransition)
	in := usecase.Input{
		RunID:   runID,
		Sources: sources,
		Seed:    seed,
		Acquire: acquire.Options{
			Concurrency: c.Concurrency,
			ItemTimeout: c.ItemTimeout,
			MaxRetries:  c.MaxRetries,
			BaseBackoff: c.RetryBackoff,
			MaxBackoff:  c.MaxBackoff,
		},
		Thresholds: validate.Thresholds{
			MinDuration:   c.MinDuration,
			MinWidth:      c.MinWidth,
			MinHeight:     c.MinHeight,
			AllowedCodecs: c.AllowedCodecs,
		},
		Order:            c.OrderPolicy(),
		Transition:       c.TransitionPolicy(),
		BumperTransition: types.TransitionSpec{Kind: bumper, Duration: c.TransitionDuration},
		MaxClips:         c.MaxVideos,
		MinClips:         c.MinVideos,
		MaxClipDuration:  c.MaxDurationPerClip,
		Width:            c.Width,
		Height:           c.Height,
		FPS:              c.FPS,
		Shorts:           usecase.ShortsMode(c.Shorts),
		Short: types.ShortSpec{
			Width:       c.ShortWidth,
			Height:      c.ShortHeight,
			FPS:         c.FPS,
			MaxDuration: c.ShortMaxDuration,
		},
		Thumbnail:    c.Thumbnail,
		OutDir:       outDir,
		MinFreeBytes: uint64(c.MinFreeSpaceMB) << 20,
	}
	if c.UseIntro {
		in.IntroPath = c.IntroPath
	}
	if c.UseOutro {
		in.OutroPath = c.OutroPath
	}
	return in
}

func ledgerPath(c config.Config) string {
	if c.LedgerPath != "" {
		return c.LedgerPath
	}
	return filepath.Join(c.CacheDir, "ledger.db")
}

func resolveSeed(seed *int64) int64 {
	if seed != nil {
		return *seed
	}
	return rand.Int64()
}

func filterProcessed(ctx context.Context, led *ledger.Ledger, refs []types.SourceRef) ([]types.SourceRef, []string, error) {
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	done, err := led.Processed(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("read ledger: %w", err)
	}
	keep := make([]types.SourceRef, 0, len(refs))
	var skipped []string
	for _, r := range refs {
		if done[strings.TrimSpace(r.ID)] {
			skipped = append(skipped, r.ID)
			continue
		}
		keep = append(keep, r)
	}
	return keep, skipped, nil
}

// Clean purges cached downloads, quarantined files and run outputs older than
// the configured age.
func Clean(cfg config.Config, log hclog.Logger) (int, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if cfg.MaxFileAgeDays <= 0 {
		return 0, errors.New("max file age must be > 0 days")
	}
	age := time.Duration(cfg.MaxFileAgeDays) * 24 * time.Hour
	now := time.Now()

	st, err := store.New(cfg.CacheDir, "clean", log.Named("store"))
	if err != nil {
		return 0, err
	}
	n, err := st.CleanupOlderThan(age, now)
	if err != nil {
		return n, err
	}
	m, err := cleanOutputs(cfg.OutDir, now.Add(-age))
	log.Info("cleanup done", "removed", n+m, "older_than", age)
	return n + m, err
}

// cleanOutputs removes run output dirs whose newest file is older than cutoff.
func cleanOutputs(outRoot string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(outRoot)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(outRoot, e.Name())
		if _, err := os.Stat(filepath.Join(dir, "report.json")); err != nil {
			continue
		}
		newest := time.Time{}
		_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if info, err := d.Info(); err == nil && info.ModTime().After(newest) {
				newest = info.ModTime()
			}
			return nil
		})
		if newest.Before(cutoff) {
			if err := os.RemoveAll(dir); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, b, 0o644)
}

func buildRunOutDir(outRoot, title string, now time.Time) string {
	name := normalizePathSegment(title)
	if name == "" {
		name = "compilation"
	}
	ts := now.UTC().Format("20060102-150405Z")
	runSeed := fmt.Sprintf("%s|%d", title, now.UTC().UnixNano())
	suffix := hash(runSeed)[:6]
	return filepath.Join(outRoot, fmt.Sprintf("%s-%s-%s", name, ts, suffix))
}

func normalizePathSegment(s string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

// ensure adapters implement ports
var _ ports.Engine = (*ffmpeg.Adapter)(nil)
var _ ports.Prober = (*ffmpeg.Adapter)(nil)
var _ ports.Thumbnailer = (*ffmpeg.Adapter)(nil)
var _ ports.Fetcher = (*httpfetch.Adapter)(nil)
var _ ports.Fetcher = (*ytdlp.Adapter)(nil)
var _ ports.Fetcher = (*source.Router)(nil)
var _ usecase.Store = (*store.Store)(nil)
var _ acquire.Store = (*store.Store)(nil)
