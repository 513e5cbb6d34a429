package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/forPelevin/clipreel/internal/acquire"
	"github.com/forPelevin/clipreel/internal/domain/sequence"
	"github.com/forPelevin/clipreel/internal/domain/timeline"
	"github.com/forPelevin/clipreel/internal/domain/validate"
	"github.com/forPelevin/clipreel/internal/ports"
	"github.com/forPelevin/clipreel/internal/types"
)

const probeTimeout = 30 * time.Second

// KindTooFewClips marks a compilation skipped because fewer than MinClips
// clips survived validation.
const KindTooFewClips = "too_few_clips"

type Acquirer interface {
	Acquire(ctx context.Context, refs []types.SourceRef, opts acquire.Options) []types.Outcome
}

type Store interface {
	Check() error
	Preflight(minFree uint64) error
	Quarantine(path string) (string, error)
	Workspace(name string) (string, error)
}

type Deps struct {
	Acquirer Acquirer
	Store    Store
	Prober   ports.Prober
	Engine   ports.Engine
	Thumbs   ports.Thumbnailer
	Log      hclog.Logger
}

type Usecase struct{ d Deps }

func New(d Deps) Usecase {
	if d.Log == nil {
		d.Log = hclog.NewNullLogger()
	}
	return Usecase{d: d}
}

type ShortsMode string

const (
	ShortsNone        ShortsMode = "none"
	ShortsPerClip     ShortsMode = "per_clip"
	ShortsCompilation ShortsMode = "compilation"
)

type Input struct {
	RunID   string
	Sources []types.SourceRef
	Seed    int64

	Acquire    acquire.Options
	Thresholds validate.Thresholds

	Order            types.OrderPolicy
	Transition       types.TransitionPolicy
	BumperTransition types.TransitionSpec
	MaxClips         int
	// MinClips is the fewest used clips worth rendering. 0 means 1.
	MinClips         int
	MaxClipDuration  time.Duration
	Width            int
	Height           int
	FPS              int
	IntroPath        string
	OutroPath        string

	Shorts    ShortsMode
	Short     types.ShortSpec
	Thumbnail bool

	// OutDir receives compilation.mp4, shorts/ and thumbnail.jpg.
	OutDir       string
	MinFreeBytes uint64
}

type Result struct {
	types.PipelineResult
	Timeline    types.Timeline
	Instruction *types.RenderInstruction
}

// AbortError is returned for run-fatal conditions. Stage names where the run
// stopped.
type AbortError struct {
	Stage string
	Err   error
}

func (e *AbortError) Error() string { return fmt.Sprintf("aborted at %s: %v", e.Stage, e.Err) }
func (e *AbortError) Unwrap() error { return e.Err }

// Run drives Idle -> Acquiring -> Validating -> Sequencing -> Rendering ->
// Done. Only the run-fatal conditions checked before acquisition end in
// Aborted; every per-source and per-render failure is recorded in the result.
func (u Usecase) Run(ctx context.Context, in Input) (Result, error) {
	started := time.Now()
	log := u.d.Log.With("run", in.RunID)

	res := Result{PipelineResult: types.PipelineResult{
		RunID:      in.RunID,
		State:      types.StateIdle,
		Seed:       in.Seed,
		ShortPaths: []string{},
	}}
	enter := func(s types.State) {
		res.State = s
		log.Debug("state", "state", s)
	}
	abort := func(stage string, err error) (Result, error) {
		res.State = types.StateAborted
		res.Duration = time.Since(started)
		log.Error("run aborted", "stage", stage, "error", err)
		return res, &AbortError{Stage: stage, Err: err}
	}

	if err := in.validate(); err != nil {
		return abort("input", err)
	}
	if err := u.d.Store.Check(); err != nil {
		return abort("store", err)
	}
	if err := u.d.Store.Preflight(in.MinFreeBytes); err != nil {
		return abort("store", err)
	}
	// cancelled ends the run before acquisition with every source dropped.
	cancelled := func(stage string) (Result, error) {
		log.Warn("run cancelled before acquisition", "stage", stage)
		res.Outcomes = make([]types.Outcome, len(in.Sources))
		for i, ref := range in.Sources {
			res.Outcomes[i] = types.Failed(i, ref, types.ReasonCancelled, "run cancelled")
		}
		res.DroppedCount = len(in.Sources)
		res.Cancelled = true
		enter(types.StateDone)
		res.Duration = time.Since(started)
		return res, nil
	}
	preflight := func(stage string, err error) (Result, error) {
		if ctx.Err() != nil {
			return cancelled(stage)
		}
		return abort(stage, err)
	}

	if ctx.Err() != nil {
		return cancelled("engine")
	}
	if err := u.d.Engine.Check(ctx); err != nil {
		return preflight("engine", err)
	}
	intro, err := u.bumper(ctx, in.IntroPath)
	if err != nil {
		return preflight("intro", err)
	}
	outro, err := u.bumper(ctx, in.OutroPath)
	if err != nil {
		return preflight("outro", err)
	}

	enter(types.StateAcquiring)
	outcomes := u.d.Acquirer.Acquire(ctx, in.Sources, in.Acquire)
	if len(outcomes) != len(in.Sources) {
		return abort("acquire", fmt.Errorf("acquirer returned %d outcomes for %d sources", len(outcomes), len(in.Sources)))
	}

	enter(types.StateValidating)
	clips := u.validateAll(ctx, in, outcomes, log)

	enter(types.StateSequencing)
	tl, dropped := sequence.Sequence(clips, sequence.Policy{
		Order:            in.Order,
		Transition:       in.Transition,
		MaxClips:         in.MaxClips,
		MaxClipDuration:  in.MaxClipDuration,
		Geometry:         types.Geometry{Width: in.Width, Height: in.Height},
		Intro:            intro,
		Outro:            outro,
		BumperTransition: in.BumperTransition,
	}, in.Seed)
	for _, c := range dropped {
		o := types.Failed(c.Index, c.Source, types.ReasonCapacityExceeded, fmt.Sprintf("over max %d clips", in.MaxClips))
		o.Path, o.Size, o.Cached, o.Attempts = outcomes[c.Index].Path, outcomes[c.Index].Size, outcomes[c.Index].Cached, outcomes[c.Index].Attempts
		outcomes[c.Index] = o
	}
	res.Timeline = tl
	res.Outcomes = outcomes
	res.UsedCount = len(tl.Clips())
	for _, o := range outcomes {
		if !o.OK() {
			res.DroppedCount++
		}
	}
	log.Info("sequenced", "used", res.UsedCount, "dropped", res.DroppedCount, "transitions", len(tl.Transitions()))

	switch {
	case ctx.Err() != nil:
		res.Cancelled = true
		log.Warn("run cancelled, skipping render")
	case res.UsedCount == 0:
		log.Warn("no usable clips, nothing to render")
	case res.UsedCount < in.MinClips:
		res.RenderFailures = append(res.RenderFailures, types.RenderFailure{
			Target: "compilation",
			Kind:   KindTooFewClips,
			Detail: fmt.Sprintf("%d usable clips, need at least %d", res.UsedCount, in.MinClips),
		})
		log.Warn("too few usable clips, skipping render", "used", res.UsedCount, "min", in.MinClips)
	default:
		enter(types.StateRendering)
		u.render(ctx, in, tl, &res, log)
	}

	enter(types.StateDone)
	res.Duration = time.Since(started)
	return res, nil
}

func (in Input) validate() error {
	if len(in.Sources) == 0 {
		return errors.New("no source refs")
	}
	if in.MaxClips <= 0 {
		return fmt.Errorf("max clips must be > 0, got %d", in.MaxClips)
	}
	if in.MinClips < 0 || in.MinClips > in.MaxClips {
		return fmt.Errorf("min clips must be in 0..%d, got %d", in.MaxClips, in.MinClips)
	}
	if in.Width <= 0 || in.Height <= 0 {
		return fmt.Errorf("invalid geometry %dx%d", in.Width, in.Height)
	}
	if in.FPS <= 0 {
		return fmt.Errorf("invalid fps %d", in.FPS)
	}
	if in.OutDir == "" {
		return errors.New("output dir is empty")
	}
	switch in.Shorts {
	case "", ShortsNone, ShortsPerClip, ShortsCompilation:
	default:
		return fmt.Errorf("unknown shorts mode %q", in.Shorts)
	}
	return nil
}

// bumper probes an intro/outro file. An empty path means no bumper.
func (u Usecase) bumper(ctx context.Context, path string) (*types.Clip, error) {
	if path == "" {
		return nil, nil
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	meta, err := u.d.Prober.Probe(pctx, path)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	if !meta.HasVideo || meta.Duration <= 0 {
		return nil, fmt.Errorf("%s has no playable video", path)
	}
	c := types.NewClip(types.SourceRef{ID: path}, -1, path, meta)
	return &c, nil
}

// validateAll probes every acquired file in input order. Probing continues
// after cancellation so what was fetched is still accounted for.
func (u Usecase) validateAll(ctx context.Context, in Input, outcomes []types.Outcome, log hclog.Logger) []types.Clip {
	v := validate.New(u.d.Prober, in.Thresholds)
	base := context.WithoutCancel(ctx)

	var clips []types.Clip
	for i, o := range outcomes {
		if !o.OK() {
			continue
		}
		pctx, cancel := context.WithTimeout(base, probeTimeout)
		meta, err := v.Validate(pctx, o.Path)
		cancel()
		if err != nil {
			rej := types.Failed(o.Index, o.Source, validate.ReasonOf(err), err.Error())
			rej.Attempts, rej.Cached, rej.Size = o.Attempts, o.Cached, o.Size
			rej.Path = o.Path
			if q, qerr := u.d.Store.Quarantine(o.Path); qerr == nil {
				rej.Path = q
			} else {
				log.Warn("quarantine failed", "path", o.Path, "error", qerr)
			}
			outcomes[i] = rej
			log.Info("rejected", "index", o.Index, "source", o.Source.ID, "reason", rej.Reason, "detail", rej.Detail)
			continue
		}
		c := types.NewClip(o.Source, o.Index, o.Path, meta)
		outcomes[i].Clip = &c
		clips = append(clips, c)
	}
	return clips
}

func (u Usecase) render(ctx context.Context, in Input, tl types.Timeline, res *Result, log hclog.Logger) {
	if err := os.MkdirAll(in.OutDir, 0o755); err != nil {
		res.fail("compilation", err)
		return
	}

	instr, err := timeline.Build(tl, in.FPS)
	if err != nil {
		res.fail("compilation", err)
		return
	}
	res.Instruction = &instr

	ws, err := u.d.Store.Workspace("compilation")
	if err != nil {
		res.fail("compilation", err)
		return
	}
	out := filepath.Join(in.OutDir, "compilation.mp4")
	if err := u.d.Engine.Render(ctx, instr, ws, out); err != nil {
		res.fail("compilation", err)
		log.Error("compilation render failed", "error", err)
	} else {
		res.CompilationPath = out
		log.Info("compilation rendered", "path", out, "duration", instr.TotalDuration)
	}

	u.renderShorts(ctx, in, tl, instr, res, log)

	if in.Thumbnail && res.CompilationPath != "" && ctx.Err() == nil && u.d.Thumbs != nil {
		thumb := filepath.Join(in.OutDir, "thumbnail.jpg")
		if err := u.d.Thumbs.Thumbnail(ctx, res.CompilationPath, instr.TotalDuration/2, thumb); err != nil {
			res.fail("thumbnail", err)
			log.Warn("thumbnail failed", "error", err)
		} else {
			res.ThumbnailPath = thumb
		}
	}
	if ctx.Err() != nil {
		res.Cancelled = true
	}
}

type shortJob struct {
	name string
	clip types.Clip
}

func (u Usecase) renderShorts(ctx context.Context, in Input, tl types.Timeline, instr types.RenderInstruction, res *Result, log hclog.Logger) {
	var jobs []shortJob
	switch in.Shorts {
	case ShortsPerClip:
		for _, c := range tl.Clips() {
			jobs = append(jobs, shortJob{fmt.Sprintf("short-%03d", c.Index+1), c})
		}
	case ShortsCompilation:
		if res.CompilationPath == "" {
			return
		}
		jobs = append(jobs, shortJob{"short-compilation", types.Clip{
			Source:   types.SourceRef{ID: res.CompilationPath},
			Index:    -1,
			Path:     res.CompilationPath,
			Duration: instr.TotalDuration,
			Width:    instr.Width,
			Height:   instr.Height,
			HasAudio: true,
		}})
	default:
		return
	}

	dir := filepath.Join(in.OutDir, "shorts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		res.fail("shorts", err)
		return
	}
	spec := in.Short
	if spec.FPS == 0 {
		spec.FPS = in.FPS
	}
	for _, j := range jobs {
		if ctx.Err() != nil {
			return
		}
		ws, err := u.d.Store.Workspace(j.name)
		if err != nil {
			res.fail(j.name, err)
			continue
		}
		out := filepath.Join(dir, j.name+".mp4")
		if err := u.d.Engine.RenderShort(ctx, j.clip, spec, ws, out); err != nil {
			res.fail(j.name, err)
			log.Warn("short render failed", "short", j.name, "error", err)
			continue
		}
		res.ShortPaths = append(res.ShortPaths, out)
	}
}

func (r *Result) fail(target string, err error) {
	kind := "error"
	var re *ports.RenderError
	if errors.As(err, &re) {
		kind = string(re.Kind)
	}
	r.RenderFailures = append(r.RenderFailures, types.RenderFailure{Target: target, Kind: kind, Detail: err.Error()})
}
