package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forPelevin/clipreel/internal/acquire"
	"github.com/forPelevin/clipreel/internal/domain/validate"
	"github.com/forPelevin/clipreel/internal/ports"
	"github.com/forPelevin/clipreel/internal/store"
	"github.com/forPelevin/clipreel/internal/types"
)

func TestRun_DropsFailuresAndCapacity(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	refs := refs("a", "b", "c", "d", "e")
	outcomes := []types.Outcome{
		env.acquired(0, refs[0], meta(4*time.Second)),
		types.Failed(1, refs[1], types.ReasonDownloadFailed, "503"),
		env.acquired(2, refs[2], meta(4*time.Second)),
		env.acquired(3, refs[3], meta(500*time.Millisecond)),
		env.acquired(4, refs[4], meta(4*time.Second)),
	}
	uc := env.usecase(&fakeAcquirer{outcomes: outcomes})

	in := env.input(refs)
	in.MaxClips = 3
	res, err := uc.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	assert.Equal(t, types.StateDone, res.State)
	assert.Equal(t, 3, res.UsedCount)
	assert.Equal(t, 2, res.DroppedCount)
	assert.Equal(t, len(refs), res.UsedCount+res.DroppedCount)
	require.Len(t, res.Outcomes, 5)
	assert.Equal(t, types.ReasonDownloadFailed, res.Outcomes[1].Reason)
	assert.Equal(t, types.ReasonTooShort, res.Outcomes[3].Reason)
	assert.Contains(t, res.Outcomes[3].Path, "quarantine")

	assert.Len(t, res.Timeline.Clips(), 3)
	assert.Len(t, res.Timeline.Transitions(), 2)
	require.Len(t, env.engine.renders, 1)
	assert.Len(t, env.engine.renders[0].Segments, 3)
	assert.Equal(t, 11*time.Second, env.engine.renders[0].TotalDuration)
	assert.Equal(t, filepath.Join(in.OutDir, "compilation.mp4"), res.CompilationPath)
	assert.FileExists(t, res.CompilationPath)
	assert.Empty(t, res.RenderFailures)
}

func TestRun_CapacityExceededInOrder(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	refs := refs("a", "b", "c", "d", "e", "f")
	outcomes := make([]types.Outcome, len(refs))
	for i, r := range refs {
		outcomes[i] = env.acquired(i, r, meta(3*time.Second))
	}
	uc := env.usecase(&fakeAcquirer{outcomes: outcomes})

	in := env.input(refs)
	in.MaxClips = 3
	res, err := uc.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	for i, o := range res.Outcomes {
		if i < 3 {
			if !o.OK() || o.Clip == nil {
				t.Fatalf("outcome %d: expected used clip, got %+v", i, o)
			}
			continue
		}
		if o.Reason != types.ReasonCapacityExceeded {
			t.Fatalf("outcome %d: expected capacity_exceeded, got %q", i, o.Reason)
		}
		if o.Path == "" {
			t.Fatalf("outcome %d: expected cached path to survive the drop", i)
		}
	}
	assert.Equal(t, 3, res.UsedCount)
	assert.Equal(t, 3, res.DroppedCount)
}

func TestRun_ClampsTransitionToShorterClip(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	refs := refs("long", "short")
	outcomes := []types.Outcome{
		env.acquired(0, refs[0], meta(2*time.Second)),
		env.acquired(1, refs[1], meta(500*time.Millisecond)),
	}
	uc := env.usecase(&fakeAcquirer{outcomes: outcomes})

	in := env.input(refs)
	in.Thresholds.MinDuration = 250 * time.Millisecond
	in.Transition = types.TransitionPolicy{Kind: types.TransitionCrossfade, Duration: time.Second}
	res, err := uc.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	require.NotNil(t, res.Instruction)
	out := res.Instruction.Segments[0].Out
	require.NotNil(t, out)
	assert.Equal(t, types.TransitionCrossfade, out.Kind)
	assert.Equal(t, 200*time.Millisecond, out.Duration)
	assert.Equal(t, 2300*time.Millisecond, res.Instruction.TotalDuration)
}

func TestRun_NoUsableClips(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	refs := refs("a", "b")
	outcomes := []types.Outcome{
		types.Failed(0, refs[0], types.ReasonNotFound, "404"),
		env.acquired(1, refs[1], types.ClipMeta{Duration: time.Second}),
	}
	uc := env.usecase(&fakeAcquirer{outcomes: outcomes})

	res, err := uc.Run(context.Background(), env.input(refs))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	assert.Equal(t, types.StateDone, res.State)
	assert.Empty(t, res.CompilationPath)
	assert.Equal(t, 0, res.UsedCount)
	assert.Equal(t, 2, res.DroppedCount)
	assert.Equal(t, types.ReasonCorrupt, res.Outcomes[1].Reason)
	assert.Empty(t, env.engine.renders)
	assert.Nil(t, res.Instruction)
}

func TestRun_TooFewClipsSkipsRender(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	refs := refs("a", "b", "c")
	outcomes := []types.Outcome{
		env.acquired(0, refs[0], meta(3*time.Second)),
		types.Failed(1, refs[1], types.ReasonNotFound, "404"),
		env.acquired(2, refs[2], meta(4*time.Second)),
	}
	uc := env.usecase(&fakeAcquirer{outcomes: outcomes})

	in := env.input(refs)
	in.MinClips = 3
	res, err := uc.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, types.StateDone, res.State)
	assert.Equal(t, 2, res.UsedCount)
	assert.Equal(t, 1, res.DroppedCount)
	assert.Empty(t, res.CompilationPath)
	assert.Empty(t, env.engine.renders)
	require.Len(t, res.RenderFailures, 1)
	assert.Equal(t, "compilation", res.RenderFailures[0].Target)
	assert.Equal(t, KindTooFewClips, res.RenderFailures[0].Kind)

	// the same outcomes render once the minimum is met
	env2 := newEnv(t)
	outcomes = []types.Outcome{
		env2.acquired(0, refs[0], meta(3*time.Second)),
		types.Failed(1, refs[1], types.ReasonNotFound, "404"),
		env2.acquired(2, refs[2], meta(4*time.Second)),
	}
	in = env2.input(refs)
	in.MinClips = 2
	res, err = env2.usecase(&fakeAcquirer{outcomes: outcomes}).Run(context.Background(), in)
	require.NoError(t, err)
	assert.NotEmpty(t, res.CompilationPath)
	assert.Empty(t, res.RenderFailures)
}

func TestRun_RenderFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	env.engine.renderErr = &ports.RenderError{Kind: ports.RenderExit, Stderr: "boom", Err: errors.New("exit status 1")}
	refs := refs("a")
	uc := env.usecase(&fakeAcquirer{outcomes: []types.Outcome{env.acquired(0, refs[0], meta(3*time.Second))}})

	in := env.input(refs)
	in.Thumbnail = true
	in.Shorts = ShortsCompilation
	res, err := uc.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	assert.Equal(t, types.StateDone, res.State)
	assert.Empty(t, res.CompilationPath)
	assert.Empty(t, res.ThumbnailPath)
	assert.Empty(t, res.ShortPaths)
	require.Len(t, res.RenderFailures, 1)
	assert.Equal(t, "compilation", res.RenderFailures[0].Target)
	assert.Equal(t, string(ports.RenderExit), res.RenderFailures[0].Kind)
	assert.Equal(t, 1, res.UsedCount)
}

func TestRun_ShortsAndThumbnail(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	env.engine.shortErr = map[string]error{
		"short-002.mp4": &ports.RenderError{Kind: ports.RenderTimeout, Err: errors.New("took too long")},
	}
	refs := refs("a", "b", "c")
	outcomes := []types.Outcome{
		env.acquired(0, refs[0], meta(3*time.Second)),
		env.acquired(1, refs[1], meta(3*time.Second)),
		env.acquired(2, refs[2], meta(3*time.Second)),
	}
	uc := env.usecase(&fakeAcquirer{outcomes: outcomes})

	in := env.input(refs)
	in.Shorts = ShortsPerClip
	in.Short = types.ShortSpec{Width: 1080, Height: 1920, MaxDuration: time.Minute}
	in.Thumbnail = true
	res, err := uc.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	assert.Equal(t, []string{
		filepath.Join(in.OutDir, "shorts", "short-001.mp4"),
		filepath.Join(in.OutDir, "shorts", "short-003.mp4"),
	}, res.ShortPaths)
	require.Len(t, res.RenderFailures, 1)
	assert.Equal(t, "short-002", res.RenderFailures[0].Target)
	assert.Equal(t, string(ports.RenderTimeout), res.RenderFailures[0].Kind)
	assert.Equal(t, in.FPS, env.engine.shortSpecs[0].FPS)

	assert.Equal(t, filepath.Join(in.OutDir, "thumbnail.jpg"), res.ThumbnailPath)
	require.Len(t, env.thumbs.at, 1)
	assert.Equal(t, res.Instruction.TotalDuration/2, env.thumbs.at[0])
}

func TestRun_Aborts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		setup func(env *testEnv, in *Input)
		stage string
	}{
		{
			name:  "no sources",
			setup: func(_ *testEnv, in *Input) { in.Sources = nil },
			stage: "input",
		},
		{
			name:  "zero max clips",
			setup: func(_ *testEnv, in *Input) { in.MaxClips = 0 },
			stage: "input",
		},
		{
			name:  "min above max clips",
			setup: func(_ *testEnv, in *Input) { in.MinClips = in.MaxClips + 1 },
			stage: "input",
		},
		{
			name: "engine missing",
			setup: func(env *testEnv, _ *Input) {
				env.engine.checkErr = &ports.RenderError{Kind: ports.RenderEngineMissing, Err: errors.New("not in PATH")}
			},
			stage: "engine",
		},
		{
			name: "intro unreadable",
			setup: func(_ *testEnv, in *Input) {
				in.IntroPath = "/nowhere/intro.mp4"
			},
			stage: "intro",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env := newEnv(t)
			refs := refs("a")
			acq := &fakeAcquirer{outcomes: []types.Outcome{env.acquired(0, refs[0], meta(3*time.Second))}}
			uc := env.usecase(acq)
			in := env.input(refs)
			tc.setup(env, &in)

			res, err := uc.Run(context.Background(), in)
			var ae *AbortError
			if !errors.As(err, &ae) {
				t.Fatalf("expected AbortError, got %v", err)
			}
			assert.Equal(t, tc.stage, ae.Stage)
			assert.Equal(t, types.StateAborted, res.State)
			assert.False(t, acq.called, "acquisition must not start")
		})
	}
}

func TestRun_WithBumpers(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	intro := env.file("intro.mp4", meta(2*time.Second))
	outro := env.file("outro.mp4", meta(2*time.Second))
	refs := refs("a", "b")
	outcomes := []types.Outcome{
		env.acquired(0, refs[0], meta(3*time.Second)),
		env.acquired(1, refs[1], meta(3*time.Second)),
	}
	uc := env.usecase(&fakeAcquirer{outcomes: outcomes})

	in := env.input(refs)
	in.IntroPath, in.OutroPath = intro, outro
	res, err := uc.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	segs := res.Instruction.Segments
	require.Len(t, segs, 4)
	assert.Equal(t, types.RoleIntro, segs[0].Role)
	assert.Equal(t, types.RoleOutro, segs[3].Role)
	assert.Equal(t, 2, res.UsedCount, "bumpers are not counted as used clips")
	assert.Equal(t, types.TransitionCut, res.Timeline.Entries[0].Next.Kind)
}

func TestRun_CancelledDuringAcquireSkipsRender(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	refs := refs("a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	acq := &fakeAcquirer{
		outcomes: []types.Outcome{
			env.acquired(0, refs[0], meta(3*time.Second)),
			types.Failed(1, refs[1], types.ReasonCancelled, "run cancelled"),
		},
		during: cancel,
	}
	uc := env.usecase(acq)

	res, err := uc.Run(ctx, env.input(refs))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	assert.True(t, res.Cancelled)
	assert.Equal(t, types.StateDone, res.State)
	assert.Equal(t, 1, res.UsedCount, "clips acquired before cancel are still validated")
	assert.Equal(t, 1, res.DroppedCount)
	assert.Empty(t, env.engine.renders)
	assert.Empty(t, res.CompilationPath)
}

func TestRun_CancelledBeforeAcquire(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(env *testEnv, in *Input, cancel context.CancelFunc)
	}{
		{
			name:  "already cancelled",
			setup: func(_ *testEnv, _ *Input, cancel context.CancelFunc) { cancel() },
		},
		{
			name: "engine check interrupted",
			setup: func(env *testEnv, _ *Input, cancel context.CancelFunc) {
				env.engine.onCheck = cancel
				env.engine.checkErr = &ports.RenderError{Kind: ports.RenderCancelled, Err: context.Canceled}
			},
		},
		{
			name: "intro metadata read interrupted",
			setup: func(env *testEnv, in *Input, cancel context.CancelFunc) {
				in.IntroPath = filepath.Join(env.dir, "intro.mp4")
				env.prober.onProbe = cancel
				env.prober.errs = map[string]error{in.IntroPath: context.Canceled}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newEnv(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			acq := &fakeAcquirer{}
			in := env.input(refs("a", "b", "c"))
			tt.setup(env, &in, cancel)

			res, err := env.usecase(acq).Run(ctx, in)
			require.NoError(t, err, "cancellation is never run-fatal")
			assert.Equal(t, types.StateDone, res.State)
			assert.True(t, res.Cancelled)
			assert.False(t, acq.called)
			assert.Equal(t, 0, res.UsedCount)
			assert.Equal(t, 3, res.DroppedCount)
			require.Len(t, res.Outcomes, 3)
			for i, o := range res.Outcomes {
				assert.Equal(t, i, o.Index)
				assert.Equal(t, types.ReasonCancelled, o.Reason)
			}
			assert.Empty(t, env.engine.renders)
		})
	}
}

func TestRun_WithRealAcquirer(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	env.prober.fallback = meta(3 * time.Second)
	acq := acquire.New(fakeFetcher{failing: map[string]bool{"gone": true}}, env.store, nil)
	uc := env.usecase(acq)

	in := env.input(refs("one", "two", "gone", "one"))
	in.Acquire = acquire.Options{Concurrency: 2, ItemTimeout: 5 * time.Second, MaxRetries: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	res, err := uc.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	assert.Equal(t, 2, res.UsedCount)
	assert.Equal(t, 2, res.DroppedCount)
	assert.Equal(t, types.ReasonNotFound, res.Outcomes[2].Reason)
	assert.Equal(t, types.ReasonDuplicate, res.Outcomes[3].Reason)
	assert.Equal(t, env.store.ClipPath(in.Sources[0]), res.Outcomes[0].Path)
}

type testEnv struct {
	t      *testing.T
	dir    string
	store  *store.Store
	prober *fakeProber
	engine *fakeEngine
	thumbs *fakeThumbs
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "cache"), "run-1", nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return &testEnv{
		t:      t,
		dir:    dir,
		store:  st,
		prober: &fakeProber{meta: map[string]types.ClipMeta{}},
		engine: &fakeEngine{},
		thumbs: &fakeThumbs{},
	}
}

func (e *testEnv) usecase(a Acquirer) Usecase {
	return New(Deps{Acquirer: a, Store: e.store, Prober: e.prober, Engine: e.engine, Thumbs: e.thumbs})
}

func (e *testEnv) input(refs []types.SourceRef) Input {
	return Input{
		RunID:   "run-1",
		Sources: refs,
		Seed:    7,
		Thresholds: validate.Thresholds{
			MinDuration:   time.Second,
			AllowedCodecs: []string{"h264"},
		},
		Order:      types.OrderPolicy{Mode: types.OrderAsGiven},
		Transition: types.TransitionPolicy{Kind: types.TransitionCrossfade, Duration: 500 * time.Millisecond},
		MaxClips:   10,
		Width:      1080,
		Height:     1920,
		FPS:        30,
		OutDir:     filepath.Join(e.dir, "out"),
	}
}

// file writes a placeholder media file and registers its probe result.
func (e *testEnv) file(name string, m types.ClipMeta) string {
	e.t.Helper()
	p := filepath.Join(e.dir, "media", name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		e.t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte("media"), 0o644); err != nil {
		e.t.Fatalf("write %s: %v", p, err)
	}
	e.prober.set(p, m)
	return p
}

func (e *testEnv) acquired(i int, ref types.SourceRef, m types.ClipMeta) types.Outcome {
	p := e.file(fmt.Sprintf("%03d.mp4", i), m)
	return types.Succeeded(i, ref, p, 5)
}

func refs(ids ...string) []types.SourceRef {
	out := make([]types.SourceRef, len(ids))
	for i, id := range ids {
		out[i] = types.SourceRef{ID: "https://cdn.example.com/" + id + ".mp4"}
	}
	return out
}

func meta(d time.Duration) types.ClipMeta {
	return types.ClipMeta{
		Duration:   d,
		Width:      1920,
		Height:     1080,
		VideoCodec: "h264",
		AudioCodec: "aac",
		HasVideo:   true,
		HasAudio:   true,
		Size:       5,
	}
}

type fakeAcquirer struct {
	outcomes []types.Outcome
	during   func()
	called   bool
}

func (f *fakeAcquirer) Acquire(_ context.Context, _ []types.SourceRef, _ acquire.Options) []types.Outcome {
	f.called = true
	if f.during != nil {
		f.during()
	}
	out := make([]types.Outcome, len(f.outcomes))
	copy(out, f.outcomes)
	return out
}

type fakeFetcher struct {
	failing map[string]bool
}

func (f fakeFetcher) Fetch(_ context.Context, ref types.SourceRef, dst string) error {
	for id := range f.failing {
		if strings.Contains(ref.ID, "/"+id+".") {
			return ports.Permanent(ports.FetchNotFound, errors.New("404"))
		}
	}
	return os.WriteFile(dst, []byte("video bytes"), 0o644)
}

type fakeProber struct {
	mu       sync.Mutex
	meta     map[string]types.ClipMeta
	errs     map[string]error
	fallback types.ClipMeta
	onProbe  func()
}

func (f *fakeProber) set(path string, m types.ClipMeta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta[path] = m
}

func (f *fakeProber) Probe(_ context.Context, path string) (types.ClipMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onProbe != nil {
		f.onProbe()
	}
	if err := f.errs[path]; err != nil {
		return types.ClipMeta{}, err
	}
	if m, ok := f.meta[path]; ok {
		return m, nil
	}
	if f.fallback.HasVideo {
		return f.fallback, nil
	}
	return types.ClipMeta{}, fmt.Errorf("ffprobe: %s: no such file", path)
}

type fakeEngine struct {
	onCheck    func()
	checkErr   error
	renderErr  error
	shortErr   map[string]error
	renders    []types.RenderInstruction
	shortSpecs []types.ShortSpec
}

func (f *fakeEngine) Check(context.Context) error {
	if f.onCheck != nil {
		f.onCheck()
	}
	return f.checkErr
}

func (f *fakeEngine) Render(_ context.Context, instr types.RenderInstruction, workDir, outPath string) error {
	f.renders = append(f.renders, instr)
	if f.renderErr != nil {
		return f.renderErr
	}
	if _, err := os.Stat(workDir); err != nil {
		return fmt.Errorf("workspace missing: %w", err)
	}
	return os.WriteFile(outPath, []byte("mp4"), 0o644)
}

func (f *fakeEngine) RenderShort(_ context.Context, _ types.Clip, spec types.ShortSpec, _ string, outPath string) error {
	f.shortSpecs = append(f.shortSpecs, spec)
	if err := f.shortErr[filepath.Base(outPath)]; err != nil {
		return err
	}
	return os.WriteFile(outPath, []byte("mp4"), 0o644)
}

type fakeThumbs struct {
	at []time.Duration
}

func (f *fakeThumbs) Thumbnail(_ context.Context, _ string, at time.Duration, outPath string) error {
	f.at = append(f.at, at)
	return os.WriteFile(outPath, []byte("jpg"), 0o644)
}
