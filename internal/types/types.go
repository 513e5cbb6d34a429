package types

import (
	"strings"
	"time"
)

// SourceRef identifies one input clip: a platform URL, a direct media URL or
// a local path. Title is optional caller metadata.
type SourceRef struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// IsRemote reports whether the identifier is an http(s) URL.
func (r SourceRef) IsRemote() bool {
	id := strings.ToLower(strings.TrimSpace(r.ID))
	return strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://")
}

// ClipMeta is what the validator learns from probing a file.
type ClipMeta struct {
	Duration   time.Duration `json:"duration_ns"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	VideoCodec string        `json:"video_codec"`
	AudioCodec string        `json:"audio_codec,omitempty"`
	HasVideo   bool          `json:"has_video"`
	HasAudio   bool          `json:"has_audio"`
	Format     string        `json:"format,omitempty"`
	Size       int64         `json:"size"`
}

// CodecSummary renders "video/audio", e.g. "h264/aac".
func (m ClipMeta) CodecSummary() string {
	if m.AudioCodec == "" {
		return m.VideoCodec
	}
	return m.VideoCodec + "/" + m.AudioCodec
}

// Clip is a validated, cached source. Index is the position of its SourceRef
// in the run input, or -1 for intro/outro bumpers.
type Clip struct {
	Source   SourceRef     `json:"source"`
	Index    int           `json:"index"`
	Path     string        `json:"path"`
	Duration time.Duration `json:"duration_ns"`
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	Size     int64         `json:"size"`
	Codec    string        `json:"codec"`
	HasAudio bool          `json:"has_audio"`
}

func NewClip(ref SourceRef, index int, path string, meta ClipMeta) Clip {
	return Clip{
		Source:   ref,
		Index:    index,
		Path:     path,
		Duration: meta.Duration,
		Width:    meta.Width,
		Height:   meta.Height,
		Size:     meta.Size,
		Codec:    meta.CodecSummary(),
		HasAudio: meta.HasAudio,
	}
}

// EffectiveDuration is the clip length after applying a per-clip cap
// (0 means no cap).
func (c Clip) EffectiveDuration(maxPerClip time.Duration) time.Duration {
	if maxPerClip > 0 && c.Duration > maxPerClip {
		return maxPerClip
	}
	return c.Duration
}

type Reason string

const (
	ReasonDownloadFailed   Reason = "download_failed"
	ReasonNotFound         Reason = "not_found"
	ReasonBlocked          Reason = "blocked"
	ReasonInvalidSource    Reason = "invalid_source"
	ReasonTimeout          Reason = "timeout"
	ReasonCancelled        Reason = "cancelled"
	ReasonDuplicate        Reason = "duplicate"
	ReasonEmptyDownload    Reason = "empty_download"
	ReasonCorrupt          Reason = "corrupt"
	ReasonTooShort         Reason = "too_short"
	ReasonUnsupportedCodec Reason = "unsupported_codec"
	ReasonBelowResolution  Reason = "below_resolution"
	ReasonCapacityExceeded Reason = "capacity_exceeded"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Outcome is the per-SourceRef result of a run. Success outcomes carry the
// cached file; Clip is set once the file passed validation.
type Outcome struct {
	Index    int       `json:"index"`
	Source   SourceRef `json:"source"`
	Status   Status    `json:"status"`
	Reason   Reason    `json:"reason,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Cached   bool      `json:"cached,omitempty"`
	Path     string    `json:"path,omitempty"`
	Size     int64     `json:"size,omitempty"`
	Clip     *Clip     `json:"clip,omitempty"`
}

func Succeeded(index int, ref SourceRef, path string, size int64) Outcome {
	return Outcome{Index: index, Source: ref, Status: StatusSuccess, Path: path, Size: size}
}

func Failed(index int, ref SourceRef, reason Reason, detail string) Outcome {
	return Outcome{Index: index, Source: ref, Status: StatusFailed, Reason: reason, Detail: detail}
}

func (o Outcome) OK() bool { return o.Status == StatusSuccess }

type TransitionKind string

const (
	TransitionCut        TransitionKind = "cut"
	TransitionCrossfade  TransitionKind = "crossfade"
	TransitionFade       TransitionKind = "fade"
	TransitionWipe       TransitionKind = "wipe"
	TransitionSlideLeft  TransitionKind = "slide_left"
	TransitionSlideRight TransitionKind = "slide_right"
	TransitionZoomIn     TransitionKind = "zoom_in"
	TransitionRandom     TransitionKind = "random"
)

// ConcreteTransitions are the kinds "random" resolves to. Cut is excluded so a
// random policy always yields a visible effect.
var ConcreteTransitions = []TransitionKind{
	TransitionCrossfade,
	TransitionFade,
	TransitionWipe,
	TransitionSlideLeft,
	TransitionSlideRight,
	TransitionZoomIn,
}

func ParseTransitionKind(s string) (TransitionKind, bool) {
	k := TransitionKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case TransitionCut, TransitionRandom:
		return k, true
	}
	for _, c := range ConcreteTransitions {
		if c == k {
			return k, true
		}
	}
	return "", false
}

type TransitionSpec struct {
	Kind     TransitionKind `json:"kind"`
	Duration time.Duration  `json:"duration_ns"`
}

func Cut() TransitionSpec { return TransitionSpec{Kind: TransitionCut} }

type OrderMode string

const (
	OrderAsGiven  OrderMode = "as-given"
	OrderShuffled OrderMode = "shuffled"
)

// OrderPolicy: as-given, or shuffled with the run seed.
type OrderPolicy struct {
	Mode OrderMode
}

// TransitionPolicy is fixed(kind) when Kind is concrete or cut, random(seed)
// when Kind is TransitionRandom. Duration is the requested length before
// clamping.
type TransitionPolicy struct {
	Kind     TransitionKind
	Duration time.Duration
}

type Geometry struct {
	Width    int `json:"width"`
	Height   int `json:"height"`
	MaxClips int `json:"max_clips"`
}

type Role string

const (
	RoleIntro Role = "intro"
	RoleClip  Role = "clip"
	RoleOutro Role = "outro"
)

// TimelineEntry is one clip of the final sequence and the transition into the
// following entry (zero value on the last entry).
type TimelineEntry struct {
	Clip      Clip           `json:"clip"`
	Role      Role           `json:"role"`
	TrimStart time.Duration  `json:"trim_start_ns"`
	Duration  time.Duration  `json:"duration_ns"`
	Next      TransitionSpec `json:"next"`
}

type Timeline struct {
	Entries  []TimelineEntry `json:"entries"`
	Geometry Geometry        `json:"geometry"`
	Intro    *Clip           `json:"intro,omitempty"`
	Outro    *Clip           `json:"outro,omitempty"`
}

// Clips returns the source clips in order, without bumpers.
func (t Timeline) Clips() []Clip {
	out := make([]Clip, 0, len(t.Entries))
	for _, e := range t.Entries {
		if e.Role == RoleClip {
			out = append(out, e.Clip)
		}
	}
	return out
}

// Transitions returns the len(Entries)-1 transitions between adjacent entries.
func (t Timeline) Transitions() []TransitionSpec {
	if len(t.Entries) < 2 {
		return nil
	}
	out := make([]TransitionSpec, 0, len(t.Entries)-1)
	for _, e := range t.Entries[:len(t.Entries)-1] {
		out = append(out, e.Next)
	}
	return out
}

// Transform is a scale-then-crop that fills the target frame.
type Transform struct {
	ScaleWidth  int `json:"scale_width"`
	ScaleHeight int `json:"scale_height"`
	CropWidth   int `json:"crop_width"`
	CropHeight  int `json:"crop_height"`
	CropX       int `json:"crop_x"`
	CropY       int `json:"crop_y"`
}

type SegmentTransition struct {
	Kind     TransitionKind `json:"kind"`
	Duration time.Duration  `json:"duration_ns"`
	Offset   time.Duration  `json:"offset_ns"`
}

// Segment is one input of a RenderInstruction. Start/End are absolute
// positions in the rendered output.
type Segment struct {
	Index     int                `json:"index"`
	Role      Role               `json:"role"`
	Input     string             `json:"input"`
	Source    string             `json:"source"`
	HasAudio  bool               `json:"has_audio"`
	TrimStart time.Duration      `json:"trim_start_ns"`
	Duration  time.Duration      `json:"duration_ns"`
	Start     time.Duration      `json:"start_ns"`
	End       time.Duration      `json:"end_ns"`
	Transform Transform          `json:"transform"`
	Out       *SegmentTransition `json:"out,omitempty"`
}

type RenderInstruction struct {
	Width         int           `json:"width"`
	Height        int           `json:"height"`
	FPS           int           `json:"fps"`
	Segments      []Segment     `json:"segments"`
	TotalDuration time.Duration `json:"total_duration_ns"`
}

type ShortSpec struct {
	Width       int
	Height      int
	FPS         int
	MaxDuration time.Duration
}

type State string

const (
	StateIdle       State = "idle"
	StateAcquiring  State = "acquiring"
	StateValidating State = "validating"
	StateSequencing State = "sequencing"
	StateRendering  State = "rendering"
	StateDone       State = "done"
	StateAborted    State = "aborted"
)

type RenderFailure struct {
	Target string `json:"target"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// PipelineResult is the single value handed back to callers.
// CompilationPath is empty when nothing was rendered.
type PipelineResult struct {
	RunID           string          `json:"run_id"`
	State           State           `json:"state"`
	CompilationPath string          `json:"compilation_path,omitempty"`
	ShortPaths      []string        `json:"short_paths"`
	ThumbnailPath   string          `json:"thumbnail_path,omitempty"`
	Outcomes        []Outcome       `json:"outcomes"`
	UsedCount       int             `json:"used_count"`
	DroppedCount    int             `json:"dropped_count"`
	Seed            int64           `json:"seed"`
	Cancelled       bool            `json:"cancelled,omitempty"`
	Duration        time.Duration   `json:"duration_ns"`
	RenderFailures  []RenderFailure `json:"render_failures,omitempty"`
}

// Dropped returns the failed outcomes.
func (r PipelineResult) Dropped() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}
