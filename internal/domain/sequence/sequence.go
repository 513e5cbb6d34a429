package sequence

import (
	"math/rand/v2"
	"time"

	"github.com/forPelevin/clipreel/internal/types"
)

// A transition may use at most 2/5 of the shorter neighbour.
const (
	maxShareNum = 2
	maxShareDen = 5
)

type Policy struct {
	Order      types.OrderPolicy
	Transition types.TransitionPolicy
	MaxClips   int
	// MaxClipDuration keeps the middle section of longer clips. 0 disables.
	MaxClipDuration time.Duration
	Geometry        types.Geometry

	Intro *types.Clip
	Outro *types.Clip
	// BumperTransition joins intro/outro to their neighbour. Zero value is a cut.
	BumperTransition types.TransitionSpec
}

// Sequence orders clips, truncates to MaxClips and assigns a transition to
// every adjacent pair. Clips past capacity are returned in order as dropped.
//
// All randomness comes from seed: the order shuffle and the transition picks
// use separate streams, so changing one policy never perturbs the other.
func Sequence(clips []types.Clip, p Policy, seed int64) (types.Timeline, []types.Clip) {
	ordered := make([]types.Clip, len(clips))
	copy(ordered, clips)
	if p.Order.Mode == types.OrderShuffled {
		r := rand.New(rand.NewPCG(uint64(seed), 1))
		r.Shuffle(len(ordered), func(i, j int) { ordered[i], ordered[j] = ordered[j], ordered[i] })
	}

	var dropped []types.Clip
	if p.MaxClips > 0 && len(ordered) > p.MaxClips {
		dropped = append(dropped, ordered[p.MaxClips:]...)
		ordered = ordered[:p.MaxClips]
	}

	geo := p.Geometry
	geo.MaxClips = p.MaxClips
	tl := types.Timeline{Geometry: geo, Intro: p.Intro, Outro: p.Outro}
	if len(ordered) == 0 {
		return tl, dropped
	}

	if p.Intro != nil {
		tl.Entries = append(tl.Entries, bumper(*p.Intro, types.RoleIntro))
	}
	for _, c := range ordered {
		tl.Entries = append(tl.Entries, entry(c, p.MaxClipDuration))
	}
	if p.Outro != nil {
		tl.Entries = append(tl.Entries, bumper(*p.Outro, types.RoleOutro))
	}

	picks := rand.New(rand.NewPCG(uint64(seed), 2))
	for i := 0; i+1 < len(tl.Entries); i++ {
		a, b := tl.Entries[i], tl.Entries[i+1]
		var want types.TransitionSpec
		if a.Role != types.RoleClip || b.Role != types.RoleClip {
			want = p.BumperTransition
			if want.Kind == "" {
				want.Kind = types.TransitionCut
			}
			if want.Kind != types.TransitionCut && want.Duration == 0 {
				want.Duration = p.Transition.Duration
			}
		} else {
			want = Resolve(p.Transition, picks)
		}
		tl.Entries[i].Next = Clamp(want, a.Duration, b.Duration)
	}
	return tl, dropped
}

// Resolve turns a policy into a concrete transition. Random draws from the
// concrete non-cut kinds.
func Resolve(p types.TransitionPolicy, r *rand.Rand) types.TransitionSpec {
	kind := p.Kind
	switch kind {
	case "", types.TransitionCut:
		return types.Cut()
	case types.TransitionRandom:
		kind = types.ConcreteTransitions[r.IntN(len(types.ConcreteTransitions))]
	}
	return types.TransitionSpec{Kind: kind, Duration: p.Duration}
}

// Clamp caps a transition at 40% of the shorter neighbour. A transition that
// clamps to nothing becomes a cut.
func Clamp(t types.TransitionSpec, a, b time.Duration) types.TransitionSpec {
	if t.Kind == types.TransitionCut {
		return types.Cut()
	}
	shorter := a
	if b < shorter {
		shorter = b
	}
	limit := shorter * maxShareNum / maxShareDen
	if t.Duration > limit {
		t.Duration = limit
	}
	if t.Duration <= 0 {
		return types.Cut()
	}
	return t
}

func entry(c types.Clip, maxDur time.Duration) types.TimelineEntry {
	eff := c.EffectiveDuration(maxDur)
	return types.TimelineEntry{
		Clip:      c,
		Role:      types.RoleClip,
		TrimStart: (c.Duration - eff) / 2,
		Duration:  eff,
	}
}

func bumper(c types.Clip, role types.Role) types.TimelineEntry {
	return types.TimelineEntry{Clip: c, Role: role, Duration: c.Duration}
}
