package validate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forPelevin/clipreel/internal/ports"
	"github.com/forPelevin/clipreel/internal/types"
)

type Thresholds struct {
	MinDuration time.Duration
	MinWidth    int
	MinHeight   int
	// AllowedCodecs lists accepted video codec names as ffprobe reports them.
	// Empty accepts any codec.
	AllowedCodecs []string
}

// Error is a rejection. Reason is one of corrupt, too_short,
// unsupported_codec, below_resolution.
type Error struct {
	Reason types.Reason
	Detail string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Reason, e.Detail) }

// ReasonOf extracts the rejection reason, defaulting to corrupt.
func ReasonOf(err error) types.Reason {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return types.ReasonCorrupt
}

type Validator struct {
	prober ports.Prober
	th     Thresholds
}

func New(p ports.Prober, th Thresholds) Validator {
	return Validator{prober: p, th: th}
}

// Validate probes path and applies the thresholds. It never modifies the file.
func (v Validator) Validate(ctx context.Context, path string) (types.ClipMeta, error) {
	meta, err := v.prober.Probe(ctx, path)
	if err != nil {
		return types.ClipMeta{}, &Error{Reason: types.ReasonCorrupt, Detail: err.Error()}
	}
	if err := Classify(meta, v.th); err != nil {
		return meta, err
	}
	return meta, nil
}

// Classify is the pure part of Validate.
func Classify(m types.ClipMeta, th Thresholds) error {
	if !m.HasVideo {
		return &Error{Reason: types.ReasonCorrupt, Detail: "no video stream"}
	}
	if m.Duration <= 0 {
		return &Error{Reason: types.ReasonCorrupt, Detail: "unknown or zero duration"}
	}
	if m.Duration < th.MinDuration {
		return &Error{Reason: types.ReasonTooShort, Detail: fmt.Sprintf("%s < %s", m.Duration, th.MinDuration)}
	}
	if !codecAllowed(m.VideoCodec, th.AllowedCodecs) {
		return &Error{Reason: types.ReasonUnsupportedCodec, Detail: fmt.Sprintf("video codec %q", m.VideoCodec)}
	}
	if m.Width <= 0 || m.Height <= 0 {
		return &Error{Reason: types.ReasonCorrupt, Detail: fmt.Sprintf("invalid frame size %dx%d", m.Width, m.Height)}
	}
	if m.Width < th.MinWidth || m.Height < th.MinHeight {
		return &Error{
			Reason: types.ReasonBelowResolution,
			Detail: fmt.Sprintf("%dx%d below %dx%d", m.Width, m.Height, th.MinWidth, th.MinHeight),
		}
	}
	return nil
}

func codecAllowed(codec string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	codec = strings.ToLower(strings.TrimSpace(codec))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimSpace(a)) == codec {
			return true
		}
	}
	return false
}
