package ports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forPelevin/clipreel/internal/types"
)

// Fetcher downloads one source into dst. dst does not exist yet and is owned
// by the caller; on error it may be left partially written.
type Fetcher interface {
	Fetch(ctx context.Context, ref types.SourceRef, dst string) error
}

type Prober interface {
	Probe(ctx context.Context, path string) (types.ClipMeta, error)
}

type Engine interface {
	Check(ctx context.Context) error
	Render(ctx context.Context, instr types.RenderInstruction, workDir, outPath string) error
	RenderShort(ctx context.Context, clip types.Clip, spec types.ShortSpec, workDir, outPath string) error
}

type Thumbnailer interface {
	Thumbnail(ctx context.Context, videoPath string, at time.Duration, outPath string) error
}

type FetchKind string

const (
	FetchTransient FetchKind = "transient"
	FetchNotFound  FetchKind = "not_found"
	FetchBlocked   FetchKind = "blocked"
	FetchInvalid   FetchKind = "invalid"
)

// FetchError classifies a failed fetch. Only transient errors are retried.
type FetchError struct {
	Kind   FetchKind
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func Transient(err error) *FetchError { return &FetchError{Kind: FetchTransient, Err: err} }

func Permanent(kind FetchKind, err error) *FetchError { return &FetchError{Kind: kind, Err: err} }

// IsTransient reports whether err is worth retrying. Unclassified errors are
// treated as transient.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == FetchTransient
	}
	return err != nil
}

type RenderKind string

const (
	RenderTimeout       RenderKind = "timeout"
	RenderCancelled     RenderKind = "cancelled"
	RenderExit          RenderKind = "exit"
	RenderEmptyOutput   RenderKind = "empty_output"
	RenderEngineMissing RenderKind = "engine_missing"
)

// RenderError carries the tail of the engine's stderr.
type RenderError struct {
	Kind   RenderKind
	Stderr string
	Err    error
}

func (e *RenderError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("render %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("render %s: %v\n%s", e.Kind, e.Err, e.Stderr)
}

func (e *RenderError) Unwrap() error { return e.Err }
