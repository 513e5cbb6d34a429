package acquire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/forPelevin/clipreel/internal/ports"
	"github.com/forPelevin/clipreel/internal/store"
	"github.com/forPelevin/clipreel/internal/types"
)

// Store is the part of the media store the acquirer writes through.
type Store interface {
	Lookup(ref types.SourceRef) (string, int64, bool)
	TempFile(ref types.SourceRef) (string, error)
	Commit(tmp string, ref types.SourceRef) (string, int64, error)
}

type Options struct {
	Concurrency int
	ItemTimeout time.Duration
	// MaxRetries counts retries after the first attempt.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

type Acquirer struct {
	fetcher ports.Fetcher
	store   Store
	log     hclog.Logger
}

func New(f ports.Fetcher, s Store, log hclog.Logger) *Acquirer {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Acquirer{fetcher: f, store: s, log: log}
}

// Acquire fetches every ref into the store with at most opts.Concurrency
// fetches in flight. The result has one outcome per ref, at the ref's index.
//
// Cancelling ctx stops new fetches; fetches already running keep going until
// they finish or hit ItemTimeout. Refs that never started are reported as
// cancelled.
func (a *Acquirer) Acquire(ctx context.Context, refs []types.SourceRef, opts Options) []types.Outcome {
	out := make([]types.Outcome, len(refs))

	pending := make([]int, 0, len(refs))
	firstSeen := make(map[string]int, len(refs))
	for i, ref := range refs {
		id := strings.TrimSpace(ref.ID)
		if id == "" {
			out[i] = types.Failed(i, ref, types.ReasonInvalidSource, "empty source identifier")
			continue
		}
		if j, ok := firstSeen[id]; ok {
			out[i] = types.Failed(i, ref, types.ReasonDuplicate, fmt.Sprintf("same source as #%d", j))
			continue
		}
		firstSeen[id] = i
		pending = append(pending, i)
	}

	workers := opts.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(pending) {
		workers = len(pending)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					out[i] = types.Failed(i, refs[i], types.ReasonCancelled, "cancelled before start")
					continue
				}
				out[i] = a.acquireOne(ctx, i, refs[i], opts)
			}
		}()
	}

	sent := 0
feed:
	for _, i := range pending {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
			sent++
		}
	}
	close(jobs)
	for _, i := range pending[sent:] {
		out[i] = types.Failed(i, refs[i], types.ReasonCancelled, "cancelled before start")
	}
	wg.Wait()
	return out
}

func (a *Acquirer) acquireOne(ctx context.Context, i int, ref types.SourceRef, opts Options) types.Outcome {
	log := a.log.With("index", i, "source", ref.ID)

	if path, size, ok := a.store.Lookup(ref); ok {
		o := types.Succeeded(i, ref, path, size)
		o.Cached = true
		log.Debug("cache hit", "path", path)
		return o
	}

	tmp, err := a.store.TempFile(ref)
	if err != nil {
		return types.Failed(i, ref, types.ReasonDownloadFailed, err.Error())
	}
	// a committed download has already been renamed away
	defer func() { _ = os.Remove(tmp) }()

	// in-flight fetches survive parent cancellation, bounded by ItemTimeout
	var (
		itemCtx context.Context
		cancel  context.CancelFunc
	)
	if opts.ItemTimeout > 0 {
		itemCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), opts.ItemTimeout)
	} else {
		itemCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	defer cancel()

	attempts := 0
	for {
		attempts++
		err = a.fetcher.Fetch(itemCtx, ref, tmp)
		if err == nil {
			path, size, cerr := a.store.Commit(tmp, ref)
			if cerr != nil {
				reason := types.ReasonDownloadFailed
				if errors.Is(cerr, store.ErrEmptyFile) {
					reason = types.ReasonEmptyDownload
				}
				return withAttempts(types.Failed(i, ref, reason, cerr.Error()), attempts)
			}
			log.Info("fetched", "attempts", attempts, "bytes", size)
			return withAttempts(types.Succeeded(i, ref, path, size), attempts)
		}

		if errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
			log.Warn("fetch timed out", "attempts", attempts, "timeout", opts.ItemTimeout)
			return withAttempts(types.Failed(i, ref, types.ReasonTimeout, err.Error()), attempts)
		}
		if !ports.IsTransient(err) {
			log.Warn("fetch failed permanently", "error", err)
			return withAttempts(types.Failed(i, ref, reasonFor(err), err.Error()), attempts)
		}
		if attempts > opts.MaxRetries {
			log.Warn("fetch retries exhausted", "attempts", attempts, "error", err)
			return withAttempts(types.Failed(i, ref, types.ReasonDownloadFailed, err.Error()), attempts)
		}
		if ctx.Err() != nil {
			return withAttempts(types.Failed(i, ref, types.ReasonCancelled, err.Error()), attempts)
		}

		d := Backoff(attempts, opts.BaseBackoff, opts.MaxBackoff)
		log.Debug("retrying fetch", "attempt", attempts, "backoff", d, "error", err)
		if !sleep(ctx, itemCtx, d) {
			if ctx.Err() != nil {
				return withAttempts(types.Failed(i, ref, types.ReasonCancelled, err.Error()), attempts)
			}
			return withAttempts(types.Failed(i, ref, types.ReasonTimeout, err.Error()), attempts)
		}
	}
}

// Backoff is base*2^(attempt-1), capped at max when max > 0.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	d := base
	for n := 1; n < attempt; n++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

func sleep(parent, item context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-parent.Done():
		return false
	case <-item.Done():
		return false
	}
}

func reasonFor(err error) types.Reason {
	var fe *ports.FetchError
	if !errors.As(err, &fe) {
		return types.ReasonDownloadFailed
	}
	switch fe.Kind {
	case ports.FetchNotFound:
		return types.ReasonNotFound
	case ports.FetchBlocked:
		return types.ReasonBlocked
	case ports.FetchInvalid:
		return types.ReasonInvalidSource
	}
	return types.ReasonDownloadFailed
}

func withAttempts(o types.Outcome, n int) types.Outcome {
	o.Attempts = n
	return o
}
