package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/forPelevin/clipreel/internal/ports"
	"github.com/forPelevin/clipreel/internal/types"
)

// Adapter downloads platform pages (TikTok, YouTube, ...) through yt-dlp.
type Adapter struct {
	bin   string
	proxy string
	log   hclog.Logger
}

func New(binPath, proxy string, log hclog.Logger) *Adapter {
	if binPath == "" {
		binPath = "yt-dlp"
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Adapter{bin: binPath, proxy: strings.TrimSpace(proxy), log: log}
}

// Available reports whether the binary resolves on PATH.
func (a *Adapter) Available() bool {
	_, err := exec.LookPath(a.bin)
	return err == nil
}

func (a *Adapter) Fetch(ctx context.Context, ref types.SourceRef, dst string) error {
	args := []string{
		"-f", "best[ext=mp4]/best",
		"--no-playlist",
		"--no-progress",
		"--no-part",
		"--force-overwrites",
		"-q",
		"-o", dst,
	}
	if a.proxy != "" {
		args = append(args, "--proxy", a.proxy)
	}
	args = append(args, "--", strings.TrimSpace(ref.ID))

	cmd := exec.CommandContext(ctx, a.bin, args...)
	b, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return ports.Permanent(ports.FetchInvalid, fmt.Errorf("yt-dlp not found: %w", err))
	}
	if ctx.Err() != nil {
		return ports.Transient(fmt.Errorf("yt-dlp: %w", ctx.Err()))
	}
	out := strings.TrimSpace(string(b))
	a.log.Debug("yt-dlp failed", "source", ref.ID, "output", out)
	return &ports.FetchError{Kind: Classify(out), Err: fmt.Errorf("yt-dlp failed: %w\n%s", err, out)}
}

var (
	reNotFound = regexp.MustCompile(`(?i)HTTP Error 404|HTTP Error 410|Video unavailable|has been removed|does not exist|no longer available`)
	reBlocked  = regexp.MustCompile(`(?i)HTTP Error 403|Private video|is private|not available in your country|geo.?restrict|Sign in to confirm|login required|requires authentication`)
	reInvalid  = regexp.MustCompile(`(?i)Unsupported URL|is not a valid URL|Requested format is not available`)
)

// Classify maps yt-dlp output to a fetch error kind. Anything unrecognized is
// assumed transient.
func Classify(output string) ports.FetchKind {
	switch {
	case reNotFound.MatchString(output):
		return ports.FetchNotFound
	case reBlocked.MatchString(output):
		return ports.FetchBlocked
	case reInvalid.MatchString(output):
		return ports.FetchInvalid
	}
	return ports.FetchTransient
}
