package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/forPelevin/clipreel/internal/ports"
	"github.com/forPelevin/clipreel/internal/ports/adapters/httpfetch"
	"github.com/forPelevin/clipreel/internal/types"
)

// Router picks a fetcher per source: local paths are copied, platform hosts
// go to the platform fetcher when one is configured, and every other URL is
// downloaded over HTTP.
type Router struct {
	http     ports.Fetcher
	platform ports.Fetcher
	hosts    map[string]struct{}
	log      hclog.Logger
}

func NewRouter(httpFetcher, platformFetcher ports.Fetcher, platformHosts []string, log hclog.Logger) *Router {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Router{
		http:     httpFetcher,
		platform: platformFetcher,
		hosts:    httpfetch.NormalizeHosts(platformHosts),
		log:      log,
	}
}

func (r *Router) Fetch(ctx context.Context, ref types.SourceRef, dst string) error {
	id := strings.TrimSpace(ref.ID)
	if strings.HasPrefix(strings.ToLower(id), "file://") {
		u, err := url.Parse(id)
		if err != nil {
			return ports.Permanent(ports.FetchInvalid, err)
		}
		return copyLocal(ctx, u.Path, dst)
	}
	if !ref.IsRemote() {
		return copyLocal(ctx, id, dst)
	}

	u, err := httpfetch.ParseSourceURL(id)
	if err != nil {
		return ports.Permanent(ports.FetchInvalid, err)
	}
	if r.platform != nil && httpfetch.HostMatches(u.Hostname(), r.hosts) {
		r.log.Trace("routing to platform fetcher", "source", id)
		return r.platform.Fetch(ctx, ref, dst)
	}
	if r.http == nil {
		return ports.Permanent(ports.FetchInvalid, fmt.Errorf("no fetcher for %s", id))
	}
	return r.http.Fetch(ctx, ref, dst)
}

func copyLocal(ctx context.Context, path, dst string) error {
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &ports.FetchError{Kind: ports.FetchNotFound, Err: err}
		}
		if errors.Is(err, fs.ErrPermission) {
			return &ports.FetchError{Kind: ports.FetchBlocked, Err: err}
		}
		return ports.Transient(err)
	}
	if !st.Mode().IsRegular() {
		return ports.Permanent(ports.FetchInvalid, fmt.Errorf("%s is not a regular file", path))
	}

	in, err := os.Open(path)
	if err != nil {
		return ports.Transient(err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	_, err = io.Copy(out, ctxReader{ctx: ctx, r: in})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ports.Transient(fmt.Errorf("copy %s: %w", path, err))
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
