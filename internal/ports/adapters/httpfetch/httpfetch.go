package httpfetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/go-hclog"

	"github.com/forPelevin/clipreel/internal/ports"
	"github.com/forPelevin/clipreel/internal/types"
)

const (
	maxPageBytes      = 4 << 20
	defaultUserAgent  = "clipreel/1.0"
	handshakeTimeout  = 10 * time.Second
	headerReadTimeout = 30 * time.Second
)

type Options struct {
	Proxy     string
	UserAgent string
	// MaxBytes caps a single download. 0 means unlimited.
	MaxBytes int64
}

// Adapter downloads direct media URLs. An HTML page is resolved once to the
// video it embeds (og:video, <video>, <source>).
type Adapter struct {
	client   *http.Client
	ua       string
	maxBytes int64
	log      hclog.Logger
}

func New(opts Options, log hclog.Logger) (*Adapter, error) {
	if err := ValidateProxyURL(opts.Proxy); err != nil {
		return nil, err
	}
	base := &http.Transport{
		Proxy:                 nil,
		TLSHandshakeTimeout:   handshakeTimeout,
		ResponseHeaderTimeout: headerReadTimeout,
		MaxIdleConnsPerHost:   4,
	}
	if p := strings.TrimSpace(opts.Proxy); p != "" {
		u, err := url.Parse(p)
		if err != nil {
			return nil, err
		}
		base.Proxy = http.ProxyURL(u)
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	// no client timeout: every request carries the per-item context deadline
	return &Adapter{client: &http.Client{Transport: base}, ua: ua, maxBytes: opts.MaxBytes, log: log}, nil
}

func (a *Adapter) Fetch(ctx context.Context, ref types.SourceRef, dst string) error {
	u, err := ParseSourceURL(ref.ID)
	if err != nil {
		return ports.Permanent(ports.FetchInvalid, err)
	}

	resp, err := a.get(ctx, u.String())
	if err != nil {
		return err
	}
	if isHTML(resp.Header.Get("Content-Type")) {
		page, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
		resp.Body.Close()
		if err != nil {
			return ports.Transient(fmt.Errorf("read page: %w", err))
		}
		media, err := ResolveMediaURL(page, resp.Request.URL)
		if err != nil {
			return ports.Permanent(ports.FetchInvalid, err)
		}
		a.log.Debug("resolved page to media", "page", u.String(), "media", media)
		resp, err = a.get(ctx, media)
		if err != nil {
			return err
		}
		if isHTML(resp.Header.Get("Content-Type")) {
			resp.Body.Close()
			return ports.Permanent(ports.FetchInvalid, fmt.Errorf("%s is a page, not media", media))
		}
	}
	defer resp.Body.Close()
	return a.save(resp, dst)
}

func (a *Adapter) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, ports.Permanent(ports.FetchInvalid, err)
	}
	req.Header.Set("User-Agent", a.ua)
	req.Header.Set("Accept", "video/*, text/html;q=0.8, */*;q=0.5")

	resp, err := a.client.Do(req)
	if err != nil {
		// network errors, resets and deadlines are all worth another attempt
		return nil, ports.Transient(err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	return nil, &ports.FetchError{
		Kind:   ClassifyStatus(resp.StatusCode),
		Status: resp.StatusCode,
		Err:    fmt.Errorf("GET %s: %s %s", rawURL, resp.Status, strings.TrimSpace(string(snippet))),
	}
}

func (a *Adapter) save(resp *http.Response, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	var body io.Reader = resp.Body
	if a.maxBytes > 0 {
		body = io.LimitReader(resp.Body, a.maxBytes+1)
	}
	n, err := io.Copy(f, body)
	cerr := f.Close()
	if err != nil {
		return ports.Transient(fmt.Errorf("download body: %w", err))
	}
	if cerr != nil {
		return fmt.Errorf("close %s: %w", dst, cerr)
	}
	if a.maxBytes > 0 && n > a.maxBytes {
		return ports.Permanent(ports.FetchInvalid, fmt.Errorf("download exceeds %d bytes", a.maxBytes))
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return ports.Transient(fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength))
	}
	return nil
}

// ClassifyStatus maps a non-2xx status to a fetch error kind.
func ClassifyStatus(code int) ports.FetchKind {
	switch {
	case code == http.StatusNotFound, code == http.StatusGone:
		return ports.FetchNotFound
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusUnavailableForLegalReasons:
		return ports.FetchBlocked
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return ports.FetchTransient
	}
	return ports.FetchInvalid
}

var mediaSelectors = []struct {
	sel  string
	attr string
}{
	{`meta[property="og:video:secure_url"]`, "content"},
	{`meta[property="og:video:url"]`, "content"},
	{`meta[property="og:video"]`, "content"},
	{`meta[name="twitter:player:stream"]`, "content"},
	{`video[src]`, "src"},
	{`video source[src]`, "src"},
	{`source[type^="video/"][src]`, "src"},
}

// ResolveMediaURL finds the video a page embeds, resolved against base.
func ResolveMediaURL(page []byte, base *url.URL) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}
	for _, m := range mediaSelectors {
		var found string
		doc.Find(m.sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			v, ok := s.Attr(m.attr)
			v = strings.TrimSpace(v)
			if !ok || v == "" || strings.HasPrefix(v, "blob:") || strings.HasPrefix(v, "data:") {
				return true
			}
			found = v
			return false
		})
		if found == "" {
			continue
		}
		ref, err := url.Parse(found)
		if err != nil {
			continue
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		if _, err := ParseSourceURL(ref.String()); err != nil {
			continue
		}
		return ref.String(), nil
	}
	return "", errors.New("no embedded video found in page")
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}
