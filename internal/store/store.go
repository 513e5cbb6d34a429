package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/forPelevin/clipreel/internal/types"
)

// ErrEmptyFile is returned by Commit for zero-byte downloads.
var ErrEmptyFile = errors.New("empty file")

const (
	clipsDir      = "clips"
	tmpDir        = "tmp"
	workDir       = "work"
	quarantineDir = "quarantine"
	clipExt       = ".mp4"
)

// Store is the local media cache. Committed clips live under clips/ keyed by
// a hash of the source identifier; everything a run writes before commit
// lives under tmp/<run> and work/<run>.
//
// Writers never share a path, so the store does no locking.
type Store struct {
	root string
	run  string
	log  hclog.Logger
}

// New opens (creating if needed) the store at root. An empty runID gets a
// fresh one.
func New(root, runID string, log hclog.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("store root is empty")
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, d := range []string{clipsDir, tmpDir, workDir, quarantineDir} {
		if err := os.MkdirAll(filepath.Join(abs, d), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &Store{root: abs, run: runID, log: log}, nil
}

func (s *Store) Root() string  { return s.root }
func (s *Store) RunID() string { return s.run }

// Key is the content address of a source identifier.
func Key(ref types.SourceRef) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(ref.ID)))
	return hex.EncodeToString(sum[:])[:32]
}

func (s *Store) ClipPath(ref types.SourceRef) string {
	return filepath.Join(s.root, clipsDir, Key(ref)+clipExt)
}

// Lookup reports a previously committed, non-empty clip for ref.
func (s *Store) Lookup(ref types.SourceRef) (string, int64, bool) {
	p := s.ClipPath(ref)
	st, err := os.Stat(p)
	if err != nil || !st.Mode().IsRegular() || st.Size() == 0 {
		return "", 0, false
	}
	return p, st.Size(), true
}

// TempFile returns a fresh, not yet created path for downloading ref.
func (s *Store) TempFile(ref types.SourceRef) (string, error) {
	dir := filepath.Join(s.root, tmpDir, s.run)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	return filepath.Join(dir, Key(ref)+"-"+uuid.NewString()[:8]+".part"), nil
}

// Commit moves a finished download to its final cache path. Only complete,
// non-empty files ever appear there.
func (s *Store) Commit(tmp string, ref types.SourceRef) (string, int64, error) {
	st, err := os.Stat(tmp)
	if err != nil {
		return "", 0, fmt.Errorf("stat download: %w", err)
	}
	if !st.Mode().IsRegular() {
		return "", 0, fmt.Errorf("download is not a regular file: %s", tmp)
	}
	if st.Size() == 0 {
		return "", 0, ErrEmptyFile
	}
	final := s.ClipPath(ref)
	if err := os.Rename(tmp, final); err != nil {
		return "", 0, fmt.Errorf("commit download: %w", err)
	}
	return final, st.Size(), nil
}

// Quarantine moves a rejected clip out of the cache so later runs refetch it.
func (s *Store) Quarantine(path string) (string, error) {
	dst := filepath.Join(s.root, quarantineDir, s.run+"-"+filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("quarantine: %w", err)
	}
	s.log.Debug("quarantined", "from", path, "to", dst)
	return dst, nil
}

// Workspace returns a private scratch directory for one render call.
func (s *Store) Workspace(name string) (string, error) {
	dir := filepath.Join(s.root, workDir, s.run, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Check verifies the store accepts writes.
func (s *Store) Check() error {
	f, err := os.CreateTemp(s.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("media store not writable: %w", err)
	}
	name := f.Name()
	_, werr := f.Write([]byte("ok"))
	cerr := f.Close()
	_ = os.Remove(name)
	if werr != nil {
		return fmt.Errorf("media store not writable: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("media store not writable: %w", cerr)
	}
	return nil
}

// Preflight fails when the store's filesystem has less than minFree bytes
// available. minFree == 0 disables the check.
func (s *Store) Preflight(minFree uint64) error {
	if minFree == 0 {
		return nil
	}
	u, err := disk.Usage(s.root)
	if err != nil {
		s.log.Warn("disk usage unavailable", "root", s.root, "error", err)
		return nil
	}
	if u.Free < minFree {
		return fmt.Errorf("media store has %d MB free, need %d MB", u.Free>>20, minFree>>20)
	}
	return nil
}

// CleanupTemp removes this run's partial downloads and render workspaces.
func (s *Store) CleanupTemp() error {
	var errs []error
	for _, d := range []string{tmpDir, workDir} {
		if err := os.RemoveAll(filepath.Join(s.root, d, s.run)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CleanupOlderThan purges cached clips, quarantined files and leftovers of
// earlier runs whose modification time is older than age.
func (s *Store) CleanupOlderThan(age time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-age)
	removed := 0
	for _, d := range []string{clipsDir, quarantineDir, tmpDir, workDir} {
		base := filepath.Join(s.root, d)
		n, err := removeOlder(base, cutoff)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	s.log.Info("cleanup done", "removed", removed, "older_than", age)
	return removed, nil
}

func removeOlder(base string, cutoff time.Time) (int, error) {
	removed := 0
	var dirs []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if p != base {
				dirs = append(dirs, p)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(p); err == nil {
				removed++
			}
		}
		return nil
	})
	// deepest first so parents become empty
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i]) // fails unless empty
	}
	return removed, err
}
