package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/forPelevin/clipreel/internal/types"
)

func readSourcesFile(path string) ([]types.SourceRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sources file: %w", err)
	}
	defer f.Close()
	refs, err := parseSources(f)
	if err != nil {
		return nil, fmt.Errorf("read sources file %s: %w", path, err)
	}
	return refs, nil
}

// parseSources reads one source per line. A tab separates an optional title;
// blank lines and lines starting with # are skipped.
func parseSources(r io.Reader) ([]types.SourceRef, error) {
	var out []types.SourceRef
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, title, _ := strings.Cut(line, "\t")
		out = append(out, types.SourceRef{ID: strings.TrimSpace(id), Title: strings.TrimSpace(title)})
	}
	return out, sc.Err()
}
