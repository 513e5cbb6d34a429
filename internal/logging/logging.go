package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

type Options struct {
	Name   string
	Level  string // debug|info|warn|error
	Format string // text|json
	File   string // optional, appended in addition to stderr
	Output io.Writer
}

// ParseLevel accepts only the levels exposed in configuration.
func ParseLevel(s string) (hclog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return hclog.Debug, nil
	case "", "info":
		return hclog.Info, nil
	case "warn", "warning":
		return hclog.Warn, nil
	case "error":
		return hclog.Error, nil
	}
	return hclog.NoLevel, fmt.Errorf("unknown log level %q", s)
}

// New builds the root logger. The returned closer releases the log file, if
// any; it is never nil.
func New(opts Options) (hclog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	var jsonFormat bool
	switch strings.ToLower(opts.Format) {
	case "", "text":
	case "json":
		jsonFormat = true
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(out, f)
		closer = f
	}

	name := opts.Name
	if name == "" {
		name = "clipreel"
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     out,
		JSONFormat: jsonFormat,
	}), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
