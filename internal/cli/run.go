package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/forPelevin/clipreel/internal/config"
	"github.com/forPelevin/clipreel/internal/logging"
	"github.com/forPelevin/clipreel/internal/pipeline"
	"github.com/forPelevin/clipreel/internal/types"
)

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	sources := make([]types.SourceRef, 0, len(args))
	for _, a := range args {
		sources = append(sources, types.SourceRef{ID: a})
	}
	if path, _ := cmd.Flags().GetString("sources-file"); path != "" {
		fromFile, err := readSourcesFile(path)
		if err != nil {
			return err
		}
		sources = append(sources, fromFile...)
	}
	if len(sources) == 0 {
		return errors.New("no sources: pass URLs/paths as arguments or use --sources-file")
	}

	log, closer, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := pipeline.Run(ctx, pipeline.Config{Config: cfg, Sources: sources, Log: log})
	printSummary(cmd.OutOrStdout(), res)
	if err != nil {
		return err
	}
	if res.Cancelled {
		return errors.New("run cancelled")
	}
	return nil
}

func clean(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if days, _ := cmd.Flags().GetInt("older-than-days"); days > 0 {
		cfg.MaxFileAgeDays = days
	}
	log, closer, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closer.Close()

	n, err := pipeline.Clean(cfg, log)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries older than %d days\n", n, cfg.MaxFileAgeDays)
	return nil
}

func runs(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, closer, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closer.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	history, err := pipeline.History(cmd.Context(), cfg, limit, log)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(history) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return nil
	}
	for _, r := range history {
		state := string(r.State)
		if r.Cancelled {
			state += " (cancelled)"
		}
		fmt.Fprintf(w, "%s  %s  %s  used %d, dropped %d, seed %d\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.RunID, state, r.UsedCount, r.DroppedCount, r.Seed)
		if r.CompilationPath != "" {
			fmt.Fprintf(w, "  %s\n", r.CompilationPath)
		}
	}
	return nil
}

// loadConfig resolves defaults < file < env < flags and validates the result.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if f.Changed(name) {
			*dst, _ = f.GetInt(name)
		}
	}

	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)
	str("log-file", &cfg.LogFile)
	str("cache", &cfg.CacheDir)
	str("out", &cfg.OutDir)
	str("title", &cfg.Title)
	str("transition", &cfg.TransitionType)
	str("order", &cfg.Order)
	str("shorts", &cfg.Shorts)
	str("proxy", &cfg.Proxy)
	num("max-videos", &cfg.MaxVideos)
	num("concurrency", &cfg.Concurrency)
	num("retries", &cfg.MaxRetries)

	if f.Changed("transition-duration") {
		cfg.TransitionDuration, _ = f.GetDuration("transition-duration")
	}
	if f.Changed("max-clip-duration") {
		cfg.MaxDurationPerClip, _ = f.GetDuration("max-clip-duration")
	}
	if f.Changed("item-timeout") {
		cfg.ItemTimeout, _ = f.GetDuration("item-timeout")
	}
	if f.Changed("seed") {
		seed, _ := f.GetInt64("seed")
		cfg.Seed = &seed
	}
	if f.Changed("intro") {
		cfg.IntroPath, _ = f.GetString("intro")
		cfg.UseIntro = cfg.IntroPath != ""
	}
	if f.Changed("outro") {
		cfg.OutroPath, _ = f.GetString("outro")
		cfg.UseOutro = cfg.OutroPath != ""
	}
	if f.Changed("no-thumbnail") {
		off, _ := f.GetBool("no-thumbnail")
		cfg.Thumbnail = !off
	}
	if f.Changed("skip-processed") {
		cfg.SkipProcessed, _ = f.GetBool("skip-processed")
	}
}

func newLogger(cfg config.Config, w io.Writer) (hclog.Logger, io.Closer, error) {
	return logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
		Output: w,
	})
}

func printSummary(w io.Writer, res types.PipelineResult) {
	if res.RunID == "" {
		return
	}
	fmt.Fprintf(w, "run %s: %s, used %d, dropped %d (seed %d)\n", res.RunID, res.State, res.UsedCount, res.DroppedCount, res.Seed)
	if res.CompilationPath != "" {
		fmt.Fprintf(w, "compilation: %s\n", res.CompilationPath)
	}
	for _, p := range res.ShortPaths {
		fmt.Fprintf(w, "short: %s\n", p)
	}
	if res.ThumbnailPath != "" {
		fmt.Fprintf(w, "thumbnail: %s\n", res.ThumbnailPath)
	}
	for _, o := range res.Dropped() {
		fmt.Fprintf(w, "  dropped #%d %s: %s\n", o.Index+1, o.Source.ID, o.Reason)
	}
	for _, f := range res.RenderFailures {
		fmt.Fprintf(w, "  render failed %s: %s\n", f.Target, f.Kind)
	}
}
