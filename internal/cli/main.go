package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func Main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "clipreel [sources...]",
		Short:        "Download short clips and render them into one vertical compilation",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args)
		},
	}

	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)
	root.SilenceErrors = true

	root.PersistentFlags().String("config", "", "YAML config file")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "", "Log format: text or json")
	root.PersistentFlags().String("log-file", "", "Also append logs to this file")
	root.PersistentFlags().String("cache", "", "Media cache directory")
	root.PersistentFlags().String("out", "", "Output directory")

	f := root.Flags()
	f.String("sources-file", "", "File with one source per line (id<TAB>title, # comments)")
	f.String("title", "", "Compilation title, used for the run directory name")
	f.Int("max-videos", 0, "Max clips in the compilation")
	f.String("transition", "", "Transition: cut, crossfade, fade, wipe, slide_left, slide_right, zoom_in, random")
	f.Duration("transition-duration", 0, "Requested transition length")
	f.String("order", "", "Clip order: as-given or shuffled")
	f.Int64("seed", 0, "Seed for shuffle and random transitions")
	f.Duration("max-clip-duration", 0, "Keep at most this much of each clip (0 = whole clip)")
	f.String("intro", "", "Intro bumper video")
	f.String("outro", "", "Outro bumper video")
	f.String("shorts", "", "Shorts: none, per_clip or compilation")
	f.Bool("no-thumbnail", false, "Skip the thumbnail")
	f.Int("concurrency", 0, "Parallel downloads")
	f.String("proxy", "", "Proxy URL for downloads")
	f.Bool("skip-processed", false, "Skip sources used by an earlier compilation")

	// Hidden tuning flags
	f.Duration("item-timeout", 0, "Per-source download timeout")
	f.Int("retries", -1, "Download retries after the first attempt")
	_ = f.MarkHidden("item-timeout")
	_ = f.MarkHidden("retries")

	root.AddCommand(newCleanCmd(), newRunsCmd())
	return root
}

func newCleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Purge cached downloads, quarantined files and old run outputs",
		Args:  cobra.NoArgs,
		RunE:  clean,
	}
	cmd.Flags().Int("older-than-days", 0, "Age threshold in days (default from config)")
	return cmd
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs recorded in the ledger",
		Args:  cobra.NoArgs,
		RunE:  runs,
	}
	cmd.Flags().Int("limit", 20, "How many runs to show")
	return cmd
}
