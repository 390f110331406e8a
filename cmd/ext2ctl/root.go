package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/joshuapare/ext2kit/internal/config"
	"github.com/joshuapare/ext2kit/internal/logger"
	"github.com/joshuapare/ext2kit/pkg/image"
)

var (
	// Global flags
	cfgFile  string
	verbose  bool
	quiet    bool
	jsonOut  bool
	yamlOut  bool
	readOnly bool
	useMmap  bool

	// Set by the root command before any subcommand runs.
	cfg *config.Config
	log = zap.NewNop()
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ext2ctl",
		Short: "Create, inspect and allocate on ext2 filesystem images",
		Long: `ext2ctl creates ext2 filesystem images and drives the block and inode
allocator on them. It reports geometry and per-group usage, allocates and
frees blocks and inodes, and checks the allocation metadata for consistency.

Images ending in .xz or .bz2 are decompressed into memory and recompressed
when they are written back.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(*cobra.Command, []string) { _ = log.Sync() },
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default ./ext2ctl.yaml or $XDG_CONFIG_HOME/ext2ctl/ext2ctl.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output and debug logging")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	flags.BoolVar(&jsonOut, "json", false, "Output in JSON format")
	flags.BoolVar(&yamlOut, "yaml", false, "Output in YAML format")
	flags.BoolVar(&readOnly, "read-only", false, "Open images read-only")
	flags.BoolVar(&useMmap, "mmap", false, "Map uncompressed images into memory")
	cmd.MarkFlagsMutuallyExclusive("json", "yaml")

	cmd.AddCommand(
		newMkfsCmd(),
		newInfoCmd(),
		newGroupsCmd(),
		newAllocCmd(),
		newFreeCmd(),
		newCheckCmd(),
		newVersionCmd(),
	)
	return cmd
}

// setup loads the configuration, applies flags that were set explicitly and
// builds the logger.
func setup(cmd *cobra.Command, _ []string) error {
	v := config.New(cfgFile)
	c, err := config.Load(v)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("read-only") {
		c.Mount.ReadOnly = readOnly
	}
	if flags.Changed("mmap") {
		c.Mount.Mmap = useMmap
	}
	if verbose {
		c.Log.Level = "debug"
	}
	l, err := logger.New(logger.Config{Level: c.Log.Level, Format: c.Log.Format, File: c.Log.File})
	if err != nil {
		return err
	}
	cfg, log = c, l
	if c.File != "" {
		log.Debug("loaded config", zap.String("file", c.File))
	}
	return nil
}

func execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openOptions builds image options from the configuration. Commands that only
// read pass ro.
func openOptions(ro bool) image.OpenOptions {
	opts := image.OpenOptions{
		Mount:        cfg.MountOptions(log),
		Alloc:        cfg.AllocOptions(log),
		Mmap:         cfg.Mount.Mmap,
		SyncInterval: cfg.Mount.SyncInterval,
	}
	if ro {
		opts.Mount.ReadOnly = true
	}
	return opts
}

func openImage(ctx context.Context, path string, ro bool) (*image.Image, error) {
	printVerbose("Opening image: %s\n", path)
	im, err := image.Open(ctx, path, openOptions(ro))
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	return im, nil
}

// closeImage closes im and reports the close error unless err is already set.
func closeImage(ctx context.Context, im *image.Image, err *error) {
	if cerr := im.Close(ctx); cerr != nil && *err == nil {
		*err = fmt.Errorf("failed to close image: %w", cerr)
	}
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// printYAML outputs data as YAML
func printYAML(v any) error {
	encoder := yaml.NewEncoder(os.Stdout)
	encoder.SetIndent(2)
	if err := encoder.Encode(v); err != nil {
		return err
	}
	return encoder.Close()
}

// structured prints v as JSON or YAML when requested. It reports whether it did.
func structured(v any) (bool, error) {
	switch {
	case jsonOut:
		return true, printJSON(v)
	case yamlOut:
		return true, printYAML(v)
	}
	return false, nil
}

// numbers formats counts with the digit grouping of the user's locale.
func numbers() *message.Printer {
	tag := language.English
	for _, env := range []string{"LC_ALL", "LC_NUMERIC", "LANG"} {
		s, _, _ := strings.Cut(os.Getenv(env), ".")
		if s == "" || s == "C" || s == "POSIX" {
			continue
		}
		if t, err := language.Parse(strings.ReplaceAll(s, "_", "-")); err == nil {
			tag = t
		}
		break
	}
	return message.NewPrinter(tag)
}
