// Package cli implements the wlshot command line.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/wlshot/internal/config"
	"github.com/GriffinCanCode/wlshot/internal/imageio"
	"github.com/GriffinCanCode/wlshot/internal/screen"
	"github.com/GriffinCanCode/wlshot/internal/screencopy"
	"github.com/GriffinCanCode/wlshot/internal/wayland"
)

// newCapturer is swapped out in tests.
var newCapturer = screen.New

type options struct {
	output      string
	slurp       string
	cursor      bool
	format      string
	file        string
	stdout      bool
	listOutputs bool
	timeout     time.Duration
	scale       bool
	logLevel    string
	backend     string
}

// NewRootCommand builds the wlshot command tree.
func NewRootCommand() *cobra.Command {
	var opts options
	root := &cobra.Command{
		Use:   "wlshot",
		Short: "Screenshot tool for wlroots compositors",
		Long: `wlshot captures a single frame of a Wayland output through the
wlr-screencopy protocol and writes it as PNG, JPEG or PPM.

Settings default to the WLSHOT_* environment variables; flags override them.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, &opts)
			if err != nil {
				return err
			}
			return runCapture(cmd, cfg, &opts)
		},
	}

	flags := root.Flags()
	flags.StringVarP(&opts.output, "output", "o", "", "output to capture (default first output)")
	flags.StringVarP(&opts.slurp, "slurp", "s", "", `region to capture as "X,Y WxH", or "-" to read it from stdin`)
	flags.BoolVarP(&opts.cursor, "cursor", "c", false, "include the cursor in the screenshot")
	flags.StringVarP(&opts.format, "format", "f", config.FormatPNG, "image format: png, jpeg or ppm")
	flags.StringVar(&opts.file, "file", "", "file to write (default <unix-time>-wlshot.<ext>)")
	flags.BoolVar(&opts.stdout, "stdout", false, "write the image to stdout")
	flags.BoolVarP(&opts.listOutputs, "list-outputs", "l", false, "list outputs and exit")
	flags.DurationVar(&opts.timeout, "timeout", 0, "give up on the compositor after this long (0 waits forever)")
	flags.BoolVar(&opts.scale, "scale-to-logical", false, "downscale HiDPI frames to the logical output size")
	root.MarkFlagsMutuallyExclusive("file", "stdout")

	persistent := root.PersistentFlags()
	persistent.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	persistent.StringVar(&opts.backend, "backend", config.BackendAuto, "capture backend: auto, wayland or x11")

	root.AddCommand(newServeCommand(&opts))
	return root
}

// Execute runs the command line with ctx and returns the process exit code.
func Execute(ctx context.Context) int {
	root := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "wlshot:", err)
		return 1
	}
	return 0
}

// loadConfig reads the environment, applies explicitly set flags and
// configures logging.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg := config.Load()
	changed := func(name string) bool { return cmd.Flags().Changed(name) }

	if changed("output") {
		cfg.Output = opts.output
	}
	if changed("cursor") {
		cfg.Cursor = opts.cursor
	}
	if changed("format") {
		cfg.Format = strings.ToLower(opts.format)
	}
	if changed("timeout") {
		cfg.CaptureTimeout = opts.timeout
	}
	if changed("scale-to-logical") {
		cfg.ScaleToLogical = opts.scale
	}
	if changed("log-level") {
		cfg.LogLevel = strings.ToLower(opts.logLevel)
	}
	if changed("backend") {
		cfg.Backend = strings.ToLower(opts.backend)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	setupLogging(cmd.ErrOrStderr(), cfg.LogLevel)
	return cfg, nil
}

// setupLogging installs the default logger on w. stdout is kept free for
// image data.
func setupLogging(w io.Writer, level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
}

func runCapture(cmd *cobra.Command, cfg *config.Config, opts *options) error {
	ctx := cmd.Context()
	c, err := newCapturer(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if opts.listOutputs {
		infos, err := c.Outputs()
		if err != nil {
			return err
		}
		printOutputs(cmd.OutOrStdout(), infos)
		return nil
	}

	req := screen.Request{Output: cfg.Output, Cursor: cfg.Cursor}
	if opts.slurp != "" {
		region, err := readRegion(opts.slurp, cmd.InOrStdin())
		if err != nil {
			return err
		}
		req.Region = &region
	}

	start := time.Now()
	f, err := c.CaptureAlways(ctx, req)
	if err != nil {
		return err
	}
	slog.Debug("captured frame", "output", f.Output, "backend", f.Backend,
		"size", f.Image.Bounds().Size(), "took", time.Since(start))

	enc := imageio.Options{Format: cfg.Format, JPEGQuality: cfg.JPEGQuality}
	if opts.stdout {
		return imageio.Encode(cmd.OutOrStdout(), f.Image, enc)
	}
	path := opts.file
	if path == "" {
		path = imageio.DefaultFilename(f.CapturedAt, cfg.Format)
	}
	if err := imageio.WriteFile(path, f.Image, enc); err != nil {
		return err
	}
	slog.Info("saved screenshot", "path", path, "output", f.Output)
	return nil
}

// readRegion parses slurp's geometry, reading it from stdin when s is "-".
func readRegion(s string, stdin io.Reader) (screencopy.Region, error) {
	if s == "-" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && line == "" {
			return screencopy.Region{}, fmt.Errorf("read region from stdin: %w", err)
		}
		s = line
	}
	return screencopy.ParseRegion(s)
}

func printOutputs(w io.Writer, infos []wayland.OutputInfo) {
	for _, info := range infos {
		lw, lh := info.LogicalSize()
		fmt.Fprintln(w, info.Name)
		if info.Description != "" {
			fmt.Fprintf(w, "\tdescription: %s\n", info.Description)
		}
		if info.Refresh > 0 {
			fmt.Fprintf(w, "\tmode: %dx%d@%.3fHz\n", info.Width, info.Height, float64(info.Refresh)/1000)
		} else {
			fmt.Fprintf(w, "\tmode: %dx%d\n", info.Width, info.Height)
		}
		fmt.Fprintf(w, "\tposition: %d,%d\n", info.X, info.Y)
		fmt.Fprintf(w, "\tscale: %d\n", info.Scale)
		fmt.Fprintf(w, "\tlogical size: %dx%d\n", lw, lh)
	}
}
