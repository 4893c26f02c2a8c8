package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/maxischmaxi/qshot/internal/compare"
	"github.com/maxischmaxi/qshot/internal/logging"
	"github.com/maxischmaxi/qshot/internal/pixeldiff"
	"github.com/maxischmaxi/qshot/internal/screenshot"
	"github.com/maxischmaxi/qshot/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newInitCommand(g *globalFlags) *cobra.Command {
	var updateMaster bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Start a build and print its context as JSON",
		Long: `init provisions the screenshot directory, clears the local build (and
the master build with --update-master) and prints the build context.
External harnesses pass that context to "qshot compare --context".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject(g, updateMaster)
			if err != nil {
				return err
			}
			bc, err := p.conn.Init(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), bc)
		},
	}
	cmd.Flags().BoolVar(&updateMaster, "update-master", false, "clear master and record every screenshot as master")
	return cmd
}

type compareFlags struct {
	contextFile string
	png         string
	desc        string
	threshold   float64
	profile     screenshot.EmulationProfile
}

func newCompareCommand(g *globalFlags) *cobra.Command {
	var f compareFlags

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare one PNG against the master build",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var threshold *float64
			if cmd.Flags().Changed("threshold") {
				threshold = &f.threshold
			}
			cmp, err := compareOne(cmd.Context(), g, f, threshold)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), cmp)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.contextFile, "context", "", "build context JSON printed by \"qshot init\" (default: a fresh context from the config)")
	fl.StringVar(&f.png, "png", "", "the captured PNG file")
	fl.StringVar(&f.desc, "desc", "", "test case description")
	fl.Float64Var(&f.threshold, "threshold", screenshot.DefaultThreshold, "per-pixel color threshold in [0,1]")
	fl.IntVar(&f.profile.Width, "width", 0, "viewport width in CSS pixels")
	fl.IntVar(&f.profile.Height, "height", 0, "viewport height in CSS pixels")
	fl.Float64Var(&f.profile.DeviceScaleFactor, "scale", 1, "device scale factor")
	fl.StringVar(&f.profile.Device, "device", "", "device name")
	fl.StringVar(&f.profile.UserAgent, "user-agent", "", "user agent")
	fl.BoolVar(&f.profile.IsMobile, "mobile", false, "mobile emulation")
	fl.BoolVar(&f.profile.HasTouch, "touch", false, "touch emulation")
	fl.BoolVar(&f.profile.IsLandscape, "landscape", false, "landscape orientation")
	fl.StringVar(&f.profile.MediaType, "media", "", "emulated CSS media type")
	_ = cmd.MarkFlagRequired("png")
	_ = cmd.MarkFlagRequired("desc")
	return cmd
}

func compareOne(ctx context.Context, g *globalFlags, f compareFlags, threshold *float64) (*screenshot.Comparison, error) {
	p, err := loadProject(g, false)
	if err != nil {
		return nil, err
	}
	if err := p.conn.Open(ctx); err != nil {
		return nil, err
	}

	bc := p.conn.Context()
	if f.contextFile != "" {
		b, err := os.ReadFile(f.contextFile)
		if err != nil {
			return nil, err
		}
		bc = screenshot.BuildContext{}
		if err := json.Unmarshal(b, &bc); err != nil {
			return nil, fmt.Errorf("decode build context %s: %w", f.contextFile, err)
		}
	}

	png, err := os.ReadFile(f.png)
	if err != nil {
		return nil, err
	}
	logging.L.Debug("comparing screenshot", zap.String("file", f.png), zap.String("size", humanize.Bytes(uint64(len(png)))))

	images := p.conn.Images()
	orch := compare.New(images, p.conn, pixeldiff.New(images, p.conn.Layout().CacheDir))
	return orch.Compare(ctx, bc, f.profile, png, f.desc, threshold)
}

func newCompleteCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "complete",
		Short: "Finish the local build and write both build manifests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject(g, false)
			if err != nil {
				return err
			}
			builds, err := p.conn.CompleteBuild(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "master: %s screenshots, local %s: %s screenshots\n",
				humanize.Comma(int64(len(builds.Master.Screenshots))),
				builds.Local.BuildID,
				humanize.Comma(int64(len(builds.Local.Screenshots))))
			return nil
		},
	}
}

func newPublishCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Render the static comparison page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject(g, false)
			if err != nil {
				return err
			}
			idx, err := p.conn.Index(cmd.Context())
			if err != nil {
				return err
			}
			page, err := p.conn.PublishBuild(cmd.Context(), idx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), page)
			return nil
		},
	}
}

func newServeCommand(g *globalFlags) *cobra.Command {
	var opts server.Options

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the comparison viewer until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject(g, false)
			if err != nil {
				return err
			}
			if err := p.conn.Open(cmd.Context()); err != nil {
				return err
			}
			if !cmd.Flags().Changed("host") && p.cfg.Server.Host != "" {
				opts.Host = p.cfg.Server.Host
			}
			if !cmd.Flags().Changed("port") && p.cfg.Server.Port != 0 {
				opts.Port = p.cfg.Server.Port
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			srv, err := server.Start(ctx, p.conn, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "comparison server: %s (Ctrl+C to stop)\n", srv.RootURL())
			<-ctx.Done()
			srv.Stop()
			srv.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Host, "host", server.DefaultHost, "listen host")
	cmd.Flags().IntVar(&opts.Port, "port", server.DefaultPort, "first port to try; higher ports are tried when it is taken")
	return cmd
}

func newPruneCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune <id>",
		Short: "Remove one snapshot from the master build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject(g, false)
			if err != nil {
				return err
			}
			if err := p.conn.DeleteMasterSnapshot(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s from master\n", args[0])
			return nil
		},
	}
}
