// Command qshot captures screenshots of a web app under a set of emulated
// devices and compares them with an accepted master build.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maxischmaxi/qshot/internal/config"
	"github.com/maxischmaxi/qshot/internal/connector"
	"github.com/maxischmaxi/qshot/internal/logging"
	"github.com/maxischmaxi/qshot/internal/tools"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// errFailed is returned when the run finished but screenshots failed.
var errFailed = errors.New("screenshots failed")

type globalFlags struct {
	input      string
	baseConfig string
	buildID    string
	message    string
	log        logging.Config
}

func main() {
	var g globalFlags
	var cleanupLogs func()

	rootCmd := &cobra.Command{
		Use:   "qshot",
		Short: "Visual regression screenshots against a master build",
		Long: `qshot captures screenshots of every configured test case and device,
stores them content addressed and diffs them against the master build.

Commands:
  run       capture, compare and report every test case
  init      start a build and print its context for external harnesses
  compare   compare one PNG against master
  complete  finish the local build and write manifests
  publish   render the static comparison page
  serve     serve the comparison viewer
  prune     remove one snapshot from master`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			var err error
			cleanupLogs, err = logging.Init(g.log)
			return err
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.input, "input", ".", "the project directory holding the config and test cases")
	pf.StringVar(&g.baseConfig, "config", config.DefaultFileName, "path to the base config file, relative to --input")
	pf.StringVar(&g.buildID, "build-id", "", "local build id (default: current UTC time as yyyymmddhhmmss)")
	pf.StringVar(&g.message, "message", "", "message stored with the local build")
	pf.StringVar(&g.log.FilePath, "log-file", "", "if set, also log to this file")
	pf.StringVar(&g.log.Level, "log-level", "error", "log level: debug, info, warn, error")
	pf.BoolVar(&g.log.JSON, "log-json", false, "log in JSON format")
	pf.BoolVar(&g.log.Console, "log-console", true, "log to stderr")
	pf.BoolVar(&g.log.Development, "log-dev", false, "development logging with stack traces for warnings")
	g.log.MaxSizeMB = 1000
	g.log.MaxBackups = 5
	g.log.MaxAgeDays = 14

	rootCmd.AddCommand(
		newRunCommand(&g),
		newInitCommand(&g),
		newCompareCommand(&g),
		newCompleteCommand(&g),
		newPublishCommand(&g),
		newServeCommand(&g),
		newPruneCommand(&g),
	)

	err := rootCmd.Execute()
	if cleanupLogs != nil {
		cleanupLogs()
	}
	if err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// project is the loaded base config and the connector built from it.
type project struct {
	dir  string
	cfg  *config.BaseConfig
	conn *connector.Connector
}

func loadProject(g *globalFlags, updateMaster bool) (*project, error) {
	dir, err := tools.ExpandPath(g.input)
	if err != nil {
		logging.L.Error("failed to expand input path", zap.String("input", g.input), zap.Error(err))
		return nil, err
	}
	path := g.baseConfig
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	cfg, err := config.NewBaseConfig(path)
	if err != nil {
		return nil, err
	}
	logging.L.Info("loaded base config", zap.String("file", path), zap.Any("config", cfg))

	opts := connectorOptions(cfg)
	opts.BuildID = g.buildID
	opts.Message = g.message
	opts.UpdateMaster = updateMaster
	return &project{dir: dir, cfg: cfg, conn: connector.New(opts)}, nil
}

func connectorOptions(cfg *config.BaseConfig) connector.Options {
	opts := connector.DefaultOptions(cfg.RootDir)
	opts.ScreenshotDirName = cfg.ScreenshotDir
	opts.ImagesDirName = cfg.ImagesDir
	opts.MasterDirName = cfg.MasterDir
	opts.LocalDirName = cfg.LocalDir
	opts.CacheDirName = cfg.CacheDir
	opts.ComparePageName = cfg.ComparePage
	opts.PrerenderImages = cfg.PrerenderImages
	opts.Threshold = cfg.Threshold
	opts.FullPage = cfg.FullPage
	if cfg.GitIgnore != nil {
		opts.GitIgnore = *cfg.GitIgnore
	}
	return opts
}
