package main

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"

	"github.com/hpungsan/ignitron/internal/banklist"
	"github.com/hpungsan/ignitron/internal/capture"
	"github.com/hpungsan/ignitron/internal/catalog"
	"github.com/hpungsan/ignitron/internal/config"
	"github.com/hpungsan/ignitron/internal/errors"
	"github.com/hpungsan/ignitron/internal/metrics"
	"github.com/hpungsan/ignitron/internal/pipeline"
	"github.com/hpungsan/ignitron/internal/preset"
	"github.com/hpungsan/ignitron/internal/serial"
	"github.com/hpungsan/ignitron/internal/session"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(db *sql.DB, cfg *config.Config) *cli.App {
	app := &cli.App{
		Name:    "ignitron",
		Usage:   "Extract and normalize presets from the Ignitron pedal",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", EnvVars: []string{"IGNITRON_LOG_LEVEL"}, Usage: "debug|info|warn|error"},
		},
		Before: func(c *cli.Context) error {
			if c.IsSet("log-level") {
				slog.SetDefault(newLogger(os.Stderr, c.String("log-level")))
			}
			return nil
		},
		Commands: []*cli.Command{
			convertCmd(db, cfg),
			convertFolderCmd(db, cfg),
			captureCmd(db, cfg),
			listenCmd(db, cfg),
			banksCmd(cfg),
			portsCmd(),
			historyCmd(db),
			findCmd(db),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// conversionFlags are shared by every command that writes presets.
func conversionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output directory (default <output_base>_<timestamp>)"},
		&cli.StringFlag{Name: "index", Usage: "Index file (default <index_base>_<timestamp>.txt)"},
		&cli.BoolFlag{Name: "all", Aliases: []string{"a"}, Usage: "Keep every preset even when a bank list is present"},
		&cli.BoolFlag{Name: "keep-spark-fields", Usage: "Write presets as received, without schema conversion"},
		&cli.BoolFlag{Name: "round-numbers", Usage: "Turn integral floats into integers and round to 4 decimals"},
		&cli.StringFlag{Name: "metrics-file", Usage: "Write Prometheus text metrics to this file"},
	}
}

// serialFlags select the pedal's port.
func serialFlags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "port", Aliases: []string{"p"}, Value: cfg.Port, EnvVars: []string{"IGNITRON_PORT"}, Usage: "Serial port (e.g. COM9, /dev/ttyUSB0)"},
		&cli.IntFlag{Name: "baud", Value: cfg.Baud, EnvVars: []string{"IGNITRON_BAUD"}, Usage: "Baud rate"},
	}
}

// convertCmd creates the convert command.
func convertCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "convert",
		Usage:     "Extract presets from a saved log or dump file",
		ArgsUsage: "<file>",
		Flags:     conversionFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("exactly one file is required"))
			}
			ctx, stop := signalContext(c.Context)
			defer stop()

			m := metrics.New()
			bar := newSpinner("Converting")
			opts := pipelineOptions(c, cfg, m, bar)

			res, err := pipeline.ConvertFile(ctx, c.Args().First(), opts)
			_ = bar.Finish()
			if err != nil {
				return outputError(err)
			}
			recordRun(c.Context, db, catalog.Record{Kind: catalog.KindConvert, Result: res})
			if err := writeMetrics(c, m); err != nil {
				return outputError(err)
			}
			return outputJSON(res)
		},
	}
}

// convertFolderCmd creates the convert-folder command.
func convertFolderCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "convert-folder",
		Usage:     "Extract presets from every .txt and .log file in a folder into one run",
		ArgsUsage: "<dir>",
		Flags:     conversionFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("exactly one folder is required"))
			}
			ctx, stop := signalContext(c.Context)
			defer stop()

			m := metrics.New()
			bar := newSpinner("Converting folder")
			opts := pipelineOptions(c, cfg, m, bar)

			res, err := pipeline.ConvertFolder(ctx, c.Args().First(), opts)
			_ = bar.Finish()
			if err != nil {
				return outputError(err)
			}
			recordRun(c.Context, db, catalog.Record{Kind: catalog.KindConvertFolder, Result: res})
			if err := writeMetrics(c, m); err != nil {
				return outputError(err)
			}
			return outputJSON(res)
		},
	}
}

// captureCmd creates the capture command.
func captureCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	flags := append(serialFlags(cfg), conversionFlags()...)
	flags = append(flags,
		&cli.BoolFlag{Name: "skip-banks", Usage: "Do not request the active bank list"},
		&cli.StringFlag{Name: "dist", Value: cfg.DistDir, Usage: "Directory for the exported bank list (empty disables export)"},
	)

	return &cli.Command{
		Name:  "capture",
		Usage: "Request the bank list and every preset from the pedal over serial",
		Flags: flags,
		Action: func(c *cli.Context) error {
			ctx, stop := signalContext(c.Context)
			defer stop()

			m := metrics.New()
			reader, err := newReader(c, cfg, m)
			if err != nil {
				return outputError(err)
			}

			bar := newSpinner("Connecting")
			opts := capture.DefaultOptions()
			opts.Pipeline = pipelineOptions(c, cfg, m, bar)
			opts.ConnectTimeout = cfg.ConnectTimeout()
			opts.BankListTimeout = cfg.BankListTimeout()
			opts.BankPoll = cfg.BankPoll()
			opts.PresetListTimeout = cfg.PresetListTimeout()
			opts.PresetPoll = cfg.PresetPoll()
			opts.SkipBankList = c.Bool("skip-banks")
			opts.DistDir = c.String("dist")
			opts.OnPhase = func(p capture.Phase) { bar.Describe(p.String()) }

			res, runErr := capture.Run(ctx, reader, opts)
			_ = bar.Finish()
			if res == nil {
				return outputError(runErr)
			}
			recordRun(c.Context, db, catalog.Record{
				Kind:         catalog.KindCapture,
				Result:       res.Result,
				BankListPath: res.BankListPath,
				Err:          runErr,
			})
			if err := writeMetrics(c, m); err != nil {
				return outputError(err)
			}
			if err := outputJSON(res); err != nil {
				return err
			}
			if runErr != nil {
				return outputError(runErr)
			}
			return nil
		},
	}
}

// listenCmd creates the listen command.
func listenCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "Record presets sent by the Spark app through the pedal until interrupted",
		Flags: append(serialFlags(cfg), conversionFlags()...),
		Action: func(c *cli.Context) error {
			ctx, stop := signalContext(c.Context)
			defer stop()

			m := metrics.New()
			reader, err := newReader(c, cfg, m)
			if err != nil {
				return outputError(err)
			}

			bar := newSpinner("Listening (Ctrl+C to stop)")
			res, runErr := capture.Listen(ctx, reader, capture.ListenOptions{
				Pipeline: pipelineOptions(c, cfg, m, bar),
			})
			_ = bar.Finish()
			if res == nil {
				return outputError(runErr)
			}
			recordRun(c.Context, db, catalog.Record{Kind: catalog.KindListen, Result: res, Err: runErr})
			if err := writeMetrics(c, m); err != nil {
				return outputError(err)
			}
			if err := outputJSON(res); err != nil {
				return err
			}
			if runErr != nil {
				return outputError(runErr)
			}
			return nil
		},
	}
}

// bankListOutput is printed by the banks subcommands.
type bankListOutput struct {
	Found  bool       `json:"found"`
	Names  []string   `json:"names"`
	Banks  [][]string `json:"banks"`
	Output string     `json:"output,omitempty"`
}

// banksCmd creates the banks command group.
func banksCmd(cfg *config.Config) *cli.Command {
	outFlag := &cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file (default <dist_dir>/PresetList_<timestamp>.txt)"}

	return &cli.Command{
		Name:  "banks",
		Usage: "Work with the pedal's active bank list",
		Subcommands: []*cli.Command{
			{
				Name:      "extract",
				Usage:     "Extract the bank list from a saved log and export it",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					outFlag,
					&cli.BoolFlag{Name: "no-export", Usage: "Only print the list"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return outputError(errors.NewInvalidRequest("exactly one file is required"))
					}
					names, found, err := banklist.ExtractFile(c.Args().First())
					if err != nil {
						return outputError(err)
					}
					if !found {
						return outputError(errors.NewNotFound("LISTBANKS section in " + c.Args().First()))
					}

					out := bankListOutput{Found: true, Names: nonNil(names), Banks: banklist.Chunk(names)}
					if !c.Bool("no-export") {
						path := bankListPath(c, cfg)
						if err := banklist.Write(path, out.Banks); err != nil {
							return outputError(err)
						}
						out.Output = path
					}
					if out.Banks == nil {
						out.Banks = [][]string{}
					}
					return outputJSON(out)
				},
			},
			{
				Name:      "pad",
				Usage:     "Pad a hand-written bank list to 4 presets per bank and export it",
				ArgsUsage: "<file>",
				Flags:     []cli.Flag{outFlag},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return outputError(errors.NewInvalidRequest("exactly one file is required"))
					}
					f, err := os.Open(c.Args().First())
					if err != nil {
						if os.IsNotExist(err) {
							return outputError(errors.NewNotFound(c.Args().First()))
						}
						return outputError(errors.NewInternal(err))
					}
					groups, err := banklist.ParseGroups(f)
					f.Close()
					if err != nil {
						return outputError(errors.NewInternal(err))
					}

					path := bankListPath(c, cfg)
					if err := banklist.Write(path, groups); err != nil {
						return outputError(err)
					}

					var names []string
					for _, g := range groups {
						names = append(names, g...)
					}
					return outputJSON(bankListOutput{Found: true, Names: nonNil(names), Banks: groups, Output: path})
				},
			},
		},
	}
}

// portsCmd creates the ports command.
func portsCmd() *cli.Command {
	return &cli.Command{
		Name:  "ports",
		Usage: "List serial ports",
		Action: func(c *cli.Context) error {
			ports, err := serial.ListPorts()
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			return outputJSON(ports)
		},
	}
}

// historyCmd creates the history command.
func historyCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List recorded runs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind", Aliases: []string{"k"}, Usage: "convert|convert_folder|capture|listen"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: catalog.DefaultLimit, Usage: "Maximum results"},
			&cli.IntFlag{Name: "offset", Usage: "Skip first N results"},
		},
		Action: func(c *cli.Context) error {
			if db == nil {
				return outputError(errors.NewInternal(errNoCatalog))
			}
			runs, err := catalog.ListRuns(c.Context, db, catalog.ListOptions{
				Kind:   catalog.Kind(c.String("kind")),
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(runs)
		},
	}
}

// findCmd creates the find command.
func findCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:      "find",
		Usage:     "Find the runs that saved a preset, by filename or UUID",
		ArgsUsage: "<filename|uuid>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: catalog.DefaultLimit, Usage: "Maximum results"},
		},
		Action: func(c *cli.Context) error {
			if db == nil {
				return outputError(errors.NewInternal(errNoCatalog))
			}
			found, err := catalog.FindPresets(c.Context, db, catalog.FindOptions{
				Query: c.Args().First(),
				Limit: c.Int("limit"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(found)
		},
	}
}

var errNoCatalog = stderrors.New("run catalog is not available")

// pipelineOptions builds run options from config and command flags.
func pipelineOptions(c *cli.Context, cfg *config.Config, m *metrics.Metrics, bar *progressbar.ProgressBar) pipeline.Options {
	paths := session.ResolvePaths(cfg.OutputBase, cfg.IndexBase, time.Now())
	if out := c.String("out"); out != "" {
		paths.OutDir = out
	}
	if index := c.String("index"); index != "" {
		paths.IndexPath = index
	}

	return pipeline.Options{
		Paths: paths,
		Normalize: preset.Options{
			ConvertSchema: !(cfg.KeepSparkFields || c.Bool("keep-spark-fields")),
			RoundNumbers:  cfg.RoundNumbers || c.Bool("round-numbers"),
		},
		ActiveFilter: !c.Bool("all"),
		Logger:       slog.Default(),
		Metrics:      m,
		OnOutcome: func(session.Outcome) {
			_ = bar.Add(1)
		},
	}
}

func newReader(c *cli.Context, cfg *config.Config, m *metrics.Metrics) (*serial.Reader, error) {
	port := strings.TrimSpace(c.String("port"))
	if port == "" {
		return nil, errors.NewInvalidRequest("no serial port: pass --port, set IGNITRON_PORT or \"port\" in config (see 'ignitron ports')")
	}
	return serial.NewReader(port, serial.Opener(port, c.Int("baud")),
		serial.WithQueueSize(cfg.QueueSize),
		serial.WithLogger(slog.Default()),
		serial.WithMetrics(m),
	), nil
}

func bankListPath(c *cli.Context, cfg *config.Config) string {
	if out := c.String("out"); out != "" {
		return out
	}
	return banklist.DefaultPath(cfg.DistDir, session.Timestamp(time.Now()))
}

// recordRun stores a finished run in the catalog. A failure only costs
// the history entry, so it is logged.
func recordRun(ctx context.Context, db *sql.DB, rec catalog.Record) {
	if db == nil || rec.Result == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := catalog.RecordRun(ctx, db, rec); err != nil {
		slog.Warn("cannot record run", "run", rec.Result.ID, "error", err)
	}
}

func writeMetrics(c *cli.Context, m *metrics.Metrics) error {
	path := c.String("metrics-file")
	if path == "" {
		return nil
	}
	if err := m.WriteTextfile(path); err != nil {
		return errors.NewInternal(fmt.Errorf("write metrics: %w", err))
	}
	return nil
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// newSpinner returns an indeterminate progress display on stderr counting
// processed presets.
func newSpinner(desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetVisibility(progressVisible()),
		progressbar.OptionFullWidth(),
		progressbar.OptionClearOnFinish(),
	)
}

// progressVisible hides progress when stderr is not a terminal or
// IGNITRON_DISABLE_PROGRESS is set.
func progressVisible() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("IGNITRON_DISABLE_PROGRESS")))
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return false
	}
	return isTerminal(os.Stderr)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// outputJSON writes v as JSON to stdout.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var iErr *errors.IgnitronError
	if stderrors.As(err, &iErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", iErr.Code, iErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}
