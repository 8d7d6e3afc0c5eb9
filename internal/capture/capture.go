// Package capture runs live sessions against the pedal over a serial Reader.
//
// Run requests the active bank list and then every stored preset, bounding
// each wait so a silent or unplugged pedal never hangs the run. Listen
// records presets relayed by the Spark app until it is interrupted.
package capture

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/hpungsan/ignitron/internal/banklist"
	"github.com/hpungsan/ignitron/internal/errors"
	"github.com/hpungsan/ignitron/internal/pipeline"
	"github.com/hpungsan/ignitron/internal/scanner"
	"github.com/hpungsan/ignitron/internal/serial"
	"github.com/hpungsan/ignitron/internal/session"
)

// Device commands.
const (
	CommandListBanks   = "LISTBANKS"
	CommandListPresets = "LISTPRESETS"
)

// Phase is the live run's position.
type Phase int

const (
	Connecting Phase = iota
	AwaitingBankList
	AwaitingPresetList
	Draining
	Finished
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case AwaitingBankList:
		return "awaiting_bank_list"
	case AwaitingPresetList:
		return "awaiting_preset_list"
	case Draining:
		return "draining"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Options configures Run.
type Options struct {
	Pipeline pipeline.Options

	ConnectTimeout    time.Duration
	Warmup            time.Duration
	BankListTimeout   time.Duration
	BankPoll          time.Duration
	PresetListTimeout time.Duration
	PresetPoll        time.Duration

	// SkipBankList goes straight to the preset listing.
	SkipBankList bool
	// DistDir receives PresetList_<ts>.txt when the bank list was used as
	// the filter. Empty disables the export.
	DistDir string

	Logger  *slog.Logger
	OnPhase func(Phase)
}

// DefaultOptions returns the pedal's usual timings.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:    3 * time.Second,
		Warmup:            200 * time.Millisecond,
		BankListTimeout:   5 * time.Second,
		BankPoll:          250 * time.Millisecond,
		PresetListTimeout: 60 * time.Second,
		PresetPoll:        500 * time.Millisecond,
	}
}

// applyDefaults fills unset timings. Warmup may be zero.
func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.BankListTimeout <= 0 {
		o.BankListTimeout = def.BankListTimeout
	}
	if o.BankPoll <= 0 {
		o.BankPoll = def.BankPoll
	}
	if o.PresetListTimeout <= 0 {
		o.PresetListTimeout = def.PresetListTimeout
	}
	if o.PresetPoll <= 0 {
		o.PresetPoll = def.PresetPoll
	}
}

// Result is a finished live run.
type Result struct {
	*pipeline.Result
	BankListPath string `json:"bank_list_path,omitempty"`
}

type runner struct {
	ctx    context.Context
	reader *serial.Reader
	pipe   *pipeline.Pipeline
	opts   Options
	logger *slog.Logger
}

// Run drives a full live capture on r. r must not be started yet; Run
// starts and stops it. A transport failure ends the run: the presets saved
// so far are kept and returned together with the error.
func Run(ctx context.Context, r *serial.Reader, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Pipeline.Logger == nil {
		opts.Pipeline.Logger = logger
	}
	opts.applyDefaults()

	run := &runner{
		ctx:    ctx,
		reader: r,
		pipe:   pipeline.New(opts.Pipeline),
		opts:   opts,
		logger: logger.With("component", "capture"),
	}
	return run.do()
}

func (c *runner) do() (*Result, error) {
	c.phase(Connecting)
	c.reader.Start()
	defer c.reader.Stop()

	if err := c.connect(); err != nil {
		return c.finish(err)
	}

	if !c.opts.SkipBankList {
		c.phase(AwaitingBankList)
		if err := c.awaitBankList(); err != nil {
			return c.finish(err)
		}
	}

	c.phase(AwaitingPresetList)
	if err := c.awaitPresetList(); err != nil {
		return c.finish(err)
	}

	c.phase(Draining)
	c.reader.Stop()
	drainLines(c.reader, c.pipe.FeedLine)
	return c.finish(nil)
}

func (c *runner) connect() error {
	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-c.reader.Ready():
	case m, ok := <-c.reader.Lines():
		// Open failed: the only message is the error.
		if ok && m.Err != nil {
			return m.Err
		}
		if !ok {
			return errors.NewTransportOpenFailed(c.reader.Name(), context.Canceled)
		}
		c.pipe.FeedLine(m.Line)
	case <-timer.C:
		return errors.NewTransportOpenFailed(c.reader.Name(), context.DeadlineExceeded)
	case <-c.ctx.Done():
		return errors.NewCancelled("capture")
	}

	return c.sleep(c.opts.Warmup)
}

func (c *runner) awaitBankList() error {
	if err := c.reader.WriteLine(CommandListBanks); err != nil {
		c.logger.Debug("request failed", "command", CommandListBanks, "error", err)
	}

	deadline := time.Now().Add(c.opts.BankListTimeout)
	for time.Now().Before(deadline) {
		line, ok, err := c.next(c.opts.BankPoll)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		c.pipe.FeedLine(line)
		if scanner.HasMarker(line, scanner.MarkerBanksDone) {
			return nil
		}
	}

	if _, found := c.pipe.BankList(); !found {
		c.logger.Info("no bank list received, keeping all presets")
	}
	return nil
}

func (c *runner) awaitPresetList() error {
	if err := c.reader.WriteLine(CommandListPresets); err != nil {
		c.logger.Debug("request failed", "command", CommandListPresets, "error", err)
	}

	started := false
	deadline := time.Now().Add(c.opts.PresetListTimeout)
	for time.Now().Before(deadline) {
		line, ok, err := c.next(c.opts.PresetPoll)
		if err != nil {
			return err
		}
		if !ok {
			if started {
				c.logger.Debug("preset listing went quiet")
				return nil
			}
			continue
		}
		c.pipe.FeedLine(line)
		if scanner.HasMarker(line, scanner.MarkerPresetsStart) {
			started = true
		}
		if scanner.HasMarker(line, scanner.MarkerPresetsDone) {
			return nil
		}
	}

	c.logger.Warn("preset listing timed out", "timeout", c.opts.PresetListTimeout, "started", started)
	return nil
}

// next waits up to poll for a line. ok is false on a poll timeout.
func (c *runner) next(poll time.Duration) (line string, ok bool, err error) {
	timer := time.NewTimer(poll)
	defer timer.Stop()

	select {
	case m, open := <-c.reader.Lines():
		if !open {
			return "", false, errors.NewTransportReadFailed(c.reader.Name(), io.ErrUnexpectedEOF)
		}
		if m.Err != nil {
			return "", false, m.Err
		}
		return m.Line, true, nil
	case <-timer.C:
		return "", false, nil
	case <-c.ctx.Done():
		return "", false, errors.NewCancelled("capture")
	}
}

// drainLines feeds lines still queued on a stopped reader without blocking.
func drainLines(r *serial.Reader, feed func(string)) {
	for {
		select {
		case m, ok := <-r.Lines():
			if !ok {
				return
			}
			if m.Err == nil {
				feed(m.Line)
			}
		default:
			return
		}
	}
}

func (c *runner) sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-c.ctx.Done():
		return errors.NewCancelled("capture")
	}
}

func (c *runner) finish(runErr error) (*Result, error) {
	res, err := c.pipe.Finish()
	c.phase(Finished)
	if res == nil {
		if runErr != nil {
			return nil, runErr
		}
		return nil, err
	}

	out := &Result{Result: res}
	if runErr != nil {
		c.logger.Error("capture ended early", "error", runErr, "saved", res.Stats.Saved)
		return out, runErr
	}
	out.BankListPath = c.exportBankList(res)
	return out, err
}

// exportBankList writes the bank list file when it served as the filter.
func (c *runner) exportBankList(res *pipeline.Result) string {
	if c.opts.DistDir == "" || !c.opts.Pipeline.ActiveFilter || len(res.BankList) == 0 {
		return ""
	}
	path := banklist.DefaultPath(c.opts.DistDir, session.Timestamp(time.Now()))
	if err := banklist.Write(path, banklist.Chunk(res.BankList)); err != nil {
		c.logger.Warn("cannot write bank list", "path", path, "error", err)
		return ""
	}
	c.logger.Info("bank list written", "path", path, "presets", len(res.BankList))
	return path
}

func (c *runner) phase(p Phase) {
	c.logger.Debug("phase", "phase", p.String())
	if c.opts.OnPhase != nil {
		c.opts.OnPhase(p)
	}
}
