// Package pipeline drives the scanner and the capture session from a line
// source. The same Pipeline serves saved files and live serial sessions.
package pipeline

import (
	"log/slog"
	"strings"

	"github.com/hpungsan/ignitron/internal/banklist"
	"github.com/hpungsan/ignitron/internal/metrics"
	"github.com/hpungsan/ignitron/internal/preset"
	"github.com/hpungsan/ignitron/internal/scanner"
	"github.com/hpungsan/ignitron/internal/session"
)

// Options configures a Pipeline.
type Options struct {
	Paths     session.Paths
	Normalize preset.Options
	// ActiveFilter installs a non-empty bank section as the inclusion filter.
	// A later bank section replaces an earlier one.
	ActiveFilter bool
	// Filter is an explicit inclusion filter. When set, bank sections in
	// the input never replace it.
	Filter []string
	// AppTraffic captures payloads relayed from the Spark app and names
	// files after the preset's Name.
	AppTraffic bool
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	// OnOutcome is called after every capture.
	OnOutcome func(session.Outcome)
}

// Result is the outcome of a finished pipeline.
type Result struct {
	session.Result
	BankList []string `json:"bank_list,omitempty"`
	Sources  []string `json:"sources,omitempty"`
}

// Pipeline feeds lines through the scanner into one session.
// It is not safe for concurrent use; one consumer goroutine owns it.
type Pipeline struct {
	opts    Options
	logger  *slog.Logger
	scanner *scanner.Scanner
	session *session.Session

	banks     []string
	banksSeen bool
	sources   []string
}

// New creates a pipeline and its session.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var scanOpts []scanner.Option
	if opts.AppTraffic {
		scanOpts = append(scanOpts, scanner.WithAppTraffic())
	}

	if opts.Filter != nil {
		opts.ActiveFilter = false
	}

	p := &Pipeline{
		opts:    opts,
		logger:  logger.With("component", "pipeline"),
		scanner: scanner.New(scanOpts...),
		session: session.New(session.Options{
			Paths:     opts.Paths,
			Normalize: opts.Normalize,
			Logger:    logger,
		}),
	}
	if opts.Filter != nil {
		p.SetFilter(opts.Filter)
	}
	return p
}

// FeedLine processes one line. A trailing carriage return and invalid UTF-8
// are dropped.
func (p *Pipeline) FeedLine(line string) {
	line = strings.TrimSuffix(line, "\r")
	line = strings.ToValidUTF8(line, "")
	p.handle(p.scanner.Feed(line))
}

// EndSource flushes the scanner at the end of one source so a truncated
// payload cannot swallow lines of the next source.
func (p *Pipeline) EndSource() {
	p.handle(p.scanner.Flush())
}

// SetFilter installs an explicit inclusion filter. nil keeps everything.
func (p *Pipeline) SetFilter(names []string) {
	if names == nil {
		p.session.SetFilter(nil)
		return
	}
	p.session.SetFilter(banklist.Set(names))
}

// BankList returns the ordered filenames of the last non-empty bank section seen.
func (p *Pipeline) BankList() ([]string, bool) {
	return p.banks, p.banksSeen
}

// State returns the scanner state.
func (p *Pipeline) State() scanner.State {
	return p.scanner.State()
}

// Stats returns a snapshot of the run counters.
func (p *Pipeline) Stats() session.Stats {
	return p.session.Stats()
}

// SessionID returns the ULID of the pipeline's session.
func (p *Pipeline) SessionID() string {
	return p.session.ID()
}

// AddSource records the name of a source fed into this pipeline.
func (p *Pipeline) AddSource(name string) {
	p.sources = append(p.sources, name)
}

// Finish flushes the scanner and finalizes the session.
func (p *Pipeline) Finish() (*Result, error) {
	p.EndSource()

	res, err := p.session.Finish()
	if res == nil {
		return nil, err
	}

	st := res.Stats
	p.logger.Info("capture finished",
		"scanned", st.Scanned,
		"saved", st.Saved,
		"skipped_duplicate", st.SkippedDuplicate,
		"skipped_no_filename", st.SkippedNoFilename,
		"skipped_not_in_filter", st.SkippedNotInFilter,
		"broken", st.Broken,
		"out_dir", res.OutDir)
	if !st.Balanced() {
		p.logger.Error("capture counters do not balance", "stats", st)
	}
	p.opts.Metrics.ObserveStats(st, res.FinishedAt.Sub(res.StartedAt), true)

	out := &Result{Result: *res, Sources: p.sources}
	if p.banksSeen {
		out.BankList = append([]string{}, p.banks...)
	}
	return out, err
}

func (p *Pipeline) handle(events []scanner.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case scanner.EventPayload:
			p.observe(p.session.Accept(session.Capture{
				Filename:        ev.Filename,
				Text:            ev.Text,
				NameFromPayload: ev.FromApp,
			}))
		case scanner.EventOrphanFilename:
			p.session.Orphan(ev.Filename)
			p.observe(session.OutcomeNoFilename)
		case scanner.EventBankList:
			p.installBanks(ev.Banks)
		}
	}
}

// installBanks records a bank section. An empty section never replaces a
// listed one, so the reported list always matches the installed filter.
func (p *Pipeline) installBanks(names []string) {
	p.opts.Metrics.ObserveBankList(len(names))
	if len(names) == 0 {
		p.banksSeen = true
		if p.opts.ActiveFilter && p.banks == nil {
			p.logger.Info("bank list empty, keeping all presets")
		}
		return
	}
	p.banks = names
	p.banksSeen = true

	if !p.opts.ActiveFilter {
		p.logger.Info("bank list received", "presets", len(names))
		return
	}
	set := banklist.Set(names)
	p.session.SetFilter(set)
	p.logger.Info("active preset list installed as filter", "presets", len(names), "unique", len(set))
}

// preinstallFilter installs the bank list of replayable sources before any
// line is fed, so presets logged ahead of their bank section are filtered
// too. Sections met while feeding are then recorded but no longer replace
// the filter.
func (p *Pipeline) preinstallFilter(paths []string) {
	if !p.opts.ActiveFilter {
		return
	}
	var names []string
	for _, path := range paths {
		listed, ok, err := banklist.ExtractFile(path)
		if err != nil {
			p.logger.Debug("bank list pre-scan skipped", "path", path, "error", err)
			continue
		}
		if ok && len(listed) > 0 {
			names = listed
		}
	}
	if names == nil {
		return
	}
	p.opts.ActiveFilter = false
	set := banklist.Set(names)
	p.session.SetFilter(set)
	p.logger.Info("active preset list installed as filter", "presets", len(names), "unique", len(set))
}

func (p *Pipeline) observe(o session.Outcome) {
	p.opts.Metrics.ObserveOutcome(o)
	if p.opts.OnOutcome != nil {
		p.opts.OnOutcome(o)
	}
}
