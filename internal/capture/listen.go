package capture

import (
	"context"
	"log/slog"

	"github.com/hpungsan/ignitron/internal/pipeline"
	"github.com/hpungsan/ignitron/internal/serial"
)

// ListenOptions configures Listen.
type ListenOptions struct {
	Pipeline pipeline.Options
	Logger   *slog.Logger
}

// Listen records presets the Spark app sends through the pedal until ctx is
// done. Files are named after each preset's Name. Interruption is the normal
// end of a listen run; a transport failure is returned with the result so far.
func Listen(ctx context.Context, r *serial.Reader, opts ListenOptions) (*pipeline.Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "listen")

	popts := opts.Pipeline
	popts.AppTraffic = true
	popts.ActiveFilter = false
	if popts.Logger == nil {
		popts.Logger = logger
	}
	p := pipeline.New(popts)

	r.Start()
	defer r.Stop()
	logger.Info("listening for app traffic", "port", r.Name())

	var runErr error
loop:
	for {
		select {
		case m, ok := <-r.Lines():
			if !ok {
				break loop
			}
			if m.Err != nil {
				runErr = m.Err
				break loop
			}
			p.FeedLine(m.Line)
		case <-ctx.Done():
			break loop
		}
	}

	r.Stop()
	drainLines(r, p.FeedLine)

	res, err := p.Finish()
	if runErr != nil {
		logger.Error("listen ended early", "error", runErr)
		return res, runErr
	}
	return res, err
}
