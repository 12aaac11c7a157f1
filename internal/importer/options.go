package importer

import (
	"time"

	"github.com/benbjohnson/clock"

	"crisimport/internal/logging"
	"crisimport/internal/warehouse"
)

// Schemas names the staging and production schemas.
type Schemas struct {
	Staging    string
	Production string
}

// Validate checks both schema names.
func (s Schemas) Validate() error {
	if err := warehouse.ValidateIdent(s.Staging); err != nil {
		return err
	}
	return warehouse.ValidateIdent(s.Production)
}

func (s Schemas) staging(name string) warehouse.Table {
	return warehouse.Table{Schema: s.Staging, Name: name}
}

func (s Schemas) production(name string) warehouse.Table {
	return warehouse.Table{Schema: s.Production, Name: name}
}

// Recorder receives run measurements. The metrics package provides the
// Prometheus implementation.
type Recorder interface {
	ObserveStep(step string, d time.Duration)
	AddRows(recordType, outcome string, n int)
	RunFinished(at time.Time, success bool)
}

type noopRecorder struct{}

func (noopRecorder) ObserveStep(string, time.Duration) {}
func (noopRecorder) AddRows(string, string, int)       {}
func (noopRecorder) RunFinished(time.Time, bool)       {}

// Option configures the importer components.
type Option func(*options)

type options struct {
	logger   logging.Logger
	clock    clock.Clock
	recorder Recorder
	dryRun   bool
	keepTemp bool
	encoding string
	tempDir  string
}

func defaultOptions() options {
	return options{
		logger:   logging.Noop(),
		clock:    clock.New(),
		recorder: noopRecorder{},
		encoding: EncodingUTF8,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = logging.OrNoop(l) }
}

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithDryRun logs production writes, archival and remote removal instead of
// performing them.
func WithDryRun(dryRun bool) Option {
	return func(o *options) { o.dryRun = dryRun }
}

// WithKeepTemp leaves acquisition and extraction directories in place.
func WithKeepTemp(keep bool) Option {
	return func(o *options) { o.keepTemp = keep }
}

// WithEncoding selects the CSV input encoding (EncodingUTF8 or EncodingWindows1252).
func WithEncoding(enc string) Option {
	return func(o *options) {
		if enc != "" {
			o.encoding = enc
		}
	}
}

// WithTempDir sets the parent directory for per-run temp directories.
func WithTempDir(dir string) Option {
	return func(o *options) { o.tempDir = dir }
}
