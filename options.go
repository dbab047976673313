package cluster

import (
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/thehelp/cluster/drain"
	"github.com/thehelp/cluster/graceful"
	"github.com/thehelp/cluster/supervisor"
)

// Options collects the tunables for a clustered process. Durations are plain
// millisecond integers so an options file reads the way operators write these
// values. A zero field means "use the default"; explicitly negative values
// are rejected rather than silently re-defaulted.
type Options struct {
	// NumberWorkers is how many worker processes the master keeps running.
	NumberWorkers int `yaml:"numberWorkers"`

	// PollInterval is how often, in milliseconds, the coordinator re-runs
	// its readiness checks during shutdown.
	PollInterval int `yaml:"pollInterval"`

	// ForceTimeout is how long, in milliseconds, the coordinator waits for
	// readiness before exiting anyway.
	ForceTimeout int `yaml:"forceTimeout"`

	// SpinTimeout is the minimum lifetime, in milliseconds, below which a
	// dead worker is treated as crash-looping.
	SpinTimeout int `yaml:"spinTimeout"`

	// DelayStart is how long, in milliseconds, the replacement for a
	// crash-looping worker is held back.
	DelayStart int `yaml:"delayStart"`

	// KillTimeout is how long, in milliseconds, the master waits after
	// SIGTERM before escalating to SIGKILL.
	KillTimeout int `yaml:"killTimeout"`

	// StopPollInterval is how often, in milliseconds, the stop sequence
	// checks whether any workers remain.
	StopPollInterval int `yaml:"stopPollInterval"`

	// ReaperPollInterval is how often, in milliseconds, the drainer sweeps
	// up connections that became idle after shutdown began.
	ReaperPollInterval int `yaml:"reaperPollInterval"`

	// PIDFile, when set, is locked exclusively by the master so two masters
	// cannot supervise the same service at once.
	PIDFile string `yaml:"pidFile"`
}

// LoadOptions reads an Options document from a YAML file. Unknown keys are an
// error; a typo in an options file should fail loudly, not silently fall back
// to a default.
func LoadOptions(path string) (*Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read options file %q", path)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	opts := &Options{}
	if err := dec.Decode(opts); err != nil {
		return nil, errors.Wrapf(err, "unable to parse options file %q", path)
	}
	if err := opts.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid options in %q", path)
	}
	return opts, nil
}

func (o *Options) validate() error {
	if o.NumberWorkers < 0 {
		return errors.Errorf("numberWorkers must not be negative, got %d", o.NumberWorkers)
	}
	for _, f := range []struct {
		name string
		ms   int
	}{
		{"pollInterval", o.PollInterval},
		{"forceTimeout", o.ForceTimeout},
		{"spinTimeout", o.SpinTimeout},
		{"delayStart", o.DelayStart},
		{"killTimeout", o.KillTimeout},
		{"stopPollInterval", o.StopPollInterval},
		{"reaperPollInterval", o.ReaperPollInterval},
	} {
		if f.ms < 0 {
			return errors.Errorf("%s must not be negative, got %d", f.name, f.ms)
		}
	}
	return nil
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// coordinatorOptions translates the non-zero coordinator fields into
// functional options.
func (o *Options) coordinatorOptions() []graceful.Option {
	var opts []graceful.Option
	if o.PollInterval > 0 {
		opts = append(opts, graceful.WithPollInterval(ms(o.PollInterval)))
	}
	if o.ForceTimeout > 0 {
		opts = append(opts, graceful.WithForceTimeout(ms(o.ForceTimeout)))
	}
	return opts
}

// supervisorOptions translates the non-zero supervisor fields into functional
// options.
func (o *Options) supervisorOptions() []supervisor.Option {
	var opts []supervisor.Option
	if o.NumberWorkers > 0 {
		opts = append(opts, supervisor.WithNumberWorkers(o.NumberWorkers))
	}
	if o.SpinTimeout > 0 {
		opts = append(opts, supervisor.WithSpinTimeout(ms(o.SpinTimeout)))
	}
	if o.DelayStart > 0 {
		opts = append(opts, supervisor.WithDelayStart(ms(o.DelayStart)))
	}
	if o.KillTimeout > 0 {
		opts = append(opts, supervisor.WithKillTimeout(ms(o.KillTimeout)))
	}
	if o.StopPollInterval > 0 {
		opts = append(opts, supervisor.WithPollInterval(ms(o.StopPollInterval)))
	}
	if o.PIDFile != "" {
		opts = append(opts, supervisor.WithPIDFile(o.PIDFile))
	}
	return opts
}

// DrainerOptions translates the non-zero drainer fields into functional
// options. Worker code passes these through to drain.New alongside its own.
func (o *Options) DrainerOptions() []drain.Option {
	var opts []drain.Option
	if o.ReaperPollInterval > 0 {
		opts = append(opts, drain.WithReaperInterval(ms(o.ReaperPollInterval)))
	}
	return opts
}
