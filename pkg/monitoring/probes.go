package monitoring

import (
	"context"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/units"
)

type ProbeKind string

const (
	ProbeKindHTTP ProbeKind = "http"
	ProbeKindTCP  ProbeKind = "tcp"
	ProbeKindExec ProbeKind = "exec"
)

type HTTPProbe struct {
	// URL overrides Scheme/Path and the unit address when set
	URL     string            `yaml:"url,omitempty"`
	Scheme  string            `yaml:"scheme,omitempty"`
	Path    string            `yaml:"path,omitempty"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type TCPProbe struct {
	// Address overrides the unit address when set
	Address string `yaml:"address,omitempty"`
}

type ExecProbe struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

// ProbeConfig describes one probe. Exactly one of HTTP, TCP and Exec is used, selected by Kind.
type ProbeConfig struct {
	Kind ProbeKind `yaml:"kind"`

	HTTP HTTPProbe `yaml:"http,omitempty"`
	TCP  TCPProbe  `yaml:"tcp,omitempty"`
	Exec ExecProbe `yaml:"exec,omitempty"`

	InitialDelay     time.Duration `yaml:"initial_delay,omitempty"`
	Period           time.Duration `yaml:"period,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
	SuccessThreshold int           `yaml:"success_threshold,omitempty"`
}

const (
	DefaultProbePeriod           = 10 * time.Second
	DefaultProbeTimeout          = 1 * time.Second
	DefaultProbeFailureThreshold = 3
	DefaultProbeSuccessThreshold = 1
)

// WithDefaults fills unset timing fields
func (c ProbeConfig) WithDefaults() ProbeConfig {
	if c.Period <= 0 {
		c.Period = DefaultProbePeriod
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultProbeTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultProbeFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultProbeSuccessThreshold
	}
	return c
}

// ProbeSet groups the three probe roles of a unit template. Nil means "not configured".
type ProbeSet struct {
	Startup   *ProbeConfig `yaml:"startup,omitempty"`
	Liveness  *ProbeConfig `yaml:"liveness,omitempty"`
	Readiness *ProbeConfig `yaml:"readiness,omitempty"`
}

// WithDefaults returns a copy with every configured probe defaulted
func (s ProbeSet) WithDefaults() ProbeSet {
	result := ProbeSet{}
	if s.Startup != nil {
		p := s.Startup.WithDefaults()
		result.Startup = &p
	}
	if s.Liveness != nil {
		p := s.Liveness.WithDefaults()
		result.Liveness = &p
	}
	if s.Readiness != nil {
		p := s.Readiness.WithDefaults()
		result.Readiness = &p
	}
	return result
}

type ProbeOutcome string

const (
	ProbeSuccess ProbeOutcome = "success"
	ProbeFailure ProbeOutcome = "failure"
	ProbeTimeout ProbeOutcome = "timeout"
)

type ProbeResult struct {
	Outcome ProbeOutcome
	Message string
}

func (r ProbeResult) Passed() bool {
	return r.Outcome == ProbeSuccess
}

// ProbeExecutor runs a single probe against a unit. Implementations should honour ctx's deadline.
type ProbeExecutor interface {
	Probe(ctx context.Context, record units.UnitRecord, config ProbeConfig) ProbeResult
}

// ProbeExecutorFunc adapts a function to ProbeExecutor
type ProbeExecutorFunc func(ctx context.Context, record units.UnitRecord, config ProbeConfig) ProbeResult

func (f ProbeExecutorFunc) Probe(ctx context.Context, record units.UnitRecord, config ProbeConfig) ProbeResult {
	return f(ctx, record, config)
}
