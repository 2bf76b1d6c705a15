package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/rpmtools/pkg/dnf"
)

// Config is the rpmtool configuration.
type Config struct {
	DNF       dnf.Config      `yaml:"dnf" json:"dnf"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Policy    PolicyConfig    `yaml:"policy" json:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Progress  ProgressConfig  `yaml:"progress" json:"progress"`
	Remote    RemoteConfig    `yaml:"remote" json:"remote"`
}

// StoreConfig configures the operation history database.
type StoreConfig struct {
	Path     string `yaml:"path" json:"path" validate:"required_if=Disabled false"`
	Disabled bool   `yaml:"disabled" json:"disabled"`
}

// PolicyConfig configures the policy gate.
type PolicyConfig struct {
	// Paths are .rego/.json policy files or directories of them.
	Paths []string `yaml:"paths" json:"paths" validate:"dive,required"`

	// Protected packages may never be removed.
	Protected []string `yaml:"protected" json:"protected" validate:"dive,required"`

	// Enable and Disable switch policies on or off by name after loading.
	Enable  []string `yaml:"enable" json:"enable" validate:"dive,required"`
	Disable []string `yaml:"disable" json:"disable" validate:"dive,required"`

	Disabled bool `yaml:"disabled" json:"disabled"`
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level" json:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"log_format" json:"log_format" validate:"oneof=console json"`

	// TraceExporter is none, stdout or otlp.
	TraceExporter string `yaml:"trace_exporter" json:"trace_exporter" validate:"oneof=none stdout otlp"`
	TraceEndpoint string `yaml:"trace_endpoint" json:"trace_endpoint" validate:"required_if=TraceExporter otlp"`

	// MetricsTextfile receives the metrics after each run when set.
	MetricsTextfile string `yaml:"metrics_textfile" json:"metrics_textfile"`
}

// ProgressConfig configures the websocket progress sink.
type ProgressConfig struct {
	URL string `yaml:"url" json:"url" validate:"omitempty,url"`
}

// RemoteConfig configures runs on other hosts through the micro-runner.
type RemoteConfig struct {
	User           string `yaml:"user" json:"user"`
	Port           int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	AuthMethod     string `yaml:"auth_method" json:"auth_method" validate:"oneof=key password agent"`
	KeyPath        string `yaml:"key_path" json:"key_path"`
	KnownHostsPath string `yaml:"known_hosts" json:"known_hosts"`

	// InsecureIgnoreHostKey skips known_hosts verification.
	InsecureIgnoreHostKey bool `yaml:"insecure_ignore_host_key" json:"insecure_ignore_host_key"`

	// RunnerPath is the local micro-runner binary uploaded to the host.
	RunnerPath string `yaml:"runner_path" json:"runner_path"`
	// RemotePath is where the runner is placed on the host.
	RemotePath string `yaml:"remote_path" json:"remote_path" validate:"required"`

	// Sudo runs the runner through sudo -n. Unset means sudo for non-root users.
	Sudo *bool `yaml:"sudo" json:"sudo"`

	ConnectTimeout Duration `yaml:"connect_timeout" json:"connect_timeout"`
	CommandTimeout Duration `yaml:"command_timeout" json:"command_timeout"`
	TTL            Duration `yaml:"ttl" json:"ttl"`
}

// Duration is a time.Duration written as "30s" or "10m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ValidationError is one problem found while loading a configuration.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// LoadError collects every ValidationError of a configuration.
type LoadError struct {
	Source string
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("invalid configuration %s: %s", e.Source, e.Errors[0])
	}
	return fmt.Sprintf("invalid configuration %s: %d errors, first: %s", e.Source, len(e.Errors), e.Errors[0])
}
