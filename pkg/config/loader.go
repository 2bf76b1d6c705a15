package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/rpmtools/pkg/dnf"
)

// Environment variables read by Load.
const (
	EnvLogLevel    = "RPMTOOL_LOG_LEVEL"
	EnvLogFormat   = "RPMTOOL_LOG_FORMAT"
	EnvStorePath   = "RPMTOOL_STORE_PATH"
	EnvProgressURL = "RPMTOOL_PROGRESS_URL"
	EnvPolicyPaths = "RPMTOOL_POLICY_PATHS"
	EnvDNF         = "RPMTOOL_DNF"
)

// DefaultPaths are tried in order when Load gets no explicit path.
var DefaultPaths = []string{
	"/etc/rpmtool/config.yaml",
	"/etc/rpmtool/config.cue",
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DNF:   dnf.Config{Binary: "dnf"},
		Store: StoreConfig{Path: defaultStorePath()},
		Policy: PolicyConfig{
			Paths: []string{"/etc/rpmtool/policies"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "console",
			TraceExporter: "none",
		},
		Remote: RemoteConfig{
			Port:           22,
			AuthMethod:     "key",
			RemotePath:     "/tmp/rpmtool-runner",
			ConnectTimeout: Duration(30 * time.Second),
			CommandTimeout: Duration(30 * time.Minute),
			TTL:            Duration(time.Hour),
		},
	}
}

func defaultStorePath() string {
	if os.Geteuid() == 0 {
		return "/var/lib/rpmtool/history.db"
	}
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "rpmtool", "history.db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "rpmtool", "history.db")
	}
	return "rpmtool-history.db"
}

// Load reads the configuration at path. An empty path tries DefaultPaths
// and falls back to Default when none exists. Environment overrides and
// validation apply in every case.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := Default()
	if path == "" {
		for _, candidate := range DefaultPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	source := "defaults"
	if path != "" {
		source = path
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decode(cfg, path, data); err != nil {
			return nil, err
		}
	}

	ApplyEnv(cfg)

	if errs := Validate(cfg); len(errs) > 0 {
		return nil, &LoadError{Source: source, Errors: errs}
	}
	return cfg, nil
}

// Parse decodes data as the format implied by name onto Default, without
// environment overrides, and validates the result.
func Parse(name string, data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(cfg, name, data); err != nil {
		return nil, err
	}
	if errs := Validate(cfg); len(errs) > 0 {
		return nil, &LoadError{Source: name, Errors: errs}
	}
	return cfg, nil
}

func decode(cfg *Config, name string, data []byte) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return decodeYAML(cfg, name, data)
	case ".cue", ".json":
		return decodeCUE(cfg, name, data)
	default:
		return fmt.Errorf("unsupported config format %q (want .yaml, .yml, .cue or .json)", filepath.Ext(name))
	}
}

func decodeYAML(cfg *Config, name string, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return &LoadError{Source: name, Errors: []ValidationError{{File: name, Message: err.Error()}}}
	}
	return nil
}

func decodeCUE(cfg *Config, name string, data []byte) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(configSchema, cue.Filename(schemaFile)).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("invalid built-in schema: %w", err)
	}

	val := ctx.CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return &LoadError{Source: name, Errors: convertCUEErrors(err)}
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &LoadError{Source: name, Errors: convertCUEErrors(err)}
	}

	// through JSON so Duration's TextUnmarshaler applies
	raw, err := unified.MarshalJSON()
	if err != nil {
		return &LoadError{Source: name, Errors: convertCUEErrors(err)}
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return &LoadError{Source: name, Errors: []ValidationError{{File: name, Message: err.Error()}}}
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		// prefer the user's file over the schema
		for i, pos := range cueerrors.Positions(e) {
			if i == 0 || (ve.File == schemaFile && pos.Filename() != schemaFile) {
				ve.File = pos.Filename()
				ve.Line = pos.Line()
				ve.Column = pos.Column()
			}
		}
		out = append(out, ve)
	}
	return out
}

// ApplyEnv overrides cfg from the RPMTOOL_* environment variables.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Telemetry.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Telemetry.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv(EnvStorePath); v != "" {
		if v == "off" {
			cfg.Store.Disabled = true
		} else {
			cfg.Store.Path = v
			cfg.Store.Disabled = false
		}
	}
	if v := os.Getenv(EnvProgressURL); v != "" {
		cfg.Progress.URL = v
	}
	if v := os.Getenv(EnvPolicyPaths); v != "" {
		cfg.Policy.Paths = splitList(v)
	}
	if v := os.Getenv(EnvDNF); v != "" {
		cfg.DNF.Binary = v
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg and returns every problem found.
func Validate(cfg *Config) []ValidationError {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{Message: err.Error()}}
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Path:    strings.TrimPrefix(fe.Namespace(), "Config."),
			Message: fieldMessage(fe),
		})
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "url":
		return fmt.Sprintf("must be a URL, got %q", fmt.Sprint(fe.Value()))
	case "min", "max":
		return fmt.Sprintf("must be %s %s, got %v", map[string]string{"min": ">=", "max": "<="}[fe.Tag()], fe.Param(), fe.Value())
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
