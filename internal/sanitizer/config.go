package sanitizer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for a GAsan run, loaded from YAML and
// overridable by CLI flags in cmd/gasan.
type Config struct {
	// RedzoneSize is the number of bytes GAsan pads around each
	// guest-runtime-notified allocation.
	RedzoneSize uint64 `yaml:"redzone_size"`

	// QuarantineBound caps how many freed chunks stay registered (so a
	// use-after-free report can still name them) before the oldest is
	// evicted; eviction leaves the shadow poisoning as it is. 0 means
	// unbounded.
	QuarantineBound int `yaml:"quarantine_bound"`

	// FilterMode is one of "all", "allow", "deny", or "script".
	FilterMode string `yaml:"filter_mode"`

	// FilterScriptPath points at a JavaScript file defining
	// `function instrument(pc)`, used when FilterMode is "script".
	FilterScriptPath string `yaml:"filter_script_path"`

	// ReportSink is the path violations are appended to. Empty disables
	// file reporting (violations are still logged and still fatal).
	ReportSink string `yaml:"report_sink"`

	// Debug is parsed from the file but not applied: cmd/gasan takes log
	// verbosity from its -v flag.
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns the configuration used when no YAML file is given.
func DefaultConfig() Config {
	return Config{
		RedzoneSize:     16,
		QuarantineBound: 0,
		FilterMode:      "all",
		ReportSink:      "gasan-report.txt",
	}
}

// LoadConfig reads and parses a YAML config file, filling in defaults for
// anything the file leaves zero-valued.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyTo configures a freshly-created Session's filter mode and optional
// script predicate from cfg.
func (cfg Config) ApplyTo(s *Session) error {
	s.SetRedzoneSize(cfg.RedzoneSize)

	switch cfg.FilterMode {
	case "", "all":
		s.State.ClearFilter()
	case "script":
		if cfg.FilterScriptPath == "" {
			return fmt.Errorf("filter_mode: script requires filter_script_path")
		}
		src, err := os.ReadFile(cfg.FilterScriptPath)
		if err != nil {
			return fmt.Errorf("read filter script: %w", err)
		}
		if err := s.State.SetScriptFilter(string(src)); err != nil {
			return err
		}
	case "allow", "deny":
		// The config carries no allow/deny lists, so these modes leave the
		// session's filter as it is; lists are installed programmatically
		// through State.SetAllowList / State.SetDenyList.
	default:
		return fmt.Errorf("unknown filter_mode %q", cfg.FilterMode)
	}
	return nil
}
