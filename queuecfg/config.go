// Package queuecfg handles YAML config file loading for scriptqueue run.
package queuecfg

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents a scriptqueue.yaml configuration file. All values are
// optional and act as defaults for scriptqueue run flags; CLI flags always
// override config values. Bus.URL is the exception: scriptqueue run does
// not read it and takes the URL only from its required --bus-url flag.
type Config struct {
	// ComponentIndex identifies this queue instance (which SAL
	// component/index pair it stands in for).
	ComponentIndex int `yaml:"component_index"`

	StandardPath string `yaml:"standardpath"`
	ExternalPath string `yaml:"externalpath"`

	LoadTimeout Duration `yaml:"load_timeout"`
	GraceWindow Duration `yaml:"grace_window"`

	HistoryBound int `yaml:"history_bound"`

	// MinIndex/MaxIndex override the allocator's default range, mainly
	// for tests that want a small wraparound window.
	MinIndex int `yaml:"min_index,omitempty"`
	MaxIndex int `yaml:"max_index,omitempty"`

	Bus BusConfig `yaml:"bus"`
}

// BusConfig holds message-bus defaults from the config file.
type BusConfig struct {
	URL             string   `yaml:"url"`
	CommandsChannel string   `yaml:"commands_channel,omitempty"`
	AckChannel      string   `yaml:"ack_channel,omitempty"`
	QueueChannel    string   `yaml:"queue_channel,omitempty"`
	ScriptChannel   string   `yaml:"script_channel,omitempty"`
	AvailChannel    string   `yaml:"avail_channel,omitempty"`
	Timeout         Duration `yaml:"timeout,omitempty"`
	Retries         *int     `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
