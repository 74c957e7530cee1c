// Package config loads the tunable settings for a channel-layer instance:
// the broker URL plus the expiry, capacity and prefetch knobs described in
// the facade contract. Values can be overridden from a config file (YAML or
// JSON) and from environment variables, file values taking precedence over
// defaults and ENV values taking precedence over the file.
package config

import (
	"encoding/json"
	"os"
	"path"
	"strings"
	"time"

	lib "github.com/nil-go/konf"
	"github.com/nil-go/konf/provider/env"
	"github.com/nil-go/konf/provider/file"
	"gopkg.in/yaml.v3"

	"github.com/channel-layer/core/errors"
)

// Settings hold every tunable value a channel-layer instance needs. Field
// names match the `config` tag used by both the YAML/JSON file provider and
// the ENV provider (e.g. `CHANLAYER_BROKER_URL`).
type Settings struct {
	// BrokerURL is a standard AMQP URL: amqp[s]://user:pass@host:port/vhost.
	BrokerURL string `config:"broker_url" yaml:"broker_url" json:"broker_url"`

	// Expiry is the per-message TTL attached to direct sends.
	Expiry time.Duration `config:"expiry" yaml:"expiry" json:"expiry"`

	// GroupExpiry is the per-membership TTL enforced via expire markers.
	GroupExpiry time.Duration `config:"group_expiry" yaml:"group_expiry" json:"group_expiry"`

	// Capacity is the per-channel queue length limit enforced by Send.
	Capacity int `config:"capacity" yaml:"capacity" json:"capacity"`

	// ChannelCapacity overrides Capacity for a specific subset of channels;
	// keys are channel name prefixes. A nil/empty map means every channel
	// uses Capacity.
	ChannelCapacity map[string]int `config:"channel_capacity" yaml:"channel_capacity" json:"channel_capacity"`

	// PrefetchCount bounds in-flight, unacknowledged deliveries on the
	// operational channel.
	PrefetchCount int `config:"prefetch_count" yaml:"prefetch_count" json:"prefetch_count"`

	// PrefetchSize bounds in-flight bytes on the operational channel. Zero
	// means no limit.
	PrefetchSize int `config:"prefetch_size" yaml:"prefetch_size" json:"prefetch_size"`

	// DeadLetters names the fan-out exchange and queue every per-channel
	// and expire-marker queue dead-letters into.
	DeadLetters string `config:"dead_letters" yaml:"dead_letters" json:"dead_letters"`

	// SubmissionQueueSize bounds the dispatcher's submission queue
	// (§9 "submission-queue saturation").
	SubmissionQueueSize int `config:"submission_queue_size" yaml:"submission_queue_size" json:"submission_queue_size"`
}

// Defaults mirror the reference implementation's defaults.
func Defaults() Settings {
	return Settings{
		Expiry:              60 * time.Second,
		GroupExpiry:         24 * time.Hour,
		Capacity:            100,
		PrefetchCount:       1,
		DeadLetters:         "dead-letters",
		SubmissionQueueSize: 1024,
	}
}

// CapacityFor returns the effective capacity for a channel, honoring any
// ChannelCapacity override whose key is a prefix of the channel name.
func (s Settings) CapacityFor(channel string) int {
	best := -1
	capacity := s.Capacity
	for prefix, c := range s.ChannelCapacity {
		if strings.HasPrefix(channel, prefix) && len(prefix) > best {
			best = len(prefix)
			capacity = c
		}
	}
	return capacity
}

// Config reads configuration from appropriate sources. [Load] builds one
// internally from the config file and ENV sources and returns the decoded
// [Settings], not the Config itself.
type Config = lib.Config

// Load returns settings for a channel-layer instance, starting from
// [Defaults] and applying, in override order, a config file (if found) and
// ENV variables prefixed with envPrefix (e.g. "CHANLAYER").
func Load(locations []string, envPrefix string) (Settings, error) {
	out := Defaults()
	cfg, err := setup(locations, envPrefix)
	if err != nil {
		return out, err
	}
	if cfg == nil {
		return out, nil
	}
	if err := cfg.Unmarshal("", &out); err != nil {
		return out, errors.Wrap(err, "decode settings")
	}
	return out, nil
}

func setup(locations []string, envPrefix string) (*Config, error) {
	var cfg *Config
	var err error
	if len(locations) > 0 {
		cfg, err = loadFile(locations)
		if err != nil {
			return nil, err
		}
	}
	if cfg == nil {
		cfg = lib.New(lib.WithTagName("config"))
	}
	if envPrefix != "" {
		prefix := strings.ToUpper(envPrefix)
		if !strings.HasSuffix(prefix, "_") {
			prefix += "_"
		}
		ns := func(s string) []string {
			return strings.Split(strings.TrimPrefix(s, prefix), "_")
		}
		if err := cfg.Load(env.New(env.WithPrefix(prefix), env.WithNameSplitter(ns))); err != nil {
			return nil, errors.Wrap(err, "load ENV settings")
		}
	}
	return cfg, nil
}

// loadFile attempts to load a configuration file from one of the provided
// locations, stopping at the first one that exists.
func loadFile(locations []string) (*lib.Config, error) {
	for _, cf := range locations {
		info, err := os.Stat(cf)
		if err != nil || info.IsDir() {
			continue
		}
		tag, mf, err := unmarshalFor(path.Ext(info.Name()))
		if err != nil {
			continue
		}
		cfg := lib.New(lib.WithTagName(tag))
		if err := cfg.Load(file.New(cf, file.WithUnmarshal(mf))); err != nil {
			return nil, errors.Wrapf(err, "load config file %s", cf)
		}
		return cfg, nil
	}
	return nil, nil
}

func unmarshalFor(extension string) (tag string, mf func([]byte, any) error, err error) {
	switch extension {
	case ".yaml", ".yml":
		return "yaml", yaml.Unmarshal, nil
	case ".json":
		return "json", json.Unmarshal, nil
	}
	return "", nil, errors.Errorf("unsupported config file format %q", extension)
}
