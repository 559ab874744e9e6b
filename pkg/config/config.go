// Package config declares the speakpaint settings as glazed sections and resolves them from
// flags, environment variables, an optional .env file and an optional YAML settings file,
// in that order of precedence, falling back to the section defaults.
//
// Environment variable names are the flag names upper-cased with dashes turned into
// underscores, so --fal-key is FAL_KEY and --agent-id is AGENT_ID.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/speakpaint/pkg/dispatch"
	"github.com/go-go-golems/speakpaint/pkg/trigger"
)

const (
	ProviderElevenLabs = "elevenlabs"
	ProviderReplay     = "replay"

	DefaultAddr    = ":3001"
	DefaultEnvFile = ".env"
)

type Settings struct {
	Addr             string   `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins   []string `mapstructure:"allowed-origins" yaml:"allowed-origins"`
	SendTestImage    bool     `mapstructure:"send-test-image" yaml:"send-test-image"`
	ExitOnSessionEnd bool     `mapstructure:"exit-on-session-end" yaml:"exit-on-session-end"`

	Provider     string        `mapstructure:"provider" yaml:"provider"`
	AgentID      string        `mapstructure:"agent-id" yaml:"agent-id"`
	ElevenAPIKey string        `mapstructure:"eleven-api-key" yaml:"eleven-api-key"`
	ReplayFile   string        `mapstructure:"replay-file" yaml:"replay-file"`
	ReplayDelay  time.Duration `mapstructure:"replay-delay" yaml:"replay-delay"`

	FalKey           string        `mapstructure:"fal-key" yaml:"fal-key"`
	FalQueueURL      string        `mapstructure:"fal-queue-url" yaml:"fal-queue-url"`
	FalModel         string        `mapstructure:"fal-model" yaml:"fal-model"`
	FinetuneID       string        `mapstructure:"finetune-id" yaml:"finetune-id"`
	FinetuneStrength float64       `mapstructure:"finetune-strength" yaml:"finetune-strength"`
	PollInterval     time.Duration `mapstructure:"poll-interval" yaml:"poll-interval"`

	Policy       string   `mapstructure:"policy" yaml:"policy"`
	MinWords     int      `mapstructure:"min-words" yaml:"min-words"`
	Keywords     []string `mapstructure:"keywords" yaml:"keywords"`
	MinNouns     int      `mapstructure:"min-nouns" yaml:"min-nouns"`
	PromptWindow int      `mapstructure:"prompt-window" yaml:"prompt-window"`

	MaxConcurrent int           `mapstructure:"max-concurrent" yaml:"max-concurrent"`
	QueueSize     int           `mapstructure:"queue-size" yaml:"queue-size"`
	Overflow      string        `mapstructure:"overflow" yaml:"overflow"`
	JobTimeout    time.Duration `mapstructure:"job-timeout" yaml:"job-timeout"`
	HistoryLimit  int           `mapstructure:"history-limit" yaml:"history-limit"`
	DrainTimeout  time.Duration `mapstructure:"drain-timeout" yaml:"drain-timeout"`

	SendBuffer   int           `mapstructure:"send-buffer" yaml:"send-buffer"`
	WriteTimeout time.Duration `mapstructure:"write-timeout" yaml:"write-timeout"`

	RedisEnabled  bool   `mapstructure:"redis-enabled" yaml:"redis-enabled"`
	RedisAddr     string `mapstructure:"redis-addr" yaml:"redis-addr"`
	RedisGroup    string `mapstructure:"redis-group" yaml:"redis-group"`
	RedisConsumer string `mapstructure:"redis-consumer" yaml:"redis-consumer"`
	Topic         string `mapstructure:"topic" yaml:"topic"`
}

// Resolve layers the parsed command values with the environment, the dotenv file and the
// settings file. explicit reports the flags given on the command line; those win over
// everything else, and the remaining values only fill in what no other source sets.
func Resolve(vals Values, explicit func(name string) bool) (*Settings, error) {
	if explicit == nil {
		explicit = func(string) bool { return false }
	}
	if err := LoadDotEnv(vals.Server.EnvFile, explicit("env-file")); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := vals.Server.SettingsFile; path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read settings file %s", path)
		}
	}

	flat, err := vals.flatten()
	if err != nil {
		return nil, errors.Wrap(err, "collect command values")
	}
	for k, val := range flat {
		if explicit(k) {
			v.Set(k, val)
		} else {
			v.SetDefault(k, val)
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "decode settings")
	}
	return s, nil
}

// LoadDotEnv copies the variables of a dotenv file into the process environment without
// overriding variables that are already set. A missing file is only an error when required.
func LoadDotEnv(path string, required bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return errors.Wrapf(err, "env file %s", path)
	}

	dv := viper.New()
	dv.SetConfigFile(path)
	dv.SetConfigType("env")
	if err := dv.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "read env file %s", path)
	}
	for _, k := range dv.AllKeys() {
		name := strings.ToUpper(k)
		if _, ok := os.LookupEnv(name); ok {
			continue
		}
		if err := os.Setenv(name, dv.GetString(k)); err != nil {
			return errors.Wrapf(err, "set %s", name)
		}
	}
	return nil
}

// Validate reports the first setting that would keep the service from starting.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.FalKey) == "" {
		return errors.New("FAL_KEY is required")
	}
	switch s.Provider {
	case ProviderElevenLabs:
		if strings.TrimSpace(s.AgentID) == "" {
			return errors.New("AGENT_ID is required for the elevenlabs provider")
		}
		if strings.TrimSpace(s.ElevenAPIKey) == "" {
			return errors.New("ELEVEN_API_KEY is required for the elevenlabs provider")
		}
	case ProviderReplay:
		if strings.TrimSpace(s.ReplayFile) == "" {
			return errors.New("replay-file is required for the replay provider")
		}
	default:
		return errors.Errorf("unknown provider %q", s.Provider)
	}

	switch s.Policy {
	case "", trigger.NameAlways, trigger.NameKeyword, trigger.NameNouns:
	default:
		return errors.Errorf("unknown trigger policy %q", s.Policy)
	}
	if _, err := dispatch.ParseOverflow(s.Overflow); err != nil {
		return err
	}

	switch {
	case s.MaxConcurrent < 1:
		return errors.New("max-concurrent must be at least 1")
	case s.QueueSize < 0:
		return errors.New("queue-size must not be negative")
	case s.JobTimeout < 0, s.DrainTimeout < 0, s.WriteTimeout < 0, s.ReplayDelay < 0:
		return errors.New("timeouts and delays must not be negative")
	case s.PollInterval <= 0:
		return errors.New("poll-interval must be positive")
	case s.PromptWindow < 1:
		return errors.New("prompt-window must be at least 1")
	case s.MinWords < 0, s.MinNouns < 0:
		return errors.New("min-words and min-nouns must not be negative")
	case s.FinetuneStrength < 0 || s.FinetuneStrength > 1:
		return errors.New("finetune-strength must be between 0 and 1")
	case s.SendBuffer < 1:
		return errors.New("send-buffer must be at least 1")
	case s.RedisEnabled && strings.TrimSpace(s.RedisAddr) == "":
		return errors.New("redis-addr is required when redis is enabled")
	}
	return nil
}

const redacted = "********"

// YAML renders the settings with secrets masked.
func (s *Settings) YAML() ([]byte, error) {
	c := *s
	for _, secret := range []*string{&c.FalKey, &c.ElevenAPIKey} {
		if *secret != "" {
			*secret = redacted
		}
	}
	return yaml.Marshal(&c)
}
