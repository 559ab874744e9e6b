package config

import (
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/speakpaint/pkg/dispatch"
	"github.com/go-go-golems/speakpaint/pkg/eventbus"
	"github.com/go-go-golems/speakpaint/pkg/generation"
	"github.com/go-go-golems/speakpaint/pkg/trigger"
)

const (
	SessionSlug    = "session"
	GenerationSlug = "generation"
	TriggerSlug    = "trigger"
	DispatchSlug   = "dispatch"
	ViewersSlug    = "viewers"
	RedisSlug      = "redis"
)

// The section structs below hold the values glazed parsed from flags and defaults, keyed by
// flag name. Durations stay strings here; Resolve turns everything into Settings.

type ServerValues struct {
	SettingsFile     string   `glazed:"settings-file" yaml:"-"`
	EnvFile          string   `glazed:"env-file" yaml:"-"`
	Addr             string   `glazed:"addr" yaml:"addr"`
	AllowedOrigins   []string `glazed:"allowed-origins" yaml:"allowed-origins"`
	SendTestImage    bool     `glazed:"send-test-image" yaml:"send-test-image"`
	ExitOnSessionEnd bool     `glazed:"exit-on-session-end" yaml:"exit-on-session-end"`
}

type SessionValues struct {
	Provider     string `glazed:"provider" yaml:"provider"`
	AgentID      string `glazed:"agent-id" yaml:"agent-id"`
	ElevenAPIKey string `glazed:"eleven-api-key" yaml:"eleven-api-key"`
	ReplayFile   string `glazed:"replay-file" yaml:"replay-file"`
	ReplayDelay  string `glazed:"replay-delay" yaml:"replay-delay"`
}

type GenerationValues struct {
	FalKey           string  `glazed:"fal-key" yaml:"fal-key"`
	FalQueueURL      string  `glazed:"fal-queue-url" yaml:"fal-queue-url"`
	FalModel         string  `glazed:"fal-model" yaml:"fal-model"`
	FinetuneID       string  `glazed:"finetune-id" yaml:"finetune-id"`
	FinetuneStrength float64 `glazed:"finetune-strength" yaml:"finetune-strength"`
	PollInterval     string  `glazed:"poll-interval" yaml:"poll-interval"`
}

type TriggerValues struct {
	Policy       string   `glazed:"policy" yaml:"policy"`
	MinWords     int      `glazed:"min-words" yaml:"min-words"`
	Keywords     []string `glazed:"keywords" yaml:"keywords"`
	MinNouns     int      `glazed:"min-nouns" yaml:"min-nouns"`
	PromptWindow int      `glazed:"prompt-window" yaml:"prompt-window"`
}

type DispatchValues struct {
	MaxConcurrent int    `glazed:"max-concurrent" yaml:"max-concurrent"`
	QueueSize     int    `glazed:"queue-size" yaml:"queue-size"`
	Overflow      string `glazed:"overflow" yaml:"overflow"`
	JobTimeout    string `glazed:"job-timeout" yaml:"job-timeout"`
	HistoryLimit  int    `glazed:"history-limit" yaml:"history-limit"`
	DrainTimeout  string `glazed:"drain-timeout" yaml:"drain-timeout"`
}

type ViewersValues struct {
	SendBuffer   int    `glazed:"send-buffer" yaml:"send-buffer"`
	WriteTimeout string `glazed:"write-timeout" yaml:"write-timeout"`
}

type RedisValues struct {
	RedisEnabled  bool   `glazed:"redis-enabled" yaml:"redis-enabled"`
	RedisAddr     string `glazed:"redis-addr" yaml:"redis-addr"`
	RedisGroup    string `glazed:"redis-group" yaml:"redis-group"`
	RedisConsumer string `glazed:"redis-consumer" yaml:"redis-consumer"`
	Topic         string `glazed:"topic" yaml:"topic"`
}

// Values is every section of one parsed command line.
type Values struct {
	Server     ServerValues
	Session    SessionValues
	Generation GenerationValues
	Trigger    TriggerValues
	Dispatch   DispatchValues
	Viewers    ViewersValues
	Redis      RedisValues
}

// DefaultValues are the flag defaults of every section.
func DefaultValues() Values {
	return Values{
		Server: ServerValues{
			EnvFile:        DefaultEnvFile,
			Addr:           DefaultAddr,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Session: SessionValues{
			Provider:    ProviderElevenLabs,
			ReplayDelay: "0s",
		},
		Generation: GenerationValues{
			FinetuneStrength: generation.DefaultStrength,
			PollInterval:     generation.DefaultPollInterval.String(),
		},
		Trigger: TriggerValues{
			Policy:       trigger.NameNouns,
			MinWords:     trigger.DefaultWords,
			Keywords:     append([]string(nil), trigger.DefaultKeywords...),
			MinNouns:     1,
			PromptWindow: 1,
		},
		Dispatch: DispatchValues{
			MaxConcurrent: dispatch.DefaultMaxConcurrent,
			QueueSize:     dispatch.DefaultQueueSize,
			Overflow:      string(dispatch.DropOldest),
			JobTimeout:    dispatch.DefaultJobTimeout.String(),
			HistoryLimit:  dispatch.DefaultHistoryLimit,
			DrainTimeout:  "0s",
		},
		Viewers: ViewersValues{
			SendBuffer:   32,
			WriteTimeout: (10 * time.Second).String(),
		},
		Redis: RedisValues{
			RedisAddr:     "localhost:6379",
			RedisGroup:    "speakpaint",
			RedisConsumer: "speakpaint-1",
			Topic:         eventbus.DefaultTopic,
		},
	}
}

// ServerFlags are the command's own flags, parsed into the default section.
func ServerFlags() cmds.CommandDescriptionOption {
	d := DefaultValues().Server
	return cmds.WithFlags(
		fields.New("settings-file", fields.TypeString,
			fields.WithHelp("YAML settings file (keys are flag names)"),
			fields.WithDefault("")),
		fields.New("env-file", fields.TypeString,
			fields.WithHelp("dotenv file loaded into the environment if present"),
			fields.WithDefault(d.EnvFile)),
		fields.New("addr", fields.TypeString,
			fields.WithHelp("HTTP listen address"),
			fields.WithDefault(d.Addr)),
		fields.New("allowed-origins", fields.TypeStringList,
			fields.WithHelp("Origins allowed to open viewer sockets (* for any)"),
			fields.WithDefault(d.AllowedOrigins)),
		fields.New("send-test-image", fields.TypeBool,
			fields.WithHelp("Greet every new viewer with a fixed demo image"),
			fields.WithDefault(false)),
		fields.New("exit-on-session-end", fields.TypeBool,
			fields.WithHelp("Stop the server once the conversation ends"),
			fields.WithDefault(false)),
	)
}

func NewSessionSection() (schema.Section, error) {
	d := DefaultValues().Session
	return schema.NewSection(SessionSlug, "Conversation session",
		schema.WithFields(
			fields.New("provider", fields.TypeChoice,
				fields.WithHelp("Session provider"),
				fields.WithChoices(ProviderElevenLabs, ProviderReplay),
				fields.WithDefault(d.Provider)),
			fields.New("agent-id", fields.TypeString,
				fields.WithHelp("ElevenLabs conversational agent id"),
				fields.WithDefault("")),
			fields.New("eleven-api-key", fields.TypeString,
				fields.WithHelp("ElevenLabs API key"),
				fields.WithDefault("")),
			fields.New("replay-file", fields.TypeString,
				fields.WithHelp("Transcript script for the replay provider"),
				fields.WithDefault("")),
			fields.New("replay-delay", fields.TypeString,
				fields.WithHelp("Pause between replayed lines (Go duration)"),
				fields.WithDefault(d.ReplayDelay)),
		),
	)
}

func NewGenerationSection() (schema.Section, error) {
	d := DefaultValues().Generation
	return schema.NewSection(GenerationSlug, "Image generation (fal.ai)",
		schema.WithFields(
			fields.New("fal-key", fields.TypeString,
				fields.WithHelp("fal.ai API key"),
				fields.WithDefault("")),
			fields.New("fal-queue-url", fields.TypeString,
				fields.WithHelp("fal.ai queue base URL"),
				fields.WithDefault("")),
			fields.New("fal-model", fields.TypeString,
				fields.WithHelp("fal.ai model id"),
				fields.WithDefault("")),
			fields.New("finetune-id", fields.TypeString,
				fields.WithHelp("Finetune id passed to the model"),
				fields.WithDefault("")),
			fields.New("finetune-strength", fields.TypeFloat,
				fields.WithHelp("Finetune strength passed to the model, 0 to 1"),
				fields.WithDefault(d.FinetuneStrength)),
			fields.New("poll-interval", fields.TypeString,
				fields.WithHelp("fal.ai status poll interval (Go duration)"),
				fields.WithDefault(d.PollInterval)),
		),
	)
}

func NewTriggerSection() (schema.Section, error) {
	d := DefaultValues().Trigger
	return schema.NewSection(TriggerSlug, "Trigger policy",
		schema.WithFields(
			fields.New("policy", fields.TypeChoice,
				fields.WithHelp("Which fragments start a generation"),
				fields.WithChoices(trigger.NameAlways, trigger.NameKeyword, trigger.NameNouns),
				fields.WithDefault(d.Policy)),
			fields.New("min-words", fields.TypeInteger,
				fields.WithHelp("Minimum words for the keyword policy"),
				fields.WithDefault(d.MinWords)),
			fields.New("keywords", fields.TypeStringList,
				fields.WithHelp("Keywords for the keyword policy"),
				fields.WithDefault(d.Keywords)),
			fields.New("min-nouns", fields.TypeInteger,
				fields.WithHelp("Minimum common nouns for the nouns policy"),
				fields.WithDefault(d.MinNouns)),
			fields.New("prompt-window", fields.TypeInteger,
				fields.WithHelp("Number of latest fragments joined into a prompt"),
				fields.WithDefault(d.PromptWindow)),
		),
	)
}

func NewDispatchSection() (schema.Section, error) {
	d := DefaultValues().Dispatch
	return schema.NewSection(DispatchSlug, "Generation dispatch",
		schema.WithFields(
			fields.New("max-concurrent", fields.TypeInteger,
				fields.WithHelp("Concurrent generation jobs"),
				fields.WithDefault(d.MaxConcurrent)),
			fields.New("queue-size", fields.TypeInteger,
				fields.WithHelp("Queued jobs before overflow (0 = unbounded)"),
				fields.WithDefault(d.QueueSize)),
			fields.New("overflow", fields.TypeChoice,
				fields.WithHelp("Queue overflow policy"),
				fields.WithChoices(string(dispatch.DropOldest), string(dispatch.DropNewest)),
				fields.WithDefault(d.Overflow)),
			fields.New("job-timeout", fields.TypeString,
				fields.WithHelp("Per-job generation timeout (Go duration)"),
				fields.WithDefault(d.JobTimeout)),
			fields.New("history-limit", fields.TypeInteger,
				fields.WithHelp("Finished jobs kept for inspection"),
				fields.WithDefault(d.HistoryLimit)),
			fields.New("drain-timeout", fields.TypeString,
				fields.WithHelp("How long in-flight jobs may finish after the session ends"),
				fields.WithDefault(d.DrainTimeout)),
		),
	)
}

func NewViewersSection() (schema.Section, error) {
	d := DefaultValues().Viewers
	return schema.NewSection(ViewersSlug, "Viewer connections",
		schema.WithFields(
			fields.New("send-buffer", fields.TypeInteger,
				fields.WithHelp("Per-viewer send buffer"),
				fields.WithDefault(d.SendBuffer)),
			fields.New("write-timeout", fields.TypeString,
				fields.WithHelp("Per-viewer write timeout (Go duration)"),
				fields.WithDefault(d.WriteTimeout)),
		),
	)
}

// NewRedisSection configures the Redis Streams event bus. Without redis-enabled events
// stay in process.
func NewRedisSection() (schema.Section, error) {
	d := DefaultValues().Redis
	return schema.NewSection(RedisSlug, "Redis configuration for Watermill Redis Streams",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool,
				fields.WithHelp("Carry image events over Redis Streams"),
				fields.WithDefault(false)),
			fields.New("redis-addr", fields.TypeString,
				fields.WithHelp("Redis address host:port"),
				fields.WithDefault(d.RedisAddr)),
			fields.New("redis-group", fields.TypeString,
				fields.WithHelp("Redis consumer group"),
				fields.WithDefault(d.RedisGroup)),
			fields.New("redis-consumer", fields.TypeString,
				fields.WithHelp("Redis consumer name"),
				fields.WithDefault(d.RedisConsumer)),
			fields.New("topic", fields.TypeString,
				fields.WithHelp("Event topic / stream name"),
				fields.WithDefault(d.Topic)),
		),
	)
}

// NewSections returns every settings section in display order.
func NewSections() ([]schema.Section, error) {
	ctors := []func() (schema.Section, error){
		NewSessionSection,
		NewGenerationSection,
		NewTriggerSection,
		NewDispatchSection,
		NewViewersSection,
		NewRedisSection,
	}
	ret := make([]schema.Section, 0, len(ctors))
	for _, ctor := range ctors {
		s, err := ctor()
		if err != nil {
			return nil, err
		}
		ret = append(ret, s)
	}
	return ret, nil
}

// DecodeValues reads every section out of parsed command values.
func DecodeValues(parsed *values.Values) (Values, error) {
	var v Values
	targets := []struct {
		slug string
		dst  any
	}{
		{values.DefaultSlug, &v.Server},
		{SessionSlug, &v.Session},
		{GenerationSlug, &v.Generation},
		{TriggerSlug, &v.Trigger},
		{DispatchSlug, &v.Dispatch},
		{ViewersSlug, &v.Viewers},
		{RedisSlug, &v.Redis},
	}
	for _, t := range targets {
		if err := parsed.DecodeSectionInto(t.slug, t.dst); err != nil {
			return Values{}, errors.Wrapf(err, "decode %s settings", t.slug)
		}
	}
	return v, nil
}

// flatten maps every setting to its flag name.
func (v Values) flatten() (map[string]any, error) {
	ret := map[string]any{}
	for _, section := range []any{v.Server, v.Session, v.Generation, v.Trigger, v.Dispatch, v.Viewers, v.Redis} {
		b, err := yaml.Marshal(section)
		if err != nil {
			return nil, err
		}
		m := map[string]any{}
		if err := yaml.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		for k, val := range m {
			ret[k] = val
		}
	}
	return ret, nil
}
