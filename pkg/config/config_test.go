package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// testValues are the section defaults without the .env lookup, so a stray file in the
// working directory stays out of the tests.
func testValues() Values {
	v := DefaultValues()
	v.Server.EnvFile = ""
	return v
}

func explicitly(names ...string) func(string) bool {
	set := map[string]bool{}
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}

func validSettings() *Settings {
	return &Settings{
		FalKey:        "fal",
		Provider:      ProviderElevenLabs,
		AgentID:       "agent",
		ElevenAPIKey:  "eleven",
		Policy:        "nouns",
		Overflow:      "drop-oldest",
		MaxConcurrent: 4,
		QueueSize:     16,
		PollInterval:  time.Second,
		PromptWindow:  1,
		SendBuffer:    32,
	}
}

func TestResolveDefaults(t *testing.T) {
	s, err := Resolve(testValues(), nil)
	require.NoError(t, err)

	require.Equal(t, ":3001", s.Addr)
	require.Equal(t, []string{"http://localhost:3000"}, s.AllowedOrigins)
	require.Equal(t, ProviderElevenLabs, s.Provider)
	require.Equal(t, "nouns", s.Policy)
	require.Equal(t, 20, s.MinWords)
	require.Equal(t, 4, s.MaxConcurrent)
	require.Equal(t, 16, s.QueueSize)
	require.Equal(t, "drop-oldest", s.Overflow)
	require.Equal(t, 2*time.Minute, s.JobTimeout)
	require.Equal(t, time.Duration(0), s.DrainTimeout)
	require.Equal(t, time.Second, s.PollInterval)
	require.Equal(t, 10*time.Second, s.WriteTimeout)
	require.Equal(t, 0.5, s.FinetuneStrength)
	require.Equal(t, 1, s.PromptWindow)
	require.Equal(t, "speakpaint.images", s.Topic)
	require.False(t, s.SendTestImage)
}

func TestResolveReadsEnvironment(t *testing.T) {
	t.Setenv("FAL_KEY", "fal-from-env")
	t.Setenv("AGENT_ID", "agent-from-env")
	t.Setenv("ELEVEN_API_KEY", "eleven-from-env")
	t.Setenv("MAX_CONCURRENT", "7")
	t.Setenv("JOB_TIMEOUT", "45s")

	s, err := Resolve(testValues(), nil)
	require.NoError(t, err)
	require.Equal(t, "fal-from-env", s.FalKey)
	require.Equal(t, "agent-from-env", s.AgentID)
	require.Equal(t, "eleven-from-env", s.ElevenAPIKey)
	require.Equal(t, 7, s.MaxConcurrent)
	require.Equal(t, 45*time.Second, s.JobTimeout)
	require.NoError(t, s.Validate())
}

func TestExplicitFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("FAL_KEY", "fal-from-env")
	t.Setenv("POLICY", "keyword")
	t.Setenv("QUEUE_SIZE", "9")

	v := testValues()
	v.Generation.FalKey = "fal-from-flag"
	v.Trigger.Policy = "always"
	v.Dispatch.QueueSize = 0

	s, err := Resolve(v, explicitly("fal-key", "policy", "queue-size"))
	require.NoError(t, err)
	require.Equal(t, "fal-from-flag", s.FalKey)
	require.Equal(t, "always", s.Policy)
	require.Equal(t, 0, s.QueueSize)

	// the same values as mere defaults lose to the environment
	s, err = Resolve(v, nil)
	require.NoError(t, err)
	require.Equal(t, "fal-from-env", s.FalKey)
	require.Equal(t, "keyword", s.Policy)
	require.Equal(t, 9, s.QueueSize)
}

func TestResolveSettingsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "speakpaint.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
provider: replay
replay-file: talk.txt
policy: keyword
keywords: [castle, dragon]
drain-timeout: 5s
max-concurrent: 2
`), 0o644))

	v := testValues()
	v.Server.SettingsFile = path
	v.Dispatch.MaxConcurrent = 3
	s, err := Resolve(v, explicitly("settings-file", "max-concurrent"))
	require.NoError(t, err)
	require.Equal(t, ProviderReplay, s.Provider)
	require.Equal(t, "talk.txt", s.ReplayFile)
	require.Equal(t, "keyword", s.Policy)
	require.Equal(t, []string{"castle", "dragon"}, s.Keywords)
	require.Equal(t, 5*time.Second, s.DrainTimeout)
	require.Equal(t, 3, s.MaxConcurrent)

	v.Server.SettingsFile = filepath.Join(dir, "missing.yaml")
	_, err = Resolve(v, nil)
	require.Error(t, err)
}

func TestResolveLoadsDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("FINETUNE_ID=ft-from-dotenv\n"), 0o644))
	t.Setenv("FINETUNE_ID", "")
	require.NoError(t, os.Unsetenv("FINETUNE_ID"))

	v := testValues()
	v.Server.EnvFile = path
	s, err := Resolve(v, explicitly("env-file"))
	require.NoError(t, err)
	require.Equal(t, "ft-from-dotenv", s.FinetuneID)

	v.Server.EnvFile = filepath.Join(t.TempDir(), "absent.env")
	_, err = Resolve(v, explicitly("env-file"))
	require.Error(t, err)
	_, err = Resolve(v, nil)
	require.NoError(t, err)
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SPEAKPAINT_TEST_A=from-file\nSPEAKPAINT_TEST_B=from-file\n"), 0o644))

	t.Setenv("SPEAKPAINT_TEST_A", "from-env")
	t.Setenv("SPEAKPAINT_TEST_B", "")
	require.NoError(t, os.Unsetenv("SPEAKPAINT_TEST_B"))

	require.NoError(t, LoadDotEnv(path, true))
	require.Equal(t, "from-env", os.Getenv("SPEAKPAINT_TEST_A"))
	require.Equal(t, "from-file", os.Getenv("SPEAKPAINT_TEST_B"))
	require.NoError(t, os.Unsetenv("SPEAKPAINT_TEST_B"))

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "nope.env"), false))
	require.Error(t, LoadDotEnv(filepath.Join(t.TempDir(), "nope.env"), true))
}

func TestValidate(t *testing.T) {
	require.NoError(t, validSettings().Validate())

	cases := map[string]func(s *Settings){
		"missing fal key":         func(s *Settings) { s.FalKey = "" },
		"missing agent id":        func(s *Settings) { s.AgentID = " " },
		"missing eleven key":      func(s *Settings) { s.ElevenAPIKey = "" },
		"replay without file":     func(s *Settings) { s.Provider = ProviderReplay },
		"unknown provider":        func(s *Settings) { s.Provider = "telepathy" },
		"unknown policy":          func(s *Settings) { s.Policy = "vibes" },
		"unknown overflow":        func(s *Settings) { s.Overflow = "drop-middle" },
		"zero workers":            func(s *Settings) { s.MaxConcurrent = 0 },
		"negative queue":          func(s *Settings) { s.QueueSize = -1 },
		"zero prompt window":      func(s *Settings) { s.PromptWindow = 0 },
		"strength out of range":   func(s *Settings) { s.FinetuneStrength = 1.5 },
		"redis without address":   func(s *Settings) { s.RedisEnabled = true },
		"non-positive poll":       func(s *Settings) { s.PollInterval = 0 },
		"negative drain timeout":  func(s *Settings) { s.DrainTimeout = -time.Second },
		"zero viewer send buffer": func(s *Settings) { s.SendBuffer = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := validSettings()
			mutate(s)
			require.Error(t, s.Validate())
		})
	}

	s := validSettings()
	s.Provider, s.AgentID, s.ElevenAPIKey, s.ReplayFile = ProviderReplay, "", "", "talk.txt"
	require.NoError(t, s.Validate())
}

func TestYAMLMasksSecrets(t *testing.T) {
	s := validSettings()
	b, err := s.YAML()
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, yaml.Unmarshal(b, &out))
	require.Equal(t, redacted, out["fal-key"])
	require.Equal(t, redacted, out["eleven-api-key"])
	require.Equal(t, "agent", out["agent-id"])
	require.Equal(t, "fal", s.FalKey)
}
