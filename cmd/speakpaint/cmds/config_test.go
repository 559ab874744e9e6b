package cmds

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestServeCommandDeclaresSections(t *testing.T) {
	cmd, err := NewServeCobraCommand()
	require.NoError(t, err)
	require.Equal(t, "serve", cmd.Name())

	for _, name := range []string{
		"addr", "settings-file", "env-file",
		"provider", "agent-id", "fal-key", "finetune-strength",
		"policy", "prompt-window", "max-concurrent", "overflow", "drain-timeout",
		"send-buffer", "redis-enabled", "redis-addr", "topic",
	} {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			f = cmd.PersistentFlags().Lookup(name)
		}
		require.NotNil(t, f, name)
	}
}

func TestConfigCommandPrintsResolvedSettings(t *testing.T) {
	t.Setenv("FAL_KEY", "")
	t.Setenv("ELEVEN_API_KEY", "")
	t.Setenv("QUEUE_SIZE", "5")

	var out bytes.Buffer
	configCmd, err := NewConfigCobraCommand(&out)
	require.NoError(t, err)
	root := &cobra.Command{Use: "speakpaint"}
	root.AddCommand(configCmd)
	root.SetArgs([]string{
		"config",
		"--env-file=",
		"--fal-key", "fal-secret",
		"--provider", "replay",
		"--replay-file", "talk.txt",
		"--max-concurrent", "3",
		"--job-timeout", "45s",
	})
	require.NoError(t, root.ExecuteContext(context.Background()))

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
	require.Equal(t, "********", got["fal-key"])
	require.Equal(t, "replay", got["provider"])
	require.Equal(t, "talk.txt", got["replay-file"])
	require.Equal(t, 3, got["max-concurrent"])
	require.Equal(t, 5, got["queue-size"])
	require.Equal(t, "45s", got["job-timeout"])
	require.Equal(t, "nouns", got["policy"])
}
