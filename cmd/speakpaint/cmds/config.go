package cmds

import (
	"context"
	"io"
	"os"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/speakpaint/pkg/config"
)

// ConfigCommand prints the settings serve would run with, secrets masked.
type ConfigCommand struct {
	*cmds.CommandDescription
	flags commandFlags
	out   io.Writer
}

var _ cmds.BareCommand = &ConfigCommand{}

func NewConfigCommand(out io.Writer) (*ConfigCommand, error) {
	sections, err := config.NewSections()
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = os.Stdout
	}
	return &ConfigCommand{
		CommandDescription: cmds.NewCommandDescription(
			"config",
			cmds.WithShort("Print the resolved configuration with secrets masked"),
			config.ServerFlags(),
			cmds.WithSections(sections...),
		),
		out: out,
	}, nil
}

func (c *ConfigCommand) Run(_ context.Context, parsed *values.Values) error {
	s, err := resolveSettings(parsed, &c.flags)
	if err != nil {
		return err
	}
	b, err := s.YAML()
	if err != nil {
		return err
	}
	if _, err := c.out.Write(b); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		log.Warn().Err(err).Msg("configuration would not start")
	}
	return nil
}

func NewConfigCobraCommand(out io.Writer) (*cobra.Command, error) {
	c, err := NewConfigCommand(out)
	if err != nil {
		return nil, err
	}
	return cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(c.flags.middlewares))
}
