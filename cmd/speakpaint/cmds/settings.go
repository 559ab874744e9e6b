package cmds

import (
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-go-golems/speakpaint/pkg/config"
)

// commandFlags remembers the cobra flag set glazed parsed, so Run can tell flags given on
// the command line from section defaults.
type commandFlags struct {
	fs *pflag.FlagSet
}

func (c *commandFlags) middlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	c.fs = cmd.Flags()
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromDefaults(),
	}, nil
}

func (c *commandFlags) changed(name string) bool {
	if c.fs == nil {
		return false
	}
	f := c.fs.Lookup(name)
	return f != nil && f.Changed
}

func resolveSettings(parsed *values.Values, flags *commandFlags) (*config.Settings, error) {
	vals, err := config.DecodeValues(parsed)
	if err != nil {
		return nil, err
	}
	return config.Resolve(vals, flags.changed)
}
