package cmds

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/speakpaint/pkg/app"
	"github.com/go-go-golems/speakpaint/pkg/config"
)

type ServeCommand struct {
	*cmds.CommandDescription
	flags commandFlags
}

var _ cmds.BareCommand = &ServeCommand{}

func NewServeCommand() (*ServeCommand, error) {
	sections, err := config.NewSections()
	if err != nil {
		return nil, err
	}
	return &ServeCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Run the conversation session and serve generated images over websockets"),
			cmds.WithLong(`Connects to the conversation provider, turns triggering transcript fragments
into image generation jobs and pushes finished images to every connected viewer.

Every flag can also come from the environment (--fal-key is FAL_KEY), from the
dotenv file named by --env-file, or from the YAML file named by --settings-file.`),
			config.ServerFlags(),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *ServeCommand) Run(ctx context.Context, parsed *values.Values) error {
	s, err := resolveSettings(parsed, &c.flags)
	if err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return serve(ctx, s)
}

func NewServeCobraCommand() (*cobra.Command, error) {
	c, err := NewServeCommand()
	if err != nil {
		return nil, err
	}
	return cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(c.flags.middlewares))
}

func serve(ctx context.Context, s *config.Settings) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := app.New(ctx, s, app.Overrides{})
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.Addr)
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer cancel()
		return a.Run(gctx, ln)
	})
	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("received signal, shutting down gracefully...")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	return eg.Wait()
}
