package cli

import (
	"context"
	"io"
	"os"

	"github.com/m-mizutani/rendezvous/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := newRootCommand(os.Stdout, os.Stderr)

	if err := cmd.Run(ctx, argv); err != nil {
		logging.From(ctx).Error("command failed", "error", err)
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

func newRootCommand(stdout, stderr io.Writer) *cli.Command {
	var (
		logLevel  string
		logFormat string
	)

	return &cli.Command{
		Name:      "rendezvous",
		Usage:     "Meeting scheduling agent with persistent threads and semantic memory",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Aliases:     []string{"l"},
				Usage:       "Log level (debug, info, warn, error)",
				Value:       "info",
				Sources:     cli.EnvVars("RENDEZVOUS_LOG_LEVEL"),
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "Log format (console, json)",
				Value:       "console",
				Sources:     cli.EnvVars("RENDEZVOUS_LOG_FORMAT"),
				Destination: &logFormat,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			level, err := logging.ParseLevel(logLevel)
			if err != nil {
				return ctx, err
			}
			format, err := logging.ParseFormat(logFormat)
			if err != nil {
				return ctx, err
			}

			logger := logging.NewWithFormat(level, format, stderr)
			logging.SetDefault(logger)
			return logging.With(ctx, logger), nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			chatCommand(),
			slotCommand(),
			memoryCommand(),
			historyCommand(),
		},
	}
}
