package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/usecase/history"
	"github.com/urfave/cli/v3"
)

func historyCommand() *cli.Command {
	var (
		cfg      config
		threadID string
		user     string
		session  string
		from     int64
		limit    int64
		asJSON   bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "thread",
			Usage:       "Thread ID to replay",
			Destination: &threadID,
		},
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "User of the thread (with --session, instead of --thread)",
			Sources:     cli.EnvVars("RENDEZVOUS_USER"),
			Destination: &user,
		},
		&cli.StringFlag{
			Name:        "session",
			Usage:       "Session of the thread",
			Value:       "default",
			Sources:     cli.EnvVars("RENDEZVOUS_SESSION"),
			Destination: &session,
		},
		&cli.IntFlag{
			Name:        "from",
			Usage:       "First sequence number",
			Destination: &from,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"n"},
			Usage:       "Maximum number of checkpoints (0 is all)",
			Destination: &limit,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print entries as JSON lines",
			Destination: &asJSON,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "history",
		Usage: "Replay the checkpoints of a conversation thread",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			thread := model.ThreadID(threadID)
			if thread == "" {
				if user == "" {
					return goerr.New("either --thread or --user is required")
				}
				thread = model.NewThreadID(user, session)
			}
			if from < 0 {
				return goerr.New("from must not be negative", goerr.V("from", from))
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			entries, err := history.List(ctx, repo, thread, uint64(from), int(limit))
			if err != nil {
				return goerr.Wrap(err, "failed to replay thread", goerr.V("thread", thread))
			}

			w := c.Root().Writer
			if len(entries) == 0 {
				fmt.Fprintf(w, "No checkpoints found for thread %s\n", thread)
				return nil
			}

			if asJSON {
				enc := json.NewEncoder(w)
				for _, e := range entries {
					if err := enc.Encode(e); err != nil {
						return goerr.Wrap(err, "failed to encode entry")
					}
				}
				return nil
			}

			fmt.Fprintf(w, "Thread %s\n", thread)
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
					e.Seq,
					e.CreatedAt.Format(time.DateTime),
					e.Schema,
					e.Size,
					e.Role,
					e.Summary,
				)
			}
			return nil
		},
	}
}
