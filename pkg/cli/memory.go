package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

func memoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "memory",
		Usage: "Inspect and edit the semantic memory of a user",
		Commands: []*cli.Command{
			memoryRememberCommand(),
			memoryRecallCommand(),
			memoryListCommand(),
			memoryForgetCommand(),
		},
	}
}

func ownerFlag(owner *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "user",
		Aliases:     []string{"u"},
		Usage:       "Owner of the memories",
		Sources:     cli.EnvVars("RENDEZVOUS_USER"),
		Destination: owner,
		Required:    true,
	}
}

func memoryRememberCommand() *cli.Command {
	var (
		cfg   config
		owner string
	)

	flags := []cli.Flag{ownerFlag(&owner)}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, memoryFlags(&cfg)...)

	return &cli.Command{
		Name:      "remember",
		Usage:     "Store a fragment if the memory policy keeps it",
		ArgsUsage: "<text>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			text := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(text) == "" {
				return goerr.New("text is required")
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			mgr, release, err := cfg.newMemory(ctx, repo)
			if err != nil {
				return err
			}
			defer release()

			stored, err := mgr.Remember(ctx, model.OwnerID(owner), text)
			if err != nil {
				return goerr.Wrap(err, "failed to remember")
			}
			if stored == nil {
				fmt.Fprintln(c.Root().Writer, "Not stored")
				return nil
			}
			fmt.Fprintf(c.Root().Writer, "%s\t%.2f\t%s\n", stored.ID, stored.Importance, stored.Text)
			return nil
		},
	}
}

func memoryRecallCommand() *cli.Command {
	var (
		cfg   config
		owner string
		k     int64
	)

	flags := []cli.Flag{
		ownerFlag(&owner),
		&cli.IntFlag{
			Name:        "k",
			Usage:       "Number of memories",
			Value:       memory.DefaultRecallK,
			Destination: &k,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:      "recall",
		Usage:     "Show the memories most similar to a query",
		ArgsUsage: "<query>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			query := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(query) == "" {
				return goerr.New("query is required")
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			mgr, release, err := cfg.newMemory(ctx, repo)
			if err != nil {
				return err
			}
			defer release()

			hits := mgr.Recall(ctx, model.OwnerID(owner), query, int(k))
			if len(hits) == 0 {
				fmt.Fprintln(c.Root().Writer, "No memories found")
				return nil
			}
			for _, h := range hits {
				fmt.Fprintf(c.Root().Writer, "%.3f\t%s\t%s\n", h.Similarity, h.ID, h.Text)
			}
			return nil
		},
	}
}

func memoryListCommand() *cli.Command {
	var (
		cfg   config
		owner string
	)

	flags := []cli.Flag{ownerFlag(&owner)}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List all memories of a user",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			memories, err := repo.ListMemories(ctx, model.OwnerID(owner))
			if err != nil {
				return goerr.Wrap(err, "failed to list memories", goerr.V("owner", owner))
			}

			for _, m := range memories {
				fmt.Fprintf(c.Root().Writer, "%s\t%s\t%.2f\t%s\n",
					m.ID,
					m.CreatedAt.Format(time.DateTime),
					m.Importance,
					m.Text,
				)
			}
			return nil
		},
	}
}

func memoryForgetCommand() *cli.Command {
	var (
		cfg   config
		owner string
	)

	flags := []cli.Flag{ownerFlag(&owner)}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "forget",
		Usage:     "Delete memories by ID",
		ArgsUsage: "<memory-id>...",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() == 0 {
				return goerr.New("memory ID is required")
			}
			ids := make([]model.MemoryID, 0, c.Args().Len())
			for _, arg := range c.Args().Slice() {
				ids = append(ids, model.MemoryID(arg))
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.DeleteMemories(ctx, model.OwnerID(owner), ids...); err != nil {
				return goerr.Wrap(err, "failed to delete memories", goerr.V("owner", owner))
			}
			fmt.Fprintf(c.Root().Writer, "Deleted %d memories\n", len(ids))
			return nil
		},
	}
}
