package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/service/mcp"
	"github.com/m-mizutani/rendezvous/pkg/tool"
	toolmemory "github.com/m-mizutani/rendezvous/pkg/tool/memory"
	toolscheduling "github.com/m-mizutani/rendezvous/pkg/tool/scheduling"
	"github.com/m-mizutani/rendezvous/pkg/utils/logging"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v3"
)

func newRegistry() *tool.Registry {
	return tool.New(toolscheduling.New(), toolmemory.New())
}

func serveCommand() *cli.Command {
	var (
		cfg       config
		addr      string
		transport string
		owner     string
		seed      bool
	)
	registry := newRegistry()

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Listen address of the HTTP transports",
			Value:       ":8000",
			Sources:     cli.EnvVars("RENDEZVOUS_MCP_ADDR"),
			Destination: &addr,
		},
		&cli.StringFlag{
			Name:        "transport",
			Usage:       "MCP transport (http serves /sse and /mcp, stdio serves one client)",
			Value:       "http",
			Sources:     cli.EnvVars("RENDEZVOUS_MCP_TRANSPORT"),
			Destination: &transport,
		},
		&cli.StringFlag{
			Name:        "default-owner",
			Usage:       "Owner of memory tool calls that do not name one",
			Sources:     cli.EnvVars("RENDEZVOUS_DEFAULT_OWNER"),
			Destination: &owner,
		},
		&cli.BoolFlag{
			Name:        "seed",
			Usage:       "Insert demo slots when the slot collection is empty",
			Sources:     cli.EnvVars("RENDEZVOUS_SEED"),
			Destination: &seed,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, memoryFlags(&cfg)...)
	flags = append(flags, schedulingFlags(&cfg)...)
	flags = append(flags, registry.Flags()...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the scheduling and memory tools over MCP",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := logging.From(ctx)

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

			uc := cfg.newScheduling(repo)
			if seed {
				if _, err := uc.Seed(ctx); err != nil {
					return goerr.Wrap(err, "failed to seed slots")
				}
			}

			if err := registry.Init(ctx, &tool.Client{Scheduling: uc, Memory: mgr}); err != nil {
				return goerr.Wrap(err, "failed to initialize tools")
			}

			var opts []mcp.ServerOption
			if owner != "" {
				opts = append(opts, mcp.WithDefaultOwner(model.OwnerID(owner)))
			}
			srv, err := mcp.NewServer(registry, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			switch transport {
			case "http":
				return srv.ListenAndServe(ctx, addr)
			case "stdio":
				logger.Info("MCP server serving stdio")
				return srv.Run(ctx, &mcpsdk.StdioTransport{})
			default:
				return goerr.New("unsupported transport", goerr.V("transport", transport))
			}
		},
	}
}
