package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/service/mcp"
	"github.com/m-mizutani/rendezvous/pkg/tool"
	toolmemory "github.com/m-mizutani/rendezvous/pkg/tool/memory"
	toolscheduling "github.com/m-mizutani/rendezvous/pkg/tool/scheduling"
	"github.com/m-mizutani/rendezvous/pkg/usecase/chat"
	"github.com/m-mizutani/rendezvous/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	var (
		cfg           config
		user          string
		session       string
		threadID      string
		mcpConfig     string
		remoteOnly    bool
		injectK       int64
		maxIterations int64
		historyLimit  int64
	)
	schedulingTool := toolscheduling.New()
	memoryTool := toolmemory.New()

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "User ID; owner of the memories and the thread",
			Sources:     cli.EnvVars("RENDEZVOUS_USER"),
			Destination: &user,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "session",
			Usage:       "Session ID; the same user and session resume the same thread",
			Value:       "default",
			Sources:     cli.EnvVars("RENDEZVOUS_SESSION"),
			Destination: &session,
		},
		&cli.StringFlag{
			Name:        "thread",
			Usage:       "Resume a thread by ID instead of user and session",
			Destination: &threadID,
		},
		&cli.StringFlag{
			Name:        "mcp-config",
			Usage:       "YAML file of remote MCP tool servers",
			Sources:     cli.EnvVars("RENDEZVOUS_MCP_CONFIG"),
			Destination: &mcpConfig,
		},
		&cli.BoolFlag{
			Name:        "remote-only",
			Usage:       "Use only the tools of the MCP servers in --mcp-config",
			Destination: &remoteOnly,
		},
		&cli.IntFlag{
			Name:        "inject-k",
			Usage:       "Memories injected into the system prompt each turn",
			Value:       memory.DefaultRecallK,
			Sources:     cli.EnvVars("RENDEZVOUS_INJECT_K"),
			Destination: &injectK,
		},
		&cli.IntFlag{
			Name:        "max-iterations",
			Usage:       "Maximum model calls per turn",
			Value:       chat.DefaultMaxIterations,
			Destination: &maxIterations,
		},
		&cli.IntFlag{
			Name:        "history-limit",
			Usage:       "Summarize older messages above this many bytes of history (0 only on token limit errors)",
			Sources:     cli.EnvVars("RENDEZVOUS_HISTORY_LIMIT"),
			Destination: &historyLimit,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, memoryFlags(&cfg)...)
	flags = append(flags, schedulingFlags(&cfg)...)
	flags = append(flags, checkpointFlags(&cfg)...)
	flags = append(flags, schedulingTool.Flags()...)
	flags = append(flags, memoryTool.Flags()...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Talk to the scheduling agent",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			gemini, err := cfg.newGemini(ctx)
			if err != nil {
				return err
			}
			compression, err := cfg.newCompression()
			if err != nil {
				return err
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

			var tools []tool.Tool
			if !remoteOnly {
				tools = append(tools, schedulingTool, memoryTool)
			}

			provider, err := mcp.LoadAndConnect(ctx, mcpConfig)
			if err != nil {
				return goerr.Wrap(err, "failed to load MCP config", goerr.V("path", mcpConfig))
			}
			if provider != nil {
				defer provider.Close()
				tools = append(tools, provider)
			} else if remoteOnly {
				return goerr.New("--remote-only requires a reachable MCP server in --mcp-config")
			}

			registry := tool.New(tools...)
			if err := registry.Init(ctx, &tool.Client{
				Scheduling: cfg.newScheduling(repo),
				Memory:     mgr,
			}); err != nil {
				return goerr.Wrap(err, "failed to initialize tools")
			}

			opts := []chat.Option{
				chat.WithRegistry(registry),
				chat.WithMemory(mgr),
				chat.WithCompression(compression),
				chat.WithRecallK(int(injectK)),
				chat.WithMaxIterations(int(maxIterations)),
				chat.WithHistoryLimit(int(historyLimit)),
				chat.WithBackoff(cfg.backoff()),
			}

			owner := model.OwnerID(user)
			var sess *chat.Session
			if threadID != "" {
				sess, err = chat.Resume(ctx, gemini, repo, owner, model.ThreadID(threadID), opts...)
			} else {
				sess, err = chat.New(ctx, gemini, repo, owner, session, opts...)
			}
			if err != nil {
				return goerr.Wrap(err, "failed to open chat session")
			}

			return chatLoop(ctx, c.Root().Writer, sess)
		},
	}
}

func chatLoop(ctx context.Context, w io.Writer, sess *chat.Session) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return goerr.Wrap(err, "failed to initialize prompt")
	}
	defer rl.Close()

	if sess.Resumed() {
		fmt.Fprintf(w, "Resumed thread %s (%d messages). Type 'exit' to quit.\n", sess.Thread(), len(sess.History()))
	} else {
		fmt.Fprintf(w, "Started thread %s. Type 'exit' to quit.\n", sess.Thread())
	}

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return goerr.Wrap(err, "failed to read input")
		}

		message := strings.TrimSpace(line)
		if message == "exit" || message == "quit" {
			break
		}
		if message == "" {
			continue
		}

		sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
		sp.Suffix = " thinking..."
		sp.Start()
		turn, err := sess.Send(ctx, message)
		sp.Stop()

		if err != nil {
			// the thread keeps its last checkpoint, so the user can retry
			fmt.Fprintf(w, "error: %v\n", err)
			continue
		}

		for _, call := range turn.ToolCalls {
			status := "ok"
			if _, failed := call.Response["error"]; failed {
				status = fmt.Sprintf("error (%v)", call.Response["kind"])
			}
			fmt.Fprintf(w, "  [%s] %s\n", call.Name, status)
		}
		fmt.Fprintf(w, "%s\n", turn.Text)
	}

	fmt.Fprintf(w, "\nThread %s saved\n", sess.Thread())
	return nil
}
