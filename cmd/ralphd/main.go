package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ralphdev/ralphd/internal/agent"
	"github.com/ralphdev/ralphd/internal/config"
	"github.com/ralphdev/ralphd/internal/events"
	ghclient "github.com/ralphdev/ralphd/internal/github"
	"github.com/ralphdev/ralphd/internal/gitops"
	"github.com/ralphdev/ralphd/internal/logindex"
	"github.com/ralphdev/ralphd/internal/logs"
	"github.com/ralphdev/ralphd/internal/orchestrator"
	"github.com/ralphdev/ralphd/internal/server"
	"github.com/ralphdev/ralphd/internal/state"
	"github.com/ralphdev/ralphd/internal/verify"
	"github.com/ralphdev/ralphd/internal/workspace"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `ralphd - orchestration daemon for autonomous coding agents

Usage:
  ralphd serve [flags]    Start the daemon
  ralphd status [flags]   Show daemon and run-loop status
  ralphd version          Print the version

Flags:
  --addr     Address to listen on / connect to (default from config)
  --config   Path to ralphd.yaml (default ~/.ralphd/ralphd.yaml)
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "serve":
		err = runServe(rest)
	case "status":
		err = runStatus(rest)
	case "--version", "version":
		fmt.Println("ralphd " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "ralphd %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

// parseCommonFlags picks the flags shared by serve and status out of args.
func parseCommonFlags(args []string) (addr, configPath string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			if i+1 < len(args) {
				addr = args[i+1]
				i++
			}
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		}
	}
	return addr, configPath
}

func runServe(args []string) error {
	addrFlag, configPath := parseCommonFlags(args)

	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolving config path: %w", err)
		}
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if addrFlag != "" {
		cfg.Addr = addrFlag
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := state.New(cfg.StatePath(), cfg.UserData, logger)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer st.Close()

	index, err := logindex.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening log index: %w", err)
	}
	defer index.Close()

	settings := st.Settings()
	workspacesPath := settings.WorkspacesPath
	if workspacesPath == "" {
		workspacesPath = cfg.DefaultWorkspacesDir()
	}
	ws := workspace.NewStore(workspacesPath)
	logStore := logs.NewStore(cfg.LogsDir())
	bus := events.NewBus()
	defer bus.Close()

	executable := cfg.AgentExecutable
	if settings.AgentExecutable != "" {
		executable = settings.AgentExecutable
	}
	runner := agent.NewRunner(executable, bus, logger)
	git := gitops.NewDriver(ws, logger)
	verifier := verify.New(runner, git, logger)

	gh := ghclient.NewCLI()
	orcOpts := []orchestrator.Option{orchestrator.WithIndex(index)}
	if probe := buildPRProbe(ctx, cfg, gh, logger); probe != nil {
		orcOpts = append(orcOpts, orchestrator.WithPRProbe(probe))
	}

	orc := orchestrator.New(st, ws, git, runner, &settingsAwareVerifier{verifier: verifier, state: st},
		logStore, bus, logger, orcOpts...)
	defer orc.Close()

	// Projects left running by a previous daemon are paused; resuming is an
	// explicit operator action.
	orc.Recover()

	hub := server.NewHub(logger)
	srv, err := server.New(cfg.Addr, server.Config{
		State:        st,
		Workspaces:   ws,
		Orchestrator: orc,
		Logs:         logStore,
		Index:        index,
		GitHub:       gh,
		Hub:          hub,
	})
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	fmt.Fprintf(os.Stderr, "ralphd listening on %s\n", srv.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := st.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("state watcher: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx, bus, st)
		return nil
	})
	g.Go(func() error {
		err := srv.Serve()
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "\nshutting down...")
		srv.Close()
		orc.Close()
		return nil
	})
	return g.Wait()
}

// buildPRProbe returns a GitHub API client for open-PR detection when
// credentials are available, nil otherwise. The daemon works fine without
// it; pull request creation just loses idempotence across restarts.
func buildPRProbe(ctx context.Context, cfg *config.Config, gh *ghclient.CLI, logger *slog.Logger) orchestrator.PRProbe {
	if cfg.GitHub.AppConfigured() {
		client, err := ghclient.New("", ghclient.WithAppAuth(ghclient.AppCredentials{
			AppID:          cfg.GitHub.AppID,
			InstallationID: cfg.GitHub.InstallationID,
			PrivateKeyPath: cfg.GitHub.PrivateKeyPath,
		}))
		if err != nil {
			logger.Warn("github app auth unavailable", "error", err)
		} else {
			return client
		}
	}

	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		t, err := gh.Token(ctx)
		if err != nil {
			logger.Info("no github token, PR probe disabled")
			return nil
		}
		token = t
	}
	client, err := ghclient.New(token)
	if err != nil {
		logger.Warn("github client unavailable", "error", err)
		return nil
	}
	return client
}

// settingsAwareVerifier applies the live strictVerification setting to each
// verification pass.
type settingsAwareVerifier struct {
	verifier *verify.Verifier
	state    *state.Manager
}

func (s *settingsAwareVerifier) VerifyTask(ctx context.Context, in verify.Input) (verify.Result, error) {
	v := *s.verifier
	v.Strict = s.state.Settings().StrictVerification
	return v.VerifyTask(ctx, in)
}
