package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coderunner/agentd/internal/auth"
	"github.com/coderunner/agentd/internal/config"
	"github.com/coderunner/agentd/internal/mcpclient"
	"github.com/coderunner/agentd/internal/modelclient"
	"github.com/coderunner/agentd/internal/rpcserver"
	"github.com/coderunner/agentd/internal/sandbox"
	"github.com/coderunner/agentd/internal/snapshot"
	"github.com/coderunner/agentd/internal/threadstore"
	aitools "github.com/coderunner/agentd/internal/tools"
	"github.com/coderunner/agentd/internal/turnengine"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "bootstrap":
		bootstrapCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("agentd %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `agentd

Usage:
  agentd bootstrap [flags]
  agentd run [flags]
  agentd version

Commands:
  bootstrap   Write a local config file (no network access required).
  run         Run the app-server turn engine using the local config file.
  version     Print build information.

`)
}

func bootstrapCmd(args []string) {
	fs := flag.NewFlagSet("bootstrap", flag.ExitOnError)

	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	listenAddr := fs.String("listen", "", "WebSocket listen address (empty: stdio transport only)")
	rootDir := fs.String("root-dir", "", "Filesystem root dir (default: user home dir)")
	shell := fs.String("shell", "", "Shell command, stored in the config (not read by agentd run)")
	defaultModel := fs.String("default-model", "openai/gpt-5-mini", "Default model id, <provider>/<model>")
	permissionPolicy := fs.String("permission-policy", "", "Local permission policy preset: execute_read|read_only|execute_read_write (empty: keep existing; default: execute_read_write)")
	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	out, err := config.BootstrapConfig(ctx, config.BootstrapArgs{
		ConfigPath:             *cfgPath,
		ListenAddr:             *listenAddr,
		RootDir:                *rootDir,
		Shell:                  *shell,
		DefaultModel:           *defaultModel,
		LogFormat:              *logFormat,
		LogLevel:               *logLevel,
		PermissionPolicyPreset: *permissionPolicy,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config written: %s\n", filepath.Clean(out))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, log, cfg); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "agentd exited with error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// run wires every collaborator the turn engine needs and serves both the
// stdio and (if configured) WebSocket transports until ctx is canceled
// (spec §4.1: the server owns both framings over one shared dispatch core).
func run(ctx context.Context, log *slog.Logger, cfg *config.Config) error {
	rootDir, err := resolveRootDir(cfg.RootDir)
	if err != nil {
		return err
	}

	oauthCfg := auth.OAuthConfig{
		TokenURL:     envOrDefault("AGENTD_OAUTH_TOKEN_URL", ""),
		AuthorizeURL: envOrDefault("AGENTD_OAUTH_AUTHORIZE_URL", ""),
		RedirectURL:  envOrDefault("AGENTD_OAUTH_REDIRECT_URL", "http://127.0.0.1:1455/auth/callback"),
		ClientID:     os.Getenv("AGENTD_OAUTH_CLIENT_ID"),
		Scopes:       []string{"openid", "profile", "email", "offline_access"},
	}
	authManager := auth.NewManager(
		auth.NewHTTPExchanger(oauthCfg, nil),
		nil,
	)

	router := modelclient.NewRouter("openai", map[string]turnengine.ModelClient{
		"openai":    modelclient.NewOpenAI(os.Getenv("AGENTD_API_KEY")),
		"anthropic": modelclient.NewAnthropic(os.Getenv("AGENTD_API_KEY")),
	})

	mcpManager := mcpclient.NewManager()
	defer mcpManager.CloseAll()

	toolRegistry := turnengine.NewToolTable()
	if err := registerBuiltinTools(toolRegistry, rootDir, cfg); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	scheduler, err := turnengine.NewToolDispatcher(toolRegistry, turnengine.DefaultModeToolFilter{})
	if err != nil {
		return fmt.Errorf("new tool scheduler: %w", err)
	}
	scheduler.WithLogger(log).WithEventSink(aitools.NewLogEventSink(log))
	if cfg.PermissionPolicy != nil {
		scheduler.WithPermissionCap(cfg.PermissionPolicy.ResolveCap("", rootDir))
	}

	if err := connectConfiguredMCPServers(ctx, cfg, mcpManager, toolRegistry, log); err != nil {
		log.Warn("mcp server connect failed", "error", err)
	}

	checkpoints := snapshot.NewService(filepath.Join(filepath.Dir(config.DefaultConfigPath()), "checkpoints"))

	store, err := threadstore.Open(filepath.Join(filepath.Dir(config.DefaultConfigPath()), "threads.db"))
	if err != nil {
		return fmt.Errorf("open thread store: %w", err)
	}
	defer store.Close()

	printWelcomeBanner(os.Stdout, welcomeBannerOptions{
		Version:    Version,
		ListenAddr: cfg.ListenAddr,
		RootDir:    rootDir,
	})

	eng := rpcserver.Engine{
		Registry:    turnengine.NewRegistry(),
		Model:       router,
		Scheduler:   scheduler,
		Checkpoints: checkpoints,
		Store:       store,
		ServerName:  "agentd",
		ServerVer:   Version,
		Auth:        authManager,
		AuthConfig:  oauthCfg,
		Router:      router,
		AI:          cfg.AI,
	}

	rpcRouter := rpcserver.NewRouter()
	rpcserver.RegisterHandlers(rpcRouter, log, eng)

	server := rpcserver.NewServer(log, rpcRouter)

	errCh := make(chan error, 2)
	go func() {
		log.Info("serving stdio transport")
		errCh <- server.ServeStdio(ctx, os.Stdin, os.Stdout)
	}()

	if cfg.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if err := server.ServeWS(ctx, w, r); err != nil {
				log.Warn("websocket connection ended", "error", err)
			}
		})
		httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
		go func() {
			log.Info("serving websocket transport", "addr", cfg.ListenAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
				return
			}
			errCh <- nil
		}()
	} else {
		errCh <- nil
	}

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return firstErr
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func resolveRootDir(configured string) (string, error) {
	if configured != "" {
		return filepath.Clean(configured), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}

// registerBuiltinTools wires agentd's concrete ToolHandler implementations
// into the scheduler's registry (spec §4.5's tool dispatcher: "shell,
// apply_patch, plan, view_image, read_file, MCP").
func registerBuiltinTools(reg *turnengine.ToolTable, rootDir string, cfg *config.Config) error {
	exec := sandbox.NewExecutor()

	if err := reg.Register(turnengine.ToolDef{Name: "shell", Mutating: true, ParallelSafe: false}, turnengine.NewShellHandler(exec, rootDir)); err != nil {
		return err
	}
	if err := reg.Register(turnengine.ToolDef{Name: "apply_patch", Mutating: true, ParallelSafe: false}, turnengine.NewApplyPatchHandler(rootDir)); err != nil {
		return err
	}
	if err := reg.Register(turnengine.ToolDef{Name: "update_plan", Mutating: false, ParallelSafe: true}, turnengine.NewPlanHandler()); err != nil {
		return err
	}
	if err := reg.Register(turnengine.ToolDef{Name: "read_file", Mutating: false, ParallelSafe: true}, turnengine.NewReadFileHandler(rootDir)); err != nil {
		return err
	}
	if err := reg.Register(turnengine.ToolDef{Name: "view_image", Mutating: false, ParallelSafe: true}, turnengine.NewViewImageHandler(rootDir)); err != nil {
		return err
	}
	return nil
}

// connectConfiguredMCPServers connects every server named in cfg.MCPServers
// and registers one McpToolHandler per discovered tool, namespaced
// "<server>__<tool>" (spec §4.5: "MCP tools sorted by qualified name").
func connectConfiguredMCPServers(ctx context.Context, cfg *config.Config, mgr *mcpclient.Manager, reg *turnengine.ToolTable, log *slog.Logger) error {
	var firstErr error
	for _, srv := range cfg.MCPServers {
		env := make([]string, 0, len(srv.Env))
		for k, v := range srv.Env {
			env = append(env, k+"="+v)
		}

		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := mgr.Connect(connectCtx, mcpclient.ServerConfig{
			Name:    srv.Name,
			Command: srv.Command,
			Args:    srv.Args,
			Env:     env,
		})
		cancel()
		if err != nil {
			log.Warn("mcp server connect failed", "server", srv.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		log.Info("mcp server connected", "server", srv.Name)
	}

	for _, t := range mgr.ListTools() {
		schema, _ := json.Marshal(t.InputSchema)
		err := reg.Register(turnengine.ToolDef{
			Name:        t.QualifiedName,
			Source:      "mcp",
			Mutating:    true,
			InputSchema: schema,
		}, turnengine.NewMcpToolHandler(mgr, t.QualifiedName))
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
