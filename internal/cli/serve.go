package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/tobert/csvedit-mcp/internal/logger"
	"github.com/tobert/csvedit-mcp/internal/mcpserver"
	"github.com/tobert/csvedit-mcp/internal/metrics"
	"github.com/tobert/csvedit-mcp/internal/session"
	"github.com/tobert/csvedit-mcp/internal/storage"
	"github.com/tobert/csvedit-mcp/internal/webui"
)

const (
	envPrefix        = "CSVEDIT_"
	activityCapacity = 1000
	shutdownTimeout  = 10 * time.Second
)

func env(name string) cli.ValueSourceChain {
	return cli.EnvVars(envPrefix + name)
}

// ServeCommand returns the CLI command definition for the 'serve' subcommand.
// This command starts the MCP server on stdio or streamable HTTP.
func ServeCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the CSV editing MCP server",
		Description: `Starts an MCP server exposing CSV editing sessions with undo/redo
history and auto-save. With --transport stdio (default) the agent talks to
the server over stdin/stdout. With --transport http the MCP endpoint is
served at /mcp next to /metrics and the web UI at /ui/.

Settings are layered: defaults, ~/.config/csvedit-mcp/config.{json,yaml},
.csvedit-mcp.{json,yaml} (searched up to the git root) or --config, then
flags and CSVEDIT_* environment variables. Config file edits are applied to
sessions created afterwards without a restart.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file (JSON or YAML); replaces the project config",
				Sources: env("CONFIG"),
			},
			&cli.StringFlag{
				Name:    "transport",
				Usage:   "MCP transport: stdio or http",
				Value:   "stdio",
				Sources: env("TRANSPORT"),
			},
			&cli.StringFlag{
				Name:    "http-host",
				Usage:   "HTTP transport bind address",
				Value:   "127.0.0.1",
				Sources: env("HTTP_HOST"),
			},
			&cli.IntFlag{
				Name:    "http-port",
				Usage:   "HTTP transport port",
				Value:   4390,
				Sources: env("HTTP_PORT"),
			},
			&cli.BoolFlag{
				Name:    "stateless",
				Usage:   "Run the HTTP transport without MCP sessions",
				Sources: env("STATELESS"),
			},
			&cli.StringFlag{
				Name:    "session-ttl",
				Usage:   "Idle time before a session expires (e.g. 60m)",
				Value:   session.DefaultTTL.String(),
				Sources: env("SESSION_TTL"),
			},
			&cli.IntFlag{
				Name:    "max-sessions",
				Usage:   "Maximum live sessions; the least recently used is evicted beyond it",
				Value:   session.DefaultMaxSessions,
				Sources: env("MAX_SESSIONS"),
			},
			&cli.IntFlag{
				Name:    "history-window",
				Usage:   "Dataset states retained per session history (0 for the default)",
				Sources: env("HISTORY_WINDOW"),
			},
			&cli.StringFlag{
				Name:    "auto-save-mode",
				Usage:   "Default auto-save mode: disabled, after_operation, periodic or hybrid",
				Value:   "after_operation",
				Sources: env("AUTO_SAVE_MODE"),
			},
			&cli.StringFlag{
				Name:    "auto-save-strategy",
				Usage:   "Default auto-save strategy: overwrite, backup, versioned or custom",
				Value:   "overwrite",
				Sources: env("AUTO_SAVE_STRATEGY"),
			},
			&cli.StringFlag{
				Name:    "backup-dir",
				Usage:   "Directory for backups, versions and saves of inline content",
				Sources: env("BACKUP_DIR"),
			},
			&cli.IntFlag{
				Name:    "webui-port",
				Usage:   "Web UI port (0 = same port as HTTP transport, off with stdio)",
				Sources: env("WEBUI_PORT"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level: debug, info, warn or error",
				Value:   "info",
				Sources: env("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "Also append logs to this file",
				Sources: env("LOG_FILE"),
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "Write JSON log lines instead of console output",
				Sources: env("LOG_JSON"),
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable verbose logging (same as --log-level debug)",
				Sources: env("VERBOSE"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServe(ctx, cmd, version)
		},
	}
}

// flagOverlay returns a Config holding only the flags set on the command
// line or through the environment, so they win over every config file.
func flagOverlay(cmd *cli.Command) *Config {
	cfg := &Config{}
	str := func(name string, dst *string) {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}
	num := func(name string, dst *int) {
		if cmd.IsSet(name) {
			*dst = cmd.Int(name)
		}
	}
	str("transport", &cfg.Transport)
	str("http-host", &cfg.HTTPHost)
	num("http-port", &cfg.HTTPPort)
	cfg.Stateless = cmd.Bool("stateless")
	str("session-ttl", &cfg.SessionTTL)
	num("max-sessions", &cfg.MaxSessions)
	num("history-window", &cfg.HistoryWindow)
	str("auto-save-mode", &cfg.AutoSaveMode)
	str("auto-save-strategy", &cfg.AutoSaveStrategy)
	str("backup-dir", &cfg.BackupDir)
	num("webui-port", &cfg.WebUIPort)
	str("log-level", &cfg.LogLevel)
	str("log-file", &cfg.LogFile)
	cfg.LogJSON = cmd.Bool("log-json")
	cfg.Verbose = cmd.Bool("verbose")
	return cfg
}

// resolveConfig layers config files and flags.
func resolveConfig(configPath string, overlay *Config) (*Config, error) {
	cfg, err := LoadEffectiveConfig(configPath)
	if err != nil {
		return nil, err
	}
	return MergeConfigs(cfg, overlay), nil
}

// runServe is the action handler for the serve command.
// It wires together all components: logging, metrics, the session registry,
// the MCP server, the web UI and config hot reload.
func runServe(cliCtx context.Context, cmd *cli.Command, version string) error {
	configPath := cmd.String("config")
	overlay := flagOverlay(cmd)

	cfg, err := resolveConfig(configPath, overlay)
	if err != nil {
		return err
	}
	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}

	logs, err := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		File:   cfg.LogFile,
		Pretty: !cfg.LogJSON,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logs.Close()
	log := logs.Component("serve")

	regCfg, err := cfg.RegistryConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Debug().
		Str("transport", cfg.Transport).
		Dur("session_ttl", regCfg.TTL).
		Int("max_sessions", regCfg.MaxSessions).
		Int("history_window", regCfg.HistoryWindow).
		Str("auto_save_mode", string(regCfg.AutoSave.Mode)).
		Str("auto_save_strategy", string(regCfg.AutoSave.Strategy)).
		Str("backup_dir", regCfg.AutoSave.BackupDir).
		Msg("configuration")

	// 1. Session registry with its collaborators
	m := metrics.New()
	activity := storage.NewActivityLog(activityCapacity)
	registry, err := session.NewRegistry(regCfg, session.Options{
		Logger:   logs.Zerolog(),
		Metrics:  m,
		Activity: activity,
	})
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}
	registry.Start()

	// 2. MCP server
	mcpServer, err := mcpserver.NewServer(registry, mcpserver.ServerOptions{
		Logger:  logs.Zerolog(),
		Metrics: m,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	log.Debug().Int("tools", len(mcpServer.Tools())).Strs("names", mcpServer.Tools()).Msg("MCP tools registered")

	ctx, cancel := context.WithCancel(cliCtx)
	defer cancel()

	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := registry.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("registry shutdown")
		}
	}()

	// 3. Config hot reload for new-session defaults
	if paths := ConfigPaths(configPath); len(paths) > 0 {
		watcher, err := NewConfigWatcher(paths, func() {
			reloadDefaults(registry, configPath, overlay, log)
		}, logs.Zerolog())
		if err != nil {
			log.Warn().Err(err).Msg("config hot reload disabled")
		} else {
			watcher.Start(ctx)
			defer watcher.Close()
			log.Debug().Strs("files", paths).Msg("watching config files")
		}
	}

	// 4. Setup graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
			cancel()
		case <-ctx.Done():
		}
	}()

	// 5. Run the selected transport
	switch cfg.Transport {
	case "", "stdio":
		return runStdio(ctx, cfg, mcpServer, registry, logs.Zerolog())
	case "http":
		return runHTTP(ctx, cfg, mcpServer, registry, m, logs.Zerolog())
	default:
		return fmt.Errorf("unknown transport %q (want stdio or http)", cfg.Transport)
	}
}

// reloadDefaults re-reads the config files and applies the TTL and auto-save
// defaults to the registry. Existing sessions keep their settings.
func reloadDefaults(registry *session.Registry, configPath string, overlay *Config, log zerolog.Logger) {
	cfg, err := resolveConfig(configPath, overlay)
	if err != nil {
		log.Warn().Err(err).Msg("config reload failed, keeping previous defaults")
		return
	}
	regCfg, err := cfg.RegistryConfig()
	if err != nil {
		log.Warn().Err(err).Msg("config reload rejected, keeping previous defaults")
		return
	}
	if err := registry.SetDefaults(regCfg.TTL, regCfg.AutoSave); err != nil {
		log.Warn().Err(err).Msg("config reload rejected, keeping previous defaults")
		return
	}
	log.Info().Msg("config reloaded")
}

// runStdio serves MCP on stdin/stdout. The web UI runs standalone only when
// a port is configured.
func runStdio(ctx context.Context, cfg *Config, mcpServer *mcpserver.Server, registry *session.Registry, baseLog zerolog.Logger) error {
	log := baseLog.With().Str("component", "serve").Logger()

	if cfg.WebUIPort > 0 {
		addr := net.JoinHostPort(cfg.WebUIHost, strconv.Itoa(cfg.WebUIPort))
		ui := webui.New(registry, baseLog)
		go func() {
			if err := ui.ListenAndServe(ctx, addr); err != nil {
				log.Error().Err(err).Str("addr", addr).Msg("web UI stopped")
			}
		}()
		log.Info().Str("url", "http://"+addr+"/ui/").Msg("web UI listening")
	}

	log.Info().Msg("MCP server ready on stdio")
	if err := mcpServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

// newHTTPMux mounts the MCP endpoint, metrics and the web UI on one mux.
func newHTTPMux(cfg *Config, mcpServer *mcpserver.Server, registry *session.Registry, m *metrics.Metrics, baseLog zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer.MCPServer()
	}, &mcp.StreamableHTTPOptions{Stateless: cfg.Stateless})
	mux.Handle("/mcp", handler)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok %d sessions\n", registry.Len())
	})
	if cfg.WebUIPort == 0 || cfg.WebUIPort == cfg.HTTPPort {
		webui.New(registry, baseLog).RegisterRoutes(mux)
	}
	return mux
}

// runHTTP serves MCP over streamable HTTP until ctx is cancelled.
func runHTTP(ctx context.Context, cfg *Config, mcpServer *mcpserver.Server, registry *session.Registry, m *metrics.Metrics, baseLog zerolog.Logger) error {
	log := baseLog.With().Str("component", "serve").Logger()
	addr := net.JoinHostPort(cfg.HTTPHost, strconv.Itoa(cfg.HTTPPort))

	server := &http.Server{
		Addr:              addr,
		Handler:           newHTTPMux(cfg, mcpServer, registry, m, baseLog),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if cfg.WebUIPort > 0 && cfg.WebUIPort != cfg.HTTPPort {
		uiAddr := net.JoinHostPort(cfg.WebUIHost, strconv.Itoa(cfg.WebUIPort))
		ui := webui.New(registry, baseLog)
		go func() {
			if err := ui.ListenAndServe(ctx, uiAddr); err != nil {
				log.Error().Err(err).Str("addr", uiAddr).Msg("web UI stopped")
			}
		}()
		log.Info().Str("url", "http://"+uiAddr+"/ui/").Msg("web UI listening")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().Str("mcp", "http://"+addr+"/mcp").Str("metrics", "http://"+addr+"/metrics").Msg("MCP server ready on HTTP")

	select {
	case <-ctx.Done():
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	}
}
