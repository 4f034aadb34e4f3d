// aglink bridges local callers to a browser-hosted conversational agent:
// it drives the agent's chat page over the browser's remote-debugging
// socket and exposes a local HTTP/WebSocket API for sending messages and
// reading replies.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/WintryWind7/Antigravity-Link/pkg/capability"
	"github.com/WintryWind7/Antigravity-Link/pkg/config"
	"github.com/WintryWind7/Antigravity-Link/pkg/devtools"
	"github.com/WintryWind7/Antigravity-Link/pkg/gateway"
	"github.com/WintryWind7/Antigravity-Link/pkg/logging"
	"github.com/WintryWind7/Antigravity-Link/pkg/orchestrator"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const reconnectInterval = 5 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "send":
		err = runSend(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "messages":
		err = runMessages(os.Args[2:])
	case "diagnose":
		err = runDiagnose(os.Args[2:])
	case "version":
		fmt.Printf("aglink %s (%s, built %s)\n", version, commit, buildDate)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Print(`aglink - bridge to a browser-hosted conversational agent

Usage:
  aglink serve [flags]       Run the bridge daemon
  aglink send <text>         Send a message and print the reply
  aglink status              Show bridge and connection status
  aglink messages            Print the conversation transcript
  aglink diagnose            Dump page diagnostics
  aglink version             Print version

Serve flags:
  -config <path>    Config file (default: ~/.aglink/config.yaml)
  -bind <addr>      Override gateway bind address
  -devtools-url <ws://...>  Skip discovery and dial this endpoint

Client flags (send/status/messages/diagnose):
  -url <base>       Gateway base URL (default http://127.0.0.1:4777)
  -token <token>    Bearer token (or AGLINK_AUTH_TOKEN)
  -timeout <dur>    Reply timeout for send (default 2m)
`)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	bind := fs.String("bind", "", "gateway bind address override")
	devtoolsURL := fs.String("devtools-url", "", "devtools websocket endpoint override")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *bind != "" {
		cfg.Gateway.BindAddress = *bind
	}
	if *devtoolsURL != "" {
		cfg.DevTools.URL = *devtoolsURL
	}

	if cfg.Logging.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		cfg.Logging.Dir = filepath.Join(home, ".aglink", "logs")
	}

	sessionID := time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
	logger, err := logging.NewLogger(cfg.Logging.Dir, sessionID)
	if err != nil {
		return fmt.Errorf("opening logs: %w", err)
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn := devtools.NewConn(devtools.Options{
		DialTimeout: cfg.DevTools.DialTimeout,
		Logger:      logger,
	})
	defer conn.Close()

	capClient := capability.NewClient(conn, capability.Options{
		CallTimeout: cfg.DevTools.CallTimeout,
		Logger:      logger,
	})

	var srv *gateway.Server
	orch := orchestrator.New(capClient, orchestrator.Options{
		Compose: cfg.Compose,
		Wait:    cfg.Wait,
		Logger:  logger,
		OnPhase: func(p orchestrator.Phase) {
			if srv != nil {
				srv.Hub().Publish("send.phase", map[string]any{"phase": string(p)})
			}
		},
	})

	srv = gateway.NewServer(gateway.Config{
		BindAddress:    cfg.Gateway.BindAddress,
		AuthToken:      cfg.Gateway.AuthToken,
		RequireToken:   cfg.Gateway.RequireToken,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		PublicMetrics:  cfg.Gateway.PublicMetrics,
		Version:        version,
	}, orch, capClient, conn, logger)

	// First connection attempt is best effort; the supervisor below keeps
	// retrying, so the gateway comes up even when the browser is not ready.
	if err := connectOnce(ctx, conn, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: devtools connection failed, will retry: %v\n", err)
	}

	fmt.Printf("aglink %s listening on %s\n", version, cfg.Gateway.BindAddress)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		superviseConnection(gctx, conn, cfg, logger, srv.Hub())
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// connectOnce resolves the devtools endpoint and dials it.
func connectOnce(ctx context.Context, conn *devtools.Conn, cfg *config.Config) error {
	endpoint := cfg.DevTools.URL
	if endpoint == "" {
		discovered, err := devtools.DiscoverPageTarget(ctx, cfg.DevTools.DiscoveryBaseURL())
		if err != nil {
			return err
		}
		endpoint = discovered
	}
	return conn.Connect(ctx, endpoint)
}

// superviseConnection redials whenever the transport drops. The page target
// can change across browser restarts, so discovery reruns on every attempt.
func superviseConnection(ctx context.Context, conn *devtools.Conn, cfg *config.Config, logger *logging.Logger, hub *gateway.Hub) {
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()
	wasConnected := conn.State() == devtools.StateConnected
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		connected := conn.State() == devtools.StateConnected
		if connected {
			if !wasConnected {
				hub.Publish("connection.state", map[string]any{"state": "connected"})
			}
			wasConnected = true
			continue
		}
		if wasConnected {
			hub.Publish("connection.state", map[string]any{"state": "disconnected"})
			wasConnected = false
		}
		if err := connectOnce(ctx, conn, cfg); err != nil {
			logger.Warn(logging.CategoryConnection, "reconnect_failed", "devtools redial failed",
				map[string]any{"error": err.Error()})
		}
	}
}
