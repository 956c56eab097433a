// Command codex-bridge runs the remote agent bridge: a single-session relay
// that drives a Codex backend on behalf of a remote hub.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hapihub/codex-bridge/internal/bridge/launcher"
	"github.com/hapihub/codex-bridge/internal/bridge/mcpbridge"
	"github.com/hapihub/codex-bridge/internal/bridge/msgbuffer"
	"github.com/hapihub/codex-bridge/internal/bridge/queue"
	"github.com/hapihub/codex-bridge/internal/bridge/session"
	"github.com/hapihub/codex-bridge/internal/bridge/transport"
	appservertransport "github.com/hapihub/codex-bridge/internal/bridge/transport/appserver"
	mcptransport "github.com/hapihub/codex-bridge/internal/bridge/transport/mcpserver"
	sdktransport "github.com/hapihub/codex-bridge/internal/bridge/transport/sdk"
	"github.com/hapihub/codex-bridge/internal/common/config"
	"github.com/hapihub/codex-bridge/internal/common/logger"
	"github.com/hapihub/codex-bridge/internal/common/tracing"
	"github.com/hapihub/codex-bridge/internal/hub"
	"go.uber.org/zap"
)

// exitCodeSwitch tells the surrounding runner to relaunch the local-mode
// counterpart.
const exitCodeSwitch = 3

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Fatal("failed to load config", zap.Error(err))
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		logger.Default().Fatal("failed to create logger", zap.Error(err))
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		if err := tracing.Init(ctx, cfg.Tracing.Endpoint); err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		}
	}

	sess := session.New(cfg.Bridge.WorkDir)
	sess.SetMode(session.EnhancedMode{
		PermissionMode:  session.PermissionMode(cfg.Bridge.PermissionMode),
		Model:           cfg.Bridge.Model,
		ReasoningEffort: cfg.Bridge.ReasoningEffort,
	})

	q := queue.New(cfg.Queue.MaxSize)
	buf := msgbuffer.New(cfg.Buffer.MaxEntries)

	hubClient := hub.NewClient(cfg.Hub.URL, log)
	if err := hubClient.Connect(ctx, cfg.Hub.Token); err != nil {
		log.Fatal("failed to connect to hub", zap.Error(err))
	}
	defer func() { _ = hubClient.Close() }()

	var bridge *mcpbridge.Bridge
	if cfg.Bridge.McpBridgePort > 0 {
		bridge, err = mcpbridge.New(hubClient, cfg.Bridge.McpBridgePort, log)
		if err != nil {
			log.Warn("failed to start mcp bridge", zap.Error(err))
		} else {
			defer bridge.Stop()
		}
	}

	kind := transport.Select(os.Getenv)
	var tr transport.Transport
	switch kind {
	case transport.KindSDK:
		tr = sdktransport.New(sdktransport.NewExecClient(cfg.Bridge.CodexBin, log), log)
	case transport.KindMCP:
		tr = mcptransport.New(cfg.Bridge.CodexBin, log)
	default:
		tr = appservertransport.New(cfg.Bridge.CodexBin, log)
	}
	log.Info("transport selected", zap.String("kind", string(kind)))

	l := launcher.New(cfg, sess, q, buf, hubClient, tr, log)
	if bridge != nil {
		servers := make(map[string]string, len(bridge.MCPServers))
		for name, spec := range bridge.MCPServers {
			servers[name] = spec.URL
		}
		l.SetMCPServers(servers)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		l.Stop(launcher.ReasonExit)
	}()

	reason, err := l.Run(ctx)
	_ = tracing.Shutdown(context.Background())
	if err != nil {
		log.Error("bridge exited with error", zap.Error(err))
		os.Exit(1)
	}
	if reason == launcher.ReasonSwitch {
		os.Exit(exitCodeSwitch)
	}
}
