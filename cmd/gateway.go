package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/agent"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/bus"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/channels"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/channels/channeltalk"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/config"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/routing"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/sessions"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/tracing"
	"github.com/nextlevelbuilder/goclaw-channeltalk/pkg/protocol"
)

const shutdownTimeout = 10 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the webhook listener (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !cfg.ChannelTalk().IsEnabled() {
		slog.Info("channel-talk is disabled in config, nothing to run", "config", cfgPath)
		return
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "config", cfgPath, "error", err)
		if errors.Is(err, config.ErrMissingCredentials) {
			fmt.Fprintln(os.Stderr, "Set CHANNELTALK_ACCESS_KEY and CHANNELTALK_ACCESS_SECRET, or run: channeltalk onboard")
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}

	store, err := sessions.Open(cfg.Session)
	if err != nil {
		slog.Error("failed to open session store", "driver", cfg.Session.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	msgBus := bus.New()
	defer msgBus.Close()
	msgBus.Subscribe("log", func(ev bus.Event) {
		if ev.Name == protocol.EventChannelStatus {
			slog.Debug("bus event", "name", ev.Name, "payload", ev.Payload)
		}
	})

	channelMgr := channels.NewManager(msgBus, msgBus)
	systemEvents := bus.NewSystemEvents(msgBus)

	ch, err := buildChannel(cfg, store, systemEvents, channelMgr)
	if err != nil {
		slog.Error("failed to create channel-talk channel", "error", err)
		os.Exit(1)
	}
	channelMgr.RegisterChannel(ch.Name(), ch)

	watcher := config.NewWatcher(cfgPath, cfg, ch.ApplyConfig)

	var g errgroup.Group
	g.Go(func() error { return channelMgr.StartAll(ctx) })
	g.Go(func() error {
		if _, err := os.Stat(cfgPath); err != nil {
			slog.Debug("config file not found, hot reload disabled", "path", cfgPath)
			return nil
		}
		return watcher.Start(ctx)
	})
	if err := g.Wait(); err != nil {
		slog.Error("startup failed", "error", err)
		stop()
		os.Exit(1)
	}

	ct := cfg.ChannelTalk()
	slog.Info("channeltalk gateway started",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"port", ct.Webhook.Port,
		"path", ct.Webhook.Path,
		"agent_gateway", cfg.Gateway.URL,
		"session_driver", cfg.Session.Driver,
		"channels", channelMgr.GetEnabledChannels(),
	)

	<-ctx.Done()
	slog.Info("graceful shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := channelMgr.StopAll(shutdownCtx); err != nil {
		slog.Warn("channel shutdown", "error", err)
	}
	if err := ch.Drain(shutdownCtx); err != nil {
		slog.Warn("in-flight dispatches cut off at shutdown timeout", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown", "error", err)
	}
}

// buildChannel wires the Channel Talk channel to the agent gateway, the
// session store and the status reporter.
func buildChannel(cfg *config.Config, store sessions.Store, events *bus.SystemEvents, status channels.StatusReporter) (*channeltalk.Channel, error) {
	gw := agent.NewGatewayDispatcher(agent.GatewayOptions{
		URL:     cfg.Gateway.URL,
		Token:   cfg.Gateway.Token,
		Timeout: time.Duration(cfg.Gateway.TimeoutSec) * time.Second,
		Events:  events,
	})
	return channeltalk.New(cfg, channeltalk.Deps{
		Router:   routing.NewResolver(cfg),
		Sessions: store,
		Events:   events,
		Agent:    gw,
		Status:   status,
	})
}
